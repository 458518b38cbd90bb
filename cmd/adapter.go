// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/config"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/adapter"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/healthcheck"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/nodestate"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

const adapterCloseTimeout = 30 * time.Second

func init() {
	var (
		adapterType string
		name        string
		id          int64
		queue       string
		location    string
		sweep       bool
	)

	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Run an adapter that claims and executes work items",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			attrs := attribute.NewSet(attribute.String("adapter_type", adapterType))
			doneCtx, doneFx, err := setupTelemetry("dai-adapter", &attrs)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			if id == 0 {
				id = myInstanceID
			}
			if name == "" {
				name = adapterType + "-" + hostname()
			}
			if location == "" {
				location = hostname()
			}
			if !sweep {
				cfg.Workqueue.SweepInterval = 0
			}

			return runAdapter(doneCtx, cfg, workqueue.Identity{
				Type:     adapterType,
				Name:     name,
				ID:       id,
				Pid:      int64(os.Getpid()),
				Location: location,
			}, queue)
		},
	}

	cmd.Flags().StringVar(&adapterType, "type", "", "Adapter type; also the default queue it serves")
	cmd.Flags().StringVar(&name, "name", "", "Adapter name (default <type>-<hostname>)")
	cmd.Flags().Int64Var(&id, "id", 0, "Adapter instance id (default generated)")
	cmd.Flags().StringVar(&queue, "queue", "", "Only claim work from this queue")
	cmd.Flags().StringVar(&location, "location", "", "Location the adapter runs at (default hostname)")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Also requeue the work of dead adapters")
	_ = cmd.MarkFlagRequired("type")

	rootCmd.AddCommand(cmd)
}

func runAdapter(ctx context.Context, cfg *config.Config, who workqueue.Identity, queue string) error {
	ll := slog.Default().With(slog.String("adapterType", who.Type), slog.String("adapterName", who.Name))

	svc, err := openServices(ctx, cfg, who.Name)
	if err != nil {
		return err
	}
	defer svc.Close()
	hc := svc.startHealth(ctx)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	mgr := workqueue.NewManager(svc.store, who,
		workqueue.WithStaleThreshold(cfg.Workqueue.StaleThreshold),
		workqueue.WithPollInterval(cfg.Workqueue.PollInterval),
		workqueue.WithLogger(ll),
		workqueue.WithShutdownFunc(stop))
	if err := mgr.Initialize(ctx); err != nil {
		hc.SetStatus(healthcheck.StatusUnhealthy)
		return err
	}

	updater := nodestate.NewUpdater(svc.client, svc.dispatcher, who.Type, who.Name, nodestate.WithLogger(ll))

	runner := adapter.NewRunner(mgr, cfg.Workqueue, adapter.WithQueue(queue), adapter.WithLogger(ll))
	runner.Handle(adapter.CommandEcho, adapter.Echo)
	runner.Handle(adapter.CommandSetNodeState, adapter.SetNodeState(updater))

	hc.SetStatus(healthcheck.StatusHealthy)
	runErr := runner.Run(runCtx)
	if runErr != nil {
		hc.SetStatus(healthcheck.StatusUnhealthy)
	}

	var lost *adapter.HeartbeatLostError
	if errors.As(runErr, &lost) {
		ll.Error("Adapter was declared dead, exiting without deregistering", slog.Any("error", runErr))
		return runErr
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), adapterCloseTimeout)
	defer cancel()
	if err := mgr.Close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	ll.Info("Adapter stopped")
	return runErr
}
