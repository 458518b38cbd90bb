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

	"github.com/spf13/cobra"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/config"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/healthcheck"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/sweeper"
)

func init() {
	var depthTypes []string

	cmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Requeue the work of dead adapters and archive old work items",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			servicename := "dai-sweeper"
			doneCtx, doneFx, err := setupTelemetry(servicename, nil)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			svc, err := openServices(doneCtx, cfg, servicename)
			if err != nil {
				return err
			}
			defer svc.Close()
			hc := svc.startHealth(doneCtx)

			s := sweeper.New(svc.store, sweeper.Config{
				StaleThreshold:  cfg.Workqueue.StaleThreshold,
				SweepInterval:   cfg.Workqueue.SweepInterval,
				ArchiveInterval: cfg.Archive.Interval,
				ArchiveMinAge:   cfg.Archive.MinAge,
				ArchiveMaxRows:  cfg.Archive.MaxRows,
				DepthInterval:   cfg.Workqueue.SweepInterval,
			}, sweeper.WithDepthTypes(depthTypes...))

			hc.SetStatus(healthcheck.StatusHealthy)
			err = s.Run(doneCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			hc.SetStatus(healthcheck.StatusUnhealthy)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&depthTypes, "depth-types", nil, "Adapter types whose queue depth is always reported")
	rootCmd.AddCommand(cmd)
}
