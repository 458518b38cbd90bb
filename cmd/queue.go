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
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/config"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

// cliAdapterType is recorded as the requester of work queued from here.
const cliAdapterType = "CLI"

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue and inspect work items",
}

func init() {
	var (
		adapterType string
		command     string
		params      []string
		rawParams   string
		wait        bool
		timeout     time.Duration
	)

	addCmd := &cobra.Command{
		Use:   "add QUEUE",
		Short: "Queue a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			parameters := rawParams
			if len(params) > 0 {
				if rawParams != "" {
					return fmt.Errorf("--param and --raw-params are mutually exclusive")
				}
				m, err := parseParams(params)
				if err != nil {
					return err
				}
				parameters = workqueue.EncodeParameterMap(m)
			}
			return withStore(func(ctx context.Context, store *workqueue.Store) error {
				id, err := store.Create(ctx, workqueue.CreateParams{
					Queue:                 args[0],
					WorkingAdapterType:    adapterType,
					WorkToBeDone:          command,
					Parameters:            parameters,
					NotifyWhenFinished:    wait,
					RequestingAdapterType: cliAdapterType,
					RequestingWorkItemID:  workqueue.NoRequestingWorkItem,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "queued work item %d\n", id)
				if !wait {
					return nil
				}
				workingType := adapterType
				if workingType == "" {
					workingType = args[0]
				}
				return waitAndPrint(ctx, c.OutOrStdout(), store, workingType, id, timeout)
			})
		},
	}
	addCmd.Flags().StringVar(&adapterType, "type", "", "Adapter type that should run the item (default the queue name)")
	addCmd.Flags().StringVar(&command, "command", "", "Work to be done")
	addCmd.Flags().StringArrayVar(&params, "param", nil, "Parameter as key=value; may be repeated")
	addCmd.Flags().StringVar(&rawParams, "raw-params", "", "Parameters passed through unchanged")
	addCmd.Flags().BoolVar(&wait, "wait", false, "Wait for the item to finish and print its results")
	addCmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	_ = addCmd.MarkFlagRequired("command")

	statusCmd := &cobra.Command{
		Use:   "status TYPE ID",
		Short: "Show a work item's state and results",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid work item id %q: %w", args[1], err)
			}
			return withStore(func(ctx context.Context, store *workqueue.Store) error {
				item, err := store.Status(ctx, args[0], id)
				if err != nil {
					return err
				}
				printItem(c.OutOrStdout(), id, item)
				return nil
			})
		},
	}

	var waitTimeout time.Duration
	waitCmd := &cobra.Command{
		Use:   "wait TYPE ID",
		Short: "Wait for a work item to finish, print its results and archive it",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid work item id %q: %w", args[1], err)
			}
			return withStore(func(ctx context.Context, store *workqueue.Store) error {
				return waitAndPrint(ctx, c.OutOrStdout(), store, args[0], id, waitTimeout)
			})
		},
	}
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "Give up after this long (0 waits forever)")

	queueCmd.AddCommand(addCmd, statusCmd, waitCmd)
	rootCmd.AddCommand(queueCmd)
}

// withStore runs f against a work queue store for the short-lived CLI
// commands.
func withStore(f func(ctx context.Context, store *workqueue.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupGlobalMetrics()
	ctx, cancel := handleSignals(context.Background())
	defer cancel()

	svc, err := openServices(ctx, cfg, cliAdapterType+"-"+hostname())
	if err != nil {
		return err
	}
	defer svc.Close()
	return f(ctx, svc.store)
}

func waitAndPrint(ctx context.Context, w io.Writer, store *workqueue.Store, adapterType string, id int64, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	requester := workqueue.Identity{Type: cliAdapterType, Name: cliAdapterType + "-" + hostname()}

	start := time.Now()
	item, err := store.WaitForCompletion(ctx, adapterType, id, workqueue.DefaultPollInterval, requester, workqueue.NoRequestingWorkItem)
	if err != nil {
		return err
	}
	queueWaitDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("adapter_type", adapterType),
		attribute.String("state", item.State.String()),
	))
	printItem(w, id, item)
	return nil
}

func printItem(w io.Writer, id int64, item *workqueue.WorkItem) {
	if item == nil {
		fmt.Fprintf(w, "work item %d: %s\n", id, workqueue.WorkItemNotFound)
		return
	}
	fmt.Fprintf(w, "work item %d: state=%s workToBeDone=%s requeues=%d\n",
		id, item.State, item.WorkToBeDone, item.RequeueCount)
	if item.State.Terminal() {
		fmt.Fprintf(w, "results: %s\n", item.Results)
	} else if item.WorkingResults != "" {
		fmt.Fprintf(w, "working results: %s\n", item.WorkingResults)
	}
}

// parseParams turns key=value pairs into a parameter map. The value may
// itself contain '='.
func parseParams(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
