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
	"strings"

	"github.com/spf13/cobra"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/config"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/housekeeping"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/nodestate"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

func init() {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Record node housekeeping changes",
	}

	var (
		kind  string
		synth bool
	)
	setStateCmd := &cobra.Command{
		Use:   "set-state LCTN STATE",
		Short: "Set a node's state",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			k, err := parseNodeKind(kind)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, cancel := handleSignals(context.Background())
			defer cancel()

			name := cliAdapterType + "-" + hostname()
			svc, err := openServices(ctx, cfg, name)
			if err != nil {
				return err
			}
			// Close waits for the asynchronous update to complete.
			defer svc.Close()

			u := nodestate.NewUpdater(svc.client, svc.dispatcher, cliAdapterType, name)
			if err := u.SetState(ctx, nodestate.Change{
				Kind:           k,
				Location:       args[0],
				WorkItemID:     workqueue.NoWorkItem,
				UsingSynthData: synth,
			}, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "submitted state %s for %s %s\n", args[1], k, args[0])
			return nil
		},
	}
	setStateCmd.Flags().StringVar(&kind, "kind", "compute", "Node kind: compute or service")
	setStateCmd.Flags().BoolVar(&synth, "synthesized", false, "Mark the change as made on synthesized data")

	nodeCmd.AddCommand(setStateCmd)
	rootCmd.AddCommand(nodeCmd)
}

func parseNodeKind(s string) (housekeeping.NodeKind, error) {
	switch strings.ToLower(s) {
	case "", "compute":
		return housekeeping.NodeCompute, nil
	case "service":
		return housekeeping.NodeService, nil
	}
	return housekeeping.NodeNone, fmt.Errorf("unknown node kind %q", s)
}
