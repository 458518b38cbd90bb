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
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/dbopen"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb"
	wqdbmigrations "github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb/migrations"
)

var migrateDown bool

func init() {
	MigrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back every migration instead of applying them")
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Bring the work queue database schema up to date",
	RunE:  migrate,
}

func migrate(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	pool, err := wqdb.ConnectToWQDB(ctx, dbopen.SkipMigrationCheck())
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrateDown {
		slog.Info("Rolling back wqdb migrations")
		if err := wqdbmigrations.RunMigrationsDown(ctx, pool); err != nil {
			return fmt.Errorf("failed to roll back wqdb: %w", err)
		}
		return nil
	}

	slog.Info("Running wqdb migrations")
	if err := wqdbmigrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate wqdb: %w", err)
	}
	slog.Info("wqdb migrations completed successfully")
	return nil
}
