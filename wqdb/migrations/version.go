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

package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/migrations"
)

// CheckVersion verifies that the wqdb schema is at the version embedded in
// this binary. In wait mode it polls until a concurrent migrate job
// catches up or the timeout expires.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...migrations.CheckOption) error {
	if !migrationCheckEnabled() {
		slog.Debug("Migration version checking disabled for wqdb")
		return nil
	}

	opts := migrations.Resolve(options...)
	if opts.Mode == migrations.CheckModeSkip {
		slog.Debug("Migration version checking skipped for wqdb")
		return nil
	}
	applyEnvironmentOverrides(&opts)

	expected, err := latestVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version for wqdb: %w", err)
	}
	return waitForVersion(ctx, expected, opts, func() (uint, bool, error) {
		return currentVersion(pool)
	})
}

func migrationCheckEnabled() bool {
	if val := os.Getenv("WQDB_MIGRATION_CHECK_ENABLED"); val != "" {
		return strings.EqualFold(val, "true")
	}
	return true
}

func applyEnvironmentOverrides(opts *migrations.CheckOptions) {
	if val := os.Getenv("MIGRATION_CHECK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.Timeout = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_RETRY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.RetryInterval = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_ALLOW_DIRTY"); val != "" {
		opts.AllowDirty = strings.EqualFold(val, "true")
	}
}

// latestVersion returns the highest version prefix among the up files,
// e.g. 1761000000 for "1761000000_initial.up.sql".
func latestVersion(files fs.ReadDirFS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(v))
	}
	if maxVersion == 0 {
		return 0, fmt.Errorf("no valid migration files found")
	}
	return maxVersion, nil
}

func waitForVersion(ctx context.Context, expected uint, opts migrations.CheckOptions, current func() (uint, bool, error)) error {
	deadline := time.Now().Add(opts.Timeout)
	for {
		version, dirty, err := current()
		if err != nil {
			return fmt.Errorf("failed to get current migration version for wqdb: %w", err)
		}
		if dirty && !opts.AllowDirty {
			if opts.Mode != migrations.CheckModeWarn {
				return fmt.Errorf("database wqdb migration is in dirty state, please fix before proceeding")
			}
			slog.Warn("Database migration is in dirty state, but continuing anyway", slog.String("database", "wqdb"))
		}

		switch {
		case version == expected:
			return nil
		case version > expected:
			if opts.Mode == migrations.CheckModeWarn {
				slog.Warn("Database version is newer than expected, but continuing anyway",
					slog.Uint64("current_version", uint64(version)),
					slog.Uint64("expected_version", uint64(expected)))
				return nil
			}
			return fmt.Errorf("database wqdb version %d is newer than expected version %d - you may need to update the application",
				version, expected)
		case opts.Mode == migrations.CheckModeWarn:
			slog.Warn("Database version is older than expected, but continuing anyway",
				slog.Uint64("current_version", uint64(version)),
				slog.Uint64("expected_version", uint64(expected)))
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for wqdb migration to complete: current version %d, expected %d",
				version, expected)
		}
		slog.Info("Waiting for migrations to complete",
			slog.String("database", "wqdb"),
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))

		t := time.NewTimer(opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("context cancelled while waiting for wqdb migrations: %w", ctx.Err())
		case <-t.C:
		}
	}
}
