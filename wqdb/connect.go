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

package wqdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/dbopen"
	wqdbmigrations "github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb/migrations"
)

// ConnectToWQDB opens the work queue database named by the WQDB_*
// environment and checks its schema version.
func ConnectToWQDB(ctx context.Context, opts ...dbopen.Options) (*pgxpool.Pool, error) {
	connectionString, err := dbopen.GetDatabaseURLFromEnv("WQDB")
	if err != nil {
		return nil, errors.Join(dbopen.ErrDatabaseNotConfigured, fmt.Errorf("failed to get WQDB connection string: %w", err))
	}

	pool, err := NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	if err := wqdbmigrations.CheckVersion(ctx, pool, dbopen.CheckOptions(opts...)...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("WQDB migration version check failed: %w", err)
	}
	return pool, nil
}

// Open connects and returns a Store over the pool. Closing the Store
// closes the pool.
func Open(ctx context.Context, storeOpts []Options, opts ...dbopen.Options) (*Store, error) {
	pool, err := ConnectToWQDB(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewStore(pool, storeOpts...), nil
}
