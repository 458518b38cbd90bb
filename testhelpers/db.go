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

// Package testhelpers provides databases for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/postgres"

	wqdbmigrations "github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb/migrations"
)

// SetupTestWQDB returns a pool on a fresh, migrated work queue database.
//
// With WQDB_TEST_HOST set, a throwaway database is created on that server
// (WQDB_TEST_PORT, WQDB_TEST_USER, WQDB_TEST_PASSWORD and WQDB_TEST_DBNAME
// as the maintenance database). Otherwise a postgres container is started
// with gnomock. Everything is removed by t.Cleanup.
func SetupTestWQDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	var connStr string
	if os.Getenv("WQDB_TEST_HOST") != "" {
		connStr = createDatabase(t)
	} else {
		connStr = startContainer(t)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test wqdb: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := wqdbmigrations.RunMigrationsUp(ctx, pool); err != nil {
		t.Fatalf("Failed to run wqdb migrations: %v", err)
	}
	return pool
}

func startContainer(t *testing.T) string {
	t.Helper()

	const (
		user     = "dai"
		password = "dai"
		dbName   = "wqdb"
	)
	container, err := gnomock.Start(
		postgres.Preset(
			postgres.WithUser(user, password),
			postgres.WithDatabase(dbName),
		),
		gnomock.WithTimeout(2*time.Minute),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := gnomock.Stop(container); err != nil {
			slog.Error("Failed to stop postgres container", slog.Any("error", err))
		}
	})

	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(user, password),
		Host:     container.DefaultAddress(),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func createDatabase(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	dbName := fmt.Sprintf("test_wqdb_%d_%d", time.Now().Unix(), rand.IntN(10000))

	connStr := func(db string) string {
		u := url.URL{
			Scheme: "postgresql",
			Host:   getEnvOrDefault("WQDB_TEST_HOST", "localhost") + ":" + getEnvOrDefault("WQDB_TEST_PORT", "5432"),
			Path:   db,
		}
		user := getEnvOrDefault("WQDB_TEST_USER", os.Getenv("USER"))
		if password := os.Getenv("WQDB_TEST_PASSWORD"); password != "" {
			u.User = url.UserPassword(user, password)
			u.RawQuery = "sslmode=disable"
		} else {
			u.User = url.User(user)
		}
		return u.String()
	}

	basePool, err := pgxpool.New(ctx, connStr(getEnvOrDefault("WQDB_TEST_DBNAME", "postgres")))
	if err != nil {
		t.Fatalf("Failed to connect to base database: %v", err)
	}
	if _, err := basePool.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		basePool.Close()
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	// Registered first so it runs after the pool opened by the caller is closed.
	t.Cleanup(func() {
		defer basePool.Close()
		if _, err := basePool.Exec(context.Background(), "DROP DATABASE IF EXISTS "+dbName); err != nil {
			slog.Error("Failed to drop test database", slog.String("dbName", dbName), slog.Any("error", err))
		}
	})
	return connStr(dbName)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
