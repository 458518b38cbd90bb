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
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/migrations"
)

func TestLatestVersion(t *testing.T) {
	got, err := latestVersion(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, uint(1761000100), got)

	got, err = latestVersion(fstest.MapFS{
		"3_c.up.sql":    {},
		"10_b.up.sql":   {},
		"11_a.down.sql": {},
		"junk.up.sql":   {},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(10), got)

	_, err = latestVersion(fstest.MapFS{"README": {}})
	assert.Error(t, err)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIGRATION_CHECK_TIMEOUT", "30s")
	t.Setenv("MIGRATION_CHECK_RETRY_INTERVAL", "2s")
	t.Setenv("MIGRATION_CHECK_ALLOW_DIRTY", "TRUE")

	opts := migrations.DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 2*time.Second, opts.RetryInterval)
	assert.True(t, opts.AllowDirty)
}

func TestMigrationCheckEnabled(t *testing.T) {
	t.Setenv("WQDB_MIGRATION_CHECK_ENABLED", "")
	assert.True(t, migrationCheckEnabled())
	t.Setenv("WQDB_MIGRATION_CHECK_ENABLED", "false")
	assert.False(t, migrationCheckEnabled())
}

func TestWaitForVersion(t *testing.T) {
	ctx := context.Background()
	wait := migrations.CheckOptions{Mode: migrations.CheckModeWait, Timeout: time.Second, RetryInterval: time.Millisecond}
	warn := migrations.CheckOptions{Mode: migrations.CheckModeWarn}

	fixed := func(v uint, dirty bool) func() (uint, bool, error) {
		return func() (uint, bool, error) { return v, dirty, nil }
	}

	assert.NoError(t, waitForVersion(ctx, 5, wait, fixed(5, false)))
	assert.ErrorContains(t, waitForVersion(ctx, 5, wait, fixed(6, false)), "newer than expected")
	assert.NoError(t, waitForVersion(ctx, 5, warn, fixed(6, false)))
	assert.NoError(t, waitForVersion(ctx, 5, warn, fixed(4, false)))
	assert.ErrorContains(t, waitForVersion(ctx, 5, wait, fixed(5, true)), "dirty")
	assert.NoError(t, waitForVersion(ctx, 5, warn, fixed(5, true)))

	calls := 0
	catchingUp := func() (uint, bool, error) {
		calls++
		if calls < 3 {
			return 4, false, nil
		}
		return 5, false, nil
	}
	assert.NoError(t, waitForVersion(ctx, 5, wait, catchingUp))
	assert.Equal(t, 3, calls)

	short := wait
	short.Timeout = 0
	assert.ErrorContains(t, waitForVersion(ctx, 5, short, fixed(4, false)), "timeout")

	boom := errors.New("boom")
	assert.ErrorIs(t, waitForVersion(ctx, 5, wait, func() (uint, bool, error) { return 0, false, boom }), boom)
}
