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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rescodec"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, workqueue.DefaultConfig(), cfg.Workqueue)
	assert.Equal(t, rescodec.DefaultConfig(), cfg.Codec)
	assert.Equal(t, 16, cfg.Backend.AsyncWorkers)
	assert.Equal(t, 30*time.Second, cfg.Backend.AsyncTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Housekeeping.DedupeTTL)
	assert.Equal(t, 10*time.Minute, cfg.RasEvent.MetaDataTTL)
	assert.Equal(t, 1000, cfg.Archive.MaxRows)
	assert.Equal(t, 8090, cfg.Health.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DAI_WORKQUEUE_STALE_THRESHOLD", "90s")
	t.Setenv("DAI_WORKQUEUE_HEARTBEAT_MAX_FAILURES", "5")
	t.Setenv("DAI_CODEC_MAX_ENCODED_LENGTH", "4096")
	t.Setenv("DAI_BACKEND_ASYNC_WORKERS", "4")
	t.Setenv("DAI_HOUSEKEEPING_DEDUPE_TTL", "1m")
	t.Setenv("DAI_ARCHIVE_INTERVAL", "0s")
	t.Setenv("DAI_HEALTH_PORT", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Workqueue.StaleThreshold)
	assert.Equal(t, 5, cfg.Workqueue.HeartbeatMaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Workqueue.HeartbeatInterval)
	assert.Equal(t, 4096, cfg.Codec.MaxEncodedLength)
	assert.Equal(t, 4, cfg.Backend.AsyncWorkers)
	assert.Equal(t, time.Minute, cfg.Housekeeping.DedupeTTL)
	assert.Zero(t, cfg.Archive.Interval)
	assert.Zero(t, cfg.Health.Port)
}
