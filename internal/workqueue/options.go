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

package workqueue

import (
	"log/slog"
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rescodec"
)

const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultPollInterval   = 100 * time.Millisecond
	minPollInterval       = time.Millisecond
)

// Config holds the work queue tunables.
type Config struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMaxFailures int           `mapstructure:"heartbeat_max_failures"`
	StaleThreshold       time.Duration `mapstructure:"stale_threshold"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	IdleDelay            time.Duration `mapstructure:"idle_delay"`
	MaxIdleDelay         time.Duration `mapstructure:"max_idle_delay"`
}

// DefaultConfig returns the standard tunables. The stale threshold is a
// multiple of the heartbeat interval so a live adapter never looks dead.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatMaxFailures: 3,
		StaleThreshold:       DefaultStaleThreshold,
		SweepInterval:        time.Minute,
		PollInterval:         DefaultPollInterval,
		IdleDelay:            100 * time.Millisecond,
		MaxIdleDelay:         5 * time.Second,
	}
}

// StoreOption configures a Store.
type StoreOption interface {
	apply(s *Store)
}

type storeOptionFunc func(s *Store)

func (f storeOptionFunc) apply(s *Store) { f(s) }

// WithCodec sets the codec used for results.
func WithCodec(c *rescodec.Codec) StoreOption {
	return storeOptionFunc(func(s *Store) {
		if c != nil {
			s.codec = c
		}
	})
}

// WithEventEmitter sets where RAS events go. Without it events are only
// logged.
func WithEventEmitter(e rasevent.Emitter) StoreOption {
	return storeOptionFunc(func(s *Store) {
		s.events = e
	})
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(ll *slog.Logger) StoreOption {
	return storeOptionFunc(func(s *Store) {
		if ll != nil {
			s.ll = ll
		}
	})
}

// Options configures a Manager.
type Options interface {
	apply(m *Manager)
}

type managerOptionFunc func(m *Manager)

func (f managerOptionFunc) apply(m *Manager) { f(m) }

// WithStaleThreshold sets how long an adapter may go without a heartbeat
// before its work items are considered zombies.
func WithStaleThreshold(d time.Duration) Options {
	return managerOptionFunc(func(m *Manager) {
		if d > 0 {
			m.staleThreshold = d
		}
	})
}

// WithPollInterval sets the interval used when waiting for a queued work
// item to finish.
func WithPollInterval(d time.Duration) Options {
	return managerOptionFunc(func(m *Manager) {
		if d < minPollInterval {
			d = minPollInterval
		}
		m.pollInterval = d
	})
}

// WithLogger sets the manager's logger.
func WithLogger(ll *slog.Logger) Options {
	return managerOptionFunc(func(m *Manager) {
		if ll != nil {
			m.ll = ll
		}
	})
}

// WithShutdownFunc sets the function called when the manager decides the
// adapter must stop, such as after an unexpected work item.
func WithShutdownFunc(f func()) Options {
	return managerOptionFunc(func(m *Manager) {
		m.signalShutdown = f
	})
}
