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
	"log/slog"
	"time"
)

const (
	DefaultAsyncWorkers = 16
	DefaultAsyncTimeout = 30 * time.Second
	maxAttempts         = 3
)

// Options configures a Store.
type Options interface {
	apply(*Store)
}

type storeOptionFunc func(s *Store)

func (f storeOptionFunc) apply(s *Store) { f(s) }

// WithAsyncWorkers bounds how many asynchronous calls run at once.
func WithAsyncWorkers(n int) Options {
	return storeOptionFunc(func(s *Store) {
		if n > 0 {
			s.workers = int64(n)
		}
	})
}

// WithAsyncTimeout bounds each asynchronous call.
func WithAsyncTimeout(d time.Duration) Options {
	return storeOptionFunc(func(s *Store) {
		if d > 0 {
			s.asyncTimeout = d
		}
	})
}

// WithLogger sets the logger.
func WithLogger(ll *slog.Logger) Options {
	return storeOptionFunc(func(s *Store) {
		if ll != nil {
			s.ll = ll
		}
	})
}

// WithClock replaces the time source used for "now" timestamps.
func WithClock(now func() time.Time) Options {
	return storeOptionFunc(func(s *Store) {
		if now != nil {
			s.now = now
		}
	})
}
