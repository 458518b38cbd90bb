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

package housekeeping

import (
	"log/slog"
	"time"
)

// Options configures a Dispatcher.
type Options interface {
	apply(*Dispatcher)
}

type dispatcherOptionFunc func(d *Dispatcher)

func (f dispatcherOptionFunc) apply(d *Dispatcher) { f(d) }

// WithLogger sets the logger.
func WithLogger(ll *slog.Logger) Options {
	return dispatcherOptionFunc(func(d *Dispatcher) {
		if ll != nil {
			d.ll = ll
		}
	})
}

// WithAdapterName names the adapter in the events raised for stored RAS
// events.
func WithAdapterName(name string) Options {
	return dispatcherOptionFunc(func(d *Dispatcher) {
		d.adapterName = name
	})
}

// WithDedupeTTL sets the benign failure de-duplication window.
func WithDedupeTTL(ttl time.Duration) Options {
	return dispatcherOptionFunc(func(d *Dispatcher) {
		if ttl > 0 {
			d.dedupeTTL = ttl
		}
	})
}
