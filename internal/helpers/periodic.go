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

package helpers

import (
	"context"
	"log/slog"
	"time"
)

// RunPeriodically runs f immediately, then every period until ctx is done,
// and returns ctx.Err(). Errors from f are logged and the loop keeps going.
func RunPeriodically(ctx context.Context, ll *slog.Logger, period time.Duration, f func(context.Context) error) error {
	if err := f(ctx); err != nil && ctx.Err() == nil {
		ll.Error("periodic task error", slog.Any("error", err))
	}

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil && ctx.Err() == nil {
				ll.Error("periodic task error", slog.Any("error", err))
			}
		}
	}
}

// SleepCtx waits for d and reports whether ctx ended first.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
