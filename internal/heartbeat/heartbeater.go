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

// Package heartbeat keeps an adapter's liveness fresh so the zombie sweep
// leaves its work items alone.
package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatFunc records one heartbeat.
type HeartbeatFunc func(ctx context.Context) error

// Heartbeater calls a HeartbeatFunc on a fixed interval.
type Heartbeater struct {
	heartbeatFunc HeartbeatFunc
	ll            *slog.Logger
	interval      time.Duration
	maxFailures   int
	onGiveUp      func(error)
}

// Options configures a Heartbeater.
type Options interface {
	apply(*Heartbeater)
}

type heartbeatOptionFunc func(h *Heartbeater)

func (f heartbeatOptionFunc) apply(h *Heartbeater) { f(h) }

func WithLogger(ll *slog.Logger) Options {
	return heartbeatOptionFunc(func(h *Heartbeater) {
		if ll != nil {
			h.ll = ll
		}
	})
}

// WithGiveUp stops the loop after n consecutive failures and reports the
// last error to f. An adapter whose heartbeat keeps failing has usually
// been marked dead and had its work requeued, so it must not carry on.
func WithGiveUp(n int, f func(error)) Options {
	return heartbeatOptionFunc(func(h *Heartbeater) {
		h.maxFailures = n
		h.onGiveUp = f
	})
}

// New returns a Heartbeater. The first heartbeat is sent as soon as it is
// started.
func New(heartbeatFunc HeartbeatFunc, interval time.Duration, opts ...Options) *Heartbeater {
	h := &Heartbeater{
		heartbeatFunc: heartbeatFunc,
		ll:            slog.Default(),
		interval:      interval,
	}
	for _, opt := range opts {
		opt.apply(h)
	}
	h.ll = h.ll.With(slog.String("component", "heartbeater"))
	return h
}

// Start runs the loop on a goroutine until ctx is done or the returned
// cancel function is called.
func (h *Heartbeater) Start(ctx context.Context) context.CancelFunc {
	heartbeatCtx, cancel := context.WithCancel(ctx)
	go h.run(heartbeatCtx)
	return cancel
}

func (h *Heartbeater) run(ctx context.Context) {
	h.ll.Debug("Starting heartbeat loop", slog.Duration("interval", h.interval))

	failures := 0
	beat := func() bool {
		err := h.heartbeatFunc(ctx)
		if err == nil {
			failures = 0
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		failures++
		h.ll.Error("Failed to send heartbeat", slog.Int("consecutiveFailures", failures), slog.Any("error", err))
		if h.maxFailures > 0 && failures >= h.maxFailures {
			h.ll.Error("Giving up on heartbeat")
			if h.onGiveUp != nil {
				h.onGiveUp(err)
			}
			return false
		}
		return true
	}

	if !beat() {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.ll.Debug("Context cancelled, stopping heartbeat loop")
			return
		case <-ticker.C:
			if !beat() {
				return
			}
		}
	}
}
