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

// Package sweeper runs the cluster-wide cleanup loops: requeueing the work
// of dead adapters and archiving old finished work items.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/helpers"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

var (
	zombieRequeuedCounter metric.Int64Counter
	archivedCounter       metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/unifiedcontrolsystem/dai-ds-sub004/internal/sweeper")

	var err error
	zombieRequeuedCounter, err = meter.Int64Counter(
		"dai.sweeper.zombie_requeued_total",
		metric.WithDescription("Count of work items requeued because their owner stopped heartbeating"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create zombie_requeued_total counter: %w", err))
	}

	archivedCounter, err = meter.Int64Counter(
		"dai.sweeper.archived_total",
		metric.WithDescription("Count of finished work items moved to history"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create archived_total counter: %w", err))
	}
}

const defaultBatchDelay = 500 * time.Millisecond

// Config holds the sweeper's cadence. A zero interval disables that loop.
type Config struct {
	StaleThreshold  time.Duration
	SweepInterval   time.Duration
	ArchiveInterval time.Duration
	ArchiveMinAge   time.Duration
	ArchiveMaxRows  int
	DepthInterval   time.Duration
}

type Sweeper struct {
	store      *workqueue.Store
	cfg        Config
	ll         *slog.Logger
	now        func() time.Time
	batchDelay time.Duration
	depthTypes []string
}

// Options configures a Sweeper.
type Options interface {
	apply(*Sweeper)
}

type sweeperOptionFunc func(s *Sweeper)

func (f sweeperOptionFunc) apply(s *Sweeper) { f(s) }

func WithLogger(ll *slog.Logger) Options {
	return sweeperOptionFunc(func(s *Sweeper) {
		if ll != nil {
			s.ll = ll
		}
	})
}

// WithClock sets the clock archive cutoffs are computed from.
func WithClock(now func() time.Time) Options {
	return sweeperOptionFunc(func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	})
}

// WithBatchDelay sets the pause between full archive batches.
func WithBatchDelay(d time.Duration) Options {
	return sweeperOptionFunc(func(s *Sweeper) {
		s.batchDelay = d
	})
}

// WithDepthTypes lists adapter types the depth gauge always reports.
func WithDepthTypes(types ...string) Options {
	return sweeperOptionFunc(func(s *Sweeper) {
		s.depthTypes = types
	})
}

func New(store *workqueue.Store, cfg Config, opts ...Options) *Sweeper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = workqueue.DefaultStaleThreshold
	}
	s := &Sweeper{
		store:      store,
		cfg:        cfg,
		ll:         slog.Default(),
		now:        time.Now,
		batchDelay: defaultBatchDelay,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	s.ll = s.ll.With(slog.String("component", "sweeper"))
	return s
}

// Run starts the enabled loops and blocks until ctx is done or one of them
// fails hard.
func (s *Sweeper) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ll.Info("Starting sweeper",
		slog.Duration("staleThreshold", s.cfg.StaleThreshold),
		slog.Duration("sweepInterval", s.cfg.SweepInterval),
		slog.Duration("archiveInterval", s.cfg.ArchiveInterval))

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	if s.cfg.SweepInterval > 0 {
		start(func(c context.Context) error {
			return helpers.RunPeriodically(c, s.ll, s.cfg.SweepInterval, func(c context.Context) error {
				_, err := s.SweepZombies(c)
				return err
			})
		})
	}
	if s.cfg.ArchiveInterval > 0 {
		start(func(c context.Context) error {
			return helpers.RunPeriodically(c, s.ll, s.cfg.ArchiveInterval, func(c context.Context) error {
				_, err := s.Archive(c)
				return err
			})
		})
	}
	if s.cfg.DepthInterval > 0 {
		monitor, err := workqueue.NewQueueDepthMonitor(s.store, s.cfg.DepthInterval, s.ll, s.depthTypes...)
		if err != nil {
			return err
		}
		start(monitor.Start)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	}
	wg.Wait()
	return ctx.Err()
}

// SweepZombies requeues the work of every adapter that has stopped
// heartbeating, across all adapter types.
func (s *Sweeper) SweepZombies(ctx context.Context) (int, error) {
	items, err := s.store.ZombieSweep(ctx, "", s.cfg.StaleThreshold)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		s.ll.Info("Requeued zombie work item",
			slog.Int64("workItemID", item.ID),
			slog.String("workingAdapterType", item.WorkingAdapterType),
			slog.Int64("previousAdapterID", item.PreviousAdapterID),
			slog.String("workToBeDone", item.WorkToBeDone))
		zombieRequeuedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("adapter_type", item.WorkingAdapterType),
		))
	}
	return len(items), nil
}

// Archive moves finished items older than the configured age into history,
// a batch at a time, until a short batch shows nothing is left.
func (s *Sweeper) Archive(ctx context.Context) (int64, error) {
	if s.cfg.ArchiveMaxRows <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.ArchiveMinAge).UTC()

	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.store.Archive(ctx, cutoff, s.cfg.ArchiveMaxRows)
		if err != nil {
			return total, err
		}
		total += n
		if n > 0 {
			archivedCounter.Add(ctx, n)
			s.ll.Info("Archived finished work items", slog.Int64("archived", n))
		}
		if n < int64(s.cfg.ArchiveMaxRows) {
			return total, nil
		}
		if helpers.SleepCtx(ctx, s.batchDelay) {
			return total, ctx.Err()
		}
	}
}
