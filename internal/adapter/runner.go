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

// Package adapter runs an adapter's main loop: claim a work item, run the
// handler registered for its command, record the outcome, and back off
// while the queue is empty.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/heartbeat"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/helpers"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/logctx"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

// Job is one claimed work item handed to a handler.
type Job struct {
	Item    workqueue.WorkItem
	Request workqueue.Request

	mgr *workqueue.Manager
}

// Checkpoint saves restart data so another adapter can resume the item.
func (j Job) Checkpoint(ctx context.Context, data string, opts ...workqueue.RestartOption) error {
	_, err := j.mgr.SaveWorkItemsRestartData(ctx, j.Item.ID, data, opts...)
	return err
}

// HandlerFunc executes one command. The returned string is stored as the
// item's results; a non-nil error finishes the item in Error.
type HandlerFunc func(ctx context.Context, job Job) (string, error)

// UnhandledCommandError stops Run when a claimed item has no handler.
type UnhandledCommandError struct {
	Command    string
	WorkItemID int64
}

func (e *UnhandledCommandError) Error() string {
	return fmt.Sprintf("no handler for command %q (work item %d)", e.Command, e.WorkItemID)
}

// HeartbeatLostError stops Run when the adapter's heartbeat keeps being
// refused, usually because a sweep already declared the adapter dead.
type HeartbeatLostError struct {
	Err error
}

func (e *HeartbeatLostError) Error() string {
	return fmt.Sprintf("adapter heartbeat lost: %v", e.Err)
}

func (e *HeartbeatLostError) Unwrap() error {
	return e.Err
}

// Runner drives one Manager.
type Runner struct {
	mgr      *workqueue.Manager
	cfg      workqueue.Config
	queue    string
	ll       *slog.Logger
	handlers map[string]HandlerFunc
	attrs    metric.MeasurementOption
}

// Options configures a Runner.
type Options interface {
	apply(*Runner)
}

type runnerOptionFunc func(r *Runner)

func (f runnerOptionFunc) apply(r *Runner) { f(r) }

// WithQueue restricts claims to one queue.
func WithQueue(queue string) Options {
	return runnerOptionFunc(func(r *Runner) {
		r.queue = queue
	})
}

// WithLogger sets the logger.
func WithLogger(ll *slog.Logger) Options {
	return runnerOptionFunc(func(r *Runner) {
		if ll != nil {
			r.ll = ll
		}
	})
}

// NewRunner returns a Runner for an initialized manager.
func NewRunner(mgr *workqueue.Manager, cfg workqueue.Config, opts ...Options) *Runner {
	def := workqueue.DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatMaxFailures <= 0 {
		cfg.HeartbeatMaxFailures = def.HeartbeatMaxFailures
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}
	if cfg.MaxIdleDelay < cfg.IdleDelay {
		cfg.MaxIdleDelay = cfg.IdleDelay
	}

	r := &Runner{
		mgr:      mgr,
		cfg:      cfg,
		ll:       slog.Default(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	who := mgr.Identity()
	r.ll = r.ll.With(slog.String("adapterType", who.Type), slog.String("adapterName", who.Name))
	r.attrs = metric.WithAttributes(attribute.String("adapter_type", who.Type))
	return r
}

// Handle registers h for command, replacing any previous handler.
func (r *Runner) Handle(command string, h HandlerFunc) {
	r.handlers[command] = h
}

// Run loops until ctx is done or a backend call fails. A done context is
// a clean stop and returns nil. Handlers find the runner's logger in their
// context through logctx.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx = logctx.WithLogger(ctx, r.ll)

	hb := heartbeat.New(r.mgr.Heartbeat, r.cfg.HeartbeatInterval,
		heartbeat.WithLogger(r.ll),
		heartbeat.WithGiveUp(r.cfg.HeartbeatMaxFailures, func(err error) {
			cancel(&HeartbeatLostError{Err: err})
		}))
	stopHeartbeat := hb.Start(ctx)
	defer stopHeartbeat()

	var wg sync.WaitGroup
	if r.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = helpers.RunPeriodically(ctx, r.ll, r.cfg.SweepInterval, r.sweepOnce)
		}()
	}
	defer wg.Wait()
	defer cancel(nil)

	r.ll.Info("Adapter loop starting", slog.String("queue", r.queue))
	for {
		if ctx.Err() != nil {
			return stopCause(ctx)
		}
		got, err := r.mgr.GrabNextAvailWorkItem(ctx, r.queue)
		if err != nil {
			if ctx.Err() != nil {
				return stopCause(ctx)
			}
			return err
		}
		if !got {
			if helpers.SleepCtx(ctx, r.idleDelay()) {
				return stopCause(ctx)
			}
			continue
		}
		if err := r.process(ctx); err != nil {
			if ctx.Err() != nil && !errors.As(err, new(*UnhandledCommandError)) {
				return stopCause(ctx)
			}
			return err
		}
	}
}

// stopCause is nil for an ordinary cancellation.
func stopCause(ctx context.Context) error {
	var lost *HeartbeatLostError
	if errors.As(context.Cause(ctx), &lost) {
		return lost
	}
	return nil
}

// idleDelay grows with the number of consecutive empty polls.
func (r *Runner) idleDelay() time.Duration {
	n := r.mgr.AmtTimeToWait()
	if n < 1 {
		n = 1
	}
	d := time.Duration(n) * r.cfg.IdleDelay
	if d > r.cfg.MaxIdleDelay || d <= 0 {
		d = r.cfg.MaxIdleDelay
	}
	return d
}

func (r *Runner) process(ctx context.Context) error {
	item := r.mgr.CurrentWorkItem()
	if item == nil {
		return nil
	}
	command := item.WorkToBeDone
	ctx = logctx.With(ctx, slog.String("workToBeDone", command), slog.Int64("workItemID", item.ID))
	ll := logctx.FromContext(ctx)
	claimedCounter.Add(ctx, 1, r.attrs, metric.WithAttributes(attribute.String("command", command)))

	h, ok := r.handlers[command]
	if !ok {
		r.mgr.HandleProcessingWhenUnexpectedWorkItem(ctx)
		return &UnhandledCommandError{Command: command, WorkItemID: item.ID}
	}

	start := time.Now()
	results, herr := r.invoke(ctx, h, Job{Item: *item, Request: item.Request(), mgr: r.mgr})
	workDuration.Record(ctx, time.Since(start).Seconds(), r.attrs, metric.WithAttributes(attribute.String("command", command)))

	outcome := "success"
	var err error
	if herr != nil {
		outcome = "error"
		if results == "" {
			results = herr.Error()
		}
		ll.Warn("Work item failed", slog.Any("error", herr))
		err = r.mgr.FinishedWorkItemDueToError(ctx, command, item.ID, results)
	} else {
		err = r.mgr.FinishedWorkItem(ctx, command, item.ID, results)
	}
	if err != nil {
		return err
	}
	finishedCounter.Add(ctx, 1, r.attrs, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	))
	return nil
}

func (r *Runner) invoke(ctx context.Context, h HandlerFunc, job Job) (results string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, job)
}

func (r *Runner) sweepOnce(ctx context.Context) error {
	n, err := r.mgr.RequeueAnyZombieWorkItems(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		zombieCounter.Add(ctx, int64(n), r.attrs)
		r.ll.Info("Requeued zombie work items", slog.Int("count", n))
	}
	return nil
}
