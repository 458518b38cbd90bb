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

// Package wqdb implements the work queue procedures on PostgreSQL. Every
// procedure runs in its own transaction; claims and finishes are single
// conditional updates so concurrent adapters cannot both win.
package wqdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

var tracer = otel.Tracer("github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb")

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a backend.Client over PostgreSQL.
type Store struct {
	db           TxBeginner
	pool         *pgxpool.Pool
	ll           *slog.Logger
	now          func() time.Time
	workers      int64
	asyncTimeout time.Duration

	sem   *semaphore.Weighted
	async sync.WaitGroup

	// mu orders async.Add against Close so Wait never races a new call.
	mu     sync.Mutex
	closed bool
}

var _ backend.Client = (*Store)(nil)

// NewStore returns a Store over pool.
func NewStore(pool *pgxpool.Pool, opts ...Options) *Store {
	s := newStore(pool, opts...)
	s.pool = pool
	return s
}

func newStore(db TxBeginner, opts ...Options) *Store {
	s := &Store{
		db:           db,
		ll:           slog.Default(),
		now:          time.Now,
		workers:      DefaultAsyncWorkers,
		asyncTimeout: DefaultAsyncTimeout,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	s.sem = semaphore.NewWeighted(s.workers)
	return s
}

// Pool returns the underlying pool, or nil when the store was built over
// another TxBeginner.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Call runs procedure synchronously.
func (s *Store) Call(ctx context.Context, procedure string, args ...any) (*backend.Response, error) {
	fn, ok := procedures[procedure]
	if !ok {
		return backend.Failed(backend.UnexpectedFailure, "procedure %s was not found", procedure), nil
	}

	ctx, span := tracer.Start(ctx, "wqdb."+procedure, trace.WithAttributes(
		attribute.String("wqdb.procedure", procedure),
	))
	defer span.End()

	resp, err := s.call(ctx, procedure, fn, args)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !resp.OK():
		span.SetAttributes(attribute.String("wqdb.status", resp.Status.String()))
		span.SetStatus(codes.Error, resp.StatusString)
	}
	return resp, err
}

func (s *Store) call(ctx context.Context, procedure string, fn procFunc, args []any) (*backend.Response, error) {
	var (
		resp *backend.Response
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.execTx(ctx, func(tx pgx.Tx) error {
			var ferr error
			resp, ferr = fn(ctx, &procTx{tx: tx, now: s.now().UTC()}, backend.Args(args))
			return ferr
		})
		if !retryable(err) {
			break
		}
		s.ll.Debug("Retrying procedure", slog.String("procedure", procedure), slog.Int("attempt", attempt), slog.Any("error", err))
	}
	return toResponse(resp, err)
}

// CallAsync runs procedure on a bounded set of goroutines and passes the
// outcome to cb. The call is detached from ctx's cancellation and bounded
// by the async timeout instead. It blocks while every worker is busy and
// returns an error only when the call could not be submitted.
func (s *Store) CallAsync(ctx context.Context, cb backend.Callback, procedure string, args ...any) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("submitting %s: %w", procedure, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sem.Release(1)
		return ErrClosed
	}
	s.async.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.async.Done()
		defer s.sem.Release(1)

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.asyncTimeout)
		defer cancel()

		resp, err := s.Call(callCtx, procedure, args...)
		if err != nil {
			s.ll.Warn("Asynchronous call failed", slog.String("procedure", procedure), slog.Any("error", err))
			resp = backend.Failed(asyncStatus(err), "%v", err)
		}
		if cb != nil {
			cb(resp)
		}
	}()
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Drain waits for in-flight asynchronous calls.
func (s *Store) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new asynchronous calls, waits up to ctx for the ones in
// flight, and closes the pool.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Drain(ctx)
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Store) execTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Never roll back on the caller ctx; it may already be done.
		rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = tx.Commit(commitCtx); err != nil {
		return err
	}
	committed = true
	return nil
}
