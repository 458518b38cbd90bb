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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// refusingDB fails every Begin, optionally after waiting for release.
type refusingDB struct {
	err     error
	release chan struct{}
	begun   atomic.Int32
}

func (d *refusingDB) Begin(ctx context.Context) (pgx.Tx, error) {
	d.begun.Add(1)
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, d.err
}

func TestCall_UnknownProcedure(t *testing.T) {
	db := &refusingDB{err: errors.New("unused")}
	s := newStore(db)

	resp, err := s.Call(context.Background(), "NoSuchProc")
	require.NoError(t, err)
	assert.Equal(t, backend.UnexpectedFailure, resp.Status)
	assert.Contains(t, resp.StatusString, "NoSuchProc")
	assert.Zero(t, db.begun.Load())
}

func TestCall_ConnectionFailureIsError(t *testing.T) {
	dial := errors.New("dial tcp: connection refused")
	s := newStore(&refusingDB{err: dial})

	resp, err := s.Call(context.Background(), backend.ProcAdapterHeartbeat, "RAS", int64(1))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, dial)
}

func TestToResponse(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus backend.Status
		wantText   string
		wantErr    bool
	}{
		{name: "abort", err: abort("WorkItem %d is not owned by adapter %d", 7, 2),
			wantStatus: backend.OperationalFailure, wantText: "WorkItem 7 is not owned by adapter 2"},
		{name: "abort joined with rollback failure", err: errors.Join(abort("nope"), errors.New("rollback failed")),
			wantStatus: backend.OperationalFailure, wantText: "nope"},
		{name: "bad args", err: &argError{proc: "WorkItemQueue", err: errors.New("missing argument 6 (have 6)")},
			wantStatus: backend.GracefulFailure, wantText: "bad arguments to WorkItemQueue"},
		{name: "sql error", err: &pgconn.PgError{Code: "23505", Message: "duplicate key"},
			wantStatus: backend.UnexpectedFailure, wantText: "duplicate key (SQLSTATE 23505)"},
		{name: "deadline", err: context.DeadlineExceeded, wantErr: true},
		{name: "canceled", err: context.Canceled, wantErr: true},
		{name: "connection", err: errors.New("conn closed"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := toResponse(nil, tt.err)
			if tt.wantErr {
				assert.Nil(t, resp)
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Contains(t, resp.StatusString, tt.wantText)
		})
	}

	resp, err := toResponse(nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&pgconn.PgError{Code: serializationFailure}))
	assert.True(t, retryable(errors.Join(errors.New("x"), &pgconn.PgError{Code: deadlockDetected})))
	assert.False(t, retryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, retryable(errors.New("conn closed")))
}

func TestAsyncStatus(t *testing.T) {
	assert.Equal(t, backend.ConnectionTimeout, asyncStatus(context.DeadlineExceeded))
	assert.Equal(t, backend.ConnectionLost, asyncStatus(errors.New("conn closed")))
}

func TestArgReader(t *testing.T) {
	a := argReader{proc: "P", args: backend.Args{"RAS", int64(3), "T"}}
	assert.Equal(t, "RAS", a.String(0))
	assert.Equal(t, int64(3), a.Int64(1))
	assert.True(t, a.Bool(2))
	require.NoError(t, a.err)

	assert.Equal(t, int64(0), a.Int64(5))
	var ae *argError
	require.ErrorAs(t, a.err, &ae)
	assert.Equal(t, "P", ae.proc)

	// The first failure sticks.
	a.String(0)
	assert.Same(t, ae, a.err)
}

func TestProcTxTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	p := &procTx{now: now}
	assert.Equal(t, now, p.ts(0))
	assert.Equal(t, time.UnixMicro(1714979289000000).UTC(), p.ts(1714979289000000))
}

func TestProceduresCoverProtocol(t *testing.T) {
	for _, proc := range []string{
		backend.ProcAdapterStarted, backend.ProcAdapterHeartbeat, backend.ProcAdapterTerminated,
		backend.ProcWorkItemQueue, backend.ProcWorkItemFindAndOwn, backend.ProcWorkItemFinished,
		backend.ProcWorkItemFinishedDueToError, backend.ProcWorkItemSaveRestartData,
		backend.ProcWorkItemRequeueZombies, backend.ProcWorkItemFinishedResults,
		backend.ProcWorkItemStateAndResults, backend.ProcWorkItemDone, backend.ProcWorkItemArchive,
		backend.ProcWorkItemQueueDepth,
		backend.ProcRasMetaDataList, backend.ProcRasEventStore,
		backend.ProcComputeNodeDiscovered, backend.ProcComputeNodeSaveIPAddr,
		backend.ProcComputeNodeSetState, backend.ProcComputeNodeSaveBootImageInfo,
		backend.ProcServiceNodeDiscovered, backend.ProcServiceNodeSaveIPAddr, backend.ProcServiceNodeSetState,
	} {
		assert.Contains(t, procedures, proc)
	}
}

func TestCallAsync_DeliversConnectionLost(t *testing.T) {
	s := newStore(&refusingDB{err: errors.New("conn closed")})

	var (
		mu  sync.Mutex
		got []*backend.Response
	)
	ctx, cancel := context.WithCancel(context.Background())
	for range 3 {
		require.NoError(t, s.CallAsync(ctx, func(resp *backend.Response) {
			mu.Lock()
			got = append(got, resp)
			mu.Unlock()
		}, backend.ProcRasMetaDataList))
	}
	cancel()
	require.NoError(t, s.Drain(context.Background()))

	require.Len(t, got, 3)
	for _, resp := range got {
		assert.Equal(t, backend.ConnectionLost, resp.Status)
		assert.Contains(t, resp.StatusString, "conn closed")
	}
}

func TestCallAsync_BoundedWorkers(t *testing.T) {
	db := &refusingDB{err: errors.New("down"), release: make(chan struct{})}
	s := newStore(db, WithAsyncWorkers(1))

	require.NoError(t, s.CallAsync(context.Background(), nil, backend.ProcRasMetaDataList))
	require.Eventually(t, func() bool { return db.begun.Load() == 1 }, time.Second, time.Millisecond)

	// The only worker is busy, so submission waits and gives up with ctx.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.CallAsync(ctx, nil, backend.ProcRasMetaDataList)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer drainCancel()
	assert.ErrorIs(t, s.Drain(drainCtx), context.DeadlineExceeded)

	close(db.release)
	require.NoError(t, s.Drain(context.Background()))
}

func TestCallAsync_Timeout(t *testing.T) {
	db := &refusingDB{release: make(chan struct{})}
	s := newStore(db, WithAsyncTimeout(10*time.Millisecond))

	done := make(chan *backend.Response, 1)
	require.NoError(t, s.CallAsync(context.Background(), func(resp *backend.Response) { done <- resp }, backend.ProcRasMetaDataList))
	resp := <-done
	assert.Equal(t, backend.ConnectionTimeout, resp.Status)
}

func TestClose_RejectsAsync(t *testing.T) {
	s := newStore(&refusingDB{err: errors.New("down")})
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.CallAsync(context.Background(), nil, backend.ProcRasMetaDataList), ErrClosed)
}

func TestClose_RejectsCallsWaitingForAWorker(t *testing.T) {
	db := &refusingDB{err: errors.New("down"), release: make(chan struct{})}
	s := newStore(db, WithAsyncWorkers(1))

	require.NoError(t, s.CallAsync(context.Background(), nil, backend.ProcRasMetaDataList))
	require.Eventually(t, func() bool { return db.begun.Load() == 1 }, time.Second, time.Millisecond)

	var ran atomic.Bool
	submitted := make(chan error, 1)
	go func() {
		submitted <- s.CallAsync(context.Background(), func(*backend.Response) { ran.Store(true) }, backend.ProcRasMetaDataList)
	}()

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()
	require.Eventually(t, s.isClosed, time.Second, time.Millisecond)

	close(db.release)
	assert.ErrorIs(t, <-submitted, ErrClosed)
	require.NoError(t, <-closed)
	assert.False(t, ran.Load())
	assert.Equal(t, int32(1), db.begun.Load())
}
