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

package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend/backendtest"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, rasevent.Event) {}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*backendtest.Fake, *workqueue.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)}
	fake := backendtest.New()
	fake.SetClock(clk.Now)
	return fake, workqueue.NewStore(fake, workqueue.WithEventEmitter(nopEmitter{})), clk
}

func startManager(t *testing.T, store *workqueue.Store, adapterType string, id int64) *workqueue.Manager {
	t.Helper()
	m := workqueue.NewManager(store, workqueue.Identity{Type: adapterType, Name: adapterType + "1", ID: id})
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func TestSweepZombies(t *testing.T) {
	ctx := context.Background()
	fake, store, clk := setup(t)

	ras := startManager(t, store, "RAS", 1)
	wlm := startManager(t, store, "WLM", 2)
	rasItem, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Scan"})
	require.NoError(t, err)
	wlmItem, err := store.Create(ctx, workqueue.CreateParams{Queue: "WLM", WorkToBeDone: "Jobs"})
	require.NoError(t, err)
	for _, m := range []*workqueue.Manager{ras, wlm} {
		got, err := m.GrabNextAvailWorkItem(ctx, "")
		require.NoError(t, err)
		require.True(t, got)
	}

	s := New(store, Config{StaleThreshold: time.Minute})
	n, err := s.SweepZombies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(5 * time.Minute)
	require.NoError(t, wlm.Heartbeat(ctx))

	n, err = s.SweepZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, ok := fake.Item(rasItem)
	require.True(t, ok)
	assert.Equal(t, backendtest.StateQueued, item.State)
	assert.Equal(t, int64(1), item.RequeueCount)

	item, ok = fake.Item(wlmItem)
	require.True(t, ok)
	assert.Equal(t, backendtest.StateWorking, item.State)

	adapter, ok := fake.Adapter("RAS", 1)
	require.True(t, ok)
	assert.Equal(t, backendtest.AdapterDead, adapter.State)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	fake, store, clk := setup(t)

	worker := startManager(t, store, "RAS", 1)
	var ids []int64
	for range 3 {
		id, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Scan"})
		require.NoError(t, err)
		got, err := worker.GrabNextAvailWorkItem(ctx, "")
		require.NoError(t, err)
		require.True(t, got)
		require.NoError(t, worker.FinishedWorkItem(ctx, "Scan", id, "ok"))
		ids = append(ids, id)
	}

	s := New(store, Config{ArchiveMinAge: time.Hour, ArchiveMaxRows: 2},
		WithClock(clk.Now), WithBatchDelay(time.Millisecond))

	n, err := s.Archive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "items are too young to archive")

	clk.Advance(2 * time.Hour)
	n, err = s.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, id := range ids {
		_, ok := fake.Item(id)
		assert.False(t, ok)
		history := fake.History(id)
		require.NotEmpty(t, history)
		assert.Equal(t, backendtest.StateDone, history[len(history)-1].State)
	}
	assert.Equal(t, 3, fake.Calls(backend.ProcWorkItemArchive))
}

func TestArchiveDisabled(t *testing.T) {
	_, store, _ := setup(t)
	n, err := New(store, Config{}).Archive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_StopsWithContext(t *testing.T) {
	fake, store, _ := setup(t)
	s := New(store, Config{
		StaleThreshold:  time.Minute,
		SweepInterval:   time.Millisecond,
		ArchiveInterval: time.Millisecond,
		ArchiveMaxRows:  10,
		DepthInterval:   time.Millisecond,
	}, WithDepthTypes("RAS"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fake.Calls(backend.ProcWorkItemRequeueZombies) > 1 && fake.Calls(backend.ProcWorkItemArchive) > 1 &&
			fake.Calls(backend.ProcWorkItemQueueDepth) > 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
