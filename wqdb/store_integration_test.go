//go:build integration

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

package wqdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/testhelpers"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb"
)

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

func setup(t *testing.T) (*pgxpool.Pool, *wqdb.Store, *clock) {
	t.Helper()
	pool := testhelpers.SetupTestWQDB(t)
	clk := &clock{now: time.Now().UTC().Truncate(time.Microsecond)}
	return pool, wqdb.NewStore(pool, wqdb.WithClock(clk.Now)), clk
}

func manager(t *testing.T, store *workqueue.Store, adapterType string, id int64, opts ...workqueue.Options) *workqueue.Manager {
	t.Helper()
	m := workqueue.NewManager(store, workqueue.Identity{
		Type: adapterType, Name: adapterType + "-test", ID: id, Pid: 4000 + id, Location: "SN0",
	}, opts...)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func TestIntegration_WorkItemLifecycle(t *testing.T) {
	ctx := context.Background()
	pool, db, _ := setup(t)
	store := workqueue.NewStore(db)

	control := manager(t, store, "CONTROL", 1)
	ras := manager(t, store, "RAS", 2)

	queued, err := control.QueueWorkItemMap(ctx, workqueue.QueueRequest{Queue: "RAS", WorkToBeDone: "Echo"},
		map[string]string{"Text": "hi"})
	require.NoError(t, err)

	got, err := ras.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	item := ras.CurrentWorkItem()
	require.NotNil(t, item)
	assert.Equal(t, queued.ID, item.ID)
	assert.Equal(t, workqueue.StateWorking, item.State)
	assert.True(t, ras.IsThisNewWorkItem())

	_, err = ras.SaveWorkItemsRestartData(ctx, item.ID, "(Timestamp=1)")
	require.NoError(t, err)
	require.NoError(t, ras.FinishedWorkItem(ctx, "Echo", item.ID, "hi"))

	state, results, err := control.GetWorkItemStatus(ctx, "RAS", queued.ID)
	require.NoError(t, err)
	assert.Equal(t, workqueue.StateFinished, state)
	assert.Equal(t, "hi", results)

	var live int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM work_item WHERE id = $1`, queued.ID).Scan(&live))
	assert.Zero(t, live)

	var states []string
	rows, err := pool.Query(ctx, `SELECT state FROM work_item_history WHERE id = $1 ORDER BY history_id`, queued.ID)
	require.NoError(t, err)
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		states = append(states, s)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"Q", "W", "W", "F", "D"}, states)

	require.NoError(t, ras.Close(ctx))
	require.NoError(t, control.Close(ctx))
}

func TestIntegration_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	_, db, _ := setup(t)
	store := workqueue.NewStore(db)

	const items = 40
	for range items {
		_, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Echo"})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int64{}
		wg      sync.WaitGroup
	)
	for w := range 8 {
		m := manager(t, store, "RAS", int64(10+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := m.GrabNextAvailWorkItem(ctx, "")
				if !assert.NoError(t, err) || !got {
					return
				}
				item := m.CurrentWorkItem()
				mu.Lock()
				_, dup := claimed[item.ID]
				claimed[item.ID] = m.Identity().ID
				mu.Unlock()
				assert.False(t, dup, "item %d claimed twice", item.ID)
				assert.NoError(t, m.FinishedWorkItem(ctx, item.WorkToBeDone, item.ID, "done"))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, claimed, items)
}

func TestIntegration_FinishRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	_, db, _ := setup(t)
	store := workqueue.NewStore(db)
	owner := manager(t, store, "RAS", 1)
	other := manager(t, store, "RAS", 2)

	id, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Echo"})
	require.NoError(t, err)
	got, err := owner.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)

	err = other.FinishedWorkItem(ctx, "Echo", id, "stolen")
	var be *workqueue.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backend.OperationalFailure, be.Status)
	assert.Contains(t, be.StatusString, "not owned by adapter 2")

	require.NoError(t, owner.FinishedWorkItemDueToError(ctx, "Echo", id, "failed"))
	err = owner.FinishedWorkItem(ctx, "Echo", id, "again")
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.StatusString, "incompatible State value (E)")
}

func TestIntegration_ZombieSweep(t *testing.T) {
	ctx := context.Background()
	pool, db, clk := setup(t)
	store := workqueue.NewStore(db)

	dead := manager(t, store, "RAS", 1)
	id, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Echo"})
	require.NoError(t, err)
	got, err := dead.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	_, err = dead.SaveWorkItemsRestartData(ctx, id, "(Timestamp=42)")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	rescuer := manager(t, store, "RAS", 2, workqueue.WithStaleThreshold(time.Minute))

	n, err := rescuer.RequeueAnyZombieWorkItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = rescuer.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, id, rescuer.WorkItemID())
	assert.False(t, rescuer.IsThisNewWorkItem())
	assert.Equal(t, "(Timestamp=42)", rescuer.WorkingResults())

	var adapterState, baseState string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM adapter WHERE adapter_type = 'RAS' AND id = 1`).Scan(&adapterState))
	assert.Equal(t, "D", adapterState)
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM work_item WHERE id = $1`, dead.BaseWorkItemID()).Scan(&baseState))
	assert.Equal(t, "E", baseState)

	n, err = rescuer.RequeueAnyZombieWorkItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntegration_RestartWithSameIDReleasesPreviousWork(t *testing.T) {
	ctx := context.Background()
	pool, db, _ := setup(t)
	store := workqueue.NewStore(db)

	first := manager(t, store, "RAS", 7)
	id, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Echo"})
	require.NoError(t, err)
	got, err := first.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)

	second := manager(t, store, "RAS", 7)

	var baseState string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM work_item WHERE id = $1`, first.BaseWorkItemID()).Scan(&baseState))
	assert.Equal(t, "E", baseState)

	got, err = second.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, id, second.WorkItemID())
	assert.False(t, second.IsThisNewWorkItem())
}

func TestIntegration_Archive(t *testing.T) {
	ctx := context.Background()
	_, db, clk := setup(t)
	store := workqueue.NewStore(db)
	m := manager(t, store, "RAS", 1)

	for range 3 {
		_, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Echo"})
		require.NoError(t, err)
		got, err := m.GrabNextAvailWorkItem(ctx, "")
		require.NoError(t, err)
		require.True(t, got)
		require.NoError(t, m.FinishedWorkItem(ctx, "Echo", m.WorkItemID(), "ok"))
	}
	waited, err := store.Create(ctx, workqueue.CreateParams{Queue: "RAS", WorkToBeDone: "Echo", NotifyWhenFinished: true})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err := store.Archive(ctx, clk.Now().Add(-time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = store.Archive(ctx, clk.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, err := store.Status(ctx, "RAS", waited)
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestIntegration_RasEventStore(t *testing.T) {
	ctx := context.Background()
	_, db, _ := setup(t)

	resp, err := db.Call(ctx, backend.ProcRasMetaDataList)
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.NotEmpty(t, resp.Rows)

	store := func(lctn string) int64 {
		resp, err := db.Call(ctx, backend.ProcRasEventStore, "0001000007", "x", lctn, "", int64(0), "RAS", int64(-1))
		require.NoError(t, err)
		require.True(t, resp.OK(), resp.StatusString)
		v, err := resp.Scalar()
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, int64(-1), store("R0-N1"))
	assert.Equal(t, int64(1), store("R0-N1"))
	assert.Equal(t, int64(2), store("R0-N1"))
	assert.Equal(t, int64(-1), store("R0-N2"))
}

func TestIntegration_NodeUpdates(t *testing.T) {
	ctx := context.Background()
	pool, db, _ := setup(t)
	_, err := pool.Exec(ctx, `INSERT INTO compute_node (lctn, expected_ip_addr) VALUES ('R0-N1', '10.0.0.1')`)
	require.NoError(t, err)

	call := func(proc, lctn, value string, ts int64) *backend.Response {
		resp, err := db.Call(ctx, proc, lctn, value, ts, "PROVISIONER", int64(-1))
		require.NoError(t, err)
		return resp
	}
	scalar := func(resp *backend.Response) int64 {
		require.True(t, resp.OK(), resp.StatusString)
		v, err := resp.Scalar()
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, int64(0), scalar(call(backend.ProcComputeNodeSetState, "R0-N1", "E", 2000)))
	assert.Equal(t, int64(1), scalar(call(backend.ProcComputeNodeSaveBootImageInfo, "R0-N1", "img", 1000)))

	resp := call(backend.ProcComputeNodeSetState, "R0-N1", "A", 3000)
	assert.Equal(t, backend.OperationalFailure, resp.Status)
	assert.Contains(t, resp.StatusString, "Invalid state change was attempted from ERROR to ACTIVE")

	resp = call(backend.ProcComputeNodeSaveIPAddr, "R0-N1", "10.0.0.9", 4000)
	assert.Contains(t, resp.StatusString, "not the same as the expected IP address")
	assert.Equal(t, int64(0), scalar(call(backend.ProcComputeNodeSaveIPAddr, "R0-N1", "10.0.0.1", 4000)))

	resp = call(backend.ProcServiceNodeSetState, "SN9", "A", 0)
	assert.Equal(t, backend.OperationalFailure, resp.Status)
	assert.Contains(t, resp.StatusString, "no entry in the ServiceNode table")

	var state, ip string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state, ip_addr FROM compute_node WHERE lctn = 'R0-N1'`).Scan(&state, &ip))
	assert.Equal(t, "E", state)
	assert.Equal(t, "10.0.0.1", ip)
}
