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

package workqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend/backendtest"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
)

func TestNewManager_PreconditionViolation(t *testing.T) {
	store := NewStore(backendtest.New())

	tests := []struct {
		name  string
		store *Store
		who   Identity
	}{
		{"nil store", nil, Identity{Type: "RAS", Name: "RAS1"}},
		{"shutting down", store, Identity{Type: "RAS", Name: "RAS1", ShuttingDown: true}},
		{"missing type", store, Identity{Name: "RAS1"}},
		{"missing name", store, Identity{Type: "RAS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				assert.IsType(t, &PreconditionViolation{}, r)
			}()
			NewManager(tt.store, tt.who)
		})
	}
}

func TestManager_RequiresInitialize(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewStore(backendtest.New()), Identity{Type: "RAS", Name: "RAS1", ID: 1})

	_, err := m.GrabNextAvailWorkItem(ctx, "")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.QueueWorkItem(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "CMD"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, m.FinishedWorkItem(ctx, "CMD", 1, ""), ErrNotInitialized)
	assert.ErrorIs(t, m.Heartbeat(ctx), ErrNotInitialized)
	assert.NoError(t, m.Close(ctx))
}

func TestManager_Initialize(t *testing.T) {
	fake := backendtest.New()
	m := startManager(t, newTestStore(fake, &eventRecorder{}), "RAS", "RAS1", 3)

	baseID := m.BaseWorkItemID()
	base, ok := fake.Item(baseID)
	require.True(t, ok)
	assert.Equal(t, BaseWorkItemQueue, base.Queue)
	assert.Equal(t, BaseWork, base.WorkToBeDone)
	assert.Equal(t, backendtest.StateWorking, base.State)
	require.NotNil(t, base.WorkingAdapterID)
	assert.Equal(t, int64(3), *base.WorkingAdapterID)
	assert.Equal(t, NoRequestingWorkItem, base.RequestingWorkItemID)

	a, ok := fake.Adapter("RAS", 3)
	require.True(t, ok)
	assert.Equal(t, backendtest.AdapterActive, a.State)

	assert.Equal(t, NoWorkItem, m.WorkItemID())
}

func TestManager_InitializeFailure(t *testing.T) {
	fake := backendtest.New()
	fake.Handle(backend.ProcAdapterStarted, func(backend.Args) (*backend.Response, error) {
		return nil, errors.New("no route to host")
	})
	m := NewManager(NewStore(fake), Identity{Type: "RAS", Name: "RAS1", ID: 1})

	err := m.Initialize(context.Background())
	var ie *InitializationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "RAS", ie.AdapterType)

	_, err = m.GrabNextAvailWorkItem(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestManager_RestartWithSameIDReleasesPreviousWork(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})

	first := startManager(t, store, "RAS", "RAS1", 7)
	oldBase := first.BaseWorkItemID()
	id, err := store.Create(ctx, CreateParams{Queue: "RAS", WorkToBeDone: "Scan"})
	require.NoError(t, err)
	claimed, err := first.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, id, first.WorkItemID())

	second := startManager(t, store, "RAS", "RAS1", 7)
	assert.NotEqual(t, oldBase, second.BaseWorkItemID())

	base, ok := fake.Item(oldBase)
	require.True(t, ok)
	assert.Equal(t, backendtest.StateError, base.State)

	claimed, err = second.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, id, second.WorkItemID())
	assert.False(t, second.IsThisNewWorkItem())

	it, ok := fake.Item(id)
	require.True(t, ok)
	assert.Equal(t, backendtest.StateWorking, it.State)
	assert.Equal(t, int64(1), it.RequeueCount)
}

func TestManager_QueueClaimFinishStatus(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1)
	worker := startManager(t, store, "RAS", "RAS1", 2)

	res, err := requester.QueueWorkItem(ctx, QueueRequest{
		WorkingAdapterType: "RAS",
		Queue:              "RAS",
		WorkToBeDone:       "CMD",
		Parameters:         "arg1",
	})
	require.NoError(t, err)

	queued, ok := fake.Item(res.ID)
	require.True(t, ok)
	assert.Equal(t, "CONTROL", queued.RequestingAdapterType)
	assert.Equal(t, requester.BaseWorkItemID(), queued.RequestingWorkItemID)

	got, err := worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, res.ID, worker.WorkItemID())
	assert.Equal(t, "CMD", worker.WorkToBeDone())
	assert.Equal(t, []string{"arg1"}, worker.ClientParameters(","))
	assert.True(t, worker.IsThisNewWorkItem())
	assert.True(t, worker.WasWorkDone())

	state, _, err := requester.GetWorkItemStatus(ctx, "RAS", res.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWorking, state)

	require.NoError(t, worker.FinishedWorkItem(ctx, "CMD", res.ID, "done"))
	assert.Nil(t, worker.CurrentWorkItem())

	state, results, err := requester.GetWorkItemStatus(ctx, "RAS", res.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)
	assert.Equal(t, "done", results)

	_, ok = fake.Item(res.ID)
	assert.False(t, ok, "finished item is archived once its status is read")

	state, results, err = requester.GetWorkItemStatus(ctx, "RAS", res.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)
	assert.Equal(t, WorkItemNotFound, results)
}

func TestManager_QueueAndWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1, WithPollInterval(time.Millisecond))
	worker := startManager(t, store, "RAS", "RAS1", 2)

	go func() {
		for ctx.Err() == nil {
			got, err := worker.GrabNextAvailWorkItem(ctx, "RAS")
			if err != nil || !got {
				time.Sleep(time.Millisecond)
				continue
			}
			item := worker.CurrentWorkItem()
			_ = worker.FinishedWorkItem(ctx, item.WorkToBeDone, item.ID, "echo "+item.Parameters)
			return
		}
	}()

	res, err := requester.QueueWorkItemMap(ctx, QueueRequest{
		WorkingAdapterType: "RAS",
		Queue:              "RAS",
		WorkToBeDone:       "Echo",
		Wait:               true,
	}, map[string]string{"Text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, StateFinished, res.State)
	assert.Equal(t, "echo Text#hi$", res.Results)

	_, ok := fake.Item(res.ID)
	assert.False(t, ok)
}

func TestManager_WaitReportsErrorItem(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fake := backendtest.New()
	rec := &eventRecorder{}
	store := newTestStore(fake, rec)
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1, WithPollInterval(time.Millisecond))
	worker := startManager(t, store, "RAS", "RAS1", 2)

	go func() {
		for ctx.Err() == nil {
			if got, _ := worker.GrabNextAvailWorkItem(ctx, ""); got {
				_ = worker.FinishedWorkItemDueToError(ctx, "CMD", worker.WorkItemID(), "it broke")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := requester.QueueWorkItem(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "CMD", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, "it broke", res.Results)
	assert.Contains(t, rec.names(), rasevent.WaitForWorkItemFailed)
}

func TestManager_StatusOfErrorItemEmitsEvent(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	rec := &eventRecorder{}
	store := newTestStore(fake, rec)
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1)
	worker := startManager(t, store, "RAS", "RAS1", 2)

	res, err := requester.QueueWorkItem(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "CMD"})
	require.NoError(t, err)
	got, err := worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	require.NoError(t, worker.FinishedWorkItemDueToError(ctx, "CMD", res.ID, "bad input"))

	state, results, err := requester.GetWorkItemStatus(ctx, "RAS", res.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, state)
	assert.Equal(t, "bad input", results)
	assert.Equal(t, []string{rasevent.WaitForWorkItemFailed}, rec.names())
}

func TestManager_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1)

	const items = 50
	for range items {
		_, err := requester.QueueWorkItem(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "CMD"})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for i := range 8 {
		w := startManager(t, store, "RAS", "RAS", int64(10+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := w.GrabNextAvailWorkItem(ctx, "")
				if err != nil || !got {
					return
				}
				mu.Lock()
				claimed = append(claimed, w.WorkItemID())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, items)
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	for i := 1; i < len(claimed); i++ {
		assert.NotEqual(t, claimed[i-1], claimed[i], "work item claimed twice")
	}
}

func TestManager_ZombieRecovery(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	fake := backendtest.New()
	fake.SetClock(func() time.Time { return now.Add(time.Duration(offset.Load())) })

	rec := &eventRecorder{}
	store := newTestStore(fake, rec)
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1, WithStaleThreshold(time.Minute))
	dead := startManager(t, store, "RAS", "RAS1", 2)

	res, err := requester.QueueWorkItem(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "CMD", Parameters: "arg1"})
	require.NoError(t, err)
	got, err := dead.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	_, err = dead.SaveWorkItemsRestartData(ctx, res.ID, "(Timestamp=42)")
	require.NoError(t, err)

	offset.Store(int64(2 * time.Minute))
	require.NoError(t, requester.Heartbeat(ctx))

	n, err := requester.RequeueAnyZombieWorkItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.events, 1)
	assert.Equal(t, rasevent.ZombieWorkItemRequeued, rec.events[0].DescriptiveName)
	assert.Equal(t, res.ID, rec.events[0].WorkItemID)
	assert.Equal(t, "WorkingAdapterType=RAS, PreviousAdapterId=2, WorkToBeDone=CMD", rec.events[0].InstanceData)

	item, ok := fake.Item(res.ID)
	require.True(t, ok)
	assert.Equal(t, backendtest.StateQueued, item.State)
	assert.Nil(t, item.WorkingAdapterID)
	assert.Equal(t, int64(1), item.RequeueCount)

	base, ok := fake.Item(dead.BaseWorkItemID())
	require.True(t, ok)
	assert.Equal(t, backendtest.StateError, base.State)

	rescuer := startManager(t, store, "RAS", "RAS2", 3)
	got, err = rescuer.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, res.ID, rescuer.WorkItemID())
	assert.False(t, rescuer.IsThisNewWorkItem())
	assert.Equal(t, "(Timestamp=42)", rescuer.WorkingResults())

	err = dead.FinishedWorkItem(ctx, "CMD", res.ID, "too late")
	var be *BackendError
	require.ErrorAs(t, err, &be)

	require.NoError(t, rescuer.FinishedWorkItem(ctx, "CMD", res.ID, "recovered"))
	state, results, err := requester.GetWorkItemStatus(ctx, "RAS", res.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)
	assert.Equal(t, "recovered", results)
}

func TestManager_LiveOwnerIsNotSwept(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1)
	worker := startManager(t, store, "RAS", "RAS1", 2)

	res, err := requester.QueueWorkItem(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "CMD"})
	require.NoError(t, err)
	got, err := worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)

	n, err := requester.RequeueAnyZombieWorkItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	item, _ := fake.Item(res.ID)
	assert.Equal(t, backendtest.StateWorking, item.State)
}

func TestManager_IdleCounter(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})
	worker := startManager(t, store, "RAS", "RAS1", 2)

	assert.Equal(t, 1, worker.AmtTimeToWait())
	assert.False(t, worker.WasWorkDone())

	got, err := worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 2, worker.AmtTimeToWait())

	_, err = store.Create(ctx, CreateParams{Queue: "RAS", WorkToBeDone: "CMD"})
	require.NoError(t, err)
	got, err = worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 0, worker.AmtTimeToWait())
	assert.True(t, worker.WasWorkDone())
}

func TestManager_ClientParameterMap(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := newTestStore(fake, &eventRecorder{})
	requester := startManager(t, store, "CONTROL", "CONTROL1", 1)
	worker := startManager(t, store, "RAS", "RAS1", 2)

	assert.Empty(t, worker.ClientParameterMap())
	assert.Nil(t, worker.ClientParameters(","))

	_, err := requester.QueueWorkItemMap(ctx, QueueRequest{Queue: "RAS", WorkToBeDone: "SetNodeState"},
		map[string]string{"Lctn": "R0-CH0-N1", "NewState": "A"})
	require.NoError(t, err)
	got, err := worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)

	assert.Equal(t, map[string]string{"Lctn": "R0-CH0-N1", "NewState": "A"}, worker.ClientParameterMap())
}

func TestManager_UnexpectedWorkItem(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	rec := &eventRecorder{}
	store := newTestStore(fake, rec)

	var shutdown atomic.Bool
	worker := startManager(t, store, "RAS", "RAS1", 2, WithShutdownFunc(func() { shutdown.Store(true) }))

	_, err := store.Create(ctx, CreateParams{Queue: "RAS", WorkToBeDone: "Bogus"})
	require.NoError(t, err)
	got, err := worker.GrabNextAvailWorkItem(ctx, "")
	require.NoError(t, err)
	require.True(t, got)

	worker.HandleProcessingWhenUnexpectedWorkItem(ctx)
	assert.True(t, shutdown.Load())
	require.Len(t, rec.events, 1)
	assert.Equal(t, rasevent.AdapterMissingCaseStmt, rec.events[0].DescriptiveName)
	assert.Equal(t, "WorkToBeDone=Bogus", rec.events[0].InstanceData)
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	worker := startManager(t, newTestStore(fake, &eventRecorder{}), "RAS", "RAS1", 2)
	baseID := worker.BaseWorkItemID()

	require.NoError(t, worker.Close(ctx))

	base, ok := fake.Item(baseID)
	require.True(t, ok)
	assert.Equal(t, backendtest.StateFinished, base.State)

	a, ok := fake.Adapter("RAS", 2)
	require.True(t, ok)
	assert.Equal(t, backendtest.AdapterDead, a.State)

	assert.NoError(t, worker.Close(ctx))
	assert.ErrorIs(t, worker.Heartbeat(ctx), ErrNotInitialized)
}
