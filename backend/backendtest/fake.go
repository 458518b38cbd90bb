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

// Package backendtest provides an in-memory backend.Client that applies
// the work queue procedures with the same compare-and-swap rules as the
// database implementation.
package backendtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// Handler implements one procedure.
type Handler func(args backend.Args) (*backend.Response, error)

// Item is a snapshot of one work item row.
type Item struct {
	ID                    int64
	Queue                 string
	WorkingAdapterType    string
	WorkToBeDone          string
	Parameters            string
	State                 string
	WorkingResults        *string
	Results               *string
	WorkingAdapterID      *int64
	WorkingPid            *int64
	NotifyWhenFinished    string
	RequestingAdapterType string
	RequestingWorkItemID  int64
	RequeueCount          int64
	StartTimestamp        time.Time
	UpdatedTimestamp      time.Time
}

// Adapter is a snapshot of one adapter row.
type Adapter struct {
	Type          string
	ID            int64
	Location      string
	Pid           int64
	State         string
	LastHeartbeat time.Time
}

// RasEvent is one stored RAS event.
type RasEvent struct {
	EventType    string
	InstanceData string
	Location     string
	JobID        string
	Timestamp    time.Time
	AdapterType  string
	WorkItemID   int64
}

// Node is a compute or service node row.
type Node struct {
	Kind           string
	Location       string
	State          string
	MacAddr        string
	IPAddr         string
	ExpectedIPAddr string
	BootImageID    string
	LastChange     time.Time
}

type adapterKey struct {
	typ string
	id  int64
}

// Fake is an in-memory backend. The zero value is not usable; call New.
type Fake struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    int64
	items     map[int64]*Item
	history   []Item
	adapters  map[adapterKey]*Adapter
	meta      map[string]string
	events    []RasEvent
	nodes     map[string]*Node
	handlers  map[string]Handler
	overrides map[string]Handler
	calls     map[string]int

	async sync.WaitGroup
}

var _ backend.Client = (*Fake)(nil)

// New returns an empty fake with the standard procedures installed.
func New() *Fake {
	f := &Fake{
		now:       time.Now,
		items:     make(map[int64]*Item),
		adapters:  make(map[adapterKey]*Adapter),
		meta:      make(map[string]string),
		nodes:     make(map[string]*Node),
		overrides: make(map[string]Handler),
		calls:     make(map[string]int),
	}
	f.handlers = map[string]Handler{
		backend.ProcAdapterStarted:             f.adapterStarted,
		backend.ProcAdapterHeartbeat:           f.adapterHeartbeat,
		backend.ProcAdapterTerminated:          f.adapterTerminated,
		backend.ProcWorkItemQueue:              f.workItemQueue,
		backend.ProcWorkItemFindAndOwn:         f.workItemFindAndOwn,
		backend.ProcWorkItemFinished:           f.finishWith(StateFinished),
		backend.ProcWorkItemFinishedDueToError: f.finishWith(StateError),
		backend.ProcWorkItemSaveRestartData:    f.workItemSaveRestartData,
		backend.ProcWorkItemRequeueZombies:     f.workItemRequeueZombies,
		backend.ProcWorkItemFinishedResults:    f.workItemFinishedResults,
		backend.ProcWorkItemStateAndResults:    f.workItemStateAndResults,
		backend.ProcWorkItemDone:               f.workItemDone,
		backend.ProcWorkItemArchive:            f.workItemArchive,
		backend.ProcWorkItemQueueDepth:         f.workItemQueueDepth,
		backend.ProcRasMetaDataList:            f.rasMetaDataList,
		backend.ProcRasEventStore:              f.rasEventStore,

		backend.ProcComputeNodeDiscovered:        f.nodeUpdate(ComputeNode, nodeDiscovered),
		backend.ProcComputeNodeSaveIPAddr:        f.nodeUpdate(ComputeNode, nodeSaveIP),
		backend.ProcComputeNodeSetState:          f.nodeUpdate(ComputeNode, nodeSetState),
		backend.ProcComputeNodeSaveBootImageInfo: f.nodeUpdate(ComputeNode, nodeSaveBootImage),
		backend.ProcServiceNodeDiscovered:        f.nodeUpdate(ServiceNode, nodeDiscovered),
		backend.ProcServiceNodeSaveIPAddr:        f.nodeUpdate(ServiceNode, nodeSaveIP),
		backend.ProcServiceNodeSetState:          f.nodeUpdate(ServiceNode, nodeSetState),
	}
	return f
}

// SetClock replaces the time source.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Handle overrides procedure proc with h.
func (f *Fake) Handle(proc string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[proc] = h
}

// Call runs proc synchronously.
func (f *Fake) Call(ctx context.Context, proc string, args ...any) (*backend.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[proc]++
	h, ok := f.overrides[proc]
	f.mu.Unlock()
	if ok {
		return h(backend.Args(args))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok = f.handlers[proc]
	if !ok {
		return backend.Failed(backend.UnexpectedFailure, "procedure %s was not found", proc), nil
	}
	return h(backend.Args(args))
}

// CallAsync runs proc on a new goroutine and hands the result to cb.
// Connection errors become a ConnectionLost response.
func (f *Fake) CallAsync(ctx context.Context, cb backend.Callback, proc string, args ...any) error {
	f.async.Add(1)
	go func() {
		defer f.async.Done()
		resp, err := f.Call(context.WithoutCancel(ctx), proc, args...)
		if err != nil {
			resp = backend.Failed(backend.ConnectionLost, "%v", err)
		}
		if cb != nil {
			cb(resp)
		}
	}()
	return nil
}

// Wait blocks until every asynchronous call has delivered its callback.
func (f *Fake) Wait() {
	f.async.Wait()
}

// Calls returns how often proc was called.
func (f *Fake) Calls(proc string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[proc]
}

// Item returns a snapshot of work item id.
func (f *Fake) Item(id int64) (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// History returns the history rows of work item id in insertion order.
func (f *Fake) History(id int64) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Item
	for _, h := range f.history {
		if h.ID == id {
			out = append(out, h)
		}
	}
	return out
}

// Adapter returns a snapshot of an adapter row.
func (f *Fake) Adapter(typ string, id int64) (Adapter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.adapters[adapterKey{typ, id}]
	if !ok {
		return Adapter{}, false
	}
	return *a, true
}

// SetHeartbeat forces an adapter's last heartbeat time.
func (f *Fake) SetHeartbeat(typ string, id int64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.adapters[adapterKey{typ, id}]; ok {
		a.LastHeartbeat = ts
	}
}

// AddRasMetaData registers an event type for a descriptive name.
func (f *Fake) AddRasMetaData(descriptiveName, eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[descriptiveName] = eventType
}

// RasEvents returns the stored RAS events.
func (f *Fake) RasEvents() []RasEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RasEvent(nil), f.events...)
}

// AddNode adds a node to the inventory.
func (f *Fake) AddNode(kind, location, expectedIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[kind+"/"+location] = &Node{Kind: kind, Location: location, State: "M", ExpectedIPAddr: expectedIP}
}

// Node returns a snapshot of a node.
func (f *Fake) Node(kind, location string) (Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[kind+"/"+location]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (f *Fake) ts(micros int64) time.Time {
	if micros == 0 {
		return f.now().UTC()
	}
	return time.UnixMicro(micros).UTC()
}

func fail(format string, args ...any) (*backend.Response, error) {
	return backend.Failed(backend.OperationalFailure, format, args...), nil
}

func badArgs(proc string, err error) (*backend.Response, error) {
	return backend.Failed(backend.GracefulFailure, "%s: %v", proc, err), nil
}

func sortedIDs(items map[int64]*Item) []int64 {
	ids := make([]int64, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func (it *Item) row() backend.Row {
	row := backend.Row{
		backend.ColID:                    it.ID,
		backend.ColQueue:                 it.Queue,
		backend.ColWorkingAdapterType:    it.WorkingAdapterType,
		backend.ColWorkToBeDone:          it.WorkToBeDone,
		backend.ColParameters:            it.Parameters,
		backend.ColState:                 it.State,
		backend.ColWorkingResults:        it.WorkingResults,
		backend.ColResults:               it.Results,
		backend.ColNotifyWhenFinished:    it.NotifyWhenFinished,
		backend.ColRequestingAdapterType: it.RequestingAdapterType,
		backend.ColRequestingWorkItemID:  it.RequestingWorkItemID,
		backend.ColRequeueCount:          it.RequeueCount,
		backend.ColStartTimestamp:        it.StartTimestamp,
		backend.ColUpdatedTimestamp:      it.UpdatedTimestamp,
	}
	if it.WorkingAdapterID != nil {
		row[backend.ColWorkingAdapterID] = *it.WorkingAdapterID
	}
	if it.WorkingPid != nil {
		row[backend.ColWorkingPid] = *it.WorkingPid
	}
	return row
}

func (f *Fake) recordHistory(it *Item) {
	f.history = append(f.history, *it)
}
