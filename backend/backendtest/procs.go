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

package backendtest

import (
	"sort"
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// Work item and adapter states as stored by the fake.
const (
	StateQueued   = "Q"
	StateWorking  = "W"
	StateFinished = "F"
	StateError    = "E"
	StateDone     = "D"

	AdapterActive = "A"
	AdapterDead   = "D"

	baseQueue = "BaseWorkItem"
)

func (f *Fake) adapterStarted(args backend.Args) (*backend.Response, error) {
	typ, err := args.String(0)
	if err != nil {
		return badArgs(backend.ProcAdapterStarted, err)
	}
	id, err := args.Int64(1)
	if err != nil {
		return badArgs(backend.ProcAdapterStarted, err)
	}
	lctn, _ := args.String(2)
	pid, _ := args.Int64(3)
	f.releaseIncarnation(typ, id)
	f.adapters[adapterKey{typ, id}] = &Adapter{
		Type:          typ,
		ID:            id,
		Location:      lctn,
		Pid:           pid,
		State:         AdapterActive,
		LastHeartbeat: f.now().UTC(),
	}
	return backend.Succeeded(), nil
}

// releaseIncarnation frees the items a previous adapter with the same type
// and id left in W.
func (f *Fake) releaseIncarnation(typ string, id int64) {
	now := f.now().UTC()
	for _, itemID := range sortedIDs(f.items) {
		it := f.items[itemID]
		if it.State != StateWorking || it.WorkingAdapterType != typ ||
			it.WorkingAdapterID == nil || *it.WorkingAdapterID != id {
			continue
		}
		it.UpdatedTimestamp = now
		if it.Queue == baseQueue {
			it.State = StateError
			it.Results = nil
		} else {
			it.State = StateQueued
			it.WorkingAdapterID = nil
			it.WorkingPid = nil
			it.RequeueCount++
		}
		f.recordHistory(it)
	}
}

func (f *Fake) adapterHeartbeat(args backend.Args) (*backend.Response, error) {
	typ, err := args.String(0)
	if err != nil {
		return badArgs(backend.ProcAdapterHeartbeat, err)
	}
	id, err := args.Int64(1)
	if err != nil {
		return badArgs(backend.ProcAdapterHeartbeat, err)
	}
	a, ok := f.adapters[adapterKey{typ, id}]
	if !ok || a.State != AdapterActive {
		return fail("no active entry in the Adapter table for AdapterType=%s, Id=%d", typ, id)
	}
	a.LastHeartbeat = f.now().UTC()
	return backend.Succeeded(), nil
}

func (f *Fake) adapterTerminated(args backend.Args) (*backend.Response, error) {
	typ, err := args.String(0)
	if err != nil {
		return badArgs(backend.ProcAdapterTerminated, err)
	}
	id, err := args.Int64(1)
	if err != nil {
		return badArgs(backend.ProcAdapterTerminated, err)
	}
	if a, ok := f.adapters[adapterKey{typ, id}]; ok {
		a.State = AdapterDead
	}
	return backend.Succeeded(), nil
}

func (f *Fake) workItemQueue(args backend.Args) (*backend.Response, error) {
	var (
		s   [6]string
		err error
	)
	for i := range s {
		if s[i], err = args.String(i); err != nil {
			return badArgs(backend.ProcWorkItemQueue, err)
		}
	}
	reqID, err := args.Int64(6)
	if err != nil {
		return badArgs(backend.ProcWorkItemQueue, err)
	}
	f.nextID++
	now := f.now().UTC()
	it := &Item{
		ID:                    f.nextID,
		Queue:                 s[0],
		WorkingAdapterType:    s[1],
		WorkToBeDone:          s[2],
		Parameters:            s[3],
		State:                 StateQueued,
		NotifyWhenFinished:    s[4],
		RequestingAdapterType: s[5],
		RequestingWorkItemID:  reqID,
		StartTimestamp:        now,
		UpdatedTimestamp:      now,
	}
	f.items[it.ID] = it
	f.recordHistory(it)
	return backend.ScalarResponse(it.ID), nil
}

func (f *Fake) workItemFindAndOwn(args backend.Args) (*backend.Response, error) {
	typ, err := args.String(0)
	if err != nil {
		return badArgs(backend.ProcWorkItemFindAndOwn, err)
	}
	adapterID, err := args.Int64(1)
	if err != nil {
		return badArgs(backend.ProcWorkItemFindAndOwn, err)
	}
	pid, _ := args.Int64(2)
	grabBase, err := args.Bool(3)
	if err != nil {
		return badArgs(backend.ProcWorkItemFindAndOwn, err)
	}
	baseID, _ := args.Int64(4)
	queue, _ := args.String(5)

	var found *Item
	if grabBase {
		if it, ok := f.items[baseID]; ok && it.Queue == baseQueue && it.WorkingAdapterType == typ && it.State == StateQueued {
			found = it
		}
	} else {
		for _, id := range sortedIDs(f.items) {
			it := f.items[id]
			if it.WorkingAdapterType != typ || it.State != StateQueued || it.Queue == baseQueue {
				continue
			}
			if queue != "" && it.Queue != queue {
				continue
			}
			found = it
			break
		}
	}
	if found == nil {
		return backend.Succeeded(), nil
	}

	prev := found.State
	found.State = StateWorking
	found.WorkingAdapterID = int64Ptr(adapterID)
	found.WorkingPid = int64Ptr(pid)
	found.UpdatedTimestamp = f.now().UTC()
	f.recordHistory(found)

	row := found.row()
	row[backend.ColPreviousState] = prev
	return backend.Succeeded(row), nil
}

func (f *Fake) finishWith(state string) Handler {
	proc := backend.ProcWorkItemFinished
	if state == StateError {
		proc = backend.ProcWorkItemFinishedDueToError
	}
	return func(args backend.Args) (*backend.Response, error) {
		it, resp := f.owned(proc, args)
		if resp != nil {
			return resp, nil
		}
		results, err := args.String(3)
		if err != nil {
			return badArgs(proc, err)
		}
		it.State = state
		it.Results = strPtr(results)
		it.UpdatedTimestamp = f.now().UTC()
		f.recordHistory(it)
		return backend.Succeeded(), nil
	}
}

// owned resolves (type, adapterId, id) to a Working item owned by the
// adapter, or returns the failure response.
func (f *Fake) owned(proc string, args backend.Args) (*Item, *backend.Response) {
	typ, err := args.String(0)
	if err != nil {
		r, _ := badArgs(proc, err)
		return nil, r
	}
	adapterID, err := args.Int64(1)
	if err != nil {
		r, _ := badArgs(proc, err)
		return nil, r
	}
	id, err := args.Int64(2)
	if err != nil {
		r, _ := badArgs(proc, err)
		return nil, r
	}
	it, ok := f.items[id]
	if !ok || it.WorkingAdapterType != typ {
		r, _ := fail("no entry in the WorkItem table for WorkingAdapterType=%s, Id=%d", typ, id)
		return nil, r
	}
	if it.State != StateWorking {
		r, _ := fail("unable to update WorkItem %d due to incompatible State value (%s)", id, it.State)
		return nil, r
	}
	if it.WorkingAdapterID == nil || *it.WorkingAdapterID != adapterID {
		r, _ := fail("WorkItem %d is not owned by adapter %d", id, adapterID)
		return nil, r
	}
	return it, nil
}

func (f *Fake) workItemSaveRestartData(args backend.Args) (*backend.Response, error) {
	proc := backend.ProcWorkItemSaveRestartData
	it, resp := f.owned(proc, args)
	if resp != nil {
		return resp, nil
	}
	data, err := args.String(3)
	if err != nil {
		return badArgs(proc, err)
	}
	insertHistory, err := args.Bool(4)
	if err != nil {
		return badArgs(proc, err)
	}
	ts, _ := args.Int64(5)
	it.WorkingResults = strPtr(data)
	it.UpdatedTimestamp = f.ts(ts)
	if insertHistory {
		f.recordHistory(it)
	} else {
		for i := len(f.history) - 1; i >= 0; i-- {
			if f.history[i].ID == it.ID {
				f.history[i] = *it
				break
			}
		}
	}
	return backend.Succeeded(), nil
}

func (f *Fake) workItemRequeueZombies(args backend.Args) (*backend.Response, error) {
	typ, err := args.String(0)
	if err != nil {
		return badArgs(backend.ProcWorkItemRequeueZombies, err)
	}
	staleMicros, err := args.Int64(1)
	if err != nil {
		return badArgs(backend.ProcWorkItemRequeueZombies, err)
	}
	now := f.now().UTC()
	cutoff := now.Add(-time.Duration(staleMicros) * time.Microsecond)

	for _, a := range f.adapters {
		if a.State == AdapterActive && a.LastHeartbeat.Before(cutoff) {
			a.State = AdapterDead
		}
	}

	var rows []backend.Row
	for _, id := range sortedIDs(f.items) {
		it := f.items[id]
		if it.State != StateWorking || (typ != "" && it.WorkingAdapterType != typ) {
			continue
		}
		var owner int64
		if it.WorkingAdapterID != nil {
			owner = *it.WorkingAdapterID
		}
		if a, ok := f.adapters[adapterKey{it.WorkingAdapterType, owner}]; ok && a.State == AdapterActive {
			continue
		}
		it.UpdatedTimestamp = now
		if it.Queue == baseQueue {
			it.State = StateError
			it.Results = nil
			f.recordHistory(it)
			continue
		}
		it.State = StateQueued
		it.WorkingAdapterID = nil
		it.WorkingPid = nil
		it.RequeueCount++
		f.recordHistory(it)
		rows = append(rows, backend.Row{
			backend.ColID:                 it.ID,
			backend.ColWorkingAdapterType: it.WorkingAdapterType,
			backend.ColWorkingAdapterID:   owner,
			backend.ColWorkToBeDone:       it.WorkToBeDone,
		})
	}
	return backend.Succeeded(rows...), nil
}

func (f *Fake) lookup(proc string, args backend.Args) (*Item, *backend.Response) {
	typ, err := args.String(0)
	if err != nil {
		r, _ := badArgs(proc, err)
		return nil, r
	}
	id, err := args.Int64(1)
	if err != nil {
		r, _ := badArgs(proc, err)
		return nil, r
	}
	it, ok := f.items[id]
	if !ok || it.WorkingAdapterType != typ {
		return nil, nil
	}
	return it, nil
}

func (f *Fake) workItemFinishedResults(args backend.Args) (*backend.Response, error) {
	it, resp := f.lookup(backend.ProcWorkItemFinishedResults, args)
	if resp != nil {
		return resp, nil
	}
	if it == nil || (it.State != StateFinished && it.State != StateError) {
		return backend.Succeeded(), nil
	}
	return backend.Succeeded(it.row()), nil
}

func (f *Fake) workItemStateAndResults(args backend.Args) (*backend.Response, error) {
	it, resp := f.lookup(backend.ProcWorkItemStateAndResults, args)
	if resp != nil {
		return resp, nil
	}
	if it == nil {
		return backend.Succeeded(), nil
	}
	return backend.Succeeded(it.row()), nil
}

func (f *Fake) workItemDone(args backend.Args) (*backend.Response, error) {
	it, resp := f.lookup(backend.ProcWorkItemDone, args)
	if resp != nil {
		return resp, nil
	}
	if it == nil {
		typ, _ := args.String(0)
		id, _ := args.Int64(1)
		return fail("no entry in the WorkItem table for WorkingAdapterType=%s, Id=%d", typ, id)
	}
	if it.State != StateFinished && it.State != StateError {
		return fail("unable to mark WorkItem %d done due to incompatible State value (%s)", it.ID, it.State)
	}
	f.archive(it)
	return backend.Succeeded(), nil
}

func (f *Fake) archive(it *Item) {
	it.State = StateDone
	it.UpdatedTimestamp = f.now().UTC()
	f.recordHistory(it)
	delete(f.items, it.ID)
}

func (f *Fake) workItemArchive(args backend.Args) (*backend.Response, error) {
	cutoffMicros, err := args.Int64(0)
	if err != nil {
		return badArgs(backend.ProcWorkItemArchive, err)
	}
	maxRows, err := args.Int64(1)
	if err != nil {
		return badArgs(backend.ProcWorkItemArchive, err)
	}
	cutoff := f.ts(cutoffMicros)
	var n int64
	for _, id := range sortedIDs(f.items) {
		if n >= maxRows {
			break
		}
		it := f.items[id]
		if it.State != StateFinished && it.State != StateError {
			continue
		}
		if it.NotifyWhenFinished == backend.FlagTrue || !it.UpdatedTimestamp.Before(cutoff) {
			continue
		}
		f.archive(it)
		n++
	}
	return backend.ScalarResponse(n), nil
}

func (f *Fake) workItemQueueDepth(backend.Args) (*backend.Response, error) {
	depths := make(map[string]int64)
	for _, it := range f.items {
		if it.State == StateQueued {
			depths[it.WorkingAdapterType]++
		}
	}
	types := make([]string, 0, len(depths))
	for typ := range depths {
		types = append(types, typ)
	}
	sort.Strings(types)
	rows := make([]backend.Row, 0, len(types))
	for _, typ := range types {
		rows = append(rows, backend.Row{
			backend.ColWorkingAdapterType: typ,
			backend.ColDepth:              depths[typ],
		})
	}
	return backend.Succeeded(rows...), nil
}

func (f *Fake) rasMetaDataList(backend.Args) (*backend.Response, error) {
	rows := make([]backend.Row, 0, len(f.meta))
	for name, typ := range f.meta {
		rows = append(rows, backend.Row{
			backend.ColEventType:       typ,
			backend.ColDescriptiveName: name,
		})
	}
	return backend.Succeeded(rows...), nil
}

func (f *Fake) rasEventStore(args backend.Args) (*backend.Response, error) {
	var (
		s   [4]string
		err error
	)
	for i := range s {
		if s[i], err = args.String(i); err != nil {
			return badArgs(backend.ProcRasEventStore, err)
		}
	}
	ts, _ := args.Int64(4)
	reqType, _ := args.String(5)
	reqID, _ := args.Int64(6)

	var prior int64
	for _, ev := range f.events {
		if ev.EventType == s[0] && ev.Location == s[2] {
			prior++
		}
	}
	f.events = append(f.events, RasEvent{
		EventType:    s[0],
		InstanceData: s[1],
		Location:     s[2],
		JobID:        s[3],
		Timestamp:    f.ts(ts),
		AdapterType:  reqType,
		WorkItemID:   reqID,
	})
	if prior == 0 {
		return backend.ScalarResponse(-1), nil
	}
	return backend.ScalarResponse(prior), nil
}
