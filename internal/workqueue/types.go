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
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// State is the single character lifecycle state of a work item.
type State string

const (
	StateQueued   State = "Q"
	StateWorking  State = "W"
	StateFinished State = "F"
	StateError    State = "E"
	// StateDone marks an item archived into history.
	StateDone State = "D"
)

// Terminal reports whether no further transition other than archival
// is allowed.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateDone
}

func (s State) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateWorking:
		return "Working"
	case StateFinished:
		return "Finished"
	case StateError:
		return "Error"
	case StateDone:
		return "Done"
	}
	return "Unknown(" + string(s) + ")"
}

const (
	// BaseWorkItemQueue holds the per adapter liveness items.
	BaseWorkItemQueue = "BaseWorkItem"
	// BaseWork is the command of a base work item.
	BaseWork = "BaseWork"
	// NoWorkItem is the sentinel id for "no work item".
	NoWorkItem int64 = -99999
	// NoRequestingWorkItem marks items nobody requested.
	NoRequestingWorkItem int64 = -1
)

// Identity describes one running adapter instance.
type Identity struct {
	Type     string
	Name     string
	ID       int64
	Pid      int64
	Location string
	// ShuttingDown is set when the adapter has been told to stop.
	ShuttingDown bool
}

// WorkItem is one claimable unit of work.
type WorkItem struct {
	ID                 int64
	Queue              string
	WorkingAdapterType string
	WorkToBeDone       string
	Parameters         string
	State              State
	// PreviousState is the state observed before the claim that
	// returned this item. A requeued item was claimed before.
	PreviousState         State
	WorkingResults        string
	Results               string
	WorkingAdapterID      int64
	WorkingPid            int64
	NotifyWhenFinished    bool
	RequestingAdapterType string
	RequestingWorkItemID  int64
	RequeueCount          int64
	StartTimestamp        time.Time
	UpdatedTimestamp      time.Time
}

// Requeued reports whether the item was owned before and returned to
// the queue by a zombie sweep.
func (w *WorkItem) Requeued() bool {
	return w.RequeueCount > 0
}

// Request parses the item's command and parameters.
func (w *WorkItem) Request() Request {
	return ParseRequest(w.WorkToBeDone, w.Parameters)
}

// CreateParams describes a work item to queue.
type CreateParams struct {
	Queue                 string
	WorkingAdapterType    string
	WorkToBeDone          string
	Parameters            string
	NotifyWhenFinished    bool
	RequestingAdapterType string
	RequestingWorkItemID  int64
}

// RequeuedItem is a work item returned to the queue by a zombie sweep.
type RequeuedItem struct {
	ID                 int64
	WorkingAdapterType string
	PreviousAdapterID  int64
	WorkToBeDone       string
}

func workItemFromRow(row backend.Row) *WorkItem {
	return &WorkItem{
		ID:                    row.Int64(backend.ColID),
		Queue:                 row.String(backend.ColQueue),
		WorkingAdapterType:    row.String(backend.ColWorkingAdapterType),
		WorkToBeDone:          row.String(backend.ColWorkToBeDone),
		Parameters:            row.String(backend.ColParameters),
		State:                 State(row.String(backend.ColState)),
		PreviousState:         State(row.String(backend.ColPreviousState)),
		WorkingResults:        row.String(backend.ColWorkingResults),
		WorkingAdapterID:      row.Int64(backend.ColWorkingAdapterID),
		WorkingPid:            row.Int64(backend.ColWorkingPid),
		NotifyWhenFinished:    row.String(backend.ColNotifyWhenFinished) == backend.FlagTrue,
		RequestingAdapterType: row.String(backend.ColRequestingAdapterType),
		RequestingWorkItemID:  row.Int64(backend.ColRequestingWorkItemID),
		RequeueCount:          row.Int64(backend.ColRequeueCount),
		StartTimestamp:        row.Time(backend.ColStartTimestamp),
		UpdatedTimestamp:      row.Time(backend.ColUpdatedTimestamp),
	}
}
