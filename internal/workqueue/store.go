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
	"fmt"
	"log/slog"
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rescodec"
)

// Store performs the work item state transitions against the backend.
// The backend serializes conflicting writes, so Store keeps no locks and
// is safe for concurrent use.
type Store struct {
	client backend.Client
	codec  *rescodec.Codec
	events rasevent.Emitter
	ll     *slog.Logger
}

// NewStore returns a Store issuing calls through client.
func NewStore(client backend.Client, opts ...StoreOption) *Store {
	s := &Store{
		client: client,
		codec:  rescodec.Default(),
		ll:     slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Client returns the backend client the store uses.
func (s *Store) Client() backend.Client {
	return s.client
}

func (s *Store) emit(ctx context.Context, ev rasevent.Event) {
	if s.events == nil {
		s.ll.Warn("RAS event not recorded, no event log configured",
			slog.String("event", ev.DescriptiveName),
			slog.String("instanceData", ev.InstanceData))
		return
	}
	s.events.Emit(ctx, ev)
}

// Register records the adapter as active.
func (s *Store) Register(ctx context.Context, who Identity) error {
	_, err := call(ctx, s.client, backend.ProcAdapterStarted, who.Type, who.ID, who.Location, who.Pid)
	return err
}

// Heartbeat refreshes the adapter's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, who Identity) error {
	_, err := call(ctx, s.client, backend.ProcAdapterHeartbeat, who.Type, who.ID)
	return err
}

// Terminate marks the adapter as no longer active.
func (s *Store) Terminate(ctx context.Context, who Identity) error {
	_, err := call(ctx, s.client, backend.ProcAdapterTerminated, who.Type, who.ID)
	return err
}

// Create queues a new work item and returns its id.
func (s *Store) Create(ctx context.Context, p CreateParams) (int64, error) {
	if p.WorkingAdapterType == "" {
		p.WorkingAdapterType = p.Queue
	}
	resp, err := call(ctx, s.client, backend.ProcWorkItemQueue,
		p.Queue,
		p.WorkingAdapterType,
		p.WorkToBeDone,
		p.Parameters,
		backend.Flag(p.NotifyWhenFinished),
		p.RequestingAdapterType,
		p.RequestingWorkItemID,
	)
	if err != nil {
		return 0, err
	}
	id, err := resp.Scalar()
	if err != nil {
		return 0, &BackendError{Procedure: backend.ProcWorkItemQueue, Status: backend.ResponseUnknown, Err: err}
	}
	return id, nil
}

// ClaimNext moves the oldest queued item for the adapter's type into
// Working, owned by who. queue restricts the search to one queue; "" means
// any queue. A nil item with a nil error means nothing was available.
func (s *Store) ClaimNext(ctx context.Context, who Identity, baseWorkItemID int64, queue string) (*WorkItem, error) {
	resp, err := call(ctx, s.client, backend.ProcWorkItemFindAndOwn,
		who.Type, who.ID, who.Pid, backend.FlagFalse, baseWorkItemID, queue)
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) && be.Err == nil {
			s.emit(ctx, rasevent.Event{
				DescriptiveName: rasevent.WorkItemFindAndOwnFailed,
				InstanceData:    fmt.Sprintf("AdapterName=%s, StatusString=%s, Queue=%s", who.Name, be.StatusString, queue),
				AdapterType:     who.Type,
				WorkItemID:      baseWorkItemID,
			})
		}
		return nil, err
	}
	if len(resp.Rows) == 0 {
		return nil, nil
	}
	return workItemFromRow(resp.Rows[0]), nil
}

// ClaimBase takes ownership of the adapter's own base work item.
func (s *Store) ClaimBase(ctx context.Context, who Identity, id int64) (*WorkItem, error) {
	resp, err := call(ctx, s.client, backend.ProcWorkItemFindAndOwn,
		who.Type, who.ID, who.Pid, backend.FlagTrue, id, BaseWorkItemQueue)
	if err != nil {
		return nil, err
	}
	if len(resp.Rows) == 0 {
		return nil, fmt.Errorf("base work item %d was not available to claim", id)
	}
	item := workItemFromRow(resp.Rows[0])
	if item.ID != id {
		return nil, fmt.Errorf("claiming base work item returned an unexpected work item, expected=%d, returned=%d", id, item.ID)
	}
	return item, nil
}

// Finish moves a Working item owned by who into Finished or Error and
// stores its compressed results. Items already in a terminal state are
// rejected by the backend and the rejection is returned.
func (s *Store) Finish(ctx context.Context, who Identity, id int64, results string, success bool) error {
	encoded, err := s.codec.Compress(results)
	if err != nil {
		return err
	}
	proc := backend.ProcWorkItemFinished
	if !success {
		proc = backend.ProcWorkItemFinishedDueToError
	}
	_, err = call(ctx, s.client, proc, who.Type, who.ID, id, encoded)
	return err
}

// RestartOption adjusts SaveRestartData.
type RestartOption func(*restartOptions)

type restartOptions struct {
	insertHistory bool
	ts            time.Time
}

// WithoutHistoryInsert updates the item's latest history row instead of
// adding a new one. Used by items that checkpoint very frequently.
func WithoutHistoryInsert() RestartOption {
	return func(o *restartOptions) { o.insertHistory = false }
}

// WithRestartTimestamp records ts as the update time instead of now.
func WithRestartTimestamp(ts time.Time) RestartOption {
	return func(o *restartOptions) { o.ts = ts }
}

// SaveRestartData checkpoints a Working item so another adapter can resume
// it. It returns 0 on success.
func (s *Store) SaveRestartData(ctx context.Context, who Identity, id int64, payload string, opts ...RestartOption) (int64, error) {
	o := restartOptions{insertHistory: true}
	for _, opt := range opts {
		opt(&o)
	}
	_, err := call(ctx, s.client, backend.ProcWorkItemSaveRestartData,
		who.Type, who.ID, id, payload, o.insertHistory, backend.Micros(o.ts))
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) && be.Err == nil {
			s.emit(ctx, rasevent.Event{
				DescriptiveName: rasevent.SaveRestartDataFailed,
				InstanceData:    fmt.Sprintf("AdapterName=%s, WorkItemId=%d", who.Name, id),
				AdapterType:     who.Type,
				WorkItemID:      id,
			})
		}
		return -1, err
	}
	return 0, nil
}

// ZombieSweep returns to the queue every Working item whose owner has not
// heartbeated within staleThreshold or is no longer active. adapterType
// limits the sweep to one working adapter type; "" sweeps all types.
func (s *Store) ZombieSweep(ctx context.Context, adapterType string, staleThreshold time.Duration) ([]RequeuedItem, error) {
	resp, err := call(ctx, s.client, backend.ProcWorkItemRequeueZombies, adapterType, staleThreshold.Microseconds())
	if err != nil {
		return nil, err
	}
	items := make([]RequeuedItem, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		item := RequeuedItem{
			ID:                 row.Int64(backend.ColID),
			WorkingAdapterType: row.String(backend.ColWorkingAdapterType),
			PreviousAdapterID:  row.Int64(backend.ColWorkingAdapterID),
			WorkToBeDone:       row.String(backend.ColWorkToBeDone),
		}
		items = append(items, item)
		s.emit(ctx, rasevent.Event{
			DescriptiveName: rasevent.ZombieWorkItemRequeued,
			InstanceData: fmt.Sprintf("WorkingAdapterType=%s, PreviousAdapterId=%d, WorkToBeDone=%s",
				item.WorkingAdapterType, item.PreviousAdapterID, item.WorkToBeDone),
			AdapterType: item.WorkingAdapterType,
			WorkItemID:  item.ID,
		})
	}
	return items, nil
}

// WaitForCompletion polls until the item reaches Finished or Error, then
// archives it and returns it with decompressed results. An item that
// finished in Error is returned without an error; only backend and codec
// failures are errors. The wait is bounded by ctx alone.
func (s *Store) WaitForCompletion(ctx context.Context, adapterType string, id int64, pollInterval time.Duration, requester Identity, requestingWorkItemID int64) (*WorkItem, error) {
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	ll := s.ll.With(slog.String("workingAdapterType", adapterType), slog.Int64("workItemID", id))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		resp, err := call(ctx, s.client, backend.ProcWorkItemFinishedResults, adapterType, id)
		if err != nil {
			return nil, err
		}
		if len(resp.Rows) == 0 {
			timer.Reset(pollInterval)
			continue
		}

		item, err := s.finishedItem(id, adapterType, resp.Rows[0])
		if err != nil {
			return nil, err
		}
		if item.State == StateError {
			ll.Error("Waited for work item finished in error", slog.String("results", item.Results))
			s.emit(ctx, rasevent.Event{
				DescriptiveName: rasevent.WaitForWorkItemFailed,
				InstanceData: fmt.Sprintf("AdapterName=%s, WorkItem=%d, Results=%s",
					requester.Name, id, item.Results),
				AdapterType: requester.Type,
				WorkItemID:  requestingWorkItemID,
			})
		} else {
			ll.Info("Waited for work item finished successfully")
		}

		if err := s.MarkDone(ctx, adapterType, id); err != nil {
			return item, err
		}
		return item, nil
	}
}

func (s *Store) finishedItem(id int64, adapterType string, row backend.Row) (*WorkItem, error) {
	results, err := s.codec.DecompressNullable(row.NullString(backend.ColResults))
	if err != nil {
		return nil, err
	}
	item := workItemFromRow(row)
	if item.ID == 0 {
		item.ID = id
	}
	if item.WorkingAdapterType == "" {
		item.WorkingAdapterType = adapterType
	}
	item.Results = results
	return item, nil
}

// Status returns the item's current state, with decompressed results once
// it is terminal. A nil item means no such item exists.
func (s *Store) Status(ctx context.Context, adapterType string, id int64) (*WorkItem, error) {
	resp, err := call(ctx, s.client, backend.ProcWorkItemStateAndResults, adapterType, id)
	if err != nil {
		return nil, err
	}
	if len(resp.Rows) == 0 {
		return nil, nil
	}
	row := resp.Rows[0]
	if State(row.String(backend.ColState)).Terminal() {
		return s.finishedItem(id, adapterType, row)
	}
	item := workItemFromRow(row)
	return item, nil
}

// MarkDone archives a Finished or Error item.
func (s *Store) MarkDone(ctx context.Context, adapterType string, id int64) error {
	_, err := call(ctx, s.client, backend.ProcWorkItemDone, adapterType, id)
	return err
}

// Archive moves up to maxRows terminal items that nobody waits for and
// that finished before cutoff into history. It returns the number moved.
func (s *Store) Archive(ctx context.Context, cutoff time.Time, maxRows int) (int64, error) {
	resp, err := call(ctx, s.client, backend.ProcWorkItemArchive, backend.Micros(cutoff), int64(maxRows))
	if err != nil {
		return 0, err
	}
	n, err := resp.Scalar()
	if err != nil {
		return 0, &BackendError{Procedure: backend.ProcWorkItemArchive, Status: backend.ResponseUnknown, Err: err}
	}
	return n, nil
}

// QueueDepths returns the number of queued items per adapter type. Types
// with nothing queued are absent.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	resp, err := call(ctx, s.client, backend.ProcWorkItemQueueDepth)
	if err != nil {
		return nil, err
	}
	depths := make(map[string]int64, len(resp.Rows))
	for _, row := range resp.Rows {
		depths[row.String(backend.ColWorkingAdapterType)] = row.Int64(backend.ColDepth)
	}
	return depths, nil
}
