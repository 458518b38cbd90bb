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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
)

// WorkItemNotFound is the result text reported for unknown work items.
const WorkItemNotFound = "Work Item Not Found!"

// Manager is the per adapter facade over the work queue. One Manager
// serves one running adapter instance and is driven by that adapter's
// main loop.
type Manager struct {
	store          *Store
	who            Identity
	ll             *slog.Logger
	staleThreshold time.Duration
	pollInterval   time.Duration
	signalShutdown func()

	mu             sync.Mutex
	initialized    bool
	baseWorkItemID int64
	current        *WorkItem
	timeToWait     int
}

// NewManager returns a Manager for who. It panics with a
// *PreconditionViolation when who cannot take work.
func NewManager(store *Store, who Identity, opts ...Options) *Manager {
	switch {
	case store == nil:
		panic(&PreconditionViolation{Reason: "nil store"})
	case who.ShuttingDown:
		panic(&PreconditionViolation{Reason: fmt.Sprintf("adapter %s is already shutting down", who.Name)})
	case who.Type == "" || who.Name == "":
		panic(&PreconditionViolation{Reason: "adapter type and name are required"})
	}

	m := &Manager{
		store:          store,
		who:            who,
		ll:             slog.Default(),
		staleThreshold: DefaultStaleThreshold,
		pollInterval:   DefaultPollInterval,
		baseWorkItemID: NoWorkItem,
		timeToWait:     1,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	m.ll = m.ll.With(
		slog.String("adapterType", who.Type),
		slog.String("adapterName", who.Name),
		slog.Int64("adapterID", who.ID),
	)
	return m
}

// Identity returns the adapter identity the manager works for.
func (m *Manager) Identity() Identity {
	return m.who
}

// Store returns the underlying store.
func (m *Manager) Store() *Store {
	return m.store
}

// Initialize registers the adapter, then queues and claims its base work
// item. No other operation is allowed until it succeeds.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.store.Register(ctx, m.who); err != nil {
		return &InitializationError{AdapterType: m.who.Type, Err: err}
	}

	id, err := m.store.Create(ctx, CreateParams{
		Queue:                 BaseWorkItemQueue,
		WorkingAdapterType:    m.who.Type,
		WorkToBeDone:          BaseWork,
		RequestingAdapterType: m.who.Type,
		RequestingWorkItemID:  NoRequestingWorkItem,
	})
	if err != nil {
		return &InitializationError{AdapterType: m.who.Type, Err: err}
	}
	m.ll.Info("Queued base work item", slog.Int64("workItemID", id))

	if _, err := m.store.ClaimBase(ctx, m.who, id); err != nil {
		return &InitializationError{AdapterType: m.who.Type, Err: err}
	}
	m.ll.Info("Own base work item", slog.Int64("workItemID", id))

	m.mu.Lock()
	m.baseWorkItemID = id
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// QueueRequest describes work to hand to another adapter.
type QueueRequest struct {
	// WorkingAdapterType is the type of adapter that should do the work.
	WorkingAdapterType string
	Queue              string
	WorkToBeDone       string
	Parameters         string
	// Wait blocks until the item finishes and returns its results.
	Wait bool
	// RequestingAdapterType defaults to this adapter's type.
	RequestingAdapterType string
	// RequestingWorkItemID defaults to the current or base work item.
	RequestingWorkItemID int64
}

// QueueResult is the outcome of QueueWorkItem.
type QueueResult struct {
	ID int64
	// State and Results are set only when the request waited.
	State   State
	Results string
}

// QueueWorkItem queues work for another adapter. When req.Wait is set it
// waits for the item to finish, bounded by ctx.
func (m *Manager) QueueWorkItem(ctx context.Context, req QueueRequest) (QueueResult, error) {
	if err := m.ready(); err != nil {
		return QueueResult{}, err
	}
	if req.RequestingAdapterType == "" {
		req.RequestingAdapterType = m.who.Type
	}
	if req.RequestingWorkItemID == 0 {
		req.RequestingWorkItemID = m.WorkItemID()
		if req.RequestingWorkItemID == NoWorkItem {
			req.RequestingWorkItemID = m.BaseWorkItemID()
		}
	}

	id, err := m.store.Create(ctx, CreateParams{
		Queue:                 req.Queue,
		WorkingAdapterType:    req.WorkingAdapterType,
		WorkToBeDone:          req.WorkToBeDone,
		Parameters:            req.Parameters,
		NotifyWhenFinished:    req.Wait,
		RequestingAdapterType: req.RequestingAdapterType,
		RequestingWorkItemID:  req.RequestingWorkItemID,
	})
	if err != nil {
		m.ll.Error("Failed to queue work item",
			slog.String("workToBeDone", req.WorkToBeDone),
			slog.Any("error", err))
		return QueueResult{}, err
	}
	result := QueueResult{ID: id}
	if !req.Wait {
		return result, nil
	}

	workingType := req.WorkingAdapterType
	if workingType == "" {
		workingType = req.Queue
	}
	item, err := m.store.WaitForCompletion(ctx, workingType, id, m.pollInterval, m.who, req.RequestingWorkItemID)
	if item != nil {
		result.State = item.State
		result.Results = item.Results
	}
	return result, err
}

// QueueWorkItemMap is QueueWorkItem with structured parameters.
func (m *Manager) QueueWorkItemMap(ctx context.Context, req QueueRequest, params map[string]string) (QueueResult, error) {
	req.Parameters = EncodeParameterMap(params)
	return m.QueueWorkItem(ctx, req)
}

// GrabNextAvailWorkItem claims the next queued item for this adapter.
// queue "" takes an item from any queue. It reports whether an item was
// claimed; false is the normal empty queue outcome.
func (m *Manager) GrabNextAvailWorkItem(ctx context.Context, queue string) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	item, err := m.store.ClaimNext(ctx, m.who, m.BaseWorkItemID(), queue)
	if err != nil {
		m.ll.Error("Failed to claim work item", slog.String("queue", queue), slog.Any("error", err))
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if item == nil {
		m.timeToWait++
		m.current = nil
		m.ll.Debug("No work items available", slog.String("queue", queue))
		return false, nil
	}
	m.timeToWait = 0
	m.current = item
	if item.Requeued() {
		m.ll.Info("Claimed a requeued work item",
			slog.String("workToBeDone", item.WorkToBeDone),
			slog.Int64("workItemID", item.ID),
			slog.Int("workingResultsLength", len(item.WorkingResults)))
	} else {
		m.ll.Info("Claimed a new work item",
			slog.String("workToBeDone", item.WorkToBeDone),
			slog.Int64("workItemID", item.ID))
	}
	return true, nil
}

// CurrentWorkItem returns a copy of the claimed item, or nil.
func (m *Manager) CurrentWorkItem() *WorkItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// FinishedWorkItem marks id Finished with results.
func (m *Manager) FinishedWorkItem(ctx context.Context, command string, id int64, results string) error {
	return m.finish(ctx, command, id, results, true)
}

// FinishedWorkItemDueToError marks id Error with results.
func (m *Manager) FinishedWorkItemDueToError(ctx context.Context, command string, id int64, results string) error {
	return m.finish(ctx, command, id, results, false)
}

func (m *Manager) finish(ctx context.Context, command string, id int64, results string, success bool) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.store.Finish(ctx, m.who, id, results, success); err != nil {
		m.ll.Error("Failed to finish work item",
			slog.String("workToBeDone", command),
			slog.Int64("workItemID", id),
			slog.Bool("success", success),
			slog.Any("error", err))
		return err
	}
	m.ll.Info("Finished work item",
		slog.String("workToBeDone", command),
		slog.Int64("workItemID", id),
		slog.Bool("success", success))

	m.mu.Lock()
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
	m.mu.Unlock()
	return nil
}

// RequeueAnyZombieWorkItems returns the items of dead adapters, of every
// type, to their queues.
func (m *Manager) RequeueAnyZombieWorkItems(ctx context.Context) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	items, err := m.store.ZombieSweep(ctx, "", m.staleThreshold)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		m.ll.Info("Requeued zombie work item",
			slog.Int64("workItemID", item.ID),
			slog.String("workingAdapterType", item.WorkingAdapterType),
			slog.Int64("previousAdapterID", item.PreviousAdapterID),
			slog.String("workToBeDone", item.WorkToBeDone))
	}
	return len(items), nil
}

// ClientParameters splits the current item's parameters on sep. It
// returns nil when no item is claimed.
func (m *Manager) ClientParameters(sep string) []string {
	item := m.CurrentWorkItem()
	if item == nil {
		return nil
	}
	return item.Request().Args(sep)
}

// ClientParameterMap parses the current item's structured parameters.
func (m *Manager) ClientParameterMap() map[string]string {
	item := m.CurrentWorkItem()
	if item == nil {
		return map[string]string{}
	}
	return item.Request().Map()
}

// SaveWorkItemsRestartData checkpoints id. It returns 0 on success.
func (m *Manager) SaveWorkItemsRestartData(ctx context.Context, id int64, data string, opts ...RestartOption) (int64, error) {
	if err := m.ready(); err != nil {
		return -1, err
	}
	rc, err := m.store.SaveRestartData(ctx, m.who, id, data, opts...)
	if err != nil {
		m.ll.Error("Failed to save restart data", slog.Int64("workItemID", id), slog.Any("error", err))
		return rc, err
	}
	m.mu.Lock()
	if m.current != nil && m.current.ID == id {
		m.current.WorkingResults = data
	}
	m.mu.Unlock()
	return rc, nil
}

// WorkToBeDone returns the current item's command, or "".
func (m *Manager) WorkToBeDone() string {
	if item := m.CurrentWorkItem(); item != nil {
		return item.WorkToBeDone
	}
	return ""
}

// WorkItemID returns the current item's id, or NoWorkItem.
func (m *Manager) WorkItemID() int64 {
	if item := m.CurrentWorkItem(); item != nil {
		return item.ID
	}
	return NoWorkItem
}

// BaseWorkItemID returns the adapter's base work item id.
func (m *Manager) BaseWorkItemID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseWorkItemID
}

// IsThisNewWorkItem is false when the current item was requeued from a
// dead adapter.
func (m *Manager) IsThisNewWorkItem() bool {
	item := m.CurrentWorkItem()
	return item == nil || !item.Requeued()
}

// WorkingResults returns the restart data of the current item.
func (m *Manager) WorkingResults() string {
	if item := m.CurrentWorkItem(); item != nil {
		return item.WorkingResults
	}
	return ""
}

// AmtTimeToWait counts consecutive polls that found nothing. It is reset
// to zero by a successful claim.
func (m *Manager) AmtTimeToWait() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeToWait
}

// WasWorkDone reports whether the last poll claimed an item.
func (m *Manager) WasWorkDone() bool {
	return m.AmtTimeToWait() <= 0
}

// GetWorkItemStatus returns the state and results of id. Terminal items
// are archived as a side effect. Unknown items report Finished with
// WorkItemNotFound.
func (m *Manager) GetWorkItemStatus(ctx context.Context, adapterType string, id int64) (State, string, error) {
	if err := m.ready(); err != nil {
		return "", "", err
	}
	item, err := m.store.Status(ctx, adapterType, id)
	if err != nil {
		return "", "", err
	}
	if item == nil {
		m.ll.Info("Work item was not found", slog.String("workingAdapterType", adapterType), slog.Int64("workItemID", id))
		return StateFinished, WorkItemNotFound, nil
	}

	switch item.State {
	case StateFinished:
		if err := m.store.MarkDone(ctx, adapterType, id); err != nil {
			return item.State, item.Results, err
		}
	case StateError:
		m.ll.Error("Work item failed",
			slog.String("workingAdapterType", adapterType),
			slog.Int64("workItemID", id),
			slog.String("results", item.Results))
		m.store.emit(ctx, rasevent.Event{
			DescriptiveName: rasevent.WaitForWorkItemFailed,
			InstanceData: fmt.Sprintf("AdapterName=%s, AdapterType=%s, WorkItem=%d, Results=%s",
				m.who.Name, adapterType, id, item.Results),
			AdapterType: adapterType,
			WorkItemID:  id,
		})
		if err := m.store.MarkDone(ctx, adapterType, id); err != nil {
			return item.State, item.Results, err
		}
	}
	return item.State, item.Results, nil
}

// MarkWorkItemDone archives a Finished or Error item.
func (m *Manager) MarkWorkItemDone(ctx context.Context, adapterType string, id int64) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.MarkDone(ctx, adapterType, id)
}

// HandleProcessingWhenUnexpectedWorkItem raises an event for a command the
// adapter has no handler for and signals the adapter to shut down.
func (m *Manager) HandleProcessingWhenUnexpectedWorkItem(ctx context.Context) {
	item := m.CurrentWorkItem()
	work, id := "", NoWorkItem
	if item != nil {
		work, id = item.WorkToBeDone, item.ID
	}
	m.ll.Error("No handler for work item", slog.String("workToBeDone", work), slog.Int64("workItemID", id))
	m.store.emit(ctx, rasevent.Event{
		DescriptiveName: rasevent.AdapterMissingCaseStmt,
		InstanceData:    "WorkToBeDone=" + work,
		AdapterType:     m.who.Type,
		WorkItemID:      id,
	})
	if m.signalShutdown != nil {
		m.signalShutdown()
	}
}

// Heartbeat refreshes the adapter's liveness, which keeps its work items
// from being swept as zombies.
func (m *Manager) Heartbeat(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.Heartbeat(ctx, m.who)
}

// Close finishes the base work item and deregisters the adapter.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	initialized := m.initialized
	baseID := m.baseWorkItemID
	m.initialized = false
	m.mu.Unlock()
	if !initialized {
		return nil
	}

	var result *multierror.Error
	if err := m.store.Finish(ctx, m.who, baseID, "Adapter "+m.who.Name+" terminated", true); err != nil {
		result = multierror.Append(result, fmt.Errorf("finishing base work item %d: %w", baseID, err))
	}
	if err := m.store.Terminate(ctx, m.who); err != nil {
		result = multierror.Append(result, fmt.Errorf("terminating adapter: %w", err))
	}
	return result.ErrorOrNil()
}
