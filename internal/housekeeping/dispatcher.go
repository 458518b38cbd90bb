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

package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
)

// DefaultDedupeTTL is how long an identical benign failure event is
// suppressed after it was raised.
const DefaultDedupeTTL = 10 * time.Minute

// Outcome is how a completion was classified.
type Outcome int

const (
	Succeeded Outcome = iota
	OutOfOrder
	NodeActive
	FirstDiscovered
	AlreadyKnown
	BenignFailure
	SuppressedFailure
	UnrecognizedFailure
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case OutOfOrder:
		return "OutOfOrder"
	case NodeActive:
		return "NodeActive"
	case FirstDiscovered:
		return "FirstDiscovered"
	case AlreadyKnown:
		return "AlreadyKnown"
	case BenignFailure:
		return "BenignFailure"
	case SuppressedFailure:
		return "SuppressedFailure"
	case UnrecognizedFailure:
		return "UnrecognizedFailure"
	}
	return "Outcome(" + fmt.Sprint(int(o)) + ")"
}

// Failure strings the node procedures return for expected races.
const (
	NoComputeNodeEntry   = "no entry in the ComputeNode table"
	NoServiceNodeEntry   = "no entry in the ServiceNode table"
	UnexpectedIPAddr     = "not the same as the expected IP address"
	InvalidErrorToActive = "Invalid state change was attempted from ERROR to ACTIVE"
)

// benignRule matches a failure string. An empty event means the failure
// is only logged.
type benignRule struct {
	contains string
	event    string
}

var benignRules = map[procedureClass][]benignRule{
	{FamilyNodeDiscovered, NodeCompute}: {
		{NoComputeNodeEntry, rasevent.CompNodeDiscFailedInvalidMacAddr},
	},
	{FamilyNodeDiscovered, NodeService}: {
		{NoServiceNodeEntry, rasevent.ServNodeDiscFailedInvalidMacAddr},
	},
	{FamilyNodeSaveIP, NodeCompute}: {
		{NoComputeNodeEntry, rasevent.CompNodeSaveIPFailedInvalidMac},
		{UnexpectedIPAddr, rasevent.CompNodeSaveIPFailedInvalidIP},
	},
	{FamilyNodeSaveIP, NodeService}: {
		{NoServiceNodeEntry, rasevent.ServNodeSaveIPFailedInvalidMac},
		{UnexpectedIPAddr, rasevent.ServNodeSaveIPFailedInvalidIP},
	},
	{FamilyNodeSetState, NodeCompute}: {
		{NoComputeNodeEntry, rasevent.CompNodeSetStateFailedInvalid},
		{InvalidErrorToActive, ""},
	},
	{FamilyNodeSetState, NodeService}: {
		{NoServiceNodeEntry, rasevent.ServNodeSetStateFailedInvalid},
	},
	{FamilyNodeSaveBootImage, NodeCompute}: {
		{NoComputeNodeEntry, rasevent.CompNodeSaveBootImageFailed},
	},
}

// Dispatcher handles completions of housekeeping calls. It is safe for
// concurrent use; completions arrive on backend owned goroutines.
type Dispatcher struct {
	events      rasevent.Emitter
	ll          *slog.Logger
	adapterName string
	dedupeTTL   time.Duration
	seen        *ttlcache.Cache[string, struct{}]
}

// NewDispatcher returns a Dispatcher raising events through events.
func NewDispatcher(events rasevent.Emitter, opts ...Options) *Dispatcher {
	d := &Dispatcher{
		events:    events,
		ll:        slog.Default(),
		dedupeTTL: DefaultDedupeTTL,
	}
	for _, opt := range opts {
		opt.apply(d)
	}
	d.seen = ttlcache.New(
		ttlcache.WithTTL[string, struct{}](d.dedupeTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return d
}

// Callback returns the completion for a call described by cc.
func (d *Dispatcher) Callback(ctx context.Context, cc CallbackContext) backend.Callback {
	ctx = context.WithoutCancel(ctx)
	return func(resp *backend.Response) {
		d.Dispatch(ctx, cc, resp)
	}
}

// ForEvent returns the completion for storing one RAS event.
func (d *Dispatcher) ForEvent(ctx context.Context, ev rasevent.Event, eventType string) backend.Callback {
	cc := NewCallbackContext(ev.AdapterType, d.adapterName, backend.ProcRasEventStore, ev.InstanceData, ev.WorkItemID)
	cc.Location = ev.Location
	cc.DescriptiveName = ev.DescriptiveName
	cc.RasEventType = eventType
	return d.Callback(ctx, cc)
}

// Dispatch classifies resp and raises the matching events. It never
// panics.
func (d *Dispatcher) Dispatch(ctx context.Context, cc CallbackContext, resp *backend.Response) (out Outcome) {
	ll := d.ll.With(
		slog.String("procedure", cc.Procedure),
		slog.String("callbackID", cc.ID.String()),
		slog.String("pertinentInfo", cc.PertinentInfo),
		slog.Int64("workItemID", cc.WorkItemID),
	)
	defer func() {
		if r := recover(); r != nil {
			ll.Error("Housekeeping callback panicked", slog.Any("panic", r))
			out = UnrecognizedFailure
		}
	}()

	if resp == nil {
		resp = backend.Failed(backend.ResponseUnknown, "no response")
	}
	if !resp.OK() {
		return d.failure(ctx, ll, cc, resp)
	}
	return d.success(ctx, ll, cc, resp)
}

func (d *Dispatcher) failure(ctx context.Context, ll *slog.Logger, cc CallbackContext, resp *backend.Response) Outcome {
	ll = ll.With(slog.String("status", resp.Status.String()), slog.String("statusString", resp.StatusString))
	instance := fmt.Sprintf("AdapterName=%s, Procedure=%s, PertinentInfo=%s, StatusString=%s",
		cc.AdapterName, cc.Procedure, cc.PertinentInfo, resp.StatusString)

	if resp.StatusString != "" {
		for _, rule := range benignRules[procedureClass{cc.Family, cc.Kind}] {
			if !strings.Contains(resp.StatusString, rule.contains) {
				continue
			}
			if rule.event == "" {
				ll.Warn("Node state change refused, node state left unchanged")
				return SuppressedFailure
			}
			ll.Info("Housekeeping call failed with an expected condition", slog.String("event", rule.event))
			d.emitOnce(ctx, rasevent.Event{
				DescriptiveName: rule.event,
				InstanceData:    instance,
				Location:        cc.eventLocation(),
				AdapterType:     cc.AdapterType,
				WorkItemID:      cc.WorkItemID,
			})
			return BenignFailure
		}
	}

	ll.Error("Housekeeping call failed")
	if cc.Family == FamilyRasEventStore && cc.DescriptiveName == rasevent.HouseKeepingCallbackFailed {
		return UnrecognizedFailure
	}
	d.emit(ctx, rasevent.Event{
		DescriptiveName: rasevent.HouseKeepingCallbackFailed,
		InstanceData:    instance,
		AdapterType:     cc.AdapterType,
		WorkItemID:      cc.WorkItemID,
	})
	return UnrecognizedFailure
}

func (d *Dispatcher) success(ctx context.Context, ll *slog.Logger, cc CallbackContext, resp *backend.Response) Outcome {
	ll.Debug("Housekeeping call succeeded")
	if cc.Family == FamilyUnknown {
		return Succeeded
	}
	value, err := resp.Scalar()
	if err != nil {
		ll.Warn("Housekeeping call returned no scalar result", slog.Any("error", err))
		return Succeeded
	}

	if cc.Family == FamilyRasEventStore {
		return d.rasEventStored(ctx, ll, cc, value)
	}

	out := Succeeded
	if value > 0 {
		ll.Info("Item occurred out of timestamp order but was handled")
		d.emit(ctx, rasevent.Event{
			DescriptiveName: rasevent.DetectedOutOfTsOrderItem,
			InstanceData: fmt.Sprintf("AdapterName=%s, StoredProcedure=%s, PertinentInfo=%s",
				cc.AdapterName, cc.Procedure, cc.PertinentInfo),
			Location:    cc.eventLocation(),
			AdapterType: cc.AdapterType,
			WorkItemID:  cc.WorkItemID,
		})
		out = OutOfOrder
	}

	newState, _ := PertinentValue(cc.PertinentInfo, KeyNewState)
	if cc.Family == FamilyNodeSetState && cc.Kind == NodeCompute && newState == "A" {
		lctn := cc.eventLocation()
		if synth, ok := PertinentValue(cc.PertinentInfo, KeyUsingSynthData); ok && synth == "" {
			ll.Warn("Node is active, no event raised for synthesized data", slog.String("lctn", lctn))
			return out
		}
		d.emit(ctx, rasevent.Event{
			DescriptiveName: rasevent.ProvNodeActive,
			InstanceData:    fmt.Sprintf("AdapterName=%s, Lctn=%s", cc.AdapterName, lctn),
			Location:        lctn,
			Time:            cc.eventTime(),
			AdapterType:     cc.AdapterType,
			WorkItemID:      cc.WorkItemID,
		})
		if out == Succeeded {
			out = NodeActive
		}
	}
	return out
}

func (d *Dispatcher) rasEventStored(ctx context.Context, ll *slog.Logger, cc CallbackContext, value int64) Outcome {
	if value != -1 {
		return AlreadyKnown
	}
	if cc.DescriptiveName == rasevent.FirstDiscoveredEvent {
		return FirstDiscovered
	}
	ll.Info("First occurrence of RAS event",
		slog.String("descriptiveName", cc.DescriptiveName),
		slog.String("eventType", cc.RasEventType),
		slog.String("lctn", cc.Location))
	d.emit(ctx, rasevent.Event{
		DescriptiveName: rasevent.FirstDiscoveredEvent,
		InstanceData: fmt.Sprintf("AdapterName=%s, DescriptiveName=%s, EventType=%s",
			cc.AdapterName, cc.DescriptiveName, cc.RasEventType),
		Location:    cc.Location,
		AdapterType: cc.AdapterType,
		WorkItemID:  cc.WorkItemID,
	})
	return FirstDiscovered
}

func (d *Dispatcher) emit(ctx context.Context, ev rasevent.Event) {
	if d.events == nil {
		d.ll.Warn("RAS event dropped, no event log configured", slog.String("event", ev.DescriptiveName))
		return
	}
	d.events.Emit(ctx, ev)
}

// emitOnce raises ev unless the same event for the same location was
// raised within the dedupe window.
func (d *Dispatcher) emitOnce(ctx context.Context, ev rasevent.Event) {
	key := ev.DescriptiveName + "|" + ev.Location
	if _, found := d.seen.GetOrSet(key, struct{}{}); found {
		d.ll.Debug("Suppressed duplicate RAS event", slog.String("event", ev.DescriptiveName), slog.String("lctn", ev.Location))
		return
	}
	d.emit(ctx, ev)
}
