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

// Package rasevent records reliability, availability and serviceability
// (RAS) events raised by adapters. Events are stored asynchronously and
// failures are only logged.
package rasevent

import (
	"context"
	"time"
)

// Descriptive names of the events raised by the work queue and the
// housekeeping callbacks.
const (
	WorkItemFindAndOwnFailed         = "RasGenWorkItemFindAndOwnFailed"
	AdapterMissingCaseStmt           = "RasGenAdapterMissingCaseStmt"
	WaitForWorkItemFailed            = "RasGenAdapterWaitForWorkItemToFinishAndMarkDoneFailed"
	SaveRestartDataFailed            = "RasGenAdapterWiSaveRestartDataFailed"
	HouseKeepingCallbackFailed       = "RasGenAdapterCallBackForHouseKeepingFailed"
	DetectedOutOfTsOrderItem         = "RasGenAdapterDetectedOutOfTsOrderItem"
	FirstDiscoveredEvent             = "RasGenAdapterFirstDiscoveredEvent"
	InvalidDescriptiveName           = "RasGenAdapterInvalidDescriptiveName"
	ZombieWorkItemRequeued           = "RasGenAdapterZombieWorkItemRequeued"
	ProvNodeActive                   = "RasProvNodeActive"
	CompNodeDiscFailedInvalidMacAddr = "RasProvCompNodeDiscFailedInvalidMacAddr"
	ServNodeDiscFailedInvalidMacAddr = "RasProvServiceNodeDiscFailedInvalidMacAddr"
	CompNodeSaveIPFailedInvalidMac   = "RasProvCompNodeSaveIpAddrFailedInvalidMacAddr"
	ServNodeSaveIPFailedInvalidMac   = "RasProvServiceNodeSaveIpAddrFailedInvalidMacAddr"
	CompNodeSaveIPFailedInvalidIP    = "RasProvCompNodeSaveIpAddrFailedInvalidIpAddr"
	ServNodeSaveIPFailedInvalidIP    = "RasProvServiceNodeSaveIpAddrFailedInvalidIpAddr"
	CompNodeSetStateFailedInvalid    = "RasProvCompNodeSetStateFailedInvalidNode"
	ServNodeSetStateFailedInvalid    = "RasProvServiceNodeSetStateFailedInvalidNode"
	CompNodeSaveBootImageFailed      = "RasProvCompNodeSaveBootImageFailedInvalidNode"
)

// NonDescriptiveEventType is the event type used when a descriptive name
// has no metadata entry.
const NonDescriptiveEventType = "0001000013"

// Event is one RAS event to be recorded.
type Event struct {
	DescriptiveName string
	InstanceData    string
	Location        string
	JobID           string
	// Time the triggering condition occurred. Zero means now.
	Time time.Time
	// AdapterType and WorkItemID identify the requester.
	AdapterType string
	WorkItemID  int64
}

// Emitter accepts events for asynchronous recording.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) {
	f(ctx, ev)
}
