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

package backend

// Stored procedure names understood by every Client implementation.
const (
	ProcAdapterStarted    = "AdapterStarted"
	ProcAdapterHeartbeat  = "AdapterHeartbeat"
	ProcAdapterTerminated = "AdapterTerminated"

	ProcWorkItemQueue              = "WorkItemQueue"
	ProcWorkItemFindAndOwn         = "WorkItemFindAndOwn"
	ProcWorkItemFinished           = "WorkItemFinished"
	ProcWorkItemFinishedDueToError = "WorkItemFinishedDueToError"
	ProcWorkItemSaveRestartData    = "WorkItemSaveRestartData"
	ProcWorkItemRequeueZombies     = "WorkItemRequeueZombies"
	ProcWorkItemFinishedResults    = "WorkItemFinishedResults"
	ProcWorkItemStateAndResults    = "WorkItemStateAndResults"
	ProcWorkItemDone               = "WorkItemDone"
	ProcWorkItemArchive            = "WorkItemArchive"
	ProcWorkItemQueueDepth         = "WorkItemQueueDepth"

	ProcRasMetaDataList = "RasMetaDataList"
	ProcRasEventStore   = "RasEventStore"

	ProcComputeNodeDiscovered        = "ComputeNodeDiscovered"
	ProcComputeNodeSaveIPAddr        = "ComputeNodeSaveIpAddr"
	ProcComputeNodeSetState          = "ComputeNodeSetState"
	ProcComputeNodeSaveBootImageInfo = "ComputeNodeSaveBootImageInfo"
	ProcServiceNodeDiscovered        = "ServiceNodeDiscovered"
	ProcServiceNodeSaveIPAddr        = "ServiceNodeSaveIpAddr"
	ProcServiceNodeSetState          = "ServiceNodeSetState"
)

// Work item row columns returned by the work item procedures.
const (
	ColID                    = "Id"
	ColQueue                 = "Queue"
	ColWorkingAdapterType    = "WorkingAdapterType"
	ColWorkToBeDone          = "WorkToBeDone"
	ColParameters            = "Parameters"
	ColState                 = "State"
	ColPreviousState         = "PreviousState"
	ColWorkingResults        = "WorkingResults"
	ColResults               = "Results"
	ColWorkingAdapterID      = "WorkingAdapterId"
	ColWorkingPid            = "WorkingPid"
	ColNotifyWhenFinished    = "NotifyWhenFinished"
	ColRequestingAdapterType = "RequestingAdapterType"
	ColRequestingWorkItemID  = "RequestingWorkItemId"
	ColRequeueCount          = "RequeueCount"
	ColStartTimestamp        = "StartTimestamp"
	ColUpdatedTimestamp      = "DbUpdatedTimestamp"
	ColEventType             = "EventType"
	ColDescriptiveName       = "DescriptiveName"
	ColDepth                 = "Depth"
)

// Flag values used for boolean procedure arguments and columns.
const (
	FlagTrue  = "T"
	FlagFalse = "F"
)

// Flag converts a bool into the single character flag form.
func Flag(b bool) string {
	if b {
		return FlagTrue
	}
	return FlagFalse
}
