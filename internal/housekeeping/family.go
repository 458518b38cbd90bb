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

// Package housekeeping classifies the completions of fire-and-forget
// backend calls and turns the interesting ones into RAS events.
package housekeeping

import (
	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// Family groups procedures whose completions are handled alike.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyNodeDiscovered
	FamilyNodeSaveIP
	FamilyNodeSetState
	FamilyNodeSaveBootImage
	FamilyRasEventStore
)

func (f Family) String() string {
	switch f {
	case FamilyNodeDiscovered:
		return "NodeDiscovered"
	case FamilyNodeSaveIP:
		return "NodeSaveIP"
	case FamilyNodeSetState:
		return "NodeSetState"
	case FamilyNodeSaveBootImage:
		return "NodeSaveBootImage"
	case FamilyRasEventStore:
		return "RasEventStore"
	}
	return "Unknown"
}

// IsNode reports whether the family updates a node row.
func (f Family) IsNode() bool {
	switch f {
	case FamilyNodeDiscovered, FamilyNodeSaveIP, FamilyNodeSetState, FamilyNodeSaveBootImage:
		return true
	}
	return false
}

// NodeKind says which node table a node family procedure touches.
type NodeKind int

const (
	NodeNone NodeKind = iota
	NodeCompute
	NodeService
)

func (k NodeKind) String() string {
	switch k {
	case NodeCompute:
		return "ComputeNode"
	case NodeService:
		return "ServiceNode"
	}
	return "None"
}

type procedureClass struct {
	family Family
	kind   NodeKind
}

var procedureClasses = map[string]procedureClass{
	backend.ProcComputeNodeDiscovered:        {FamilyNodeDiscovered, NodeCompute},
	backend.ProcServiceNodeDiscovered:        {FamilyNodeDiscovered, NodeService},
	backend.ProcComputeNodeSaveIPAddr:        {FamilyNodeSaveIP, NodeCompute},
	backend.ProcServiceNodeSaveIPAddr:        {FamilyNodeSaveIP, NodeService},
	backend.ProcComputeNodeSetState:          {FamilyNodeSetState, NodeCompute},
	backend.ProcServiceNodeSetState:          {FamilyNodeSetState, NodeService},
	backend.ProcComputeNodeSaveBootImageInfo: {FamilyNodeSaveBootImage, NodeCompute},
	backend.ProcRasEventStore:                {FamilyRasEventStore, NodeNone},
}

// Classify maps a procedure name to its family and node kind.
func Classify(procedure string) (Family, NodeKind) {
	c, ok := procedureClasses[procedure]
	if !ok {
		return FamilyUnknown, NodeNone
	}
	return c.family, c.kind
}
