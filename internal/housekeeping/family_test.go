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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		proc   string
		family Family
		kind   NodeKind
	}{
		{backend.ProcComputeNodeDiscovered, FamilyNodeDiscovered, NodeCompute},
		{backend.ProcServiceNodeDiscovered, FamilyNodeDiscovered, NodeService},
		{backend.ProcComputeNodeSaveIPAddr, FamilyNodeSaveIP, NodeCompute},
		{backend.ProcServiceNodeSaveIPAddr, FamilyNodeSaveIP, NodeService},
		{backend.ProcComputeNodeSetState, FamilyNodeSetState, NodeCompute},
		{backend.ProcServiceNodeSetState, FamilyNodeSetState, NodeService},
		{backend.ProcComputeNodeSaveBootImageInfo, FamilyNodeSaveBootImage, NodeCompute},
		{backend.ProcRasEventStore, FamilyRasEventStore, NodeNone},
		{backend.ProcWorkItemQueue, FamilyUnknown, NodeNone},
	}
	for _, tt := range tests {
		t.Run(tt.proc, func(t *testing.T) {
			family, kind := Classify(tt.proc)
			assert.Equal(t, tt.family, family)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestFamily_IsNode(t *testing.T) {
	assert.True(t, FamilyNodeSetState.IsNode())
	assert.False(t, FamilyRasEventStore.IsNode())
	assert.False(t, FamilyUnknown.IsNode())
	assert.Equal(t, "NodeSaveIP", FamilyNodeSaveIP.String())
	assert.Equal(t, "ServiceNode", NodeService.String())
}

func TestPertinentValue(t *testing.T) {
	info := PertinentInfo("Lctn=R0-N1", "NewState=A", "TimeInMicroSecs=5")

	v, ok := PertinentValue(info, KeyLctn)
	assert.True(t, ok)
	assert.Equal(t, "R0-N1", v)

	v, ok = PertinentValue(info, KeyTimeInMicroSecs)
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	_, ok = PertinentValue(info, "Missing=")
	assert.False(t, ok)
}

func TestNewCallbackContext(t *testing.T) {
	cc := NewCallbackContext("PROVISIONER", "PROV1", backend.ProcServiceNodeSetState, "Lctn=SN0, NewState=A", 3)
	assert.Equal(t, FamilyNodeSetState, cc.Family)
	assert.Equal(t, NodeService, cc.Kind)
	assert.Equal(t, "SN0", cc.Location)
	assert.NotEqual(t, cc.ID, NewCallbackContext("", "", "", "", 0).ID)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "BenignFailure", BenignFailure.String())
	assert.Equal(t, "Outcome(99)", Outcome(99).String())
}
