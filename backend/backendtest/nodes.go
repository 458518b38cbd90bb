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
	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// Node kinds accepted by AddNode.
const (
	ComputeNode = "ComputeNode"
	ServiceNode = "ServiceNode"
)

type nodeOp int

const (
	nodeDiscovered nodeOp = iota
	nodeSaveIP
	nodeSetState
	nodeSaveBootImage
)

// nodeUpdate applies a timestamped node change. A change older than the
// last applied one is ignored and reported with scalar 1.
func (f *Fake) nodeUpdate(kind string, op nodeOp) Handler {
	return func(args backend.Args) (*backend.Response, error) {
		lctn, err := args.String(0)
		if err != nil {
			return badArgs(kind, err)
		}
		value, err := args.String(1)
		if err != nil {
			return badArgs(kind, err)
		}
		tsMicros, _ := args.Int64(2)
		ts := f.ts(tsMicros)

		n, ok := f.nodes[kind+"/"+lctn]
		if !ok {
			return fail("no entry in the %s table for Lctn=%s", kind, lctn)
		}

		switch op {
		case nodeSaveIP:
			if n.ExpectedIPAddr != "" && value != n.ExpectedIPAddr {
				return fail("IP address %s is not the same as the expected IP address %s for Lctn=%s", value, n.ExpectedIPAddr, lctn)
			}
		case nodeSetState:
			if kind == ComputeNode && n.State == "E" && value == "A" {
				return fail("Invalid state change was attempted from ERROR to ACTIVE for Lctn=%s", lctn)
			}
		}

		if !n.LastChange.IsZero() && ts.Before(n.LastChange) {
			return backend.ScalarResponse(1), nil
		}
		switch op {
		case nodeDiscovered:
			n.MacAddr = value
			n.State = "D"
		case nodeSaveIP:
			n.IPAddr = value
		case nodeSetState:
			n.State = value
		case nodeSaveBootImage:
			n.BootImageID = value
		}
		n.LastChange = ts
		return backend.ScalarResponse(0), nil
	}
}

// SetNodeState forces a node's state.
func (f *Fake) SetNodeState(kind, location, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[kind+"/"+location]; ok {
		n.State = state
	}
}
