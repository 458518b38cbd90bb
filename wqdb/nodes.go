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

package wqdb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// nodeTable names a node inventory table.
type nodeTable struct {
	table string
	label string
}

var (
	computeNodes = nodeTable{table: "compute_node", label: "ComputeNode"}
	serviceNodes = nodeTable{table: "service_node", label: "ServiceNode"}
)

type nodeOp int

const (
	nodeDiscovered nodeOp = iota
	nodeSaveIP
	nodeSetState
	nodeSaveBootImage
)

// Node states.
const (
	nodeStateActive     = "A"
	nodeStateDiscovered = "D"
	nodeStateError      = "E"
)

// nodeUpdate applies a timestamped change to one node. A change older than
// the last applied one leaves the row alone and returns scalar 1.
func nodeUpdate(nt nodeTable, op nodeOp) procFunc {
	return func(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
		a := argReader{proc: nt.label, args: args}
		lctn, value, tsMicros := a.String(0), a.String(1), a.Int64(2)
		reqType, reqID := a.String(3), a.Int64(4)
		if a.err != nil {
			return nil, a.err
		}
		ts := p.ts(tsMicros)

		var (
			state      string
			expectedIP *string
			lastChange *time.Time
		)
		err := p.tx.QueryRow(ctx,
			`SELECT state, expected_ip_addr, last_change FROM `+nt.table+` WHERE lctn = $1 FOR UPDATE`,
			lctn).Scan(&state, &expectedIP, &lastChange)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, abort("no entry in the %s table for Lctn=%s", nt.label, lctn)
		}
		if err != nil {
			return nil, err
		}

		switch op {
		case nodeSaveIP:
			if expectedIP != nil && *expectedIP != "" && value != *expectedIP {
				return nil, abort("IP address %s is not the same as the expected IP address %s for Lctn=%s", value, *expectedIP, lctn)
			}
		case nodeSetState:
			if nt == computeNodes && state == nodeStateError && value == nodeStateActive {
				return nil, abort("Invalid state change was attempted from ERROR to ACTIVE for Lctn=%s", lctn)
			}
		}

		if lastChange != nil && ts.Before(*lastChange) {
			return backend.ScalarResponse(1), nil
		}

		var set string
		switch op {
		case nodeDiscovered:
			set = `mac_addr = $2, state = '` + nodeStateDiscovered + `'`
		case nodeSaveIP:
			set = `ip_addr = $2`
		case nodeSetState:
			set = `state = $2`
		case nodeSaveBootImage:
			set = `boot_image_id = $2`
		}
		_, err = p.tx.Exec(ctx, `UPDATE `+nt.table+` SET `+set+`,
    last_change = $3, last_chg_adapter_type = $4, last_chg_work_item_id = $5, db_updated_timestamp = $6
WHERE lctn = $1`, lctn, value, ts, reqType, reqID, p.now)
		if err != nil {
			return nil, err
		}
		return backend.ScalarResponse(0), nil
	}
}
