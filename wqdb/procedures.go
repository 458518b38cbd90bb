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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// procTx is the transaction a procedure runs in.
type procTx struct {
	tx  pgx.Tx
	now time.Time
}

// ts converts a micro-second argument; 0 means the transaction's now.
func (p *procTx) ts(micros int64) time.Time {
	if micros == 0 {
		return p.now
	}
	return time.UnixMicro(micros).UTC()
}

type procFunc func(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error)

var procedures = map[string]procFunc{
	backend.ProcAdapterStarted:    adapterStarted,
	backend.ProcAdapterHeartbeat:  adapterHeartbeat,
	backend.ProcAdapterTerminated: adapterTerminated,

	backend.ProcWorkItemQueue:              workItemQueue,
	backend.ProcWorkItemFindAndOwn:         workItemFindAndOwn,
	backend.ProcWorkItemFinished:           finishWith(backend.ProcWorkItemFinished, stateFinished),
	backend.ProcWorkItemFinishedDueToError: finishWith(backend.ProcWorkItemFinishedDueToError, stateError),
	backend.ProcWorkItemSaveRestartData:    workItemSaveRestartData,
	backend.ProcWorkItemRequeueZombies:     workItemRequeueZombies,
	backend.ProcWorkItemFinishedResults:    workItemFinishedResults,
	backend.ProcWorkItemStateAndResults:    workItemStateAndResults,
	backend.ProcWorkItemDone:               workItemDone,
	backend.ProcWorkItemArchive:            workItemArchive,
	backend.ProcWorkItemQueueDepth:         workItemQueueDepth,

	backend.ProcRasMetaDataList: rasMetaDataList,
	backend.ProcRasEventStore:   rasEventStore,

	backend.ProcComputeNodeDiscovered:        nodeUpdate(computeNodes, nodeDiscovered),
	backend.ProcComputeNodeSaveIPAddr:        nodeUpdate(computeNodes, nodeSaveIP),
	backend.ProcComputeNodeSetState:          nodeUpdate(computeNodes, nodeSetState),
	backend.ProcComputeNodeSaveBootImageInfo: nodeUpdate(computeNodes, nodeSaveBootImage),
	backend.ProcServiceNodeDiscovered:        nodeUpdate(serviceNodes, nodeDiscovered),
	backend.ProcServiceNodeSaveIPAddr:        nodeUpdate(serviceNodes, nodeSaveIP),
	backend.ProcServiceNodeSetState:          nodeUpdate(serviceNodes, nodeSetState),
}

// argReader collects the first argument error so procedures can read
// their arguments in a straight line.
type argReader struct {
	proc string
	args backend.Args
	err  error
}

func (r *argReader) String(i int) string {
	if r.err != nil {
		return ""
	}
	v, err := r.args.String(i)
	if err != nil {
		r.err = &argError{proc: r.proc, err: err}
	}
	return v
}

func (r *argReader) Int64(i int) int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.args.Int64(i)
	if err != nil {
		r.err = &argError{proc: r.proc, err: err}
	}
	return v
}

func (r *argReader) Bool(i int) bool {
	if r.err != nil {
		return false
	}
	v, err := r.args.Bool(i)
	if err != nil {
		r.err = &argError{proc: r.proc, err: err}
	}
	return v
}

func adapterStarted(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcAdapterStarted, args: args}
	typ, id, lctn, pid := a.String(0), a.Int64(1), a.String(2), a.Int64(3)
	if a.err != nil {
		return nil, a.err
	}
	if err := releaseIncarnation(ctx, p, typ, id); err != nil {
		return nil, err
	}
	_, err := p.tx.Exec(ctx, `
INSERT INTO adapter (adapter_type, id, lctn, pid, state, started_at, last_heartbeat)
VALUES ($1, $2, $3, $4, 'A', $5, $5)
ON CONFLICT (adapter_type, id) DO UPDATE
SET lctn = EXCLUDED.lctn,
    pid = EXCLUDED.pid,
    state = 'A',
    started_at = EXCLUDED.started_at,
    last_heartbeat = EXCLUDED.last_heartbeat`,
		typ, id, lctn, pid, p.now)
	if err != nil {
		return nil, err
	}
	return backend.ScalarResponse(0), nil
}

func adapterHeartbeat(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcAdapterHeartbeat, args: args}
	typ, id := a.String(0), a.Int64(1)
	if a.err != nil {
		return nil, a.err
	}
	tag, err := p.tx.Exec(ctx,
		`UPDATE adapter SET last_heartbeat = $3 WHERE adapter_type = $1 AND id = $2 AND state = 'A'`,
		typ, id, p.now)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, abort("no active entry in the Adapter table for AdapterType=%s, Id=%d", typ, id)
	}
	return backend.ScalarResponse(0), nil
}

func adapterTerminated(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcAdapterTerminated, args: args}
	typ, id := a.String(0), a.Int64(1)
	if a.err != nil {
		return nil, a.err
	}
	_, err := p.tx.Exec(ctx,
		`UPDATE adapter SET state = 'D' WHERE adapter_type = $1 AND id = $2`,
		typ, id)
	if err != nil {
		return nil, err
	}
	return backend.ScalarResponse(0), nil
}

func rasMetaDataList(ctx context.Context, p *procTx, _ backend.Args) (*backend.Response, error) {
	rows, err := p.tx.Query(ctx, `SELECT event_type, descriptive_name FROM ras_meta_data ORDER BY event_type`)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.Row, error) {
		var eventType, name string
		if err := row.Scan(&eventType, &name); err != nil {
			return nil, err
		}
		return backend.Row{backend.ColEventType: eventType, backend.ColDescriptiveName: name}, nil
	})
	if err != nil {
		return nil, err
	}
	return backend.Succeeded(out...), nil
}

// rasEventStore records an event and reports -1 for the first event of
// its type at the location, otherwise the number of earlier ones.
func rasEventStore(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcRasEventStore, args: args}
	eventType, instance, lctn, jobID := a.String(0), a.String(1), a.String(2), a.String(3)
	tsMicros, reqType, reqID := a.Int64(4), a.String(5), a.Int64(6)
	if a.err != nil {
		return nil, a.err
	}

	// Serialize first-occurrence detection per (type, location).
	if _, err := p.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '|' || $2))`, eventType, lctn); err != nil {
		return nil, err
	}
	var prior int64
	if err := p.tx.QueryRow(ctx,
		`SELECT count(*) FROM ras_event WHERE event_type = $1 AND lctn = $2`,
		eventType, lctn).Scan(&prior); err != nil {
		return nil, err
	}

	var job *string
	if jobID != "" {
		job = &jobID
	}
	_, err := p.tx.Exec(ctx, `
INSERT INTO ras_event (event_type, lctn, instance_data, job_id, event_timestamp,
                       requesting_adapter_type, requesting_work_item_id, db_updated_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		eventType, lctn, instance, job, p.ts(tsMicros), reqType, reqID, p.now)
	if err != nil {
		return nil, err
	}
	if prior == 0 {
		return backend.ScalarResponse(-1), nil
	}
	return backend.ScalarResponse(prior), nil
}
