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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

const (
	stateQueued   = "Q"
	stateWorking  = "W"
	stateFinished = "F"
	stateError    = "E"
	stateDone     = "D"

	baseWorkItemQueue = "BaseWorkItem"
)

const workItemColumns = `id, queue, working_adapter_type, work_to_be_done, parameters, state,
working_results, results, working_adapter_id, working_pid, notify_when_finished,
requesting_adapter_type, requesting_work_item_id, requeue_count, start_timestamp, db_updated_timestamp`

// historyInsert copies the listed work items into work_item_history.
// stateExpr overrides the state column, for archiving as Done.
func historyInsert(stateExpr string) string {
	return fmt.Sprintf(`
INSERT INTO work_item_history (%s)
SELECT id, queue, working_adapter_type, work_to_be_done, parameters, %s,
       working_results, results, working_adapter_id, working_pid, notify_when_finished,
       requesting_adapter_type, requesting_work_item_id, requeue_count, start_timestamp, db_updated_timestamp
FROM work_item WHERE id = ANY($1)`, workItemColumns, stateExpr)
}

var (
	recordHistorySQL  = historyInsert("state")
	archiveHistorySQL = historyInsert("'" + stateDone + "'")
)

func recordHistory(ctx context.Context, p *procTx, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.tx.Exec(ctx, recordHistorySQL, ids)
	return err
}

func scanWorkItem(row pgx.Row) (backend.Row, error) {
	var (
		id, reqID, requeue       int64
		queue, typ, work, params string
		state, notify, reqType   string
		workingResults, results  *string
		adapterID, pid           *int64
		start, updated           time.Time
	)
	err := row.Scan(&id, &queue, &typ, &work, &params, &state,
		&workingResults, &results, &adapterID, &pid, &notify,
		&reqType, &reqID, &requeue, &start, &updated)
	if err != nil {
		return nil, err
	}
	out := backend.Row{
		backend.ColID:                    id,
		backend.ColQueue:                 queue,
		backend.ColWorkingAdapterType:    typ,
		backend.ColWorkToBeDone:          work,
		backend.ColParameters:            params,
		backend.ColState:                 state,
		backend.ColWorkingResults:        workingResults,
		backend.ColResults:               results,
		backend.ColNotifyWhenFinished:    notify,
		backend.ColRequestingAdapterType: reqType,
		backend.ColRequestingWorkItemID:  reqID,
		backend.ColRequeueCount:          requeue,
		backend.ColStartTimestamp:        start.UTC(),
		backend.ColUpdatedTimestamp:      updated.UTC(),
	}
	if adapterID != nil {
		out[backend.ColWorkingAdapterID] = *adapterID
	}
	if pid != nil {
		out[backend.ColWorkingPid] = *pid
	}
	return out, nil
}

// optionalRow returns the single row of a query, or nil when it has none.
func optionalRow(row pgx.Row) (backend.Row, error) {
	out, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

func workItemQueue(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcWorkItemQueue, args: args}
	queue, typ, work, params := a.String(0), a.String(1), a.String(2), a.String(3)
	notify, reqType, reqID := a.Bool(4), a.String(5), a.Int64(6)
	if a.err != nil {
		return nil, a.err
	}

	var id int64
	err := p.tx.QueryRow(ctx, `
INSERT INTO work_item (queue, working_adapter_type, work_to_be_done, parameters, state,
                       notify_when_finished, requesting_adapter_type, requesting_work_item_id,
                       start_timestamp, db_updated_timestamp)
VALUES ($1, $2, $3, $4, 'Q', $5, $6, $7, $8, $8)
RETURNING id`,
		queue, typ, work, params, backend.Flag(notify), reqType, reqID, p.now).Scan(&id)
	if err != nil {
		return nil, err
	}
	if err := recordHistory(ctx, p, id); err != nil {
		return nil, err
	}
	return backend.ScalarResponse(id), nil
}

// workItemFindAndOwn claims one queued item with a single conditional
// update. SKIP LOCKED keeps concurrent claimers off each other's rows and
// the state = 'Q' recheck makes the update the compare-and-swap.
func workItemFindAndOwn(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcWorkItemFindAndOwn, args: args}
	typ, adapterID, pid, grabBase := a.String(0), a.Int64(1), a.Int64(2), a.Bool(3)
	baseID, queue := a.Int64(4), a.String(5)
	if a.err != nil {
		return nil, a.err
	}

	var target string
	targetArgs := []any{typ, adapterID, pid, p.now}
	if grabBase {
		target = `SELECT id FROM work_item
WHERE id = $5 AND queue = $6 AND working_adapter_type = $1 AND state = 'Q'
FOR UPDATE`
		targetArgs = append(targetArgs, baseID, baseWorkItemQueue)
	} else {
		target = `SELECT id FROM work_item
WHERE working_adapter_type = $1 AND state = 'Q' AND queue <> $5 AND ($6 = '' OR queue = $6)
ORDER BY id
LIMIT 1
FOR UPDATE SKIP LOCKED`
		targetArgs = append(targetArgs, baseWorkItemQueue, queue)
	}

	row, err := optionalRow(p.tx.QueryRow(ctx, `
UPDATE work_item
SET state = 'W', working_adapter_id = $2, working_pid = $3, db_updated_timestamp = $4
WHERE id = (`+target+`) AND state = 'Q'
RETURNING `+workItemColumns, targetArgs...))
	if err != nil || row == nil {
		return backend.Succeeded(), err
	}
	if err := recordHistory(ctx, p, row.Int64(backend.ColID)); err != nil {
		return nil, err
	}
	row[backend.ColPreviousState] = stateQueued
	return backend.Succeeded(row), nil
}

// explainNotOwned returns the abort for an owner-checked update that
// touched no row.
func explainNotOwned(ctx context.Context, p *procTx, typ string, adapterID, id int64) error {
	var (
		state string
		owner *int64
	)
	err := p.tx.QueryRow(ctx,
		`SELECT state, working_adapter_id FROM work_item WHERE id = $1 AND working_adapter_type = $2`,
		id, typ).Scan(&state, &owner)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return abort("no entry in the WorkItem table for WorkingAdapterType=%s, Id=%d", typ, id)
	case err != nil:
		return err
	case state != stateWorking:
		return abort("unable to update WorkItem %d due to incompatible State value (%s)", id, state)
	default:
		return abort("WorkItem %d is not owned by adapter %d", id, adapterID)
	}
}

func finishWith(proc, state string) procFunc {
	return func(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
		a := argReader{proc: proc, args: args}
		typ, adapterID, id, results := a.String(0), a.Int64(1), a.Int64(2), a.String(3)
		if a.err != nil {
			return nil, a.err
		}
		tag, err := p.tx.Exec(ctx, `
UPDATE work_item
SET state = $5, results = $4, db_updated_timestamp = $6
WHERE id = $3 AND working_adapter_type = $1 AND state = 'W' AND working_adapter_id = $2`,
			typ, adapterID, id, results, state, p.now)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, explainNotOwned(ctx, p, typ, adapterID, id)
		}
		if err := recordHistory(ctx, p, id); err != nil {
			return nil, err
		}
		return backend.ScalarResponse(0), nil
	}
}

func workItemSaveRestartData(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcWorkItemSaveRestartData, args: args}
	typ, adapterID, id, data := a.String(0), a.Int64(1), a.Int64(2), a.String(3)
	insertHistory, tsMicros := a.Bool(4), a.Int64(5)
	if a.err != nil {
		return nil, a.err
	}
	ts := p.ts(tsMicros)

	tag, err := p.tx.Exec(ctx, `
UPDATE work_item
SET working_results = $4, db_updated_timestamp = $5
WHERE id = $3 AND working_adapter_type = $1 AND state = 'W' AND working_adapter_id = $2`,
		typ, adapterID, id, data, ts)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, explainNotOwned(ctx, p, typ, adapterID, id)
	}

	if insertHistory {
		err = recordHistory(ctx, p, id)
	} else {
		_, err = p.tx.Exec(ctx, `
UPDATE work_item_history
SET working_results = $2, db_updated_timestamp = $3
WHERE history_id = (SELECT max(history_id) FROM work_item_history WHERE id = $1)`,
			id, data, ts)
	}
	if err != nil {
		return nil, err
	}
	return backend.ScalarResponse(0), nil
}

// workItemRequeueZombies marks adapters without a recent heartbeat dead,
// moves the base work items of non-active adapters to Error, and returns
// every other item they own to the queue with its working results intact.
func workItemRequeueZombies(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcWorkItemRequeueZombies, args: args}
	typ, staleMicros := a.String(0), a.Int64(1)
	if a.err != nil {
		return nil, a.err
	}
	cutoff := p.now.Add(-time.Duration(staleMicros) * time.Microsecond)

	if _, err := p.tx.Exec(ctx,
		`UPDATE adapter SET state = 'D' WHERE state = 'A' AND last_heartbeat < $1`, cutoff); err != nil {
		return nil, err
	}

	const orphaned = `w.state = 'W' AND ($1 = '' OR w.working_adapter_type = $1)
AND NOT EXISTS (
  SELECT 1 FROM adapter ad
  WHERE ad.adapter_type = w.working_adapter_type AND ad.id = w.working_adapter_id AND ad.state = 'A'
)`

	baseRows, err := p.tx.Query(ctx, `
UPDATE work_item w
SET state = 'E', results = NULL, db_updated_timestamp = $2
WHERE w.queue = $3 AND `+orphaned+`
RETURNING w.id`, typ, p.now, baseWorkItemQueue)
	if err != nil {
		return nil, err
	}
	baseIDs, err := pgx.CollectRows(baseRows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	rows, err := p.tx.Query(ctx, `
WITH zombie AS (
  SELECT w.id, w.working_adapter_id FROM work_item w
  WHERE w.queue <> $3 AND `+orphaned+`
  FOR UPDATE
)
UPDATE work_item w
SET state = 'Q', working_adapter_id = NULL, working_pid = NULL,
    requeue_count = w.requeue_count + 1, db_updated_timestamp = $2
FROM zombie
WHERE w.id = zombie.id
RETURNING w.id, w.working_adapter_type, zombie.working_adapter_id, w.work_to_be_done`,
		typ, p.now, baseWorkItemQueue)
	if err != nil {
		return nil, err
	}
	var ids []int64
	requeued, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.Row, error) {
		var (
			id    int64
			owner *int64
			t, w  string
		)
		if err := row.Scan(&id, &t, &owner, &w); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		out := backend.Row{
			backend.ColID:                 id,
			backend.ColWorkingAdapterType: t,
			backend.ColWorkToBeDone:       w,
		}
		if owner != nil {
			out[backend.ColWorkingAdapterID] = *owner
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	if err := recordHistory(ctx, p, append(baseIDs, ids...)...); err != nil {
		return nil, err
	}
	return backend.Succeeded(requeued...), nil
}

// releaseIncarnation hands back whatever a previous adapter registered
// under the same type and id still holds: its base item goes to E and its
// other working items are requeued.
func releaseIncarnation(ctx context.Context, p *procTx, typ string, id int64) error {
	rows, err := p.tx.Query(ctx, `
UPDATE work_item
SET state = CASE WHEN queue = $4 THEN 'E' ELSE 'Q' END,
    results = CASE WHEN queue = $4 THEN NULL ELSE results END,
    working_adapter_id = CASE WHEN queue = $4 THEN working_adapter_id ELSE NULL END,
    working_pid = CASE WHEN queue = $4 THEN working_pid ELSE NULL END,
    requeue_count = CASE WHEN queue = $4 THEN requeue_count ELSE requeue_count + 1 END,
    db_updated_timestamp = $3
WHERE state = 'W' AND working_adapter_type = $1 AND working_adapter_id = $2
RETURNING id`, typ, id, p.now, baseWorkItemQueue)
	if err != nil {
		return err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return err
	}
	return recordHistory(ctx, p, ids...)
}

func lookupArgs(proc string, args backend.Args) (string, int64, error) {
	a := argReader{proc: proc, args: args}
	typ, id := a.String(0), a.Int64(1)
	return typ, id, a.err
}

func workItemFinishedResults(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	typ, id, err := lookupArgs(backend.ProcWorkItemFinishedResults, args)
	if err != nil {
		return nil, err
	}
	row, err := optionalRow(p.tx.QueryRow(ctx, `SELECT `+workItemColumns+`
FROM work_item WHERE id = $1 AND working_adapter_type = $2 AND state IN ('F', 'E')`, id, typ))
	if err != nil || row == nil {
		return backend.Succeeded(), err
	}
	return backend.Succeeded(row), nil
}

func workItemStateAndResults(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	typ, id, err := lookupArgs(backend.ProcWorkItemStateAndResults, args)
	if err != nil {
		return nil, err
	}
	row, err := optionalRow(p.tx.QueryRow(ctx, `SELECT `+workItemColumns+`
FROM work_item WHERE id = $1 AND working_adapter_type = $2`, id, typ))
	if err != nil || row == nil {
		return backend.Succeeded(), err
	}
	return backend.Succeeded(row), nil
}

// workItemDone archives a Finished or Error item: a Done history row is
// written and the live row removed.
func workItemDone(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	typ, id, err := lookupArgs(backend.ProcWorkItemDone, args)
	if err != nil {
		return nil, err
	}
	var state string
	err = p.tx.QueryRow(ctx,
		`SELECT state FROM work_item WHERE id = $1 AND working_adapter_type = $2 FOR UPDATE`,
		id, typ).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, abort("no entry in the WorkItem table for WorkingAdapterType=%s, Id=%d", typ, id)
	case err != nil:
		return nil, err
	case state != stateFinished && state != stateError:
		return nil, abort("unable to mark WorkItem %d done due to incompatible State value (%s)", id, state)
	}
	if err := archive(ctx, p, []int64{id}); err != nil {
		return nil, err
	}
	return backend.ScalarResponse(0), nil
}

func archive(ctx context.Context, p *procTx, ids []int64) error {
	if _, err := p.tx.Exec(ctx, `UPDATE work_item SET db_updated_timestamp = $2 WHERE id = ANY($1)`, ids, p.now); err != nil {
		return err
	}
	if _, err := p.tx.Exec(ctx, archiveHistorySQL, ids); err != nil {
		return err
	}
	_, err := p.tx.Exec(ctx, `DELETE FROM work_item WHERE id = ANY($1)`, ids)
	return err
}

// workItemArchive archives up to maxRows terminal items last updated
// before the cutoff. Items someone is waiting on are left for the waiter.
func workItemArchive(ctx context.Context, p *procTx, args backend.Args) (*backend.Response, error) {
	a := argReader{proc: backend.ProcWorkItemArchive, args: args}
	cutoffMicros, maxRows := a.Int64(0), a.Int64(1)
	if a.err != nil {
		return nil, a.err
	}
	if maxRows <= 0 {
		return backend.ScalarResponse(0), nil
	}

	rows, err := p.tx.Query(ctx, `
SELECT id FROM work_item
WHERE state IN ('F', 'E') AND notify_when_finished <> 'T' AND db_updated_timestamp < $1
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED`, p.ts(cutoffMicros), maxRows)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := archive(ctx, p, ids); err != nil {
			return nil, err
		}
	}
	return backend.ScalarResponse(int64(len(ids))), nil
}

func workItemQueueDepth(ctx context.Context, p *procTx, _ backend.Args) (*backend.Response, error) {
	rows, err := p.tx.Query(ctx, `
SELECT working_adapter_type, count(*)
FROM work_item
WHERE state = 'Q'
GROUP BY working_adapter_type
ORDER BY working_adapter_type`)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.Row, error) {
		var typ string
		var depth int64
		if err := row.Scan(&typ, &depth); err != nil {
			return nil, err
		}
		return backend.Row{backend.ColWorkingAdapterType: typ, backend.ColDepth: depth}, nil
	})
	if err != nil {
		return nil, err
	}
	return backend.Succeeded(out...), nil
}
