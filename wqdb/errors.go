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

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// ErrClosed is returned by CallAsync after Close.
var ErrClosed = errors.New("wqdb: store is closed")

// abortError rolls back the procedure's transaction and is reported as an
// OperationalFailure with its message.
type abortError struct {
	msg string
}

func (e *abortError) Error() string { return e.msg }

func abort(format string, args ...any) error {
	return &abortError{msg: fmt.Sprintf(format, args...)}
}

// argError is a malformed procedure argument list.
type argError struct {
	proc string
	err  error
}

func (e *argError) Error() string {
	return fmt.Sprintf("bad arguments to %s: %v", e.proc, e.err)
}

func (e *argError) Unwrap() error { return e.err }

// SQLSTATEs worth retrying the whole transaction for.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
	}
	return false
}

// toResponse turns a procedure outcome into the Client contract: business
// rule and SQL failures come back as a response, connection and context
// failures as an error.
func toResponse(resp *backend.Response, err error) (*backend.Response, error) {
	if err == nil {
		if resp == nil {
			resp = backend.Succeeded()
		}
		return resp, nil
	}

	var ae *abortError
	if errors.As(err, &ae) {
		return backend.Failed(backend.OperationalFailure, "%s", ae.msg), nil
	}
	var ag *argError
	if errors.As(err, &ag) {
		return backend.Failed(backend.GracefulFailure, "%s", ag.Error()), nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return backend.Failed(backend.UnexpectedFailure, "%s (SQLSTATE %s)", pgErr.Message, pgErr.Code), nil
	}
	return nil, err
}

// asyncStatus maps a Call error to the status delivered to a callback.
func asyncStatus(err error) backend.Status {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return backend.ConnectionTimeout
	}
	return backend.ConnectionLost
}
