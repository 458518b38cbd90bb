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

package workqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// ErrNotInitialized is returned by Manager operations before Initialize
// has succeeded.
var ErrNotInitialized = errors.New("work queue manager is not initialized")

// BackendError reports a failed procedure call, either at the connection
// level (Err set) or as a non-success status.
type BackendError struct {
	Procedure    string
	Status       backend.Status
	StatusString string
	Err          error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Procedure, e.Err)
	}
	return fmt.Sprintf("%s failed: status=%s: %s", e.Procedure, e.Status, e.StatusString)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// InitializationError reports that the adapter could not register or
// obtain its base work item.
type InitializationError struct {
	AdapterType string
	Err         error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("work queue initialization failed for adapter type %s: %v", e.AdapterType, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// PreconditionViolation is the panic value raised when a Manager is
// constructed for an identity that cannot take work.
type PreconditionViolation struct {
	Reason string
}

func (e *PreconditionViolation) Error() string {
	return "work queue precondition violated: " + e.Reason
}

// call runs a procedure and converts both failure kinds into BackendError.
func call(ctx context.Context, client backend.Client, proc string, args ...any) (*backend.Response, error) {
	resp, err := client.Call(ctx, proc, args...)
	if err != nil {
		return nil, &BackendError{Procedure: proc, Status: backend.ConnectionLost, Err: err}
	}
	if resp == nil {
		return nil, &BackendError{Procedure: proc, Status: backend.ResponseUnknown, StatusString: "no response"}
	}
	if !resp.OK() {
		return resp, &BackendError{Procedure: proc, Status: resp.Status, StatusString: resp.StatusString}
	}
	return resp, nil
}
