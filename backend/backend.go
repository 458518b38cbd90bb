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

// Package backend defines the contract between adapters and the shared
// transactional store that holds the work queue. A Client invokes named
// stored procedures synchronously or asynchronously; implementations live
// in wqdb (PostgreSQL) and backendtest (in memory).
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoScalar is returned by Response.Scalar when the response holds no value.
var ErrNoScalar = errors.New("response does not contain a scalar value")

// Callback receives the completion of an asynchronous call. It is invoked
// exactly once, on a goroutine owned by the Client.
type Callback func(resp *Response)

// Client executes stored procedures against the backend.
//
// Call returns an error only for connection level failures such as a lost
// connection, an exhausted pool or an expired context. Application level
// failures come back as a Response with a non-Success Status.
//
// CallAsync returns an error only when the call could not be submitted.
type Client interface {
	Call(ctx context.Context, procedure string, args ...any) (*Response, error)
	CallAsync(ctx context.Context, cb Callback, procedure string, args ...any) error
}

// Row is one result row keyed by column name.
type Row map[string]any

// Response is the result of a procedure call.
type Response struct {
	Status       Status
	StatusString string
	Rows         []Row
}

// Succeeded returns a successful response holding rows.
func Succeeded(rows ...Row) *Response {
	return &Response{Status: Success, Rows: rows}
}

// ScalarResponse returns a successful response holding a single value.
func ScalarResponse(v int64) *Response {
	return &Response{Status: Success, Rows: []Row{{"": v}}}
}

// Failed returns a response with the given status and message.
func Failed(status Status, format string, args ...any) *Response {
	return &Response{Status: status, StatusString: fmt.Sprintf(format, args...)}
}

// OK reports whether the call succeeded.
func (r *Response) OK() bool {
	return r != nil && r.Status == Success
}

// Scalar returns the first column of the first row as an int64.
func (r *Response) Scalar() (int64, error) {
	if r == nil || len(r.Rows) == 0 {
		return 0, ErrNoScalar
	}
	row := r.Rows[0]
	if v, ok := row[""]; ok {
		return toInt64(v)
	}
	if len(row) == 1 {
		for _, v := range row {
			return toInt64(v)
		}
	}
	return 0, ErrNoScalar
}

// Int64 returns the named column as an int64, or 0 when absent or NULL.
func (r Row) Int64(col string) int64 {
	v, err := toInt64(r[col])
	if err != nil {
		return 0
	}
	return v
}

// String returns the named column as a string, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	case []byte:
		return string(v)
	}
	return ""
}

// NullString returns the named column, or nil when it is absent or NULL.
func (r Row) NullString(col string) *string {
	switch v := r[col].(type) {
	case string:
		return &v
	case *string:
		return v
	case []byte:
		s := string(v)
		return &s
	}
	return nil
}

// Time returns the named column as a time, or the zero time.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case int64:
		return time.UnixMicro(v).UTC()
	}
	return time.Time{}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case *int64:
		if n != nil {
			return *n, nil
		}
	}
	return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
}

// Micros converts a time to microseconds since the epoch. The zero time
// maps to 0.
func Micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}
