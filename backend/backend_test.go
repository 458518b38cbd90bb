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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Success, "SUCCESS"},
		{OperationalFailure, "OPERATIONAL_FAILURE"},
		{ConnectionLost, "CONNECTION_LOST"},
		{ConnectionTimeout, "CONNECTION_TIMEOUT"},
		{UserAbort, "USER_ABORT"},
		{GracefulFailure, "GRACEFUL_FAILURE"},
		{UnexpectedFailure, "UNEXPECTED_FAILURE"},
		{ResponseUnknown, "RESPONSE_UNKNOWN"},
		{Status(42), "UNKNOWN_STATUS"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestResponseScalar(t *testing.T) {
	v, err := ScalarResponse(-1).Scalar()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	v, err = Succeeded(Row{"Count": int32(7)}).Scalar()
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = Succeeded().Scalar()
	assert.ErrorIs(t, err, ErrNoScalar)

	_, err = Succeeded(Row{"a": int64(1), "b": int64(2)}).Scalar()
	assert.ErrorIs(t, err, ErrNoScalar)

	var nilResp *Response
	_, err = nilResp.Scalar()
	assert.ErrorIs(t, err, ErrNoScalar)
	assert.False(t, nilResp.OK())
}

func TestRowAccessors(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := "restart"
	row := Row{
		ColID:               int64(12),
		ColState:            "W",
		ColWorkingResults:   &s,
		ColResults:          nil,
		ColStartTimestamp:   now,
		ColUpdatedTimestamp: now.UnixMicro(),
	}

	assert.Equal(t, int64(12), row.Int64(ColID))
	assert.Equal(t, int64(0), row.Int64("missing"))
	assert.Equal(t, "W", row.String(ColState))
	assert.Equal(t, "restart", row.String(ColWorkingResults))
	assert.Nil(t, row.NullString(ColResults))
	require.NotNil(t, row.NullString(ColWorkingResults))
	assert.Equal(t, now, row.Time(ColStartTimestamp))
	assert.Equal(t, now, row.Time(ColUpdatedTimestamp))
	assert.True(t, row.Time("missing").IsZero())
}

func TestArgs(t *testing.T) {
	args := Args{"queue", int64(5), "T", false, nil, 3}

	s, err := args.String(0)
	require.NoError(t, err)
	assert.Equal(t, "queue", s)

	n, err := args.Int64(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	b, err := args.Bool(2)
	require.NoError(t, err)
	assert.True(t, b)

	b, err = args.Bool(3)
	require.NoError(t, err)
	assert.False(t, b)

	s, err = args.String(4)
	require.NoError(t, err)
	assert.Empty(t, s)

	n, err = args.Int64(5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = args.String(9)
	assert.Error(t, err)
	_, err = args.Int64(0)
	assert.Error(t, err)
	_, err = args.Bool(0)
	assert.Error(t, err)
}

func TestFlagAndMicros(t *testing.T) {
	assert.Equal(t, "T", Flag(true))
	assert.Equal(t, "F", Flag(false))
	assert.Equal(t, int64(0), Micros(time.Time{}))
	assert.Equal(t, int64(1_000_000), Micros(time.Unix(1, 0)))
}
