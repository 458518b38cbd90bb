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

// Status is the outcome category of a stored procedure call.
type Status int8

const (
	Success Status = iota
	OperationalFailure
	ConnectionLost
	ConnectionTimeout
	UserAbort
	GracefulFailure
	UnexpectedFailure
	ResponseUnknown
)

var statusNames = [...]string{
	Success:            "SUCCESS",
	OperationalFailure: "OPERATIONAL_FAILURE",
	ConnectionLost:     "CONNECTION_LOST",
	ConnectionTimeout:  "CONNECTION_TIMEOUT",
	UserAbort:          "USER_ABORT",
	GracefulFailure:    "GRACEFUL_FAILURE",
	UnexpectedFailure:  "UNEXPECTED_FAILURE",
	ResponseUnknown:    "RESPONSE_UNKNOWN",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN_STATUS"
	}
	return statusNames[s]
}
