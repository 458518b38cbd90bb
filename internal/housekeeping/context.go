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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Markers understood in a call's pertinent info.
const (
	KeyLctn            = "Lctn="
	KeyNewState        = "NewState="
	KeyTimeInMicroSecs = "TimeInMicroSecs="
	KeyUsingSynthData  = "UsingSynthData"
)

// CallbackContext carries everything a completion needs to know about
// the call it completes. One context is consumed by exactly one
// completion.
type CallbackContext struct {
	// ID correlates the call with its completion in logs.
	ID          uuid.UUID
	AdapterType string
	AdapterName string
	Procedure   string
	Family      Family
	Kind        NodeKind
	// PertinentInfo is a comma separated list of key=value markers.
	PertinentInfo string
	Location      string
	WorkItemID    int64

	// Set for RasEventStore completions.
	DescriptiveName string
	RasEventType    string
}

// NewCallbackContext classifies procedure and fills the location from
// the Lctn= marker of pertinentInfo.
func NewCallbackContext(adapterType, adapterName, procedure, pertinentInfo string, workItemID int64) CallbackContext {
	family, kind := Classify(procedure)
	lctn, _ := PertinentValue(pertinentInfo, KeyLctn)
	return CallbackContext{
		ID:            uuid.New(),
		AdapterType:   adapterType,
		AdapterName:   adapterName,
		Procedure:     procedure,
		Family:        family,
		Kind:          kind,
		PertinentInfo: pertinentInfo,
		Location:      lctn,
		WorkItemID:    workItemID,
	}
}

// PertinentValue returns the value of the first comma separated field of
// info that starts with key.
func PertinentValue(info, key string) (string, bool) {
	for field := range strings.SplitSeq(info, ",") {
		field = strings.TrimSpace(field)
		if v, ok := strings.CutPrefix(field, key); ok {
			return v, true
		}
	}
	return "", false
}

// eventLocation is the location reported in events about this call.
func (cc CallbackContext) eventLocation() string {
	if cc.Location != "" {
		return cc.Location
	}
	if lctn, ok := PertinentValue(cc.PertinentInfo, KeyLctn); ok {
		return lctn
	}
	return cc.PertinentInfo
}

// eventTime returns the TimeInMicroSecs= marker, or the zero time.
func (cc CallbackContext) eventTime() time.Time {
	v, ok := PertinentValue(cc.PertinentInfo, KeyTimeInMicroSecs)
	if !ok {
		return time.Time{}
	}
	micros, err := strconv.ParseInt(v, 10, 64)
	if err != nil || micros <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

// PertinentInfo joins markers into the comma separated form.
func PertinentInfo(fields ...string) string {
	return strings.Join(fields, ", ")
}
