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
	"sort"
	"strings"
)

// Parameter encoding delimiters. Structured parameters are written as
// key#value$key#value$ with the three special characters escaped by a
// backslash.
const (
	ParamKeyValueSep = '#'
	ParamEntrySep    = '$'
	paramEscape      = '\\'
)

// Request is a claimed item's command and its parameters.
type Request struct {
	Command    string
	Parameters string
}

// ParseRequest builds a Request from the raw work item fields.
func ParseRequest(workToBeDone, parameters string) Request {
	return Request{Command: workToBeDone, Parameters: parameters}
}

// Args splits the parameters on sep. Empty parameters yield nil.
func (r Request) Args(sep string) []string {
	return SplitParameters(r.Parameters, sep)
}

// Map parses structured key#value$ parameters.
func (r Request) Map() map[string]string {
	return ParseParameterMap(r.Parameters)
}

// Get returns one structured parameter.
func (r Request) Get(key string) (string, bool) {
	v, ok := r.Map()[key]
	return v, ok
}

// SplitParameters splits a flat parameter list on sep.
func SplitParameters(params, sep string) []string {
	if params == "" {
		return nil
	}
	if sep == "" {
		return []string{params}
	}
	return strings.Split(params, sep)
}

// ParseParameterMap decodes structured parameters. Entries without a
// key/value separator or with an empty key are skipped.
func ParseParameterMap(params string) map[string]string {
	result := make(map[string]string)
	for _, entry := range splitUnescaped(params, ParamEntrySep) {
		if entry == "" {
			continue
		}
		kv := splitUnescaped(entry, ParamKeyValueSep)
		if len(kv) < 2 {
			continue
		}
		key := unescapeParam(kv[0])
		if key == "" {
			continue
		}
		result[key] = unescapeParam(strings.Join(kv[1:], string(ParamKeyValueSep)))
	}
	return result
}

// EncodeParameterMap encodes params in key order. An empty value is
// written as key#$ so it survives ParseParameterMap; an empty key cannot be
// decoded and is dropped.
func EncodeParameterMap(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(escapeParam(k))
		sb.WriteByte(ParamKeyValueSep)
		sb.WriteString(escapeParam(params[k]))
		sb.WriteByte(ParamEntrySep)
	}
	return sb.String()
}

func escapeParam(s string) string {
	if !strings.ContainsAny(s, "#$\\") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ParamKeyValueSep, ParamEntrySep, paramEscape:
			sb.WriteByte(paramEscape)
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func unescapeParam(s string) string {
	if !strings.ContainsRune(s, paramEscape) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == paramEscape && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// splitUnescaped splits s on sep bytes not preceded by an escape. The
// escapes are kept in the pieces.
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case paramEscape:
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

const timestampPrefix = "(Timestamp="

// TimestampFromWorkingResults extracts the value of a (Timestamp=...)
// marker from restart data.
func TimestampFromWorkingResults(workingResults string) (string, bool) {
	start := strings.Index(workingResults, timestampPrefix)
	if start < 0 {
		return "", false
	}
	start += len(timestampPrefix)
	end := strings.IndexByte(workingResults[start:], ')')
	if end < 0 {
		return "", false
	}
	return workingResults[start : start+end], true
}
