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

package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/housekeeping"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", pairs: nil, want: map[string]string{}},
		{name: "simple", pairs: []string{"Lctn=R0-N1", "NewState=A"}, want: map[string]string{"Lctn": "R0-N1", "NewState": "A"}},
		{name: "value with equals", pairs: []string{"Text=a=b"}, want: map[string]string{"Text": "a=b"}},
		{name: "empty value", pairs: []string{"Text="}, want: map[string]string{"Text": ""}},
		{name: "missing equals", pairs: []string{"Lctn"}, wantErr: true},
		{name: "missing key", pairs: []string{"=A"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNodeKind(t *testing.T) {
	k, err := parseNodeKind("Service")
	require.NoError(t, err)
	assert.Equal(t, housekeeping.NodeService, k)

	k, err = parseNodeKind("")
	require.NoError(t, err)
	assert.Equal(t, housekeeping.NodeCompute, k)

	_, err = parseNodeKind("switch")
	assert.Error(t, err)
}

func TestPrintItem(t *testing.T) {
	var buf bytes.Buffer
	printItem(&buf, 12, nil)
	assert.Equal(t, "work item 12: Work Item Not Found!\n", buf.String())

	buf.Reset()
	printItem(&buf, 13, &workqueue.WorkItem{State: workqueue.StateFinished, WorkToBeDone: "Echo", Results: "hello"})
	assert.Equal(t, "work item 13: state=Finished workToBeDone=Echo requeues=0\nresults: hello\n", buf.String())

	buf.Reset()
	printItem(&buf, 14, &workqueue.WorkItem{State: workqueue.StateWorking, WorkToBeDone: "Scan", WorkingResults: "(Timestamp=7)", RequeueCount: 1})
	assert.Equal(t, "work item 14: state=Working workToBeDone=Scan requeues=1\nworking results: (Timestamp=7)\n", buf.String())
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"adapter", "sweeper", "migrate", "queue", "node"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
