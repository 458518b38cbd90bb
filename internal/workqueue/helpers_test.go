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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend/backendtest"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []rasevent.Event
}

func (r *eventRecorder) Emit(_ context.Context, ev rasevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		names = append(names, ev.DescriptiveName)
	}
	return names
}

func newTestStore(fake *backendtest.Fake, rec *eventRecorder) *Store {
	return NewStore(fake, WithEventEmitter(rec))
}

func startManager(t *testing.T, store *Store, adapterType, name string, id int64, opts ...Options) *Manager {
	t.Helper()
	m := NewManager(store, Identity{
		Type:     adapterType,
		Name:     name,
		ID:       id,
		Pid:      1000 + id,
		Location: "SN0",
	}, opts...)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}
