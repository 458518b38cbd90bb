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

package rasevent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
)

// DefaultMetaDataTTL is how long a descriptive name lookup is cached.
const DefaultMetaDataTTL = 10 * time.Minute

// CompletionHandler supplies the callback that classifies the result of
// storing one event.
type CompletionHandler interface {
	ForEvent(ctx context.Context, ev Event, eventType string) backend.Callback
}

// Log stores RAS events through the backend. Descriptive names are resolved
// to event types with the RasMetaDataList procedure.
type Log struct {
	client backend.Client
	ll     *slog.Logger
	now    func() time.Time
	ttl    time.Duration
	meta   *ttlcache.Cache[string, string]

	mu      sync.RWMutex
	handler CompletionHandler
}

var _ Emitter = (*Log)(nil)

// Options configures a Log.
type Options interface {
	apply(*Log)
}

type logOptionFunc func(l *Log)

func (f logOptionFunc) apply(l *Log) { f(l) }

// WithLogger sets the logger.
func WithLogger(ll *slog.Logger) Options {
	return logOptionFunc(func(l *Log) {
		if ll != nil {
			l.ll = ll
		}
	})
}

// WithMetaDataTTL sets how long resolved and unknown names stay cached.
func WithMetaDataTTL(ttl time.Duration) Options {
	return logOptionFunc(func(l *Log) {
		if ttl > 0 {
			l.ttl = ttl
		}
	})
}

// WithClock sets the time source used for events without a timestamp.
func WithClock(now func() time.Time) Options {
	return logOptionFunc(func(l *Log) {
		if now != nil {
			l.now = now
		}
	})
}

// NewLog returns a Log storing events through client.
func NewLog(client backend.Client, opts ...Options) *Log {
	l := &Log{
		client: client,
		ll:     slog.Default(),
		now:    time.Now,
		ttl:    DefaultMetaDataTTL,
	}
	for _, opt := range opts {
		opt.apply(l)
	}
	l.meta = ttlcache.New(
		ttlcache.WithTTL[string, string](l.ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return l
}

// SetCompletionHandler installs the handler consulted for every stored
// event. A nil handler only logs failed stores.
func (l *Log) SetCompletionHandler(h CompletionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// LoadMetaData replaces the cached descriptive name table.
func (l *Log) LoadMetaData(ctx context.Context) error {
	resp, err := l.client.Call(ctx, backend.ProcRasMetaDataList)
	if err != nil {
		return fmt.Errorf("loading RAS metadata: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("loading RAS metadata: status=%s: %s", resp.Status, resp.StatusString)
	}
	for _, row := range resp.Rows {
		name := row.String(backend.ColDescriptiveName)
		if name == "" {
			continue
		}
		l.meta.Set(name, row.String(backend.ColEventType), ttlcache.DefaultTTL)
	}
	l.ll.Debug("Loaded RAS metadata", slog.Int("count", len(resp.Rows)))
	return nil
}

// EventType resolves a descriptive name. A miss reloads the table once;
// names still unknown afterwards are remembered as unknown until they
// expire.
func (l *Log) EventType(ctx context.Context, descriptiveName string) (string, bool) {
	loader := ttlcache.LoaderFunc[string, string](
		func(c *ttlcache.Cache[string, string], key string) *ttlcache.Item[string, string] {
			if err := l.LoadMetaData(ctx); err != nil {
				l.ll.Error("Failed to load RAS metadata", slog.Any("error", err))
				return nil
			}
			if item := c.Get(key); item != nil {
				return item
			}
			return c.Set(key, "", ttlcache.DefaultTTL)
		})
	item := l.meta.Get(descriptiveName, ttlcache.WithLoader[string, string](loader))
	if item == nil || item.Value() == "" {
		return "", false
	}
	return item.Value(), true
}

// Emit stores ev asynchronously. Failures are logged, never returned.
func (l *Log) Emit(ctx context.Context, ev Event) {
	instanceData := ev.InstanceData
	eventType, ok := l.EventType(ctx, ev.DescriptiveName)
	if !ok {
		l.ll.Error("Unknown RAS descriptive name, using the non descriptive event type",
			slog.String("descriptiveName", ev.DescriptiveName),
			slog.String("instanceData", ev.InstanceData))
		if ev.DescriptiveName != InvalidDescriptiveName {
			l.Emit(ctx, Event{
				DescriptiveName: InvalidDescriptiveName,
				InstanceData:    "DescriptiveName=" + ev.DescriptiveName,
				Location:        ev.Location,
				AdapterType:     ev.AdapterType,
				WorkItemID:      ev.WorkItemID,
			})
		}
		eventType = NonDescriptiveEventType
		instanceData = fmt.Sprintf("DescriptiveName=%s, %s", ev.DescriptiveName, ev.InstanceData)
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = l.now()
	}
	err := l.client.CallAsync(ctx, l.completion(ctx, ev, eventType), backend.ProcRasEventStore,
		eventType,
		instanceData,
		ev.Location,
		ev.JobID,
		backend.Micros(ts),
		ev.AdapterType,
		ev.WorkItemID,
	)
	if err != nil {
		l.ll.Error("Failed to submit RAS event",
			slog.String("descriptiveName", ev.DescriptiveName),
			slog.String("eventType", eventType),
			slog.Any("error", err))
	}
}

func (l *Log) completion(ctx context.Context, ev Event, eventType string) backend.Callback {
	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()
	if h != nil {
		return h.ForEvent(ctx, ev, eventType)
	}
	return func(resp *backend.Response) {
		if resp == nil || resp.OK() {
			return
		}
		l.ll.Error("Failed to store RAS event",
			slog.String("descriptiveName", ev.DescriptiveName),
			slog.String("eventType", eventType),
			slog.String("status", resp.Status.String()),
			slog.String("statusString", resp.StatusString))
	}
}
