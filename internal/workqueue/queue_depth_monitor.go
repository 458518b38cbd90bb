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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DepthSource reports queued items per adapter type.
type DepthSource interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

// QueueDepthMonitor polls queue depths and publishes them as a gauge.
type QueueDepthMonitor struct {
	source       DepthSource
	pollInterval time.Duration
	ll           *slog.Logger
	gauge        metric.Int64ObservableGauge

	mu         sync.RWMutex
	known      map[string]struct{}
	lastDepths map[string]int64
	lastUpdate time.Time
	lastError  error
}

// QueueDepth is the depth of one adapter type's queue.
type QueueDepth struct {
	AdapterType string
	Depth       int64
}

// NewQueueDepthMonitor creates a monitor. Adapter types listed in
// adapterTypes are always reported, as zero when nothing is queued.
func NewQueueDepthMonitor(source DepthSource, pollInterval time.Duration, ll *slog.Logger, adapterTypes ...string) (*QueueDepthMonitor, error) {
	if ll == nil {
		ll = slog.Default()
	}
	m := &QueueDepthMonitor{
		source:       source,
		pollInterval: pollInterval,
		ll:           ll.With(slog.String("component", "queue-depth-monitor")),
		known:        make(map[string]struct{}, len(adapterTypes)),
		lastDepths:   make(map[string]int64),
	}
	for _, typ := range adapterTypes {
		m.known[typ] = struct{}{}
	}

	gauge, err := otel.Meter("github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue").Int64ObservableGauge(
		"dai.workqueue.depth",
		metric.WithDescription("Number of queued work items by adapter type"),
		metric.WithInt64Callback(m.observe),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}
	m.gauge = gauge
	return m, nil
}

func (m *QueueDepthMonitor) observe(_ context.Context, observer metric.Int64Observer) error {
	for _, d := range m.Depths() {
		observer.Observe(d.Depth, metric.WithAttributes(attribute.String("adapter_type", d.AdapterType)))
	}
	return nil
}

// Start polls until ctx is done.
func (m *QueueDepthMonitor) Start(ctx context.Context) error {
	if err := m.update(ctx); err != nil {
		m.ll.Warn("Initial queue depth poll failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.update(ctx); err != nil && ctx.Err() == nil {
				m.ll.Warn("Failed to poll queue depths", slog.Any("error", err))
			}
		}
	}
}

func (m *QueueDepthMonitor) update(ctx context.Context) error {
	depths, err := m.source.QueueDepths(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastError = err
		return fmt.Errorf("failed to query queue depths: %w", err)
	}
	for typ := range depths {
		m.known[typ] = struct{}{}
	}
	m.lastDepths = depths
	m.lastUpdate = time.Now()
	m.lastError = nil
	return nil
}

// Depth returns the cached depth for one adapter type.
func (m *QueueDepthMonitor) Depth(adapterType string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDepths[adapterType]
}

// Depths returns every adapter type seen so far, sorted by name.
func (m *QueueDepthMonitor) Depths() []QueueDepth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QueueDepth, 0, len(m.known))
	for typ := range m.known {
		out = append(out, QueueDepth{AdapterType: typ, Depth: m.lastDepths[typ]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdapterType < out[j].AdapterType })
	return out
}

// LastError returns the error from the latest poll, if it failed.
func (m *QueueDepthMonitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// IsHealthy is false once polls have been failing for five intervals.
func (m *QueueDepthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastError != nil {
		return time.Since(m.lastUpdate) < 5*m.pollInterval
	}
	return true
}
