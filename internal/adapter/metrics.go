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

package adapter

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	claimedCounter  metric.Int64Counter
	finishedCounter metric.Int64Counter
	zombieCounter   metric.Int64Counter
	workDuration    metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/unifiedcontrolsystem/dai-ds-sub004/internal/adapter")

	var err error
	claimedCounter, err = meter.Int64Counter(
		"dai.workqueue.claimed",
		metric.WithDescription("Count of work items claimed by this adapter"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create dai.workqueue.claimed counter: %w", err))
	}

	finishedCounter, err = meter.Int64Counter(
		"dai.workqueue.finished",
		metric.WithDescription("Count of work items finished by this adapter, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create dai.workqueue.finished counter: %w", err))
	}

	zombieCounter, err = meter.Int64Counter(
		"dai.workqueue.zombies.requeued",
		metric.WithDescription("Count of work items returned to their queue after their owner died"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create dai.workqueue.zombies.requeued counter: %w", err))
	}

	workDuration, err = meter.Float64Histogram(
		"dai.workqueue.duration",
		metric.WithDescription("Time spent executing a work item"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create dai.workqueue.duration histogram: %w", err))
	}
}
