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

// Package nodestate issues the fire-and-forget node inventory updates an
// adapter makes while it works: discovery, IP address, state and boot
// image changes.
package nodestate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/backend"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/housekeeping"
)

// CallbackFactory builds the completion for one call.
type CallbackFactory interface {
	Callback(ctx context.Context, cc housekeeping.CallbackContext) backend.Callback
}

// Updater submits node updates without waiting for them. Completions are
// classified by the CallbackFactory.
type Updater struct {
	client      backend.Client
	callbacks   CallbackFactory
	adapterType string
	adapterName string
	now         func() time.Time
	ll          *slog.Logger
}

// Options configures an Updater.
type Options interface {
	apply(*Updater)
}

type updaterOptionFunc func(u *Updater)

func (f updaterOptionFunc) apply(u *Updater) { f(u) }

// WithLogger sets the logger.
func WithLogger(ll *slog.Logger) Options {
	return updaterOptionFunc(func(u *Updater) {
		if ll != nil {
			u.ll = ll
		}
	})
}

// WithClock sets the time source used when a change has no timestamp.
func WithClock(now func() time.Time) Options {
	return updaterOptionFunc(func(u *Updater) {
		if now != nil {
			u.now = now
		}
	})
}

// NewUpdater returns an Updater acting for the named adapter.
func NewUpdater(client backend.Client, callbacks CallbackFactory, adapterType, adapterName string, opts ...Options) *Updater {
	u := &Updater{
		client:      client,
		callbacks:   callbacks,
		adapterType: adapterType,
		adapterName: adapterName,
		now:         time.Now,
		ll:          slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(u)
	}
	return u
}

type nodeOp int

const (
	opDiscovered nodeOp = iota
	opSaveIPAddr
	opSetState
	opSaveBootImage
)

var procedures = map[housekeeping.NodeKind]map[nodeOp]string{
	housekeeping.NodeCompute: {
		opDiscovered:    backend.ProcComputeNodeDiscovered,
		opSaveIPAddr:    backend.ProcComputeNodeSaveIPAddr,
		opSetState:      backend.ProcComputeNodeSetState,
		opSaveBootImage: backend.ProcComputeNodeSaveBootImageInfo,
	},
	housekeeping.NodeService: {
		opDiscovered: backend.ProcServiceNodeDiscovered,
		opSaveIPAddr: backend.ProcServiceNodeSaveIPAddr,
		opSetState:   backend.ProcServiceNodeSetState,
	},
}

// Change is one node update.
type Change struct {
	Kind     housekeeping.NodeKind
	Location string
	// Time the change happened. Zero means now.
	Time time.Time
	// WorkItemID is the work item during which the change was observed.
	WorkItemID int64
	// UsingSynthData marks changes made while running on synthesized
	// data; no node active event is raised for them.
	UsingSynthData bool
}

// Discovered records the node's MAC address and marks it discovered.
func (u *Updater) Discovered(ctx context.Context, c Change, macAddr string) error {
	return u.submit(ctx, c, opDiscovered, macAddr, "MacAddr="+macAddr)
}

// SaveIPAddr records the node's IP address.
func (u *Updater) SaveIPAddr(ctx context.Context, c Change, ipAddr string) error {
	return u.submit(ctx, c, opSaveIPAddr, ipAddr, "IpAddr="+ipAddr)
}

// SetState changes the node's state.
func (u *Updater) SetState(ctx context.Context, c Change, newState string) error {
	return u.submit(ctx, c, opSetState, newState, housekeeping.KeyNewState+newState)
}

// SaveBootImageInfo records the image a compute node booted.
func (u *Updater) SaveBootImageInfo(ctx context.Context, c Change, bootImageID string) error {
	return u.submit(ctx, c, opSaveBootImage, bootImageID, "BootImageId="+bootImageID)
}

func (u *Updater) submit(ctx context.Context, c Change, op nodeOp, value, marker string) error {
	proc, ok := procedures[c.Kind][op]
	if !ok {
		return fmt.Errorf("node kind %s does not support this update", c.Kind)
	}
	if c.Location == "" {
		return fmt.Errorf("%s: location is required", proc)
	}
	ts := c.Time
	if ts.IsZero() {
		ts = u.now()
	}

	fields := []string{
		housekeeping.KeyLctn + c.Location,
		marker,
		fmt.Sprintf("%s%d", housekeeping.KeyTimeInMicroSecs, ts.UnixMicro()),
	}
	if c.UsingSynthData {
		fields = append(fields, housekeeping.KeyUsingSynthData)
	}
	cc := housekeeping.NewCallbackContext(u.adapterType, u.adapterName, proc, housekeeping.PertinentInfo(fields...), c.WorkItemID)

	u.ll.Debug("Submitting node update",
		slog.String("procedure", proc),
		slog.String("lctn", c.Location),
		slog.String("callbackID", cc.ID.String()))
	err := u.client.CallAsync(ctx, u.callbacks.Callback(ctx, cc), proc,
		c.Location, value, ts.UnixMicro(), u.adapterType, c.WorkItemID)
	if err != nil {
		return fmt.Errorf("submitting %s for %s: %w", proc, c.Location, err)
	}
	return nil
}
