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

// Package idgen hands out adapter instance IDs.
package idgen

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator returns positive IDs that increase roughly in time order, so
// two adapters of the same type started anywhere in the cluster do not
// collide.
type Generator struct {
	sf *sonyflake.Sonyflake
}

// Options configures a Generator.
type Options interface {
	apply(*sonyflake.Settings)
}

type settingsFunc func(*sonyflake.Settings)

func (f settingsFunc) apply(s *sonyflake.Settings) { f(s) }

// WithMachineID pins the machine part of each ID instead of deriving it
// from the host's private address.
func WithMachineID(id uint16) Options {
	return settingsFunc(func(s *sonyflake.Settings) {
		s.MachineID = func() (uint16, error) { return id, nil }
	})
}

func NewGenerator(opts ...Options) (*Generator, error) {
	settings := sonyflake.Settings{StartTime: epoch}
	for _, opt := range opts {
		opt.apply(&settings)
	}
	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &Generator{sf: sf}, nil
}

// NextID returns the next ID. If the generator cannot produce one it falls
// back to a random positive value.
func (g *Generator) NextID() int64 {
	if g == nil || g.sf == nil {
		return randomID()
	}
	v, err := g.sf.NextID()
	if err != nil {
		return randomID()
	}
	return int64(v)
}

func randomID() int64 {
	return rand.Int64N(1<<62) + 1
}

var defaultGenerator = sync.OnceValue(func() *Generator {
	g, err := NewGenerator()
	if err != nil {
		return nil
	}
	return g
})

// NextAdapterID returns an ID from the process-wide generator.
func NextAdapterID() int64 {
	return defaultGenerator().NextID()
}
