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
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/config"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/dbopen"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/healthcheck"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/housekeeping"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rasevent"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/rescodec"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/workqueue"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/wqdb"
)

// services is the wiring shared by every command that talks to the work
// queue database.
type services struct {
	cfg        *config.Config
	client     *wqdb.Store
	events     *rasevent.Log
	dispatcher *housekeeping.Dispatcher
	store      *workqueue.Store
}

func openServices(ctx context.Context, cfg *config.Config, adapterName string, opts ...dbopen.Options) (*services, error) {
	ll := slog.Default()

	codec, err := rescodec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}

	client, err := wqdb.Open(ctx, []wqdb.Options{
		wqdb.WithAsyncWorkers(cfg.Backend.AsyncWorkers),
		wqdb.WithAsyncTimeout(cfg.Backend.AsyncTimeout),
		wqdb.WithLogger(ll),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open work queue database: %w", err)
	}

	events := rasevent.NewLog(client,
		rasevent.WithLogger(ll),
		rasevent.WithMetaDataTTL(cfg.RasEvent.MetaDataTTL))
	dispatcher := housekeeping.NewDispatcher(events,
		housekeeping.WithLogger(ll),
		housekeeping.WithAdapterName(adapterName),
		housekeeping.WithDedupeTTL(cfg.Housekeeping.DedupeTTL))
	events.SetCompletionHandler(dispatcher)
	if err := events.LoadMetaData(ctx); err != nil {
		ll.Warn("Failed to preload RAS metadata, falling back to lookups on demand", slog.Any("error", err))
	}

	store := workqueue.NewStore(client,
		workqueue.WithCodec(codec),
		workqueue.WithEventEmitter(events),
		workqueue.WithStoreLogger(ll))

	return &services{
		cfg:        cfg,
		client:     client,
		events:     events,
		dispatcher: dispatcher,
		store:      store,
	}, nil
}

// Close waits for outstanding asynchronous calls and closes the pool.
func (s *services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Backend.AsyncTimeout)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		slog.Warn("Asynchronous calls still running at shutdown", slog.Any("error", err))
	}
}

// startHealth serves probes in the background. The database check pings
// the pool so readiness drops while the database is unreachable.
func (s *services) startHealth(ctx context.Context) *healthcheck.Server {
	hc := healthcheck.NewServer(s.cfg.Health)
	hc.AddCheck("database", func() error {
		pool := s.client.Pool()
		if pool == nil {
			return nil
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	go func() {
		if err := hc.Start(ctx); err != nil {
			slog.Error("Health check server failed", slog.Any("error", err))
		}
	}()
	return hc
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
