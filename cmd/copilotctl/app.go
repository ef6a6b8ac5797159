// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/execpilot/core/internal/classifier"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/credentials"
	"github.com/execpilot/core/internal/dedup"
	"github.com/execpilot/core/internal/discovery"
	"github.com/execpilot/core/internal/provider"
	"github.com/execpilot/core/internal/queue"
	"github.com/execpilot/core/internal/store"
	"github.com/execpilot/core/internal/syncer"
	"github.com/execpilot/core/internal/textgen"
	"github.com/execpilot/core/internal/updates"
)

// app is the service graph without the HTTP server, scheduler, or worker.
type app struct {
	store        store.Store
	rdb          *redis.Client
	orchestrator *syncer.Orchestrator
	aggregator   *updates.Aggregator
}

// newApp wires the core. Redis is optional here: without it, notifications
// are only logged and no enrichment jobs are queued.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	vault, err := credentials.NewVault(cfg.CredentialKeyHex)
	if err != nil {
		st.Close()
		return nil, err
	}
	creds := credentials.NewProvider(st, vault)

	registry, err := provider.FromConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{store: st}
	var notifier updates.Notifier = updates.LogNotifier{}
	var enrichment syncer.EnrichmentQueue
	if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
		slog.Warn("invalid REDIS_URL, running without queues", "error", err)
	} else {
		rdb := redis.NewClient(opt)
		claims := dedup.NewFilter(rdb, cfg.NotifyDedupTTL)
		publisher := queue.NewPublisher(rdb, cfg.EnrichmentQueue, cfg.DigestQueue, claims)
		if err := publisher.Ping(ctx); err != nil {
			slog.Warn("redis unavailable, running without queues", "error", err)
			rdb.Close()
		} else {
			a.rdb = rdb
			notifier = updates.NewDigestNotifier(claims, publisher)
			enrichment = publisher
		}
	}

	a.aggregator = updates.New(updates.Config{
		MailLookback:      cfg.MailLookback,
		ChatChannels:      cfg.ChatChannels,
		CalendarLookahead: cfg.CalendarLookahead,
		FeedLimit:         cfg.FeedLimit,
		SourceTimeout:     cfg.ProviderTimeout,
		MaxConcurrency:    cfg.MaxConcurrency,
	}, st, creds, registry, notifier)

	a.orchestrator = syncer.New(syncer.Config{
		Store:           st,
		Credentials:     creds,
		Registry:        registry,
		Classifier:      classifier.New(textgen.FromConfig(cfg.AI)),
		Updates:         a.aggregator,
		Rosters:         discovery.FromConfig(cfg),
		Enrichment:      enrichment,
		ProviderTimeout: cfg.ProviderTimeout,
		MaxConcurrency:  cfg.MaxConcurrency,
	})
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.store.Close()
}
