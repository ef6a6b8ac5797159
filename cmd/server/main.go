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

// ExecPilot core service
//
// Entry point for the sync service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Opens the store (PostgreSQL or in-memory) and connects to Redis
//  3. Builds the provider registry, classifier, and credential vault
//  4. Starts the enrichment worker and the periodic sync/refresh scheduler
//  5. Serves the HTTP API
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execpilot/core/internal/api"
	"github.com/execpilot/core/internal/classifier"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/credentials"
	"github.com/execpilot/core/internal/dedup"
	"github.com/execpilot/core/internal/discovery"
	"github.com/execpilot/core/internal/enrich"
	"github.com/execpilot/core/internal/provider"
	"github.com/execpilot/core/internal/queue"
	"github.com/execpilot/core/internal/scheduler"
	"github.com/execpilot/core/internal/store"
	"github.com/execpilot/core/internal/syncer"
	"github.com/execpilot/core/internal/textgen"
	"github.com/execpilot/core/internal/updates"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting execpilot core service")
	slog.Info("configuration loaded",
		"providers", len(cfg.Providers),
		"database", cfg.DatabaseDriver,
		"sync_interval", cfg.SyncInterval,
		"updates_interval", cfg.UpdatesInterval,
		"ai", cfg.AI.Enabled(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store ---
	st, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store ready", "driver", cfg.DatabaseDriver)

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	claims := dedup.NewFilter(rdb, cfg.NotifyDedupTTL)
	publisher := queue.NewPublisher(rdb, cfg.EnrichmentQueue, cfg.DigestQueue, claims)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Credentials ---
	vault, err := credentials.NewVault(cfg.CredentialKeyHex)
	if err != nil {
		slog.Error("invalid credential key", "error", err)
		os.Exit(1)
	}
	creds := credentials.NewProvider(st, vault)

	// --- Providers and classifier ---
	registry, err := provider.FromConfig(cfg)
	if err != nil {
		slog.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}
	slog.Info("providers registered", "providers", registry.Names())

	gen := textgen.FromConfig(cfg.AI)
	cls := classifier.New(gen)

	// --- Update aggregator ---
	agg := updates.New(updates.Config{
		MailLookback:      cfg.MailLookback,
		ChatChannels:      cfg.ChatChannels,
		CalendarLookahead: cfg.CalendarLookahead,
		FeedLimit:         cfg.FeedLimit,
		SourceTimeout:     cfg.ProviderTimeout,
		MaxConcurrency:    cfg.MaxConcurrency,
	}, st, creds, registry, updates.NewDigestNotifier(claims, publisher))

	// --- Sync orchestrator ---
	orch := syncer.New(syncer.Config{
		Store:           st,
		Credentials:     creds,
		Registry:        registry,
		Classifier:      cls,
		Updates:         agg,
		Rosters:         discovery.FromConfig(cfg),
		Enrichment:      publisher,
		ProviderTimeout: cfg.ProviderTimeout,
		MaxConcurrency:  cfg.MaxConcurrency,
	})

	// --- Enrichment worker ---
	var wg sync.WaitGroup
	worker := enrich.NewWorker(queue.NewConsumer(rdb, cfg.EnrichmentQueue), st, gen)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// --- Scheduler ---
	sched, err := scheduler.New(scheduler.Config{
		Tenants:         st,
		Syncer:          orch,
		Refresher:       agg,
		SyncInterval:    cfg.SyncInterval,
		UpdatesInterval: cfg.UpdatesInterval,
	})
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// --- HTTP API ---
	publicURL := resolvePublicURL(cfg.PublicURL)
	slog.Info("public URL resolved", "url", publicURL)

	handler := api.NewHandler(api.Config{
		Syncer:     orch,
		Updates:    agg,
		Classifier: cls,
		Store:      st,
		Tokens:     creds,
		States:     api.NewRedisStateStore(rdb),
		Registry:   registry,
		PublicURL:  publicURL,
		FeedLimit:  cfg.FeedLimit,
		Health: func(ctx context.Context) error {
			if err := publisher.Ping(ctx); err != nil {
				return fmt.Errorf("redis unhealthy: %w", err)
			}
			if err := st.Ping(ctx); err != nil {
				return fmt.Errorf("store unhealthy: %w", err)
			}
			return nil
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	// A manual sync replies only after every provider finished.
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2*cfg.ProviderTimeout + 30*time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		sched.Stop()
		cancel() // Stop all background goroutines

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		wg.Wait()
	}()

	slog.Info("execpilot core listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	wg.Wait()
	rdb.Close()
	slog.Info("execpilot core stopped")
}

// resolvePublicURL resolves the externally reachable base URL used in OAuth
// redirect URIs.
//
//   - "auto" → discover the public URL from a local ngrok container
//   - Any other string → use as-is (production)
func resolvePublicURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.ToLower(raw) != "auto" {
		return raw
	}

	ngrokAPI := os.Getenv("NGROK_API_URL")
	if ngrokAPI == "" {
		ngrokAPI = "http://ngrok:4040"
	}
	slog.Info("discovering public URL from ngrok", "api", ngrokAPI)

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		url, err := ngrokTunnel(ngrokAPI)
		if err == nil {
			slog.Info("ngrok tunnel discovered", "url", url)
			return url
		}
		lastErr = err
		slog.Debug("ngrok not ready, retrying", "attempt", attempt+1, "error", err)
		time.Sleep(2 * time.Second)
	}

	slog.Error("failed to discover ngrok tunnel, falling back to localhost", "error", lastErr)
	return "http://localhost:8080"
}

func ngrokTunnel(apiURL string) (string, error) {
	resp, err := http.Get(apiURL + "/api/tunnels")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
		} `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	for _, t := range result.Tunnels {
		if t.Proto == "https" {
			return t.PublicURL, nil
		}
	}
	if len(result.Tunnels) > 0 {
		return result.Tunnels[0].PublicURL, nil
	}
	return "", fmt.Errorf("no tunnels found")
}
