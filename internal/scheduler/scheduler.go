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

// Package scheduler triggers periodic sync passes and update refreshes for
// every tenant with at least one integration.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/execpilot/core/internal/syncer"
	"github.com/execpilot/core/internal/updates"
)

// Task names.
const (
	TaskSync    = "sync"
	TaskRefresh = "refresh_updates"
)

// Tenants lists tenants with integrations.
type Tenants interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Syncer runs a sync pass; syncer.Orchestrator implements it.
type Syncer interface {
	Sync(ctx context.Context, tenantID, providerFilter string) syncer.Report
}

// Refresher refreshes the update feed; updates.Aggregator implements it.
type Refresher interface {
	Refresh(ctx context.Context, tenantID string) updates.RefreshResult
}

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Handler  func(ctx context.Context) error
}

// Config holds the service dependencies.
type Config struct {
	Tenants         Tenants
	Syncer          Syncer
	Refresher       Refresher
	SyncInterval    time.Duration
	UpdatesInterval time.Duration
}

// Service wraps a gocron scheduler.
type Service struct {
	scheduler *gocron.Scheduler
	cfg       Config
	tasks     map[string]Task
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates the service and registers the sync and refresh tasks. A zero
// interval disables the corresponding task.
func New(cfg Config) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		scheduler: gocron.NewScheduler(time.UTC),
		cfg:       cfg,
		tasks:     make(map[string]Task),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, task := range []Task{
		{Name: TaskSync, Interval: cfg.SyncInterval, Handler: s.syncAll},
		{Name: TaskRefresh, Interval: cfg.UpdatesInterval, Handler: s.refreshAll},
	} {
		if task.Interval <= 0 {
			slog.Info("skipping disabled task", "task", task.Name)
			continue
		}
		if err := s.register(task); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// register schedules task. Runs of the same task never overlap.
func (s *Service) register(task Task) error {
	_, err := s.scheduler.Every(task.Interval).Tag(task.Name).SingletonMode().Do(func() {
		start := time.Now()
		slog.Info("running scheduled task", "task", task.Name)
		if err := task.Handler(s.ctx); err != nil {
			slog.Error("scheduled task failed", "task", task.Name, "error", err)
			return
		}
		slog.Info("scheduled task complete", "task", task.Name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", task.Name, err)
	}
	s.tasks[task.Name] = task
	slog.Info("registered task", "task", task.Name, "interval", task.Interval)
	return nil
}

// Start runs the scheduler in the background. Every task fires immediately,
// then on its interval.
func (s *Service) Start() {
	slog.Info("scheduler starting", "tasks", len(s.tasks))
	s.scheduler.StartAsync()
}

// Stop halts the scheduler and cancels running tasks.
func (s *Service) Stop() {
	s.scheduler.Stop()
	s.cancel()
	slog.Info("scheduler stopped")
}

// Tasks returns the registered task names.
func (s *Service) Tasks() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a registered task synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	task, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	return task.Handler(ctx)
}

func (s *Service) syncAll(ctx context.Context) error {
	tenants, err := s.cfg.Tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	failed := 0
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if report := s.cfg.Syncer.Sync(ctx, tenant, ""); !report.Success {
			failed++
		}
	}
	slog.Info("scheduled sync complete", "tenants", len(tenants), "tenants_with_failures", failed)
	return nil
}

func (s *Service) refreshAll(ctx context.Context) error {
	tenants, err := s.cfg.Tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	notified := 0
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		notified += s.cfg.Refresher.Refresh(ctx, tenant).NewHighSeverity
	}
	slog.Info("scheduled refresh complete", "tenants", len(tenants), "new_high_severity", notified)
	return nil
}
