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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/execpilot/core/internal/syncer"
	"github.com/execpilot/core/internal/updates"
)

type fakeTenants struct {
	ids []string
	err error
}

func (f fakeTenants) ListTenants(ctx context.Context) ([]string, error) { return f.ids, f.err }

type recorder struct {
	mu        sync.Mutex
	synced    []string
	refreshed []string
}

func (r *recorder) Sync(ctx context.Context, tenantID, providerFilter string) syncer.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, tenantID)
	return syncer.Report{TenantID: tenantID, Success: true}
}

func (r *recorder) Refresh(ctx context.Context, tenantID string) updates.RefreshResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, tenantID)
	return updates.RefreshResult{}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.synced), len(r.refreshed)
}

func TestNew_RegistersEnabledTasks(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		Tenants:         fakeTenants{},
		Syncer:          rec,
		Refresher:       rec,
		SyncInterval:    15 * time.Minute,
		UpdatesInterval: 0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0] != TaskSync {
		t.Errorf("expected only the sync task, got %v", tasks)
	}
	if err := s.RunNow(context.Background(), TaskRefresh); err == nil {
		t.Error("expected error running a disabled task")
	}
}

func TestRunNow_VisitsEveryTenant(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		Tenants:         fakeTenants{ids: []string{"a", "b", "c"}},
		Syncer:          rec,
		Refresher:       rec,
		SyncInterval:    time.Hour,
		UpdatesInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if err := s.RunNow(context.Background(), TaskSync); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := s.RunNow(context.Background(), TaskRefresh); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(rec.synced) != 3 || len(rec.refreshed) != 3 {
		t.Errorf("expected 3 syncs and 3 refreshes, got %v / %v", rec.synced, rec.refreshed)
	}
}

func TestRunNow_TenantListError(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		Tenants:      fakeTenants{err: errors.New("db down")},
		Syncer:       rec,
		Refresher:    rec,
		SyncInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if err := s.RunNow(context.Background(), TaskSync); err == nil {
		t.Error("expected error when tenants cannot be listed")
	}
	if n, _ := rec.counts(); n != 0 {
		t.Errorf("expected no syncs, got %d", n)
	}
}

func TestStart_FiresImmediately(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		Tenants:         fakeTenants{ids: []string{"a"}},
		Syncer:          rec,
		Refresher:       rec,
		SyncInterval:    time.Hour,
		UpdatesInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		synced, refreshed := rec.counts()
		if synced >= 1 && refreshed >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("tasks did not fire on start: synced=%d refreshed=%d", synced, refreshed)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
