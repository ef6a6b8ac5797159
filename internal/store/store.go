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

// Package store persists integrations, synced records, the update feed, and
// the sync audit trail. Every write is an upsert on the record's natural key;
// Postgres and the in-memory implementation share the same contract.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

var (
	// ErrNotFound is returned by targeted updates when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a unique-key race that could not be resolved by retrying.
	ErrConflict = errors.New("conflicting write")
)

// Store is the full persistence contract.
type Store interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error)
	// GetIntegration returns nil, nil when the tenant has not connected the provider.
	GetIntegration(ctx context.Context, tenantID, provider string) (*models.Integration, error)
	// UpsertIntegration writes credential and status. A nil Metadata keeps the stored value.
	UpsertIntegration(ctx context.Context, in models.Integration) error
	SetIntegrationStatus(ctx context.Context, tenantID, provider, status string) error
	MergeIntegrationMetadata(ctx context.Context, tenantID, provider string, md map[string]any) error
	DeleteIntegration(ctx context.Context, tenantID, provider string) error

	// UpsertMeeting writes m keyed on (tenant, calendar event id), filling
	// m.ID and m.Status. AI-derived fields are never cleared by a re-sync.
	// created is true only when the row did not exist before.
	UpsertMeeting(ctx context.Context, m *models.Meeting) (created bool, err error)
	GetMeeting(ctx context.Context, tenantID, calendarEventID string) (*models.Meeting, error)
	UpdateMeetingAnalysis(ctx context.Context, tenantID, calendarEventID string, a models.MeetingAnalysis) error
	ListMeetingsWithActionItems(ctx context.Context, tenantID string) ([]models.Meeting, error)

	UpsertTask(ctx context.Context, t *models.Task) (created bool, err error)
	ListOpenTasks(ctx context.Context, tenantID string) ([]models.Task, error)
	// UpsertTeamMember accumulates Sources rather than replacing them.
	UpsertTeamMember(ctx context.Context, tm *models.TeamMember) (created bool, err error)
	ListTeamMembers(ctx context.Context, tenantID string) ([]models.TeamMember, error)
	UpsertStakeholder(ctx context.Context, s models.Stakeholder) error
	ListStakeholders(ctx context.Context, tenantID string) ([]models.Stakeholder, error)

	InsertSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, id, status, errMsg string) error
	ListSyncRuns(ctx context.Context, tenantID string, limit int) ([]models.SyncRun, error)

	// UpsertUpdates writes items keyed on (tenant, source, external id).
	// Content fields are refreshed; IsRead and IsDismissed are never touched.
	UpsertUpdates(ctx context.Context, items []models.UpdateItem) (inserted int, err error)
	// NotifiedKeys returns which of the given UpdateItem keys are stored as
	// urgent and were already handed to the notifier. Dropping below urgent
	// clears the mark.
	NotifiedKeys(ctx context.Context, tenantID string, keys []string) (map[string]bool, error)
	// MarkNotified records a successful notification for the given keys.
	MarkNotified(ctx context.Context, tenantID string, keys []string) error
	// ListFeed returns non-dismissed, non-newsletter items, most severe and
	// most recent first.
	ListFeed(ctx context.Context, tenantID string, limit int) ([]models.UpdateItem, error)
	SetUpdateFlags(ctx context.Context, tenantID, source, externalID string, read, dismissed *bool) error

	Ping(ctx context.Context) error
	Close()
}

// Open returns the store selected by the configured driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.DatabaseDriver {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s, err := NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

// splitKey reverses models.UpdateItem.Key.
func splitKey(key string) (source, externalID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
