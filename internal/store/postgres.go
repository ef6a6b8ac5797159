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

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execpilot/core/internal/models"
)

// Postgres is the production Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by the given pool and ensures the
// schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

// Close releases the pool.
func (s *Postgres) Close() { s.pool.Close() }

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS integrations (
			tenant_id   TEXT NOT NULL,
			provider    TEXT NOT NULL,
			credential  BYTEA NOT NULL,
			status      TEXT NOT NULL DEFAULT 'connected',
			metadata    JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (tenant_id, provider)
		);

		CREATE TABLE IF NOT EXISTS meetings (
			id                BIGSERIAL PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			calendar_event_id TEXT NOT NULL,
			source            TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			description       TEXT NOT NULL DEFAULT '',
			start_time        TIMESTAMPTZ NOT NULL,
			end_time          TIMESTAMPTZ NOT NULL,
			attendees         JSONB NOT NULL DEFAULT '[]',
			organizer_email   TEXT NOT NULL DEFAULT '',
			is_self_organized BOOLEAN NOT NULL DEFAULT FALSE,
			conference_url    TEXT NOT NULL DEFAULT '',
			url               TEXT NOT NULL DEFAULT '',
			transcript        TEXT,
			summary           TEXT,
			decisions         JSONB,
			action_items      JSONB,
			type              TEXT NOT NULL,
			confidence        DOUBLE PRECISION NOT NULL,
			reasoning         TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, calendar_event_id)
		);
		CREATE INDEX IF NOT EXISTS idx_meetings_start ON meetings(tenant_id, start_time);

		CREATE TABLE IF NOT EXISTS tasks (
			id          BIGSERIAL PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			external_id TEXT NOT NULL,
			source      TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			assignee    TEXT NOT NULL DEFAULT '',
			due_date    TIMESTAMPTZ,
			priority    TEXT NOT NULL DEFAULT '',
			blocked     BOOLEAN NOT NULL DEFAULT FALSE,
			url         TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, external_id)
		);

		CREATE TABLE IF NOT EXISTS team_members (
			id           BIGSERIAL PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			external_id  TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			email        TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			sources      TEXT[] NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, external_id)
		);

		CREATE TABLE IF NOT EXISTS stakeholders (
			id                     TEXT PRIMARY KEY,
			tenant_id              TEXT NOT NULL,
			name                   TEXT NOT NULL,
			email                  TEXT NOT NULL DEFAULT '',
			reach_out_cadence_days INTEGER NOT NULL DEFAULT 0,
			last_contacted_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_stakeholders_tenant ON stakeholders(tenant_id);

		CREATE TABLE IF NOT EXISTS sync_runs (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			provider    TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_tenant ON sync_runs(tenant_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS update_items (
			id           BIGSERIAL PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			source       TEXT NOT NULL,
			external_id  TEXT NOT NULL,
			type         TEXT NOT NULL,
			severity     TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			body         TEXT NOT NULL DEFAULT '',
			occurred_at  TIMESTAMPTZ NOT NULL,
			url          TEXT NOT NULL DEFAULT '',
			is_read      BOOLEAN NOT NULL DEFAULT FALSE,
			is_dismissed BOOLEAN NOT NULL DEFAULT FALSE,
			metadata     JSONB NOT NULL DEFAULT '{}',
			notified_at  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, source, external_id)
		);
		ALTER TABLE update_items ADD COLUMN IF NOT EXISTS notified_at TIMESTAMPTZ;
		CREATE INDEX IF NOT EXISTS idx_updates_feed ON update_items(tenant_id, is_dismissed, occurred_at DESC);
	`)
	return err
}

// isUniqueViolation reports a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// retryConflict runs op and retries it once on a unique-key race, which the
// second attempt resolves through its ON CONFLICT branch.
func retryConflict(what string, op func() error) error {
	err := op()
	if !isUniqueViolation(err) {
		return err
	}
	slog.Warn("unique violation, retrying as update", "record", what)
	if err = op(); isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return err
}

// jsonOrNull encodes empty slices as SQL NULL so COALESCE can keep stored values.
func jsonOrNull[T any](v []T) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ─── Integrations ───

func (s *Postgres) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM integrations ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const integrationColumns = `tenant_id, provider, credential, status, metadata, created_at, updated_at`

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var in models.Integration
	err := row.Scan(&in.TenantID, &in.Provider, &in.Credential, &in.Status, &in.Metadata, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Postgres) ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE tenant_id = $1
		ORDER BY provider
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (s *Postgres) GetIntegration(ctx context.Context, tenantID, provider string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider)
	return scanIntegration(row)
}

func (s *Postgres) UpsertIntegration(ctx context.Context, in models.Integration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integrations (tenant_id, provider, credential, status, metadata)
		VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'))
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			credential = EXCLUDED.credential,
			status     = EXCLUDED.status,
			metadata   = COALESCE($5::jsonb, integrations.metadata),
			updated_at = NOW()
	`, in.TenantID, in.Provider, in.Credential, in.Status, mapOrNull(in.Metadata))
	return err
}

func mapOrNull(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func (s *Postgres) SetIntegrationStatus(ctx context.Context, tenantID, provider, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations SET status = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND provider = $3
	`, status, tenantID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) MergeIntegrationMetadata(ctx context.Context, tenantID, provider string, md map[string]any) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations SET metadata = metadata || $1::jsonb, updated_at = NOW()
		WHERE tenant_id = $2 AND provider = $3
	`, md, tenantID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteIntegration(ctx context.Context, tenantID, provider string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM integrations WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Meetings ───

const meetingColumns = `id, tenant_id, calendar_event_id, source, title, description,
	start_time, end_time, attendees, organizer_email, is_self_organized,
	conference_url, url, transcript, summary, decisions, action_items,
	type, confidence, reasoning, status, created_at, updated_at`

func scanMeeting(row pgx.Row) (*models.Meeting, error) {
	var m models.Meeting
	err := row.Scan(&m.ID, &m.TenantID, &m.CalendarEventID, &m.Source, &m.Title, &m.Description,
		&m.StartTime, &m.EndTime, &m.Attendees, &m.OrganizerEmail, &m.IsSelfOrganized,
		&m.ConferenceURL, &m.URL, &m.Transcript, &m.Summary, &m.Decisions, &m.ActionItems,
		&m.Type, &m.Confidence, &m.Reasoning, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMeeting keeps transcript, summary, decisions, and action items when
// the incoming record lacks them. A transcript arriving for a meeting that
// had none moves it back to processing.
func (s *Postgres) UpsertMeeting(ctx context.Context, m *models.Meeting) (bool, error) {
	status := models.StatusProcessed
	if m.Transcript != nil {
		status = models.StatusProcessing
	}
	attendees := m.Attendees
	if attendees == nil {
		attendees = []models.Attendee{}
	}

	var created bool
	err := retryConflict("meeting "+m.CalendarEventID, func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO meetings
				(tenant_id, calendar_event_id, source, title, description, start_time, end_time,
				 attendees, organizer_email, is_self_organized, conference_url, url,
				 transcript, summary, decisions, action_items, type, confidence, reasoning, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (tenant_id, calendar_event_id) DO UPDATE SET
				source            = EXCLUDED.source,
				title             = EXCLUDED.title,
				description       = EXCLUDED.description,
				start_time        = EXCLUDED.start_time,
				end_time          = EXCLUDED.end_time,
				attendees         = EXCLUDED.attendees,
				organizer_email   = EXCLUDED.organizer_email,
				is_self_organized = EXCLUDED.is_self_organized,
				conference_url    = EXCLUDED.conference_url,
				url               = EXCLUDED.url,
				transcript        = COALESCE(EXCLUDED.transcript, meetings.transcript),
				summary           = COALESCE(EXCLUDED.summary, meetings.summary),
				decisions         = COALESCE(EXCLUDED.decisions, meetings.decisions),
				action_items      = COALESCE(EXCLUDED.action_items, meetings.action_items),
				type              = EXCLUDED.type,
				confidence        = EXCLUDED.confidence,
				reasoning         = EXCLUDED.reasoning,
				status            = CASE
					WHEN meetings.transcript IS NULL AND EXCLUDED.transcript IS NOT NULL THEN 'processing'
					ELSE meetings.status END,
				updated_at        = NOW()
			RETURNING id, status, (xmax = 0)
		`, m.TenantID, m.CalendarEventID, m.Source, m.Title, m.Description, m.StartTime, m.EndTime,
			attendees, m.OrganizerEmail, m.IsSelfOrganized, m.ConferenceURL, m.URL,
			m.Transcript, m.Summary, jsonOrNull(m.Decisions), jsonOrNull(m.ActionItems),
			m.Type, m.Confidence, m.Reasoning, status,
		).Scan(&m.ID, &m.Status, &created)
	})
	return created, err
}

func (s *Postgres) GetMeeting(ctx context.Context, tenantID, calendarEventID string) (*models.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		WHERE tenant_id = $1 AND calendar_event_id = $2
	`, tenantID, calendarEventID)
	return scanMeeting(row)
}

func (s *Postgres) UpdateMeetingAnalysis(ctx context.Context, tenantID, calendarEventID string, a models.MeetingAnalysis) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings SET
			summary      = COALESCE($1, summary),
			decisions    = COALESCE($2::jsonb, decisions),
			action_items = COALESCE($3::jsonb, action_items),
			status       = $4,
			updated_at   = NOW()
		WHERE tenant_id = $5 AND calendar_event_id = $6
	`, a.Summary, jsonOrNull(a.Decisions), jsonOrNull(a.ActionItems), a.Status, tenantID, calendarEventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListMeetingsWithActionItems(ctx context.Context, tenantID string) ([]models.Meeting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		WHERE tenant_id = $1 AND jsonb_array_length(COALESCE(action_items, '[]')) > 0
		ORDER BY start_time DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ─── Tasks and people ───

func (s *Postgres) UpsertTask(ctx context.Context, t *models.Task) (bool, error) {
	var created bool
	err := retryConflict("task "+t.ExternalID, func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO tasks (tenant_id, external_id, source, title, status, assignee, due_date, priority, blocked, url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, external_id) DO UPDATE SET
				source     = EXCLUDED.source,
				title      = EXCLUDED.title,
				status     = EXCLUDED.status,
				assignee   = EXCLUDED.assignee,
				due_date   = EXCLUDED.due_date,
				priority   = EXCLUDED.priority,
				blocked    = EXCLUDED.blocked,
				url        = EXCLUDED.url,
				updated_at = NOW()
			RETURNING id, (xmax = 0)
		`, t.TenantID, t.ExternalID, t.Source, t.Title, t.Status, t.Assignee, t.DueDate, t.Priority, t.Blocked, t.URL,
		).Scan(&t.ID, &created)
	})
	return created, err
}

func (s *Postgres) ListOpenTasks(ctx context.Context, tenantID string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, external_id, source, title, status, assignee, due_date,
		       priority, blocked, url, created_at, updated_at
		FROM tasks
		WHERE tenant_id = $1
		ORDER BY due_date NULLS LAST, id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ExternalID, &t.Source, &t.Title, &t.Status, &t.Assignee,
			&t.DueDate, &t.Priority, &t.Blocked, &t.URL, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if !t.Done() {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertTeamMember(ctx context.Context, tm *models.TeamMember) (bool, error) {
	sources := tm.Sources
	if sources == nil {
		sources = []string{}
	}
	var created bool
	err := retryConflict("team member "+tm.ExternalID, func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO team_members (tenant_id, external_id, display_name, email, avatar_url, sources)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, external_id) DO UPDATE SET
				display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), team_members.display_name),
				email        = COALESCE(NULLIF(EXCLUDED.email, ''), team_members.email),
				avatar_url   = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), team_members.avatar_url),
				sources      = ARRAY(SELECT DISTINCT unnest(team_members.sources || EXCLUDED.sources) ORDER BY 1),
				updated_at   = NOW()
			RETURNING id, sources, (xmax = 0)
		`, tm.TenantID, tm.ExternalID, tm.DisplayName, tm.Email, tm.AvatarURL, sources,
		).Scan(&tm.ID, &tm.Sources, &created)
	})
	return created, err
}

func (s *Postgres) ListTeamMembers(ctx context.Context, tenantID string) ([]models.TeamMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, external_id, display_name, email, avatar_url, sources, created_at, updated_at
		FROM team_members
		WHERE tenant_id = $1
		ORDER BY display_name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TeamMember
	for rows.Next() {
		var tm models.TeamMember
		if err := rows.Scan(&tm.ID, &tm.TenantID, &tm.ExternalID, &tm.DisplayName, &tm.Email,
			&tm.AvatarURL, &tm.Sources, &tm.CreatedAt, &tm.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertStakeholder(ctx context.Context, sh models.Stakeholder) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stakeholders (id, tenant_id, name, email, reach_out_cadence_days, last_contacted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name                   = EXCLUDED.name,
			email                  = EXCLUDED.email,
			reach_out_cadence_days = EXCLUDED.reach_out_cadence_days,
			last_contacted_at      = EXCLUDED.last_contacted_at
	`, sh.ID, sh.TenantID, sh.Name, sh.Email, sh.ReachOutCadenceDays, sh.LastContactedAt)
	return err
}

func (s *Postgres) ListStakeholders(ctx context.Context, tenantID string) ([]models.Stakeholder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, email, reach_out_cadence_days, last_contacted_at
		FROM stakeholders
		WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Stakeholder
	for rows.Next() {
		var sh models.Stakeholder
		if err := rows.Scan(&sh.ID, &sh.TenantID, &sh.Name, &sh.Email, &sh.ReachOutCadenceDays, &sh.LastContactedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ─── Sync runs ───

func (s *Postgres) InsertSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, tenant_id, provider, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.TenantID, run.Provider, run.Status, run.StartedAt)
	return err
}

func (s *Postgres) FinishSyncRun(ctx context.Context, id, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs SET status = $1, error = $2, finished_at = NOW()
		WHERE id = $3
	`, status, errMsg, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListSyncRuns(ctx context.Context, tenantID string, limit int) ([]models.SyncRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, provider, status, started_at, finished_at, error
		FROM sync_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncRun
	for rows.Next() {
		var r models.SyncRun
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Provider, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Update feed ───

// UpsertUpdates sends all items in one batch. is_read and is_dismissed are
// absent from the update branch.
func (s *Postgres) UpsertUpdates(ctx context.Context, items []models.UpdateItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	inserted := 0
	err := retryConflict("update batch", func() error {
		inserted = 0
		batch := &pgx.Batch{}
		for _, u := range items {
			md := u.Metadata
			if md == nil {
				md = map[string]any{}
			}
			batch.Queue(`
				INSERT INTO update_items
					(tenant_id, source, external_id, type, severity, title, body, occurred_at, url, metadata)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (tenant_id, source, external_id) DO UPDATE SET
					type        = EXCLUDED.type,
					severity    = EXCLUDED.severity,
					title       = EXCLUDED.title,
					body        = EXCLUDED.body,
					occurred_at = EXCLUDED.occurred_at,
					url         = EXCLUDED.url,
					metadata    = EXCLUDED.metadata,
					notified_at = CASE WHEN EXCLUDED.severity = 'urgent' THEN update_items.notified_at END,
					updated_at  = NOW()
				RETURNING (xmax = 0)
			`, u.TenantID, u.Source, u.ExternalID, u.Type, u.Severity, u.Title, u.Body, u.OccurredAt, u.URL, md).
				QueryRow(func(row pgx.Row) error {
					var created bool
					if err := row.Scan(&created); err != nil {
						return err
					}
					if created {
						inserted++
					}
					return nil
				})
		}
		return s.pool.SendBatch(ctx, batch).Close()
	})
	return inserted, err
}

func (s *Postgres) NotifiedKeys(ctx context.Context, tenantID string, keys []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(keys) == 0 {
		return out, nil
	}
	sources := make([]string, len(keys))
	externalIDs := make([]string, len(keys))
	for i, k := range keys {
		sources[i], externalIDs[i] = splitKey(k)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT u.source, u.external_id
		FROM update_items u
		JOIN unnest($2::text[], $3::text[]) AS k(source, external_id)
		  ON u.source = k.source AND u.external_id = k.external_id
		WHERE u.tenant_id = $1 AND u.severity = 'urgent' AND u.notified_at IS NOT NULL
	`, tenantID, sources, externalIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var source, externalID string
		if err := rows.Scan(&source, &externalID); err != nil {
			return nil, err
		}
		out[source+"|"+externalID] = true
	}
	return out, rows.Err()
}

func (s *Postgres) MarkNotified(ctx context.Context, tenantID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sources := make([]string, len(keys))
	externalIDs := make([]string, len(keys))
	for i, k := range keys {
		sources[i], externalIDs[i] = splitKey(k)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE update_items u SET notified_at = NOW()
		FROM unnest($2::text[], $3::text[]) AS k(source, external_id)
		WHERE u.tenant_id = $1 AND u.source = k.source AND u.external_id = k.external_id
		  AND u.severity = 'urgent'
	`, tenantID, sources, externalIDs)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

func (s *Postgres) ListFeed(ctx context.Context, tenantID string, limit int) ([]models.UpdateItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, source, type, severity, title, body, occurred_at, external_id,
		       url, is_read, is_dismissed, metadata, created_at, updated_at
		FROM update_items
		WHERE tenant_id = $1 AND NOT is_dismissed AND type <> 'newsletter'
		ORDER BY CASE severity WHEN 'urgent' THEN 3 WHEN 'important' THEN 2 WHEN 'info' THEN 1 ELSE 0 END DESC,
		         occurred_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UpdateItem
	for rows.Next() {
		var u models.UpdateItem
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Source, &u.Type, &u.Severity, &u.Title, &u.Body,
			&u.OccurredAt, &u.ExternalID, &u.URL, &u.IsRead, &u.IsDismissed, &u.Metadata,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Postgres) SetUpdateFlags(ctx context.Context, tenantID, source, externalID string, read, dismissed *bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE update_items SET
			is_read      = COALESCE($1, is_read),
			is_dismissed = COALESCE($2, is_dismissed),
			updated_at   = NOW()
		WHERE tenant_id = $3 AND source = $4 AND external_id = $5
	`, read, dismissed, tenantID, source, externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
