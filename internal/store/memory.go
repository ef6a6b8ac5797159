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
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/execpilot/core/internal/models"
)

// Memory is an in-process Store with the same upsert semantics as Postgres.
// It backs local runs (driver "memory") and tests.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	now    func() time.Time

	integrations map[string]models.Integration
	meetings     map[string]models.Meeting
	tasks        map[string]models.Task
	members      map[string]models.TeamMember
	stakeholders map[string]models.Stakeholder
	runs         []models.SyncRun
	updates      map[string]models.UpdateItem
	notified     map[string]time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		integrations: make(map[string]models.Integration),
		meetings:     make(map[string]models.Meeting),
		tasks:        make(map[string]models.Task),
		members:      make(map[string]models.TeamMember),
		stakeholders: make(map[string]models.Stakeholder),
		updates:      make(map[string]models.UpdateItem),
		notified:     make(map[string]time.Time),
	}
}

func key(parts ...string) string { return strings.Join(parts, "\x00") }

func (s *Memory) id() int64 {
	s.nextID++
	return s.nextID
}

// Close is a no-op.
func (s *Memory) Close() {}

func (s *Memory) Ping(ctx context.Context) error { return nil }

// ─── Integrations ───

func (s *Memory) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, in := range s.integrations {
		seen[in.TenantID] = true
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *Memory) ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Integration
	for _, in := range s.integrations {
		if in.TenantID == tenantID {
			out = append(out, cloneIntegration(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *Memory) GetIntegration(ctx context.Context, tenantID, provider string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[key(tenantID, provider)]
	if !ok {
		return nil, nil
	}
	in = cloneIntegration(in)
	return &in, nil
}

func (s *Memory) UpsertIntegration(ctx context.Context, in models.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(in.TenantID, in.Provider)
	now := s.now()
	existing, ok := s.integrations[k]
	if ok {
		in.CreatedAt = existing.CreatedAt
		if in.Metadata == nil {
			in.Metadata = existing.Metadata
		}
	} else {
		in.CreatedAt = now
		if in.Metadata == nil {
			in.Metadata = map[string]any{}
		}
	}
	in.UpdatedAt = now
	s.integrations[k] = cloneIntegration(in)
	return nil
}

func (s *Memory) SetIntegrationStatus(ctx context.Context, tenantID, provider, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, provider)
	in, ok := s.integrations[k]
	if !ok {
		return ErrNotFound
	}
	in.Status = status
	in.UpdatedAt = s.now()
	s.integrations[k] = in
	return nil
}

func (s *Memory) MergeIntegrationMetadata(ctx context.Context, tenantID, provider string, md map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, provider)
	in, ok := s.integrations[k]
	if !ok {
		return ErrNotFound
	}
	merged := maps.Clone(in.Metadata)
	if merged == nil {
		merged = make(map[string]any, len(md))
	}
	maps.Copy(merged, md)
	in.Metadata = merged
	in.UpdatedAt = s.now()
	s.integrations[k] = in
	return nil
}

func (s *Memory) DeleteIntegration(ctx context.Context, tenantID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, provider)
	if _, ok := s.integrations[k]; !ok {
		return ErrNotFound
	}
	delete(s.integrations, k)
	return nil
}

func cloneIntegration(in models.Integration) models.Integration {
	in.Credential = slices.Clone(in.Credential)
	in.Metadata = maps.Clone(in.Metadata)
	return in
}

// ─── Meetings ───

func (s *Memory) UpsertMeeting(ctx context.Context, m *models.Meeting) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(m.TenantID, m.CalendarEventID)
	now := s.now()

	existing, ok := s.meetings[k]
	if !ok {
		m.ID = s.id()
		m.Status = models.StatusProcessed
		if m.Transcript != nil {
			m.Status = models.StatusProcessing
		}
		m.CreatedAt, m.UpdatedAt = now, now
		s.meetings[k] = cloneMeeting(*m)
		return true, nil
	}

	m.ID = existing.ID
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = now
	m.Status = existing.Status
	if existing.Transcript == nil && m.Transcript != nil {
		m.Status = models.StatusProcessing
	}
	if m.Transcript == nil {
		m.Transcript = existing.Transcript
	}
	if m.Summary == nil {
		m.Summary = existing.Summary
	}
	if len(m.Decisions) == 0 {
		m.Decisions = existing.Decisions
	}
	if len(m.ActionItems) == 0 {
		m.ActionItems = existing.ActionItems
	}
	s.meetings[k] = cloneMeeting(*m)
	return false, nil
}

func (s *Memory) GetMeeting(ctx context.Context, tenantID, calendarEventID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[key(tenantID, calendarEventID)]
	if !ok {
		return nil, nil
	}
	m = cloneMeeting(m)
	return &m, nil
}

func (s *Memory) UpdateMeetingAnalysis(ctx context.Context, tenantID, calendarEventID string, a models.MeetingAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, calendarEventID)
	m, ok := s.meetings[k]
	if !ok {
		return ErrNotFound
	}
	if a.Summary != nil {
		m.Summary = a.Summary
	}
	if len(a.Decisions) > 0 {
		m.Decisions = slices.Clone(a.Decisions)
	}
	if len(a.ActionItems) > 0 {
		m.ActionItems = slices.Clone(a.ActionItems)
	}
	m.Status = a.Status
	m.UpdatedAt = s.now()
	s.meetings[k] = m
	return nil
}

func (s *Memory) ListMeetingsWithActionItems(ctx context.Context, tenantID string) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Meeting
	for _, m := range s.meetings {
		if m.TenantID == tenantID && len(m.ActionItems) > 0 {
			out = append(out, cloneMeeting(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func cloneMeeting(m models.Meeting) models.Meeting {
	m.Attendees = slices.Clone(m.Attendees)
	m.Decisions = slices.Clone(m.Decisions)
	m.ActionItems = slices.Clone(m.ActionItems)
	return m
}

// ─── Tasks and people ───

func (s *Memory) UpsertTask(ctx context.Context, t *models.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(t.TenantID, t.ExternalID)
	now := s.now()
	existing, ok := s.tasks[k]
	if ok {
		t.ID, t.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		t.ID, t.CreatedAt = s.id(), now
	}
	t.UpdatedAt = now
	s.tasks[k] = *t
	return !ok, nil
}

func (s *Memory) ListOpenTasks(ctx context.Context, tenantID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.TenantID == tenantID && !t.Done() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) UpsertTeamMember(ctx context.Context, tm *models.TeamMember) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tm.TenantID, tm.ExternalID)
	now := s.now()

	existing, ok := s.members[k]
	if !ok {
		tm.ID, tm.CreatedAt, tm.UpdatedAt = s.id(), now, now
		tm.Sources = unionSorted(nil, tm.Sources)
		s.members[k] = *tm
		return true, nil
	}

	tm.ID, tm.CreatedAt, tm.UpdatedAt = existing.ID, existing.CreatedAt, now
	if tm.DisplayName == "" {
		tm.DisplayName = existing.DisplayName
	}
	if tm.Email == "" {
		tm.Email = existing.Email
	}
	if tm.AvatarURL == "" {
		tm.AvatarURL = existing.AvatarURL
	}
	tm.Sources = unionSorted(existing.Sources, tm.Sources)
	s.members[k] = *tm
	return false, nil
}

func unionSorted(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func (s *Memory) ListTeamMembers(ctx context.Context, tenantID string) ([]models.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TeamMember
	for _, tm := range s.members {
		if tm.TenantID == tenantID {
			tm.Sources = slices.Clone(tm.Sources)
			out = append(out, tm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

func (s *Memory) UpsertStakeholder(ctx context.Context, sh models.Stakeholder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stakeholders[sh.ID] = sh
	return nil
}

func (s *Memory) ListStakeholders(ctx context.Context, tenantID string) ([]models.Stakeholder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Stakeholder
	for _, sh := range s.stakeholders {
		if sh.TenantID == tenantID {
			out = append(out, sh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ─── Sync runs ───

func (s *Memory) InsertSyncRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

func (s *Memory) FinishSyncRun(ctx context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == id {
			now := s.now()
			s.runs[i].Status = status
			s.runs[i].Error = errMsg
			s.runs[i].FinishedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) ListSyncRuns(ctx context.Context, tenantID string, limit int) ([]models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncRun
	for i := len(s.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.runs[i].TenantID == tenantID {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

// ─── Update feed ───

func (s *Memory) UpsertUpdates(ctx context.Context, items []models.UpdateItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	inserted := 0
	for _, u := range items {
		k := key(u.TenantID, u.Key())
		existing, ok := s.updates[k]
		if ok {
			u.ID, u.CreatedAt = existing.ID, existing.CreatedAt
			u.IsRead, u.IsDismissed = existing.IsRead, existing.IsDismissed
		} else {
			u.ID, u.CreatedAt = s.id(), now
			u.IsRead, u.IsDismissed = false, false
			inserted++
		}
		u.UpdatedAt = now
		u.Metadata = maps.Clone(u.Metadata)
		s.updates[k] = u
		if u.Severity != models.SeverityUrgent {
			delete(s.notified, k)
		}
	}
	return inserted, nil
}

func (s *Memory) NotifiedKeys(ctx context.Context, tenantID string, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, k := range keys {
		if _, ok := s.notified[key(tenantID, k)]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (s *Memory) MarkNotified(ctx context.Context, tenantID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range keys {
		mk := key(tenantID, k)
		if u, ok := s.updates[mk]; ok && u.Severity == models.SeverityUrgent {
			s.notified[mk] = now
		}
	}
	return nil
}

func (s *Memory) ListFeed(ctx context.Context, tenantID string, limit int) ([]models.UpdateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UpdateItem
	for _, u := range s.updates {
		if u.TenantID != tenantID || u.IsDismissed || u.Type == models.UpdateTypeNewsletter {
			continue
		}
		u.Metadata = maps.Clone(u.Metadata)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.SeverityRank(out[i].Severity), models.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) SetUpdateFlags(ctx context.Context, tenantID, source, externalID string, read, dismissed *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, source+"|"+externalID)
	u, ok := s.updates[k]
	if !ok {
		return ErrNotFound
	}
	if read != nil {
		u.IsRead = *read
	}
	if dismissed != nil {
		u.IsDismissed = *dismissed
	}
	u.UpdatedAt = s.now()
	s.updates[k] = u
	return nil
}
