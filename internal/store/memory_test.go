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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execpilot/core/internal/models"
)

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)

func ptr[T any](v T) *T { return &v }

func meeting(id string) *models.Meeting {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &models.Meeting{
		TenantID:        "t1",
		CalendarEventID: id,
		Source:          "google_calendar",
		Title:           "Weekly sync",
		StartTime:       start,
		EndTime:         start.Add(30 * time.Minute),
		Type:            models.TypeMeeting,
		Confidence:      0.95,
		Reasoning:       "multiple attendees",
	}
}

func TestUpsertMeeting_Idempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	created, err := s.UpsertMeeting(ctx, meeting("google_calendar:1"))
	require.NoError(t, err)
	assert.True(t, created)

	again := meeting("google_calendar:1")
	again.Title = "Weekly sync (moved)"
	created, err = s.UpsertMeeting(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetMeeting(ctx, "t1", "google_calendar:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Weekly sync (moved)", got.Title)
	assert.Equal(t, again.ID, got.ID)
	assert.Equal(t, models.StatusProcessed, got.Status)

	// same id under another tenant is a different row
	other := meeting("google_calendar:1")
	other.TenantID = "t2"
	created, err = s.UpsertMeeting(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpsertMeeting_KeepsAnalysis(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m := meeting("zoom:abc")
	m.Transcript = ptr("hello everyone")
	_, err := s.UpsertMeeting(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, m.Status)

	require.NoError(t, s.UpdateMeetingAnalysis(ctx, "t1", "zoom:abc", models.MeetingAnalysis{
		Summary:     ptr("Agreed on Q3 plan"),
		Decisions:   []string{"ship in May"},
		ActionItems: []models.ActionItem{{Text: "send deck", Owner: "ceo@acme.com"}},
		Status:      models.StatusProcessed,
	}))

	// a re-sync without analysis fields must not erase them
	_, err = s.UpsertMeeting(ctx, meeting("zoom:abc"))
	require.NoError(t, err)

	got, err := s.GetMeeting(ctx, "t1", "zoom:abc")
	require.NoError(t, err)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "Agreed on Q3 plan", *got.Summary)
	assert.Equal(t, []string{"ship in May"}, got.Decisions)
	assert.Len(t, got.ActionItems, 1)
	require.NotNil(t, got.Transcript)
	assert.Equal(t, models.StatusProcessed, got.Status)

	withItems, err := s.ListMeetingsWithActionItems(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, withItems, 1)
}

func TestUpsertMeeting_LateTranscriptReprocesses(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.UpsertMeeting(ctx, meeting("zoom:late"))
	require.NoError(t, err)

	m := meeting("zoom:late")
	m.Transcript = ptr("transcript")
	created, err := s.UpsertMeeting(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.StatusProcessing, m.Status)
}

func TestUpdateMeetingAnalysis_NotFound(t *testing.T) {
	err := NewMemory().UpdateMeetingAnalysis(context.Background(), "t1", "nope", models.MeetingAnalysis{Status: models.StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertTeamMember_UnionsSources(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.UpsertTeamMember(ctx, &models.TeamMember{TenantID: "t1", ExternalID: "slack:U1", DisplayName: "Sam", Sources: []string{"slack"}})
	require.NoError(t, err)

	tm := &models.TeamMember{TenantID: "t1", ExternalID: "slack:U1", Email: "sam@acme.com", Sources: []string{"microsoft", "slack"}}
	created, err := s.UpsertTeamMember(ctx, tm)
	require.NoError(t, err)
	assert.False(t, created)

	members, err := s.ListTeamMembers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, []string{"microsoft", "slack"}, members[0].Sources)
	assert.Equal(t, "Sam", members[0].DisplayName)
	assert.Equal(t, "sam@acme.com", members[0].Email)
}

func TestUpsertTask_LastWriteWins(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.UpsertTask(ctx, &models.Task{TenantID: "t1", ExternalID: "jira:c:1", Title: "Fix", Status: "open", Blocked: true})
	require.NoError(t, err)
	_, err = s.UpsertTask(ctx, &models.Task{TenantID: "t1", ExternalID: "jira:c:1", Title: "Fix login", Status: "open"})
	require.NoError(t, err)
	_, err = s.UpsertTask(ctx, &models.Task{TenantID: "t1", ExternalID: "jira:c:2", Title: "Old", Status: "done"})
	require.NoError(t, err)

	open, err := s.ListOpenTasks(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "Fix login", open[0].Title)
	assert.False(t, open[0].Blocked)
}

func TestUpsertUpdates_PreservesUserFlags(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	item := models.UpdateItem{
		TenantID: "t1", Source: "gmail", ExternalID: "m1", Type: "email",
		Severity: models.SeverityImportant, Title: "Contract", OccurredAt: time.Now(),
	}

	n, err := s.UpsertUpdates(ctx, []models.UpdateItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetUpdateFlags(ctx, "t1", "gmail", "m1", ptr(true), nil))

	item.Title = "Contract (updated)"
	item.Severity = models.SeverityUrgent
	n, err = s.UpsertUpdates(ctx, []models.UpdateItem{item})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	feed, err := s.ListFeed(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.True(t, feed[0].IsRead)
	assert.Equal(t, "Contract (updated)", feed[0].Title)

	require.NoError(t, s.SetUpdateFlags(ctx, "t1", "gmail", "m1", nil, ptr(true)))
	_, err = s.UpsertUpdates(ctx, []models.UpdateItem{item})
	require.NoError(t, err)
	feed, err = s.ListFeed(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, feed, "dismissed items stay dismissed after a refresh")

	assert.ErrorIs(t, s.SetUpdateFlags(ctx, "t1", "gmail", "missing", ptr(true), nil), ErrNotFound)
}

func TestListFeed_OrderAndFilter(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	_, err := s.UpsertUpdates(ctx, []models.UpdateItem{
		{TenantID: "t1", Source: "gmail", ExternalID: "a", Type: "email", Severity: models.SeverityInfo, OccurredAt: now},
		{TenantID: "t1", Source: "gmail", ExternalID: "b", Type: "email", Severity: models.SeverityUrgent, OccurredAt: now.Add(-time.Hour)},
		{TenantID: "t1", Source: "gmail", ExternalID: "c", Type: models.UpdateTypeNewsletter, Severity: models.SeverityInfo, OccurredAt: now},
		{TenantID: "t1", Source: "slack", ExternalID: "d", Type: "chat", Severity: models.SeverityUrgent, OccurredAt: now},
		{TenantID: "t2", Source: "slack", ExternalID: "e", Type: "chat", Severity: models.SeverityUrgent, OccurredAt: now},
	})
	require.NoError(t, err)

	feed, err := s.ListFeed(ctx, "t1", 10)
	require.NoError(t, err)
	var ids []string
	for _, u := range feed {
		ids = append(ids, u.ExternalID)
	}
	assert.Equal(t, []string{"d", "b", "a"}, ids)

	feed, err = s.ListFeed(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, feed, 2)

	keys := []string{"gmail|a", "gmail|b", "slack|d", "slack|e"}
	notified, err := s.NotifiedKeys(ctx, "t1", keys)
	require.NoError(t, err)
	assert.Empty(t, notified, "nothing is notified until marked")

	require.NoError(t, s.MarkNotified(ctx, "t1", keys))
	notified, err = s.NotifiedKeys(ctx, "t1", keys)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"gmail|b": true, "slack|d": true}, notified, "only urgent items are marked")
}

func TestIntegrations(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	got, err := s.GetIntegration(ctx, "t1", "slack")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.UpsertIntegration(ctx, models.Integration{TenantID: "t1", Provider: "slack", Credential: []byte("a"), Status: models.IntegrationConnected}))
	require.NoError(t, s.MergeIntegrationMetadata(ctx, "t1", "slack", map[string]any{"team": "acme"}))
	require.NoError(t, s.UpsertIntegration(ctx, models.Integration{TenantID: "t1", Provider: "slack", Credential: []byte("b"), Status: models.IntegrationConnected}))
	require.NoError(t, s.SetIntegrationStatus(ctx, "t1", "slack", models.IntegrationReconnectRequired))

	got, err = s.GetIntegration(ctx, "t1", "slack")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("b"), got.Credential)
	assert.Equal(t, "acme", got.Metadata["team"], "metadata survives a credential rotation")
	assert.Equal(t, models.IntegrationReconnectRequired, got.Status)

	require.NoError(t, s.UpsertIntegration(ctx, models.Integration{TenantID: "t2", Provider: "github", Credential: []byte("c"), Status: models.IntegrationConnected}))
	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)

	require.NoError(t, s.DeleteIntegration(ctx, "t1", "slack"))
	assert.ErrorIs(t, s.DeleteIntegration(ctx, "t1", "slack"), ErrNotFound)
	assert.ErrorIs(t, s.SetIntegrationStatus(ctx, "t1", "slack", "x"), ErrNotFound)
}

func TestSyncRuns(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertSyncRun(ctx, &models.SyncRun{ID: fmt.Sprint(i), TenantID: "t1", Provider: "slack", Status: models.RunRunning, StartedAt: time.Now()}))
	}
	require.NoError(t, s.FinishSyncRun(ctx, "1", models.RunFailed, "boom"))
	assert.ErrorIs(t, s.FinishSyncRun(ctx, "nope", models.RunSuccess, ""), ErrNotFound)

	runs, err := s.ListSyncRuns(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "2", runs[0].ID)
	assert.Equal(t, models.RunFailed, runs[1].Status)
	assert.Equal(t, "boom", runs[1].Error)
	assert.NotNil(t, runs[1].FinishedAt)
}

func TestConcurrentUpsertsCreateOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpsertMeeting(ctx, meeting("google_calendar:race"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}
