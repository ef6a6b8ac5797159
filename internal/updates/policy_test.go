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

package updates

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execpilot/core/internal/models"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func email(subject, from string) models.Email {
	return models.Email{
		MessageID:  "msg-" + subject,
		From:       models.EmailAddress{Address: from},
		Subject:    subject,
		ReceivedAt: now.Add(-time.Hour),
		Unread:     true,
	}
}

func TestFromEmail(t *testing.T) {
	newsletter := email("Product updates", "team@vendor.com")
	newsletter.Headers = map[string]string{"list-unsubscribe": "<mailto:u@vendor.com>"}

	tests := []struct {
		name     string
		e        models.Email
		keep     bool
		severity string
		typ      string
	}{
		{"urgent subject", email("URGENT: wire transfer", "cfo@acme.com"), true, models.SeverityUrgent, TypeEmail},
		{"urgent beats automated sender", email("Action required: renew domain", "no-reply@registrar.com"), true, models.SeverityUrgent, TypeEmail},
		{"business keyword", email("Contract for Q3", "legal@partner.com"), true, models.SeverityImportant, TypeEmail},
		{"plain human mail", email("Lunch?", "sam@acme.com"), true, models.SeverityInfo, TypeEmail},
		{"automated dropped", email("Your build passed", "notifications@ci.example.com"), false, "", ""},
		{"newsletter by header", newsletter, true, models.SeverityInfo, models.UpdateTypeNewsletter},
		{"newsletter by sender", email("March edition", "newsletter@blog.com"), true, models.SeverityInfo, models.UpdateTypeNewsletter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := FromEmail("gmail", tt.e)
			require.Equal(t, tt.keep, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.severity, item.Severity)
			assert.Equal(t, tt.typ, item.Type)
			assert.Equal(t, tt.e.MessageID, item.ExternalID)
			assert.Equal(t, "gmail", item.Source)
		})
	}

	read := email("URGENT", "cfo@acme.com")
	read.Unread = false
	_, ok := FromEmail("gmail", read)
	assert.False(t, ok, "read mail is not a candidate")
}

func TestFromChat(t *testing.T) {
	msg := models.ChatMessage{ChannelID: "C1", ChannelName: "general", Timestamp: "1700000000.000100", UserName: "sam", Text: "lunch at noon"}
	item, ok := FromChat("slack", msg)
	require.True(t, ok)
	assert.Equal(t, models.SeverityInfo, item.Severity)
	assert.Equal(t, "C1:1700000000.000100", item.ExternalID)
	assert.Equal(t, "#general: sam", item.Title)

	msg.Text = "<!channel> prod is down"
	item, _ = FromChat("slack", msg)
	assert.Equal(t, models.SeverityUrgent, item.Severity)

	msg.Text = "need this ASAP"
	item, _ = FromChat("slack", msg)
	assert.Equal(t, models.SeverityUrgent, item.Severity)

	_, ok = FromChat("slack", models.ChatMessage{Text: "no ids"})
	assert.False(t, ok)
}

func TestFromChat_LongMultibyteBody(t *testing.T) {
	msg := models.ChatMessage{
		ChannelID: "C1",
		Timestamp: "1700000000.000100",
		Text:      "a" + strings.Repeat("é", 300),
	}

	item, ok := FromChat("slack", msg)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(item.Body), "body must stay valid UTF-8")
	assert.LessOrEqual(t, len(item.Body), 500)
	assert.Equal(t, "a"+strings.Repeat("é", 249), item.Body)
}

func TestFromCodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		e        models.CodeEvent
		severity string
	}{
		{"push to default", models.CodeEvent{ID: "1", Kind: models.CodeEventPush, Branch: "main", Commits: 2}, models.SeverityUrgent},
		{"push to feature", models.CodeEvent{ID: "2", Kind: models.CodeEventPush, Branch: "feat/x"}, models.SeverityInfo},
		{"pr opened", models.CodeEvent{ID: "3", Kind: models.CodeEventPROpened, Number: 7}, models.SeverityImportant},
		{"pr merged to default", models.CodeEvent{ID: "4", Kind: models.CodeEventPRMerged, Branch: "trunk", DefaultBranch: "trunk"}, models.SeverityUrgent},
		{"pr merged elsewhere", models.CodeEvent{ID: "5", Kind: models.CodeEventPRMerged, Branch: "release"}, models.SeverityImportant},
		{"pr closed", models.CodeEvent{ID: "6", Kind: models.CodeEventPRClosed}, models.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := FromCodeEvent("github", tt.e)
			require.True(t, ok)
			assert.Equal(t, tt.severity, item.Severity)
			assert.Equal(t, "github_"+tt.e.Kind, item.Type)
		})
	}

	_, ok := FromCodeEvent("github", models.CodeEvent{ID: "7", Kind: "watch"})
	assert.False(t, ok)
}

func TestFromCalendarEvent(t *testing.T) {
	lookahead := 72 * time.Hour
	at := func(d time.Duration) models.CalendarEvent {
		return models.CalendarEvent{EventID: "ev", Version: "v1", Title: "Board", Start: now.Add(d)}
	}

	item, ok := FromCalendarEvent("google_calendar", at(3*time.Hour), now, lookahead)
	require.True(t, ok)
	assert.Equal(t, models.SeverityUrgent, item.Severity)
	assert.Equal(t, "ev@v1", item.ExternalID)

	item, _ = FromCalendarEvent("google_calendar", at(5*time.Hour), now, lookahead)
	assert.Equal(t, models.SeverityImportant, item.Severity)

	item, _ = FromCalendarEvent("google_calendar", at(30*time.Hour), now, lookahead)
	assert.Equal(t, models.SeverityInfo, item.Severity)

	_, ok = FromCalendarEvent("google_calendar", at(-time.Minute), now, lookahead)
	assert.False(t, ok, "already started")
	_, ok = FromCalendarEvent("google_calendar", at(80*time.Hour), now, lookahead)
	assert.False(t, ok, "beyond lookahead")

	moved := at(3 * time.Hour)
	moved.Version = "v2"
	item, _ = FromCalendarEvent("google_calendar", moved, now, lookahead)
	assert.Equal(t, "ev@v2", item.ExternalID, "a new version is a new item")
}

func TestTaskReminder(t *testing.T) {
	day := func(d int) *time.Time {
		v := now.AddDate(0, 0, d)
		return &v
	}

	item, ok := TaskReminder(models.Task{ExternalID: "jira:c:1", Title: "Ship", Status: "open", DueDate: day(-2)}, now)
	require.True(t, ok)
	assert.Equal(t, models.SeverityUrgent, item.Severity)
	assert.Equal(t, "task:jira:c:1:2026-03-10", item.ExternalID)
	assert.Equal(t, models.SourceInternal, item.Source)

	item, ok = TaskReminder(models.Task{ExternalID: "x", Status: "open", DueDate: day(0)}, now)
	require.True(t, ok)
	assert.Equal(t, models.SeverityImportant, item.Severity)

	_, ok = TaskReminder(models.Task{ExternalID: "x", Status: "open", DueDate: day(1)}, now)
	assert.False(t, ok)
	_, ok = TaskReminder(models.Task{ExternalID: "x", Status: "done", DueDate: day(-5)}, now)
	assert.False(t, ok)
	_, ok = TaskReminder(models.Task{ExternalID: "x", Status: "open"}, now)
	assert.False(t, ok)

	// same day, same key; next day, new key
	a, _ := TaskReminder(models.Task{ExternalID: "x", Status: "open", DueDate: day(-1)}, now)
	b, _ := TaskReminder(models.Task{ExternalID: "x", Status: "open", DueDate: day(-1)}, now.Add(time.Hour))
	c, _ := TaskReminder(models.Task{ExternalID: "x", Status: "open", DueDate: day(-1)}, now.Add(24*time.Hour))
	assert.Equal(t, a.ExternalID, b.ExternalID)
	assert.NotEqual(t, a.ExternalID, c.ExternalID)
}

func TestStakeholderReminder(t *testing.T) {
	ago := func(days int) *time.Time {
		v := now.AddDate(0, 0, -days)
		return &v
	}

	item, ok := StakeholderReminder(models.Stakeholder{ID: "s1", Name: "Dana", ReachOutCadenceDays: 14, LastContactedAt: ago(20)}, now)
	require.True(t, ok)
	assert.Equal(t, models.SeverityImportant, item.Severity)
	assert.Equal(t, "Reach out to Dana", item.Title)

	item, ok = StakeholderReminder(models.Stakeholder{ID: "s1", ReachOutCadenceDays: 14, LastContactedAt: ago(13)}, now)
	require.True(t, ok)
	assert.Equal(t, models.SeverityInfo, item.Severity, "imminent")

	_, ok = StakeholderReminder(models.Stakeholder{ID: "s1", ReachOutCadenceDays: 14, LastContactedAt: ago(2)}, now)
	assert.False(t, ok)
	_, ok = StakeholderReminder(models.Stakeholder{ID: "s1", LastContactedAt: ago(200)}, now)
	assert.False(t, ok, "no cadence configured")

	item, ok = StakeholderReminder(models.Stakeholder{ID: "s2", ReachOutCadenceDays: 30}, now)
	require.True(t, ok)
	assert.Equal(t, models.SeverityImportant, item.Severity)
}

func TestActionItemReminders(t *testing.T) {
	due := func(days int) *time.Time {
		v := now.AddDate(0, 0, -days)
		return &v
	}
	m := models.Meeting{
		CalendarEventID: "zoom:1",
		Title:           "QBR",
		ActionItems: []models.ActionItem{
			{Text: "send deck", DueDate: due(1)},
			{Text: "hire PM", DueDate: due(3)},
			{Text: "done already", DueDate: due(10), Done: true},
			{Text: "no date"},
			{Text: "future", DueDate: due(-2)},
		},
	}

	items := ActionItemReminders(m, now)
	require.Len(t, items, 2)
	assert.Equal(t, models.SeverityImportant, items[0].Severity)
	assert.Equal(t, models.SeverityUrgent, items[1].Severity)
	assert.True(t, strings.HasPrefix(items[0].ExternalID, "action:zoom:1:"))
	assert.NotEqual(t, items[0].ExternalID, items[1].ExternalID)

	again := ActionItemReminders(m, now.Add(time.Hour))
	assert.Equal(t, items[0].ExternalID, again[0].ExternalID)
}

func TestMeetingScheduled(t *testing.T) {
	m := models.Meeting{TenantID: "t1", CalendarEventID: "google_calendar:9", Source: "google_calendar", Title: "Focus", Type: models.TypeTask}
	item := MeetingScheduled(m)
	assert.Equal(t, TypeTimeBlockScheduled, item.Type)
	assert.Equal(t, "scheduled:google_calendar:9", item.ExternalID)

	m.Type = models.TypeMeeting
	assert.Equal(t, TypeMeetingScheduled, MeetingScheduled(m).Type)
}
