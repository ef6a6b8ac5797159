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
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/execpilot/core/internal/models"
)

// Update types produced by the policy.
const (
	TypeEmail               = "email"
	TypeChatMessage         = "chat_message"
	TypeCalendarEvent       = "calendar_event"
	TypeMeetingScheduled    = "meeting_scheduled"
	TypeTimeBlockScheduled  = "time_block_scheduled"
	TypeTaskReminder        = "task_reminder"
	TypeStakeholderReminder = "stakeholder_reminder"
	TypeActionItemOverdue   = "action_item_overdue"
)

var (
	urgentKeywords   = []string{"urgent", "asap", "immediately", "action required", "critical", "emergency", "time sensitive", "escalation", "deadline today"}
	businessKeywords = []string{"contract", "invoice", "proposal", "approval", "approve", "board", "budget", "agreement", "payment", "signature", "offer", "review", "deadline", "meeting"}

	automatedSenders = []string{"noreply", "no-reply", "donotreply", "do-not-reply", "notifications@", "notification@", "mailer-daemon", "alerts@", "automated@", "bounce"}
	newsletterHints  = []string{"newsletter", "digest", "weekly roundup", "unsubscribe", "webinar", "% off", "sale ends"}
	newsletterFrom   = []string{"newsletter", "news@", "digest", "marketing", "promo", "hello@", "info@"}

	broadcastMarkers = []string{"<!channel>", "<!here>", "<!everyone>", "@channel", "@here", "@everyone"}
)

const (
	calendarUrgentWithin    = 4 * time.Hour
	calendarImportantWithin = 24 * time.Hour

	stakeholderImminent = 48 * time.Hour

	actionItemUrgentDays = 3
)

// IsNewsletter reports newsletter-like mail: a List-Unsubscribe header or
// subject and sender heuristics.
func IsNewsletter(e models.Email) bool {
	if e.Header("List-Unsubscribe") != "" || e.Header("List-Id") != "" {
		return true
	}
	if strings.EqualFold(e.Header("Precedence"), "bulk") {
		return true
	}
	subject := strings.ToLower(e.Subject)
	from := strings.ToLower(e.From.Address)
	return containsAny(subject, newsletterHints) || containsAny(from, newsletterFrom)
}

func isAutomated(e models.Email) bool {
	if e.Header("Auto-Submitted") != "" && !strings.EqualFold(e.Header("Auto-Submitted"), "no") {
		return true
	}
	return containsAny(strings.ToLower(e.From.Address), automatedSenders)
}

// FromEmail maps an unread message to a feed candidate. Read mail and
// automated mail without an urgent subject are dropped.
func FromEmail(source string, e models.Email) (models.UpdateItem, bool) {
	if !e.Unread || e.MessageID == "" {
		return models.UpdateItem{}, false
	}

	item := models.UpdateItem{
		Source:     source,
		Type:       TypeEmail,
		Severity:   models.SeverityInfo,
		Title:      e.Subject,
		Body:       e.Snippet,
		OccurredAt: e.ReceivedAt,
		ExternalID: e.MessageID,
		URL:        e.URL,
		Metadata: map[string]any{
			"from":      e.From.Address,
			"from_name": e.From.Name,
		},
	}
	if e.ThreadID != "" {
		item.Metadata["thread_id"] = e.ThreadID
	}

	subject := strings.ToLower(e.Subject)
	switch {
	case containsAny(subject, urgentKeywords):
		item.Severity = models.SeverityUrgent
	case IsNewsletter(e):
		item.Type = models.UpdateTypeNewsletter
	case isAutomated(e):
		return models.UpdateItem{}, false
	case containsAny(subject, businessKeywords):
		item.Severity = models.SeverityImportant
	}
	return item, true
}

// FromChat maps a channel message. Broadcast mentions and urgent keywords
// are urgent; everything else is informational.
func FromChat(source string, m models.ChatMessage) (models.UpdateItem, bool) {
	if m.ChannelID == "" || m.Timestamp == "" {
		return models.UpdateItem{}, false
	}

	text := strings.ToLower(m.Text)
	severity := models.SeverityInfo
	if containsAny(text, broadcastMarkers) || containsAny(text, urgentKeywords) {
		severity = models.SeverityUrgent
	}

	who := firstNonEmpty(m.UserName, m.UserID)
	return models.UpdateItem{
		Source:     source,
		Type:       TypeChatMessage,
		Severity:   severity,
		Title:      fmt.Sprintf("#%s: %s", firstNonEmpty(m.ChannelName, m.ChannelID), who),
		Body:       truncate(m.Text, 500),
		OccurredAt: m.PostedAt,
		ExternalID: m.ChannelID + ":" + m.Timestamp,
		URL:        m.URL,
		Metadata: map[string]any{
			"channel": m.ChannelName,
			"user":    who,
		},
	}, true
}

// FromCodeEvent maps push and pull-request activity. Pushes and merges to a
// default branch are urgent, newly opened pull requests important.
func FromCodeEvent(source string, e models.CodeEvent) (models.UpdateItem, bool) {
	if e.ID == "" {
		return models.UpdateItem{}, false
	}

	item := models.UpdateItem{
		Source:     source,
		Type:       source + "_" + e.Kind,
		Severity:   models.SeverityInfo,
		OccurredAt: e.OccurredAt,
		ExternalID: e.ID,
		URL:        e.URL,
		Metadata: map[string]any{
			"repo":   e.Repo,
			"actor":  e.Actor,
			"branch": e.Branch,
		},
	}

	switch e.Kind {
	case models.CodeEventPush:
		item.Title = fmt.Sprintf("%s pushed %d commit(s) to %s/%s", e.Actor, max(e.Commits, 1), e.Repo, e.Branch)
		if e.OnDefaultBranch() {
			item.Severity = models.SeverityUrgent
		}
	case models.CodeEventPROpened:
		item.Title = fmt.Sprintf("%s opened #%d in %s: %s", e.Actor, e.Number, e.Repo, e.Title)
		item.Severity = models.SeverityImportant
	case models.CodeEventPRMerged:
		item.Title = fmt.Sprintf("%s merged #%d into %s/%s: %s", e.Actor, e.Number, e.Repo, e.Branch, e.Title)
		if e.OnDefaultBranch() {
			item.Severity = models.SeverityUrgent
		} else {
			item.Severity = models.SeverityImportant
		}
	case models.CodeEventPRClosed:
		item.Title = fmt.Sprintf("%s closed #%d in %s: %s", e.Actor, e.Number, e.Repo, e.Title)
	default:
		return models.UpdateItem{}, false
	}
	return item, true
}

// FromCalendarEvent maps an event starting within the lookahead window. The
// key includes the event version so a rescheduled event is a new item.
func FromCalendarEvent(source string, e models.CalendarEvent, now time.Time, lookahead time.Duration) (models.UpdateItem, bool) {
	until := e.Start.Sub(now)
	if e.EventID == "" || until < 0 || until > lookahead {
		return models.UpdateItem{}, false
	}

	severity := models.SeverityInfo
	switch {
	case until < calendarUrgentWithin:
		severity = models.SeverityUrgent
	case until < calendarImportantWithin:
		severity = models.SeverityImportant
	}

	return models.UpdateItem{
		Source:     source,
		Type:       TypeCalendarEvent,
		Severity:   severity,
		Title:      e.Title,
		Body:       fmt.Sprintf("Starts %s", e.Start.Format(time.RFC1123)),
		OccurredAt: e.Start,
		ExternalID: e.EventID + "@" + e.Version,
		URL:        firstNonEmpty(e.ConferenceURL, e.URL),
		Metadata: map[string]any{
			"attendees": e.AttendeeCount,
			"end":       e.End,
		},
	}, true
}

// MeetingScheduled is the one-off item emitted when a meeting is first stored.
func MeetingScheduled(m models.Meeting) models.UpdateItem {
	typ, verb := TypeMeetingScheduled, "New meeting"
	if m.Type == models.TypeTask {
		typ, verb = TypeTimeBlockScheduled, "New time block"
	}
	return models.UpdateItem{
		TenantID:   m.TenantID,
		Source:     m.Source,
		Type:       typ,
		Severity:   models.SeverityInfo,
		Title:      fmt.Sprintf("%s: %s", verb, m.Title),
		Body:       fmt.Sprintf("%s, %d min", m.StartTime.Format(time.RFC1123), m.DurationMinutes()),
		OccurredAt: m.StartTime,
		ExternalID: "scheduled:" + m.CalendarEventID,
		URL:        firstNonEmpty(m.ConferenceURL, m.URL),
		Metadata: map[string]any{
			"classification": m.Type,
			"confidence":     m.Confidence,
		},
	}
}

// ─── Internal reminders ───

// dayBucket keys recurring reminders so one item exists per entity per day.
func dayBucket(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// daysBetween counts whole calendar days from a to b in UTC.
func daysBetween(a, b time.Time) int {
	ad := time.Date(a.UTC().Year(), a.UTC().Month(), a.UTC().Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.UTC().Year(), b.UTC().Month(), b.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}

// TaskReminder flags open tasks that are overdue (urgent) or due today (important).
func TaskReminder(t models.Task, now time.Time) (models.UpdateItem, bool) {
	if t.DueDate == nil || t.Done() {
		return models.UpdateItem{}, false
	}

	overdue := daysBetween(*t.DueDate, now)
	var severity, body string
	switch {
	case overdue > 0:
		severity, body = models.SeverityUrgent, fmt.Sprintf("Overdue by %d day(s)", overdue)
	case overdue == 0:
		severity, body = models.SeverityImportant, "Due today"
	default:
		return models.UpdateItem{}, false
	}
	if t.Blocked {
		body += ", blocked"
	}

	return models.UpdateItem{
		TenantID:   t.TenantID,
		Source:     models.SourceInternal,
		Type:       TypeTaskReminder,
		Severity:   severity,
		Title:      t.Title,
		Body:       body,
		OccurredAt: now,
		ExternalID: "task:" + t.ExternalID + ":" + dayBucket(now),
		URL:        t.URL,
		Metadata: map[string]any{
			"task_source": t.Source,
			"priority":    t.Priority,
		},
	}, true
}

// StakeholderReminder flags stakeholders whose reach-out cadence has elapsed
// (important) or elapses within two days (info).
func StakeholderReminder(s models.Stakeholder, now time.Time) (models.UpdateItem, bool) {
	next, ok := s.NextReachOut()
	if !ok {
		return models.UpdateItem{}, false
	}

	var severity, body string
	switch {
	case s.LastContactedAt == nil:
		severity, body = models.SeverityImportant, "No contact recorded yet"
	case !next.After(now):
		severity, body = models.SeverityImportant, fmt.Sprintf("Last contact %d day(s) ago", daysBetween(*s.LastContactedAt, now))
	case next.Sub(now) <= stakeholderImminent:
		severity, body = models.SeverityInfo, "Reach-out due "+next.Format("Mon Jan 2")
	default:
		return models.UpdateItem{}, false
	}

	return models.UpdateItem{
		TenantID:   s.TenantID,
		Source:     models.SourceInternal,
		Type:       TypeStakeholderReminder,
		Severity:   severity,
		Title:      "Reach out to " + s.Name,
		Body:       body,
		OccurredAt: now,
		ExternalID: "stakeholder:" + s.ID + ":" + dayBucket(now),
		Metadata: map[string]any{
			"email":        s.Email,
			"cadence_days": s.ReachOutCadenceDays,
		},
	}, true
}

// ActionItemReminders flags overdue action items of a meeting, urgent once
// three or more days late.
func ActionItemReminders(m models.Meeting, now time.Time) []models.UpdateItem {
	var out []models.UpdateItem
	for _, ai := range m.ActionItems {
		if ai.Done || ai.DueDate == nil || !ai.DueDate.Before(now) {
			continue
		}
		overdue := daysBetween(*ai.DueDate, now)
		severity := models.SeverityImportant
		if overdue >= actionItemUrgentDays {
			severity = models.SeverityUrgent
		}

		out = append(out, models.UpdateItem{
			TenantID:   m.TenantID,
			Source:     models.SourceInternal,
			Type:       TypeActionItemOverdue,
			Severity:   severity,
			Title:      ai.Text,
			Body:       fmt.Sprintf("From %q, overdue by %d day(s)", m.Title, overdue),
			OccurredAt: now,
			ExternalID: "action:" + m.CalendarEventID + ":" + strconv.FormatUint(xxhash.Sum64String(ai.Text), 16) + ":" + dayBucket(now),
			URL:        m.URL,
			Metadata: map[string]any{
				"owner":   ai.Owner,
				"meeting": m.CalendarEventID,
			},
		})
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so the result stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
