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

package models

import "time"

// Integration status values.
const (
	IntegrationConnected         = "connected"
	IntegrationReconnectRequired = "reconnect_required"
)

// Integration is one tenant's connection to one external provider.
// At most one row exists per (TenantID, Provider).
type Integration struct {
	TenantID   string         `json:"tenant_id"`
	Provider   string         `json:"provider"`
	Credential []byte         `json:"-"` // sealed token blob, see credentials.Vault
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Event classification types.
const (
	TypeMeeting = "meeting"
	TypeTask    = "task"
)

// Meeting processing status values.
const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Attendee is a structured meeting participant.
type Attendee struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Response string `json:"response,omitempty"`
	Self     bool   `json:"self,omitempty"`
}

// ActionItem is a follow-up extracted from a meeting.
type ActionItem struct {
	Text    string     `json:"text"`
	Owner   string     `json:"owner,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`
	Done    bool       `json:"done,omitempty"`
}

// Meeting is a calendar or video event. Unique on (TenantID, CalendarEventID).
type Meeting struct {
	ID              int64        `json:"id"`
	TenantID        string       `json:"tenant_id"`
	CalendarEventID string       `json:"calendar_event_id"`
	Source          string       `json:"source"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         time.Time    `json:"end_time"`
	Attendees       []Attendee   `json:"attendees"`
	OrganizerEmail  string       `json:"organizer_email,omitempty"`
	IsSelfOrganized bool         `json:"is_self_organized"`
	ConferenceURL   string       `json:"conference_url,omitempty"`
	URL             string       `json:"url,omitempty"`
	Transcript      *string      `json:"transcript,omitempty"`
	Summary         *string      `json:"summary,omitempty"`
	Decisions       []string     `json:"decisions,omitempty"`
	ActionItems     []ActionItem `json:"action_items,omitempty"`
	Type            string       `json:"type"`
	Confidence      float64      `json:"confidence"`
	Reasoning       string       `json:"reasoning"`
	Status          string       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// DurationMinutes returns the scheduled length of the meeting in whole minutes.
func (m Meeting) DurationMinutes() int {
	if m.StartTime.IsZero() || m.EndTime.Before(m.StartTime) {
		return 0
	}
	return int(m.EndTime.Sub(m.StartTime).Minutes())
}

// MeetingAnalysis holds the AI-derived fields written by the enrichment worker.
type MeetingAnalysis struct {
	Summary     *string
	Decisions   []string
	ActionItems []ActionItem
	Status      string
}

// Task is a work item from a project tracker. Unique on (TenantID, ExternalID).
type Task struct {
	ID         int64      `json:"id"`
	TenantID   string     `json:"tenant_id"`
	ExternalID string     `json:"external_id"`
	Source     string     `json:"source"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Assignee   string     `json:"assignee,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	Blocked    bool       `json:"blocked"`
	URL        string     `json:"url,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Done reports whether the task is in a terminal state.
func (t Task) Done() bool {
	switch t.Status {
	case "done", "completed", "closed", "resolved", "signed", "cancelled":
		return true
	}
	return false
}

// TeamMember is a person discovered through a provider's directory.
// Unique on (TenantID, ExternalID); Sources accumulate across syncs.
type TeamMember struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Sources     []string  `json:"sources"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stakeholder is a person the tenant wants to stay in touch with on a cadence.
type Stakeholder struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Name                string     `json:"name"`
	Email               string     `json:"email,omitempty"`
	ReachOutCadenceDays int        `json:"reach_out_cadence_days"`
	LastContactedAt     *time.Time `json:"last_contacted_at,omitempty"`
}

// NextReachOut returns when the stakeholder is next due for contact.
// The second return value is false when no cadence is configured.
func (s Stakeholder) NextReachOut() (time.Time, bool) {
	if s.ReachOutCadenceDays <= 0 {
		return time.Time{}, false
	}
	if s.LastContactedAt == nil {
		return time.Time{}, true
	}
	return s.LastContactedAt.AddDate(0, 0, s.ReachOutCadenceDays), true
}

// SyncRun status values.
const (
	RunRunning        = "running"
	RunSuccess        = "success"
	RunFailed         = "failed"
	RunPartialSuccess = "partial_success"
)

// SyncRun is an append-only audit record of one sync invocation.
type SyncRun struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Provider   string     `json:"provider"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SyncResult is the normalized output of one adapter invocation.
type SyncResult struct {
	Meetings    []Meeting
	Tasks       []Task
	TeamMembers []TeamMember
	Emails      []Email
	Custom      map[string]any
}

// Empty reports whether the result carries no records at all.
func (r *SyncResult) Empty() bool {
	if r == nil {
		return true
	}
	return len(r.Meetings) == 0 && len(r.Tasks) == 0 && len(r.TeamMembers) == 0 &&
		len(r.Emails) == 0 && len(r.Custom) == 0
}
