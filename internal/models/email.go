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

// Package models defines the data structures shared across the sync core.
package models

import (
	"strings"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Email is a normalized mail message returned by a mail-capable provider.
// Emails are transient: only the UpdateItems derived from them are stored.
type Email struct {
	MessageID  string            `json:"message_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	From       EmailAddress      `json:"from"`
	To         []EmailAddress    `json:"to"`
	Subject    string            `json:"subject"`
	Snippet    string            `json:"snippet,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Unread     bool              `json:"unread"`
	Headers    map[string]string `json:"headers,omitempty"`
	URL        string            `json:"url,omitempty"`
}

// Header returns a header value using a case-insensitive name match.
func (e Email) Header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ChatMessage is a normalized chat message from a chat provider.
type ChatMessage struct {
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Timestamp   string    `json:"ts"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name,omitempty"`
	Text        string    `json:"text"`
	PostedAt    time.Time `json:"posted_at"`
	URL         string    `json:"url,omitempty"`
}

// CodeEvent kinds.
const (
	CodeEventPush     = "push"
	CodeEventPROpened = "pr_opened"
	CodeEventPRMerged = "pr_merged"
	CodeEventPRClosed = "pr_closed"
)

// CodeEvent is a normalized code-hosting activity event.
type CodeEvent struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Repo          string    `json:"repo"`
	Actor         string    `json:"actor"`
	Branch        string    `json:"branch,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Title         string    `json:"title,omitempty"`
	Number        int       `json:"number,omitempty"`
	Commits       int       `json:"commits,omitempty"`
	URL           string    `json:"url,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// OnDefaultBranch reports whether the event targets the repository's default branch.
// A missing default branch falls back to main/master.
func (e CodeEvent) OnDefaultBranch() bool {
	if e.Branch == "" {
		return false
	}
	if e.DefaultBranch != "" {
		return e.Branch == e.DefaultBranch
	}
	return e.Branch == "main" || e.Branch == "master"
}

// CalendarEvent is an upcoming calendar event used for update reminders.
type CalendarEvent struct {
	EventID       string    `json:"event_id"`
	Version       string    `json:"version"`
	Title         string    `json:"title"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AttendeeCount int       `json:"attendee_count"`
	ConferenceURL string    `json:"conference_url,omitempty"`
	URL           string    `json:"url,omitempty"`
}
