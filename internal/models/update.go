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

// Severity levels for feed items, highest first.
const (
	SeverityUrgent    = "urgent"
	SeverityImportant = "important"
	SeverityInfo      = "info"
)

// SeverityRank orders severities for sorting; higher is more severe.
func SeverityRank(s string) int {
	switch s {
	case SeverityUrgent:
		return 3
	case SeverityImportant:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// SourceInternal marks updates derived from the core's own data.
const SourceInternal = "internal"

// Update types that need special handling.
const (
	UpdateTypeNewsletter = "newsletter"
)

// UpdateItem is a notification-feed entry. Unique on (TenantID, Source, ExternalID).
// IsRead and IsDismissed belong to the user and are never reset by a refresh.
type UpdateItem struct {
	ID          int64          `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	ExternalID  string         `json:"external_id"`
	URL         string         `json:"url,omitempty"`
	IsRead      bool           `json:"is_read"`
	IsDismissed bool           `json:"is_dismissed"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Key returns the source-scoped identity of the item within its tenant.
func (u UpdateItem) Key() string {
	return u.Source + "|" + u.ExternalID
}
