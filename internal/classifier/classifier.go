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

// Package classifier decides whether a calendar entry is a meeting or a
// time-blocked task. A deterministic rule tier handles the clear cases; only
// low-confidence verdicts are escalated to the text-generation capability.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/textgen"
)

// EscalationThreshold is the rule-tier confidence above which the AI tier is
// never consulted.
const EscalationThreshold = 0.80

// EventContext carries the signals the classifier looks at.
type EventContext struct {
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	AttendeeCount     int    `json:"attendee_count"`
	HasConferenceLink bool   `json:"has_conference_link"`
	IsSelfOrganized   bool   `json:"is_self_organized"`
	DurationMinutes   int    `json:"duration_minutes"`
}

// Verdict is the classification outcome.
type Verdict struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Fallback is returned whenever escalation was needed but produced no usable
// answer, in place of the rule tier's low-confidence verdict.
var Fallback = Verdict{Type: models.TypeMeeting, Confidence: 0.5, Reason: "fallback"}

var (
	meetingKeywords = []string{"call", "meeting", "sync", "standup", "interview", "review", "demo", "check-in", "1:1", "townhall"}
	taskVerbs       = []string{"work on", "finish", "submit", "write", "review", "prepare", "follow up", "send", "plan"}
	timeBlocks      = []string{"focus", "deep work", "personal", "admin", "study", "reading"}

	conferenceHosts = []string{"zoom.us", "meet.google.com", "teams.microsoft.com", "teams.live.com", "webex.com"}
)

const verdictSchema = `{
	"type": "object",
	"required": ["type", "confidence", "reason"],
	"properties": {
		"type": {"enum": ["meeting", "task"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reason": {"type": "string"}
	}
}`

// Classifier runs the two-tier decision procedure.
type Classifier struct {
	gen    textgen.Generator
	schema *textgen.Schema
}

// New creates a classifier. A nil generator disables the AI tier.
func New(gen textgen.Generator) *Classifier {
	return &Classifier{
		gen:    gen,
		schema: textgen.MustCompileSchema("classifier-verdict.json", verdictSchema),
	}
}

// Classify returns the verdict for ec. It never fails: AI errors and
// malformed AI output produce Fallback.
func (c *Classifier) Classify(ctx context.Context, ec EventContext) Verdict {
	v := Rules(ec)
	if v.Confidence > EscalationThreshold {
		return v
	}

	if c.gen == nil {
		return Fallback
	}

	out, err := c.gen.Generate(ctx, prompt(ec))
	if err != nil {
		slog.Warn("classifier AI call failed, using fallback", "title", ec.Title, "error", err)
		return Fallback
	}

	var ai Verdict
	if err := c.schema.Decode(out, &ai); err != nil {
		slog.Warn("classifier AI returned invalid verdict, using fallback", "title", ec.Title, "error", err)
		return Fallback
	}
	return ai
}

// Rules is the deterministic rule tier.
func Rules(ec EventContext) Verdict {
	title := strings.ToLower(ec.Title)

	switch {
	case ec.AttendeeCount > 1 || ec.HasConferenceLink:
		return Verdict{models.TypeMeeting, 0.95, "multiple attendees or conference link"}
	case !ec.IsSelfOrganized:
		return Verdict{models.TypeMeeting, 0.90, "organized by someone else"}
	case containsAny(title, meetingKeywords):
		return Verdict{models.TypeMeeting, 0.85, "title matches meeting keyword"}
	case looseMeetingSignal(ec):
		return Verdict{models.TypeMeeting, 0.70, "description suggests a meeting"}
	case ec.AttendeeCount <= 1 && !ec.HasConferenceLink && (containsAny(title, taskVerbs) || containsAny(title, timeBlocks)):
		return Verdict{models.TypeTask, 0.90, "solo event with task or time-block title"}
	}
	return Verdict{models.TypeMeeting, 0.40, "ambiguous, defaulting to meeting"}
}

// looseMeetingSignal reports meeting hints outside the title: a meeting
// keyword or a conference host mentioned in the description.
func looseMeetingSignal(ec EventContext) bool {
	desc := strings.ToLower(ec.Description)
	if desc == "" {
		return false
	}
	return containsAny(desc, conferenceHosts) || containsAny(desc, meetingKeywords)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func prompt(ec EventContext) string {
	var b strings.Builder
	b.WriteString("Classify this calendar entry as a \"meeting\" (time spent with other people) ")
	b.WriteString("or a \"task\" (time the owner blocked to work alone).\n")
	fmt.Fprintf(&b, "Title: %s\n", ec.Title)
	if ec.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", truncate(ec.Description, 500))
	}
	fmt.Fprintf(&b, "Attendees: %d\n", ec.AttendeeCount)
	fmt.Fprintf(&b, "Has conference link: %t\n", ec.HasConferenceLink)
	fmt.Fprintf(&b, "Organized by owner: %t\n", ec.IsSelfOrganized)
	fmt.Fprintf(&b, "Duration minutes: %d\n", ec.DurationMinutes)
	b.WriteString(`Answer as {"type": "meeting"|"task", "confidence": <0..1>, "reason": "<short reason>"}.`)
	return b.String()
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

// ContextFromMeeting derives the classifier signals from a synced meeting.
// The organizer counts as an attendee when the provider lists them separately.
func ContextFromMeeting(m models.Meeting) EventContext {
	people := make(map[string]bool, len(m.Attendees)+1)
	anonymous := 0
	for _, a := range m.Attendees {
		if a.Email == "" {
			anonymous++
			continue
		}
		people[strings.ToLower(a.Email)] = true
	}
	if m.OrganizerEmail != "" {
		people[strings.ToLower(m.OrganizerEmail)] = true
	}
	return EventContext{
		Title:             m.Title,
		Description:       m.Description,
		AttendeeCount:     len(people) + anonymous,
		HasConferenceLink: m.ConferenceURL != "",
		IsSelfOrganized:   m.IsSelfOrganized,
		DurationMinutes:   m.DurationMinutes(),
	}
}
