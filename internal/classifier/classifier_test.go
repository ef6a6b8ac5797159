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

package classifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execpilot/core/internal/models"
)

// mockGenerator counts calls and returns a canned reply.
type mockGenerator struct {
	calls int
	reply string
	err   error
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.calls++
	return m.reply, m.err
}

func solo(title string) EventContext {
	return EventContext{Title: title, AttendeeCount: 1, IsSelfOrganized: true, DurationMinutes: 30}
}

func TestClassify_Scenarios(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	standup := c.Classify(ctx, EventContext{Title: "Daily Standup", AttendeeCount: 1, IsSelfOrganized: true, DurationMinutes: 15})
	assert.Equal(t, models.TypeMeeting, standup.Type)
	assert.Equal(t, 0.85, standup.Confidence)

	deepWork := c.Classify(ctx, EventContext{Title: "Deep Work: Coding", AttendeeCount: 1, IsSelfOrganized: true, DurationMinutes: 60})
	assert.Equal(t, models.TypeTask, deepWork.Type)
	assert.Equal(t, 0.90, deepWork.Confidence)

	ambiguous := c.Classify(ctx, EventContext{Title: "Project X", AttendeeCount: 1, IsSelfOrganized: true, DurationMinutes: 30})
	assert.Equal(t, Fallback, ambiguous)
}

func TestRules(t *testing.T) {
	tests := []struct {
		name       string
		ec         EventContext
		wantType   string
		wantConfid float64
	}{
		{"many attendees beat task title", EventContext{Title: "Focus time", AttendeeCount: 4, IsSelfOrganized: true}, models.TypeMeeting, 0.95},
		{"conference link", EventContext{Title: "Write doc", AttendeeCount: 1, HasConferenceLink: true, IsSelfOrganized: true}, models.TypeMeeting, 0.95},
		{"organized by someone else", EventContext{Title: "Focus", AttendeeCount: 1}, models.TypeMeeting, 0.90},
		{"review is a meeting keyword first", solo("Review Q3 numbers"), models.TypeMeeting, 0.85},
		{"check-in", solo("Check-in with Sam"), models.TypeMeeting, 0.85},
		{"loose signal in description", EventContext{Title: "Project X", Description: "Join at https://zoom.us/j/123", AttendeeCount: 1, IsSelfOrganized: true}, models.TypeMeeting, 0.70},
		{"task verb", solo("Finish board deck"), models.TypeTask, 0.90},
		{"time block", solo("Personal errands"), models.TypeTask, 0.90},
		{"no attendees at all", EventContext{Title: "Admin", IsSelfOrganized: true}, models.TypeTask, 0.90},
		{"ambiguous", solo("Project X"), models.TypeMeeting, 0.40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Rules(tt.ec)
			assert.Equal(t, tt.wantType, v.Type)
			assert.Equal(t, tt.wantConfid, v.Confidence)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

// TestAttendeeThreshold checks that any event with more than one attendee is
// a confident meeting whatever its title.
func TestAttendeeThreshold(t *testing.T) {
	titles := []string{"", "Deep work", "focus", "Project X", "Finish report", "1:1"}
	for n := 2; n <= 20; n++ {
		for _, title := range titles {
			v := Rules(EventContext{Title: title, AttendeeCount: n, IsSelfOrganized: n%2 == 0})
			require.Equal(t, models.TypeMeeting, v.Type, "attendees=%d title=%q", n, title)
			require.GreaterOrEqual(t, v.Confidence, 0.95)
		}
	}
}

// TestSoloTimeBlocksSkipAI checks that solo focus and deep-work blocks are
// tasks without touching the AI tier.
func TestSoloTimeBlocksSkipAI(t *testing.T) {
	gen := &mockGenerator{reply: `{"type":"meeting","confidence":0.99,"reason":"ai"}`}
	c := New(gen)

	for _, title := range []string{"Deep Work", "deep work: coding", "Focus", "FOCUS block", "Morning focus"} {
		for _, attendees := range []int{0, 1} {
			for _, minutes := range []int{15, 60, 240} {
				v := c.Classify(context.Background(), EventContext{Title: title, AttendeeCount: attendees, IsSelfOrganized: true, DurationMinutes: minutes})
				assert.Equal(t, models.TypeTask, v.Type, title)
				assert.GreaterOrEqual(t, v.Confidence, 0.85, title)
			}
		}
	}
	assert.Equal(t, 0, gen.calls)
}

func TestEscalationGate(t *testing.T) {
	gen := &mockGenerator{reply: `{"type":"task","confidence":0.6,"reason":"ai"}`}
	c := New(gen)
	ctx := context.Background()

	confident := []EventContext{
		{Title: "Project X", AttendeeCount: 3, IsSelfOrganized: true},
		{Title: "Project X", AttendeeCount: 1, HasConferenceLink: true, IsSelfOrganized: true},
		{Title: "Project X", AttendeeCount: 1},
		solo("Weekly sync"),
		solo("Submit expenses"),
	}
	for _, ec := range confident {
		c.Classify(ctx, ec)
	}
	assert.Equal(t, 0, gen.calls, "AI must not be called above the threshold")

	// 0.70 and 0.40 both escalate
	c.Classify(ctx, EventContext{Title: "Project X", Description: "meet.google.com/abc", AttendeeCount: 1, IsSelfOrganized: true})
	c.Classify(ctx, solo("Project X"))
	assert.Equal(t, 2, gen.calls)
}

func TestClassify_AIVerdictUsedVerbatim(t *testing.T) {
	gen := &mockGenerator{reply: `{"type":"task","confidence":0.62,"reason":"solo research block"}`}
	v := New(gen).Classify(context.Background(), solo("Project X"))

	assert.Equal(t, Verdict{Type: models.TypeTask, Confidence: 0.62, Reason: "solo research block"}, v)
	assert.Equal(t, 1, gen.calls)
}

func TestClassify_AIFailuresFallBack(t *testing.T) {
	replies := []struct {
		name  string
		reply string
		err   error
	}{
		{"call error", "", errors.New("timeout")},
		{"not json", "I think it's a meeting", nil},
		{"unknown type", `{"type":"lunch","confidence":0.9,"reason":"food"}`, nil},
		{"confidence out of range", `{"type":"task","confidence":1.7,"reason":"sure"}`, nil},
		{"missing reason", `{"type":"task","confidence":0.7}`, nil},
	}

	for _, r := range replies {
		t.Run(r.name, func(t *testing.T) {
			gen := &mockGenerator{reply: r.reply, err: r.err}
			v := New(gen).Classify(context.Background(), solo("Project X"))
			assert.Equal(t, Fallback, v)
			assert.Equal(t, 1, gen.calls)
		})
	}
}

func TestContextFromMeeting(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := models.Meeting{
		Title:           "Board prep",
		StartTime:       start,
		EndTime:         start.Add(45 * time.Minute),
		OrganizerEmail:  "ceo@acme.com",
		IsSelfOrganized: true,
		Attendees: []models.Attendee{
			{Email: "CEO@acme.com", Self: true},
			{Email: "cfo@acme.com"},
		},
	}

	ec := ContextFromMeeting(m)
	assert.Equal(t, 2, ec.AttendeeCount, "organizer must not be double counted")
	assert.Equal(t, 45, ec.DurationMinutes)
	assert.False(t, ec.HasConferenceLink)

	// Graph lists invitees without the organizer
	m.Attendees = []models.Attendee{{Email: "cfo@acme.com"}}
	assert.Equal(t, 2, ContextFromMeeting(m).AttendeeCount)

	m.Attendees = nil
	assert.Equal(t, 1, ContextFromMeeting(m).AttendeeCount)
	m.OrganizerEmail = ""
	assert.Equal(t, 0, ContextFromMeeting(m).AttendeeCount)
}

func ExampleRules() {
	v := Rules(EventContext{Title: "Daily Standup", AttendeeCount: 1, IsSelfOrganized: true, DurationMinutes: 15})
	fmt.Println(v.Type, v.Confidence)
	// Output: meeting 0.85
}
