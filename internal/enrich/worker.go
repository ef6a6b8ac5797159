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

// Package enrich runs the background meeting-analysis worker. It pops
// enrichment jobs off the queue, asks the text generator for a summary,
// decisions, and action items, and writes the result back to the meeting.
// Enrichment is decoupled from sync: a failed analysis never affects a sync
// run, and a sync never waits for one.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/queue"
	"github.com/execpilot/core/internal/textgen"
)

// Source yields queued tasks; queue.Consumer implements it.
type Source interface {
	Next(ctx context.Context, timeout time.Duration) (*queue.Task, error)
}

// Store is the meeting persistence the worker needs.
type Store interface {
	GetMeeting(ctx context.Context, tenantID, calendarEventID string) (*models.Meeting, error)
	UpdateMeetingAnalysis(ctx context.Context, tenantID, calendarEventID string, a models.MeetingAnalysis) error
}

// ErrNoGenerator marks meetings that could not be analysed because no text
// generator is configured.
var ErrNoGenerator = errors.New("no text generator configured")

const analysisSchema = `{
  "type": "object",
  "required": ["summary", "decisions", "action_items"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "decisions": {"type": "array", "items": {"type": "string"}},
    "action_items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text"],
        "properties": {
          "text": {"type": "string", "minLength": 1},
          "owner": {"type": "string"},
          "due_date": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// maxTranscript bounds the prompt size.
const maxTranscript = 24000

type analysis struct {
	Summary     string   `json:"summary"`
	Decisions   []string `json:"decisions"`
	ActionItems []struct {
		Text    string `json:"text"`
		Owner   string `json:"owner"`
		DueDate string `json:"due_date"`
	} `json:"action_items"`
}

// Worker processes enrichment jobs.
type Worker struct {
	src         Source
	store       Store
	gen         textgen.Generator
	schema      *textgen.Schema
	pollTimeout time.Duration
}

// NewWorker creates a worker. gen may be nil, in which case every job marks
// its meeting failed.
func NewWorker(src Source, st Store, gen textgen.Generator) *Worker {
	return &Worker{
		src:         src,
		store:       st,
		gen:         gen,
		schema:      textgen.MustCompileSchema("meeting-analysis.json", analysisSchema),
		pollTimeout: 5 * time.Second,
	}
}

// Run pops and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("enrichment worker starting", "ai", w.gen != nil)

	for {
		if ctx.Err() != nil {
			slog.Info("enrichment worker stopping")
			return
		}

		task, err := w.src.Next(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("failed to pop enrichment job", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}

		job, err := task.Enrichment()
		if err != nil {
			slog.Warn("dropping malformed enrichment job", "task_id", task.ID, "error", err)
			continue
		}
		if err := w.Process(ctx, job); err != nil {
			slog.Error("meeting enrichment failed",
				"tenant", job.TenantID,
				"calendar_event_id", job.CalendarEventID,
				"error", err,
			)
		}
	}
}

// Process analyses one meeting. Generation and validation failures are
// recorded on the meeting as status failed; only storage errors are
// returned.
func (w *Worker) Process(ctx context.Context, job queue.EnrichmentJob) error {
	m, err := w.store.GetMeeting(ctx, job.TenantID, job.CalendarEventID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}
	if m == nil {
		slog.Warn("enrichment job for unknown meeting", "tenant", job.TenantID, "calendar_event_id", job.CalendarEventID)
		return nil
	}
	if m.Transcript == nil || strings.TrimSpace(*m.Transcript) == "" || m.Status == models.StatusProcessed {
		return nil
	}

	result, genErr := w.analyse(ctx, m)
	if genErr != nil {
		slog.Warn("meeting analysis unavailable",
			"tenant", job.TenantID,
			"calendar_event_id", job.CalendarEventID,
			"error", genErr,
		)
		result = models.MeetingAnalysis{Status: models.StatusFailed}
	}

	if err := w.store.UpdateMeetingAnalysis(ctx, job.TenantID, job.CalendarEventID, result); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}

	slog.Info("meeting enriched",
		"tenant", job.TenantID,
		"calendar_event_id", job.CalendarEventID,
		"status", result.Status,
		"decisions", len(result.Decisions),
		"action_items", len(result.ActionItems),
	)
	return nil
}

func (w *Worker) analyse(ctx context.Context, m *models.Meeting) (models.MeetingAnalysis, error) {
	if w.gen == nil {
		return models.MeetingAnalysis{}, ErrNoGenerator
	}

	out, err := w.gen.Generate(ctx, prompt(m))
	if err != nil {
		return models.MeetingAnalysis{}, fmt.Errorf("generate: %w", err)
	}

	var a analysis
	if err := w.schema.Decode(out, &a); err != nil {
		return models.MeetingAnalysis{}, err
	}

	res := models.MeetingAnalysis{
		Summary:   &a.Summary,
		Decisions: a.Decisions,
		Status:    models.StatusProcessed,
	}
	for _, ai := range a.ActionItems {
		item := models.ActionItem{Text: ai.Text, Owner: ai.Owner}
		if due, ok := parseDue(ai.DueDate, m.StartTime); ok {
			item.DueDate = &due
		}
		res.ActionItems = append(res.ActionItems, item)
	}
	return res, nil
}

// parseDue accepts RFC 3339 or a bare date. Items without a usable date are
// due one week after the meeting.
func parseDue(s string, meetingStart time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return t, true
		}
	}
	if meetingStart.IsZero() {
		return time.Time{}, false
	}
	return meetingStart.UTC().AddDate(0, 0, 7), true
}

func prompt(m *models.Meeting) string {
	transcript := *m.Transcript
	if len(transcript) > maxTranscript {
		n := maxTranscript
		for n > 0 && !utf8.RuneStart(transcript[n]) {
			n--
		}
		transcript = transcript[:n]
	}

	var b strings.Builder
	b.WriteString("Analyse this meeting transcript. Return a concise summary, the decisions that were made, ")
	b.WriteString("and the concrete action items with an owner and due date when stated.\n")
	fmt.Fprintf(&b, "Meeting: %s\n", m.Title)
	if !m.StartTime.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", m.StartTime.UTC().Format(time.DateOnly))
	}
	if len(m.Attendees) > 0 {
		names := make([]string, 0, len(m.Attendees))
		for _, a := range m.Attendees {
			if a.Name != "" {
				names = append(names, a.Name)
			} else {
				names = append(names, a.Email)
			}
		}
		fmt.Fprintf(&b, "Attendees: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	b.WriteString("\n")
	b.WriteString(`Answer as {"summary": "...", "decisions": ["..."], "action_items": [{"text": "...", "owner": "...", "due_date": "YYYY-MM-DD"|null}]}.`)
	return b.String()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
