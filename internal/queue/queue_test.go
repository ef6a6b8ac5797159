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

package queue

import (
	"encoding/json"
	"testing"
)

// TestEnvelope checks that the message is Celery-shaped and that the
// consumer side recovers the job.
func TestEnvelope(t *testing.T) {
	id, raw, err := encode("meeting_enrichment", TaskEnrichMeeting, EnrichmentJob{TenantID: "t1", CalendarEventID: "zoom:abc"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	headers := msg["headers"].(map[string]any)
	if headers["task"] != TaskEnrichMeeting || headers["id"] != id {
		t.Errorf("unexpected headers %v", headers)
	}
	props := msg["properties"].(map[string]any)
	if props["routing_key"] != "meeting_enrichment" {
		t.Errorf("unexpected routing key %v", props["routing_key"])
	}

	task, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if task.ID != id {
		t.Errorf("expected id %s, got %s", id, task.ID)
	}
	job, err := task.Enrichment()
	if err != nil {
		t.Fatalf("Enrichment: %v", err)
	}
	if job.TenantID != "t1" || job.CalendarEventID != "zoom:abc" {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestDecode_Rejects(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error for non-JSON envelope")
	}

	_, raw, _ := encode("update_digests", TaskSendDigest, DigestJob{TenantID: "t1"})
	task, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := task.Enrichment(); err == nil {
		t.Error("expected digest task to be rejected as enrichment job")
	}

	_, raw, _ = encode("meeting_enrichment", TaskEnrichMeeting, EnrichmentJob{TenantID: "t1"})
	task, _ = Decode(raw)
	if _, err := task.Enrichment(); err == nil {
		t.Error("expected job without calendar event id to be rejected")
	}
}
