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

package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/execpilot/core/internal/apiclient"
)

// TestUsers_Pagination verifies that nextLink pages are followed and users
// without a mailbox are skipped.
func TestUsers_Pagination(t *testing.T) {
	var server *httptest.Server
	page := 0
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case 0:
			fmt.Fprintf(w, `{"value":[{"id":"u1","mail":"alice@example.com","displayName":"Alice"},{"id":"u2","mail":""}],"@odata.nextLink":"%s/users?page=2"}`, server.URL)
		default:
			fmt.Fprint(w, `{"value":[{"id":"u3","mail":"bob@example.com","userPrincipalName":"bob@corp"}]}`)
		}
		page++
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	users, err := f.Users(context.Background(), server.Client(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].ExternalID != "microsoft:u1" || users[0].DisplayName != "Alice" {
		t.Errorf("unexpected first user: %+v", users[0])
	}
	if users[1].DisplayName != "bob@corp" {
		t.Errorf("expected UPN fallback for display name, got %q", users[1].DisplayName)
	}
	if page != 2 {
		t.Errorf("expected 2 pages fetched, got %d", page)
	}
}

// TestCalendarView_SkipsMalformedAndCancelled verifies that one bad record
// does not abort the batch.
func TestCalendarView_SkipsMalformedAndCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[
			{"id":"e1","subject":"Standup","start":{"dateTime":"2026-03-02T09:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-03-02T09:15:00.0000000","timeZone":"UTC"},"attendees":[{"emailAddress":{"address":"a@x.com"}},{"emailAddress":{"address":"b@x.com"}}],"onlineMeeting":{"joinUrl":"https://teams.microsoft.com/l/abc"}},
			{"id":"e2","subject":"Off","isCancelled":true,"start":{"dateTime":"2026-03-02T10:00:00"},"end":{"dateTime":"2026-03-02T11:00:00"}},
			{"id":"e3","subject":"Broken","start":{"dateTime":"not a date"}},
			"garbage"
		]}`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	meetings, err := f.CalendarView(context.Background(), server.Client(), "t1", from, from.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(meetings) != 1 {
		t.Fatalf("expected 1 meeting, got %d", len(meetings))
	}
	m := meetings[0]
	if m.CalendarEventID != "microsoft:e1" {
		t.Errorf("unexpected event id %q", m.CalendarEventID)
	}
	if m.DurationMinutes() != 15 {
		t.Errorf("expected 15 minute meeting, got %d", m.DurationMinutes())
	}
	if len(m.Attendees) != 2 {
		t.Errorf("expected 2 attendees, got %d", len(m.Attendees))
	}
	if m.ConferenceURL == "" {
		t.Error("expected conference URL to be set")
	}
}

// TestUnreadMail_Headers verifies header extraction used for newsletter detection.
func TestUnreadMail_Headers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"m1","subject":"Weekly digest","from":{"emailAddress":{"address":"news@vendor.com"}},"receivedDateTime":"2026-03-02T08:00:00Z","isRead":false,"internetMessageHeaders":[{"name":"List-Unsubscribe","value":"<mailto:u@vendor.com>"}]}]}`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	emails, err := f.UnreadMail(context.Background(), server.Client(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("expected 1 email, got %d", len(emails))
	}
	if emails[0].Header("list-unsubscribe") == "" {
		t.Error("expected List-Unsubscribe header to be readable case-insensitively")
	}
	if !emails[0].Unread {
		t.Error("expected message to be unread")
	}
}

// TestUsers_Unauthorized verifies that a 401 surfaces as an auth error.
func TestUsers_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"InvalidAuthenticationToken"}}`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	_, err := f.Users(context.Background(), server.Client(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !apiclient.IsAuth(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}
