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

// Package graph retrieves mail, calendar events, and directory users from
// the Microsoft Graph API on behalf of a signed-in user.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/models"
)

// DefaultBaseURL is the Graph v1.0 API root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// maxPages bounds paging through a single collection.
const maxPages = 20

// pageResponse represents one page of a Graph collection.
type pageResponse struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// Fetcher retrieves user-scoped resources from the Graph API.
type Fetcher struct {
	graphBaseURL string
}

// NewFetcher creates a Graph API fetcher.
func NewFetcher(graphBaseURL string) *Fetcher {
	if graphBaseURL == "" {
		graphBaseURL = DefaultBaseURL
	}
	return &Fetcher{graphBaseURL: graphBaseURL}
}

// CalendarView returns events on the user's calendar between from and to.
// Cancelled and malformed events are skipped.
func (f *Fetcher) CalendarView(ctx context.Context, client *http.Client, tenantID string, from, to time.Time) ([]models.Meeting, error) {
	params := url.Values{}
	params.Set("startDateTime", from.UTC().Format(time.RFC3339))
	params.Set("endDateTime", to.UTC().Format(time.RFC3339))
	params.Set("$top", "50")
	params.Set("$select", "id,subject,bodyPreview,start,end,attendees,organizer,isOrganizer,isOnlineMeeting,onlineMeeting,webLink,changeKey,isCancelled,location")

	var meetings []models.Meeting
	err := f.pages(ctx, client, fmt.Sprintf("%s/me/calendarView?%s", f.graphBaseURL, params.Encode()), func(raws []json.RawMessage) {
		apiclient.EachRecord("microsoft", raws, func(ev graphEvent) error {
			m, err := ev.toMeeting(tenantID)
			if err != nil {
				return err
			}
			if m != nil {
				meetings = append(meetings, *m)
			}
			return nil
		})
	})
	return meetings, err
}

// UpcomingEvents returns calendar events between from and to in the form
// used by the update feed.
func (f *Fetcher) UpcomingEvents(ctx context.Context, client *http.Client, from, to time.Time) ([]models.CalendarEvent, error) {
	params := url.Values{}
	params.Set("startDateTime", from.UTC().Format(time.RFC3339))
	params.Set("endDateTime", to.UTC().Format(time.RFC3339))
	params.Set("$top", "50")
	params.Set("$select", "id,subject,start,end,attendees,onlineMeeting,webLink,changeKey,isCancelled")

	var events []models.CalendarEvent
	err := f.pages(ctx, client, fmt.Sprintf("%s/me/calendarView?%s", f.graphBaseURL, params.Encode()), func(raws []json.RawMessage) {
		apiclient.EachRecord("microsoft", raws, func(ev graphEvent) error {
			ce, err := ev.toCalendarEvent()
			if err != nil {
				return err
			}
			if ce != nil {
				events = append(events, *ce)
			}
			return nil
		})
	})
	return events, err
}

// UnreadMail returns unread inbox messages received since the given time.
func (f *Fetcher) UnreadMail(ctx context.Context, client *http.Client, since time.Time) ([]models.Email, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("isRead eq false and receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	params.Set("$select", "id,conversationId,subject,from,toRecipients,bodyPreview,receivedDateTime,isRead,webLink,internetMessageHeaders")
	params.Set("$top", "50")

	var emails []models.Email
	err := f.pages(ctx, client, fmt.Sprintf("%s/me/mailFolders/inbox/messages?%s", f.graphBaseURL, params.Encode()), func(raws []json.RawMessage) {
		apiclient.EachRecord("microsoft", raws, func(msg graphMessage) error {
			e, err := msg.toEmail()
			if err != nil {
				return err
			}
			emails = append(emails, e)
			return nil
		})
	})
	return emails, err
}

// Users returns directory users that have a mailbox.
func (f *Fetcher) Users(ctx context.Context, client *http.Client, tenantID string) ([]models.TeamMember, error) {
	params := url.Values{}
	params.Set("$select", "id,mail,displayName,userPrincipalName")
	params.Set("$top", "100")

	var members []models.TeamMember
	err := f.pages(ctx, client, fmt.Sprintf("%s/users?%s", f.graphBaseURL, params.Encode()), func(raws []json.RawMessage) {
		apiclient.EachRecord("microsoft", raws, func(u graphUser) error {
			// Skip users without a mailbox
			if u.ID == "" || u.Mail == "" {
				return nil
			}
			members = append(members, models.TeamMember{
				TenantID:    tenantID,
				ExternalID:  "microsoft:" + u.ID,
				DisplayName: firstNonEmpty(u.DisplayName, u.UserPrincipalName, u.Mail),
				Email:       u.Mail,
				Sources:     []string{"microsoft"},
			})
			return nil
		})
	})
	return members, err
}

// pages walks a Graph collection following @odata.nextLink.
func (f *Fetcher) pages(ctx context.Context, client *http.Client, firstURL string, fn func([]json.RawMessage)) error {
	header := http.Header{}
	header.Set("Prefer", `outlook.body-content-type="text"`)

	pageCount := 0
	for nextURL := firstURL; nextURL != ""; {
		if pageCount >= maxPages {
			slog.Warn("graph paging limit reached", "pages", pageCount)
			return nil
		}

		var page pageResponse
		if err := apiclient.GetJSON(ctx, client, nextURL, header, &page); err != nil {
			return fmt.Errorf("graph page %d: %w", pageCount, err)
		}
		pageCount++

		fn(page.Value)
		nextURL = page.NextLink
	}
	return nil
}
