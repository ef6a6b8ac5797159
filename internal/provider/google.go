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

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	// googleMaxPages bounds nextPageToken paging per request.
	googleMaxPages = 10
)

// Google only issues a refresh token on offline consent.
var googleAuthParams = []oauth2.AuthCodeOption{
	oauth2.AccessTypeOffline,
	oauth2.SetAuthURLParam("prompt", "consent"),
}

// googlePages walks a Google list endpoint, handing the raw entries found
// under field to fn for each page.
func googlePages(ctx context.Context, client *http.Client, endpoint string, params url.Values, field string, fn func([]json.RawMessage)) error {
	for page := 0; page < googleMaxPages; page++ {
		var body map[string]json.RawMessage
		if err := apiclient.GetJSON(ctx, client, endpoint+"?"+params.Encode(), nil, &body); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		var items []json.RawMessage
		if raw, ok := body[field]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				slog.Warn("unexpected list shape", "field", field, "error", err)
			}
		}
		fn(items)

		var next string
		if raw, ok := body["nextPageToken"]; ok {
			_ = json.Unmarshal(raw, &next)
		}
		if next == "" {
			return nil
		}
		params.Set("pageToken", next)
	}
	slog.Warn("google paging limit reached", "endpoint", endpoint)
	return nil
}

// --- Google Calendar ---

// GoogleCalendar syncs the user's primary calendar.
type GoogleCalendar struct {
	refreshingClient
	pastWindow   time.Duration
	futureWindow time.Duration
}

// NewGoogleCalendar creates the google_calendar adapter.
func NewGoogleCalendar(pc config.ProviderConfig) *GoogleCalendar {
	c := newOAuthClient("google_calendar", pc, endpointDefaults{
		authURL:    googleAuthURL,
		tokenURL:   googleTokenURL,
		baseURL:    "https://www.googleapis.com/calendar/v3",
		scopes:     []string{"https://www.googleapis.com/auth/calendar.readonly"},
		authParams: googleAuthParams,
	})
	return &GoogleCalendar{
		refreshingClient: refreshingClient{c},
		pastWindow:       c.durationOption("past_window", 7*24*time.Hour),
		futureWindow:     c.durationOption("future_window", 14*24*time.Hour),
	}
}

type gcalTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

func (t gcalTime) parse() (time.Time, bool) {
	if t.DateTime != "" {
		return parseTime(t.DateTime)
	}
	return parseTime(t.Date)
}

type gcalEvent struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Start       gcalTime `json:"start"`
	End         gcalTime `json:"end"`
	Attendees   []struct {
		Email          string `json:"email"`
		DisplayName    string `json:"displayName"`
		ResponseStatus string `json:"responseStatus"`
		Self           bool   `json:"self"`
		Resource       bool   `json:"resource"`
	} `json:"attendees"`
	Organizer *struct {
		Email string `json:"email"`
		Self  bool   `json:"self"`
	} `json:"organizer"`
	HangoutLink    string `json:"hangoutLink"`
	ConferenceData *struct {
		EntryPoints []struct {
			EntryPointType string `json:"entryPointType"`
			URI            string `json:"uri"`
		} `json:"entryPoints"`
	} `json:"conferenceData"`
	HTMLLink string `json:"htmlLink"`
	ETag     string `json:"etag"`
	Updated  string `json:"updated"`
}

func (ev gcalEvent) conferenceURL() string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.URI != "" {
				return ep.URI
			}
		}
	}
	return ""
}

// toMeeting maps an event onto a Meeting. Cancelled events yield nil.
func (ev gcalEvent) toMeeting(tenantID string) (*models.Meeting, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("event without id")
	}
	if ev.Status == "cancelled" {
		return nil, nil
	}
	start, ok := ev.Start.parse()
	if !ok {
		return nil, fmt.Errorf("event %s: unparseable start", ev.ID)
	}
	end, ok := ev.End.parse()
	if !ok {
		end = start
	}

	attendees := make([]models.Attendee, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		// Meeting rooms are listed as attendees
		if a.Resource {
			continue
		}
		attendees = append(attendees, models.Attendee{
			Email:    a.Email,
			Name:     a.DisplayName,
			Response: a.ResponseStatus,
			Self:     a.Self,
		})
	}

	selfOrganized, organizer := true, ""
	if ev.Organizer != nil {
		selfOrganized = ev.Organizer.Self
		organizer = ev.Organizer.Email
	}

	return &models.Meeting{
		TenantID:        tenantID,
		CalendarEventID: "google_calendar:" + ev.ID,
		Source:          "google_calendar",
		Title:           ev.Summary,
		Description:     ev.Description,
		StartTime:       start,
		EndTime:         end,
		Attendees:       attendees,
		OrganizerEmail:  organizer,
		IsSelfOrganized: selfOrganized,
		ConferenceURL:   ev.conferenceURL(),
		URL:             ev.HTMLLink,
	}, nil
}

func (g *GoogleCalendar) events(ctx context.Context, tok *oauth2.Token, from, to time.Time, fn func(gcalEvent) error) error {
	params := url.Values{}
	params.Set("timeMin", from.UTC().Format(time.RFC3339))
	params.Set("timeMax", to.UTC().Format(time.RFC3339))
	params.Set("singleEvents", "true")
	params.Set("orderBy", "startTime")
	params.Set("maxResults", "250")

	return googlePages(ctx, g.httpClient(ctx, tok), g.baseURL+"/calendars/primary/events", params, "items", func(raws []json.RawMessage) {
		apiclient.EachRecord(g.name, raws, fn)
	})
}

// SyncData returns the events in the configured window around now.
func (g *GoogleCalendar) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	now := time.Now()
	result := &models.SyncResult{}
	err := g.events(ctx, tok, now.Add(-g.pastWindow), now.Add(g.futureWindow), func(ev gcalEvent) error {
		m, err := ev.toMeeting(tenantID)
		if err != nil {
			return err
		}
		if m != nil {
			result.Meetings = append(result.Meetings, *m)
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("list events: %w", err)
	}
	return result, nil
}

// UpcomingEvents returns events between from and to for the update feed.
func (g *GoogleCalendar) UpcomingEvents(ctx context.Context, tok *oauth2.Token, from, to time.Time) ([]models.CalendarEvent, error) {
	var events []models.CalendarEvent
	err := g.events(ctx, tok, from, to, func(ev gcalEvent) error {
		m, err := ev.toMeeting("")
		if err != nil || m == nil {
			return err
		}
		events = append(events, models.CalendarEvent{
			EventID:       m.CalendarEventID,
			Version:       firstNonEmpty(ev.ETag, ev.Updated),
			Title:         m.Title,
			Start:         m.StartTime,
			End:           m.EndTime,
			AttendeeCount: len(m.Attendees),
			ConferenceURL: m.ConferenceURL,
			URL:           m.URL,
		})
		return nil
	})
	return events, err
}

// --- Gmail ---

// gmailHeaders are the metadata headers requested per message.
var gmailHeaders = []string{"From", "To", "Subject", "Date", "List-Unsubscribe", "List-Id", "Precedence", "Auto-Submitted"}

// Gmail syncs unread inbox mail.
type Gmail struct {
	refreshingClient
	lookback    time.Duration
	maxMessages int
}

// NewGmail creates the gmail adapter.
func NewGmail(pc config.ProviderConfig) *Gmail {
	c := newOAuthClient("gmail", pc, endpointDefaults{
		authURL:    googleAuthURL,
		tokenURL:   googleTokenURL,
		baseURL:    "https://gmail.googleapis.com/gmail/v1",
		scopes:     []string{"https://www.googleapis.com/auth/gmail.readonly"},
		authParams: googleAuthParams,
	})
	return &Gmail{
		refreshingClient: refreshingClient{c},
		lookback:         c.durationOption("lookback", 72*time.Hour),
		maxMessages:      50,
	}
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	LabelIDs     []string `json:"labelIds"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (msg gmailMessage) toEmail() (models.Email, error) {
	if msg.ID == "" {
		return models.Email{}, fmt.Errorf("message without id")
	}
	headers := make(map[string]string, len(msg.Payload.Headers))
	for _, h := range msg.Payload.Headers {
		headers[h.Name] = h.Value
	}
	e := models.Email{
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Snippet:   msg.Snippet,
		Headers:   headers,
		URL:       "https://mail.google.com/mail/u/0/#inbox/" + msg.ID,
	}
	e.Subject = e.Header("Subject")
	e.From = parseAddress(e.Header("From"))
	for _, addr := range strings.Split(e.Header("To"), ",") {
		if a := parseAddress(addr); a.Address != "" {
			e.To = append(e.To, a)
		}
	}
	for _, l := range msg.LabelIDs {
		if l == "UNREAD" {
			e.Unread = true
		}
	}
	if ms, err := parseInt64(msg.InternalDate); err == nil {
		e.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	return e, nil
}

func (g *Gmail) unread(ctx context.Context, client *http.Client, query string) ([]models.Email, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", fmt.Sprint(g.maxMessages))

	var ids []string
	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := apiclient.GetJSON(ctx, client, g.baseURL+"/users/me/messages?"+params.Encode(), nil, &list); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range list.Messages {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}

	meta := url.Values{}
	meta.Set("format", "metadata")
	for _, h := range gmailHeaders {
		meta.Add("metadataHeaders", h)
	}

	var emails []models.Email
	var errs fetchErrors
	for _, id := range ids {
		var raw json.RawMessage
		err := apiclient.GetJSON(ctx, client, fmt.Sprintf("%s/users/me/messages/%s?%s", g.baseURL, url.PathEscape(id), meta.Encode()), nil, &raw)
		if errs.add("get message "+id, err) {
			return emails, errs.err()
		}
		if err != nil {
			continue
		}
		apiclient.EachRecord(g.name, []json.RawMessage{raw}, func(msg gmailMessage) error {
			e, err := msg.toEmail()
			if err != nil {
				return err
			}
			emails = append(emails, e)
			return nil
		})
	}
	return emails, errs.err()
}

// SyncData returns unread inbox mail within the lookback window.
func (g *Gmail) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	query := fmt.Sprintf("is:unread in:inbox newer_than:%dd", max(1, int(g.lookback.Hours()/24)))
	emails, err := g.unread(ctx, g.httpClient(ctx, tok), query)
	return &models.SyncResult{Emails: emails}, err
}

// RecentMail returns unread inbox mail received after since.
func (g *Gmail) RecentMail(ctx context.Context, tok *oauth2.Token, since time.Time) ([]models.Email, error) {
	return g.unread(ctx, g.httpClient(ctx, tok), fmt.Sprintf("is:unread in:inbox after:%d", since.Unix()))
}

// --- Google Drive ---

// Document is a recently modified Drive file, reported in the custom data bag.
type Document struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	MimeType       string    `json:"mime_type"`
	ModifiedAt     time.Time `json:"modified_at"`
	URL            string    `json:"url,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
}

// GoogleDrive reports recently modified documents.
type GoogleDrive struct {
	refreshingClient
	window time.Duration
}

// NewGoogleDrive creates the google_drive adapter.
func NewGoogleDrive(pc config.ProviderConfig) *GoogleDrive {
	c := newOAuthClient("google_drive", pc, endpointDefaults{
		authURL:    googleAuthURL,
		tokenURL:   googleTokenURL,
		baseURL:    "https://www.googleapis.com/drive/v3",
		scopes:     []string{"https://www.googleapis.com/auth/drive.metadata.readonly"},
		authParams: googleAuthParams,
	})
	return &GoogleDrive{
		refreshingClient: refreshingClient{c},
		window:           c.durationOption("window", 7*24*time.Hour),
	}
}

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
	WebViewLink  string `json:"webViewLink"`
	Trashed      bool   `json:"trashed"`
	Owners       []struct {
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
	} `json:"owners"`
	LastModifyingUser *struct {
		DisplayName string `json:"displayName"`
	} `json:"lastModifyingUser"`
}

// SyncData returns the documents modified within the window under the
// "documents" custom key.
func (d *GoogleDrive) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	since := time.Now().Add(-d.window).UTC().Format(time.RFC3339)
	params := url.Values{}
	params.Set("q", fmt.Sprintf("modifiedTime > '%s' and trashed = false", since))
	params.Set("orderBy", "modifiedTime desc")
	params.Set("pageSize", "50")
	params.Set("fields", "nextPageToken,files(id,name,mimeType,modifiedTime,webViewLink,trashed,owners(displayName,emailAddress),lastModifyingUser(displayName))")

	var docs []Document
	err := googlePages(ctx, d.httpClient(ctx, tok), d.baseURL+"/files", params, "files", func(raws []json.RawMessage) {
		apiclient.EachRecord(d.name, raws, func(f driveFile) error {
			if f.ID == "" {
				return fmt.Errorf("file without id")
			}
			if f.Trashed {
				return nil
			}
			modified, _ := parseTime(f.ModifiedTime)
			doc := Document{
				ID:         f.ID,
				Name:       f.Name,
				MimeType:   f.MimeType,
				ModifiedAt: modified,
				URL:        f.WebViewLink,
			}
			if len(f.Owners) > 0 {
				doc.Owner = firstNonEmpty(f.Owners[0].EmailAddress, f.Owners[0].DisplayName)
			}
			if f.LastModifyingUser != nil {
				doc.LastModifiedBy = f.LastModifyingUser.DisplayName
			}
			docs = append(docs, doc)
			return nil
		})
	})

	result := &models.SyncResult{}
	if len(docs) > 0 {
		result.Custom = map[string]any{"documents": docs}
	}
	if err != nil {
		return result, fmt.Errorf("list files: %w", err)
	}
	return result, nil
}
