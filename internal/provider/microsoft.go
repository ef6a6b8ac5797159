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
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/graph"
	"github.com/execpilot/core/internal/models"
)

// Microsoft syncs Outlook calendar and mail plus the directory via Graph.
type Microsoft struct {
	refreshingClient
	fetcher      *graph.Fetcher
	pastWindow   time.Duration
	futureWindow time.Duration
	lookback     time.Duration
	directory    bool
}

// NewMicrosoft creates the microsoft adapter. The directory tenant defaults
// to "common" (multi-tenant app registration).
func NewMicrosoft(pc config.ProviderConfig) *Microsoft {
	tenant := "common"
	if v, ok := pc.Options["tenant"]; ok && v != "" {
		tenant = v
	}
	login := "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0"

	c := newOAuthClient("microsoft", pc, endpointDefaults{
		authURL:  login + "/authorize",
		tokenURL: login + "/token",
		baseURL:  graph.DefaultBaseURL,
		scopes: []string{
			"offline_access",
			"User.Read",
			"User.ReadBasic.All",
			"Calendars.Read",
			"Mail.Read",
		},
		authStyle: oauth2.AuthStyleInParams,
	})
	return &Microsoft{
		refreshingClient: refreshingClient{c},
		fetcher:          graph.NewFetcher(c.baseURL),
		pastWindow:       c.durationOption("past_window", 7*24*time.Hour),
		futureWindow:     c.durationOption("future_window", 14*24*time.Hour),
		lookback:         c.durationOption("lookback", 72*time.Hour),
		directory:        c.option("directory", "true") == "true",
	}
}

// SyncData returns calendar events, unread inbox mail, and directory users.
// A failed part does not discard the others.
func (m *Microsoft) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	client := m.httpClient(ctx, tok)
	now := time.Now()
	result := &models.SyncResult{}
	var errs fetchErrors

	meetings, err := m.fetcher.CalendarView(ctx, client, tenantID, now.Add(-m.pastWindow), now.Add(m.futureWindow))
	result.Meetings = meetings
	if errs.add("calendar", err) {
		return nil, errs.err()
	}

	emails, err := m.fetcher.UnreadMail(ctx, client, now.Add(-m.lookback))
	result.Emails = emails
	if errs.add("mail", err) {
		return nil, errs.err()
	}

	if m.directory {
		// Listing users needs admin consent in many organisations; a 403
		// here is kept as a partial failure.
		members, err := m.fetcher.Users(ctx, client, tenantID)
		result.TeamMembers = members
		if errs.add("users", err) {
			return nil, errs.err()
		}
	}

	return result, errs.err()
}

// RecentMail returns unread inbox mail received after since.
func (m *Microsoft) RecentMail(ctx context.Context, tok *oauth2.Token, since time.Time) ([]models.Email, error) {
	return m.fetcher.UnreadMail(ctx, m.httpClient(ctx, tok), since)
}

// UpcomingEvents returns calendar events between from and to.
func (m *Microsoft) UpcomingEvents(ctx context.Context, tok *oauth2.Token, from, to time.Time) ([]models.CalendarEvent, error) {
	return m.fetcher.UpcomingEvents(ctx, m.httpClient(ctx, tok), from, to)
}
