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
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

// slackMaxPages bounds cursor paging per method.
const slackMaxPages = 10

// Slack reports credential problems in the body of a 200 response.
var slackAuthErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
}

// Slack syncs the workspace directory and exposes recent channel messages.
type Slack struct {
	refreshingClient
}

// NewSlack creates the slack adapter.
func NewSlack(pc config.ProviderConfig) *Slack {
	c := newOAuthClient("slack", pc, endpointDefaults{
		authURL:  "https://slack.com/oauth/v2/authorize",
		tokenURL: "https://slack.com/api/oauth.v2.access",
		baseURL:  "https://slack.com/api",
		scopes:   []string{"users:read", "users:read.email", "channels:read", "channels:history", "groups:read", "groups:history"},
	})
	return &Slack{refreshingClient{c}}
}

type slackEnvelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// call invokes a Web API method and returns the raw body once ok is true.
func (s *Slack) call(ctx context.Context, client *http.Client, method string, params url.Values) (json.RawMessage, slackEnvelope, error) {
	var raw json.RawMessage
	if err := apiclient.GetJSON(ctx, client, s.baseURL+"/"+method+"?"+params.Encode(), nil, &raw); err != nil {
		return nil, slackEnvelope{}, fmt.Errorf("%s: %w", method, err)
	}
	var env slackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, env, fmt.Errorf("%s: decode envelope: %w", method, err)
	}
	if !env.OK {
		switch {
		case slackAuthErrors[env.Error]:
			return nil, env, fmt.Errorf("%s: %w", method, &apiclient.AuthError{Status: http.StatusUnauthorized, Body: env.Error})
		case env.Error == "ratelimited":
			return nil, env, fmt.Errorf("%s: %w", method, &apiclient.RateLimitError{})
		default:
			return nil, env, fmt.Errorf("%s: slack error %q", method, env.Error)
		}
	}
	return raw, env, nil
}

// paged calls a cursor-paginated method, handing the entries found under
// field to fn for each page.
func (s *Slack) paged(ctx context.Context, client *http.Client, method string, params url.Values, field string, fn func([]json.RawMessage)) error {
	for page := 0; page < slackMaxPages; page++ {
		raw, env, err := s.call(ctx, client, method, params)
		if err != nil {
			return err
		}
		var body map[string]json.RawMessage
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("%s: decode: %w", method, err)
		}
		var items []json.RawMessage
		if v, ok := body[field]; ok {
			_ = json.Unmarshal(v, &items)
		}
		fn(items)

		if env.ResponseMetadata.NextCursor == "" {
			return nil
		}
		params.Set("cursor", env.ResponseMetadata.NextCursor)
	}
	return nil
}

type slackUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	Deleted  bool   `json:"deleted"`
	IsBot    bool   `json:"is_bot"`
	Profile  struct {
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
		Email       string `json:"email"`
		Image72     string `json:"image_72"`
	} `json:"profile"`
}

// SyncData returns the workspace's active human members.
func (s *Slack) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	client := s.httpClient(ctx, tok)
	result := &models.SyncResult{}

	params := url.Values{}
	params.Set("limit", "200")
	err := s.paged(ctx, client, "users.list", params, "members", func(raws []json.RawMessage) {
		apiclient.EachRecord(s.name, raws, func(u slackUser) error {
			if u.ID == "" {
				return fmt.Errorf("member without id")
			}
			if u.Deleted || u.IsBot || u.ID == "USLACKBOT" {
				return nil
			}
			result.TeamMembers = append(result.TeamMembers, models.TeamMember{
				TenantID:    tenantID,
				ExternalID:  "slack:" + u.ID,
				DisplayName: firstNonEmpty(u.Profile.RealName, u.RealName, u.Profile.DisplayName, u.Name),
				Email:       u.Profile.Email,
				AvatarURL:   u.Profile.Image72,
				Sources:     []string{s.name},
			})
			return nil
		})
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

type slackChannel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsMember   bool   `json:"is_member"`
	IsArchived bool   `json:"is_archived"`
}

type slackMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	TS       string `json:"ts"`
	User     string `json:"user"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// RecentMessages returns messages posted since the given time in up to
// maxChannels channels the user belongs to.
func (s *Slack) RecentMessages(ctx context.Context, tok *oauth2.Token, since time.Time, maxChannels int) ([]models.ChatMessage, error) {
	client := s.httpClient(ctx, tok)

	var channels []slackChannel
	params := url.Values{}
	params.Set("types", "public_channel,private_channel")
	params.Set("exclude_archived", "true")
	params.Set("limit", "200")
	err := s.paged(ctx, client, "conversations.list", params, "channels", func(raws []json.RawMessage) {
		apiclient.EachRecord(s.name, raws, func(ch slackChannel) error {
			if ch.ID != "" && ch.IsMember && !ch.IsArchived {
				channels = append(channels, ch)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if maxChannels > 0 && len(channels) > maxChannels {
		channels = channels[:maxChannels]
	}

	var messages []models.ChatMessage
	var errs fetchErrors
	for _, ch := range channels {
		hp := url.Values{}
		hp.Set("channel", ch.ID)
		hp.Set("oldest", strconv.FormatInt(since.Unix(), 10))
		hp.Set("limit", "50")

		raw, _, err := s.call(ctx, client, "conversations.history", hp)
		if errs.add("history "+ch.Name, err) {
			return messages, errs.err()
		}
		if err != nil {
			continue
		}
		var body struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			errs.add("history "+ch.Name, err)
			continue
		}
		apiclient.EachRecord(s.name, body.Messages, func(m slackMessage) error {
			// Joins, topic changes and similar housekeeping carry a subtype
			if m.Subtype != "" && m.Subtype != "thread_broadcast" {
				return nil
			}
			posted, ok := parseSlackTS(m.TS)
			if !ok {
				return fmt.Errorf("message with bad ts %q", m.TS)
			}
			messages = append(messages, models.ChatMessage{
				ChannelID:   ch.ID,
				ChannelName: ch.Name,
				Timestamp:   m.TS,
				UserID:      m.User,
				UserName:    m.Username,
				Text:        m.Text,
				PostedAt:    posted,
				URL:         fmt.Sprintf("https://slack.com/app_redirect?channel=%s&message_ts=%s", ch.ID, m.TS),
			})
			return nil
		})
	}
	return messages, errs.err()
}
