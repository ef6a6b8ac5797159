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
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

const (
	githubPerPage  = 100
	githubMaxPages = 5
)

// GitHub syncs organisation members and assigned issues, and exposes the
// activity stream. OAuth app tokens do not expire, so there is no refresh.
type GitHub struct {
	oauthClient
}

// NewGitHub creates the github adapter.
func NewGitHub(pc config.ProviderConfig) *GitHub {
	return &GitHub{newOAuthClient("github", pc, endpointDefaults{
		authURL:  "https://github.com/login/oauth/authorize",
		tokenURL: "https://github.com/login/oauth/access_token",
		baseURL:  "https://api.github.com",
		scopes:   []string{"read:org", "repo", "read:user"},
	})}
}

func githubHeader() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/vnd.github+json")
	h.Set("X-GitHub-Api-Version", "2022-11-28")
	return h
}

// list fetches a page-numbered collection until a short page.
func (g *GitHub) list(ctx context.Context, client *http.Client, path string, params url.Values, fn func([]json.RawMessage)) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("per_page", strconv.Itoa(githubPerPage))
	for page := 1; page <= githubMaxPages; page++ {
		params.Set("page", strconv.Itoa(page))
		var raws []json.RawMessage
		if err := apiclient.GetJSON(ctx, client, g.baseURL+path+"?"+params.Encode(), githubHeader(), &raws); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fn(raws)
		if len(raws) < githubPerPage {
			return nil
		}
	}
	return nil
}

func (g *GitHub) login(ctx context.Context, client *http.Client) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := apiclient.GetJSON(ctx, client, g.baseURL+"/user", githubHeader(), &user); err != nil {
		return "", fmt.Errorf("/user: %w", err)
	}
	if user.Login == "" {
		return "", fmt.Errorf("/user: empty login")
	}
	return user.Login, nil
}

type githubAccount struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type githubIssue struct {
	ID       int64          `json:"id"`
	Number   int            `json:"number"`
	Title    string         `json:"title"`
	State    string         `json:"state"`
	HTMLURL  string         `json:"html_url"`
	Assignee *githubAccount `json:"assignee"`
	Labels   []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Milestone *struct {
		DueOn string `json:"due_on"`
	} `json:"milestone"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest json.RawMessage `json:"pull_request"`
}

func (is githubIssue) toTask(tenantID string) (models.Task, error) {
	if is.ID == 0 {
		return models.Task{}, fmt.Errorf("issue without id")
	}
	t := models.Task{
		TenantID:   tenantID,
		ExternalID: "github:" + strconv.FormatInt(is.ID, 10),
		Source:     "github",
		Title:      is.Title,
		Status:     is.State,
		URL:        is.HTMLURL,
	}
	if is.Repository != nil {
		t.Title = fmt.Sprintf("%s#%d %s", is.Repository.FullName, is.Number, is.Title)
	}
	if is.Assignee != nil {
		t.Assignee = is.Assignee.Login
	}
	if is.Milestone != nil {
		if due, ok := parseTime(is.Milestone.DueOn); ok {
			t.DueDate = &due
		}
	}
	for _, l := range is.Labels {
		name := strings.ToLower(l.Name)
		switch {
		case strings.Contains(name, "blocked"):
			t.Blocked = true
		case strings.HasPrefix(name, "priority:"):
			t.Priority = strings.TrimSpace(strings.TrimPrefix(name, "priority:"))
		case name == "p0" || name == "p1" || name == "p2" || name == "p3":
			t.Priority = name
		}
	}
	return t, nil
}

// SyncData returns members of the user's organisations and the open issues
// assigned to the user.
func (g *GitHub) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	client := g.httpClient(ctx, tok)
	result := &models.SyncResult{}
	var errs fetchErrors

	login, err := g.login(ctx, client)
	if err != nil {
		return nil, err
	}

	var orgs []string
	err = g.list(ctx, client, "/user/orgs", nil, func(raws []json.RawMessage) {
		apiclient.EachRecord(g.name, raws, func(o githubAccount) error {
			if o.Login == "" {
				return fmt.Errorf("org without login")
			}
			orgs = append(orgs, o.Login)
			return nil
		})
	})
	if errs.add("orgs", err) {
		return nil, errs.err()
	}

	seen := make(map[int64]bool)
	for _, org := range orgs {
		err := g.list(ctx, client, "/orgs/"+url.PathEscape(org)+"/members", nil, func(raws []json.RawMessage) {
			apiclient.EachRecord(g.name, raws, func(m githubAccount) error {
				if m.ID == 0 || m.Login == "" {
					return fmt.Errorf("member without id")
				}
				if seen[m.ID] {
					return nil
				}
				seen[m.ID] = true
				result.TeamMembers = append(result.TeamMembers, models.TeamMember{
					TenantID:    tenantID,
					ExternalID:  "github:" + strconv.FormatInt(m.ID, 10),
					DisplayName: m.Login,
					AvatarURL:   m.AvatarURL,
					Sources:     []string{g.name},
				})
				return nil
			})
		})
		if errs.add("members "+org, err) {
			return nil, errs.err()
		}
	}

	params := url.Values{}
	params.Set("filter", "assigned")
	params.Set("state", "open")
	err = g.list(ctx, client, "/issues", params, func(raws []json.RawMessage) {
		apiclient.EachRecord(g.name, raws, func(is githubIssue) error {
			t, err := is.toTask(tenantID)
			if err != nil {
				return err
			}
			result.Tasks = append(result.Tasks, t)
			return nil
		})
	})
	if errs.add("issues", err) {
		return nil, errs.err()
	}

	result.Custom = map[string]any{"login": login, "organizations": orgs}
	return result, errs.err()
}

type githubEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

type pushPayload struct {
	Ref     string `json:"ref"`
	Size    int    `json:"size"`
	Head    string `json:"head"`
	Commits []struct {
		SHA string `json:"sha"`
	} `json:"commits"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Base    struct {
			Ref  string `json:"ref"`
			Repo struct {
				DefaultBranch string `json:"default_branch"`
			} `json:"repo"`
		} `json:"base"`
	} `json:"pull_request"`
}

func (ev githubEvent) toCodeEvent() (*models.CodeEvent, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("event without id")
	}
	occurred, _ := parseTime(ev.CreatedAt)
	ce := &models.CodeEvent{
		ID:         ev.ID,
		Repo:       ev.Repo.Name,
		Actor:      ev.Actor.Login,
		OccurredAt: occurred,
	}

	switch ev.Type {
	case "PushEvent":
		var p pushPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("push payload: %w", err)
		}
		ce.Kind = models.CodeEventPush
		ce.Branch = strings.TrimPrefix(p.Ref, "refs/heads/")
		ce.Commits = max(p.Size, len(p.Commits))
		ce.URL = fmt.Sprintf("https://github.com/%s/commits/%s", ev.Repo.Name, ce.Branch)
	case "PullRequestEvent":
		var p pullRequestPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("pull request payload: %w", err)
		}
		switch {
		case p.Action == "opened" || p.Action == "reopened":
			ce.Kind = models.CodeEventPROpened
		case p.Action == "closed" && p.PullRequest.Merged:
			ce.Kind = models.CodeEventPRMerged
		case p.Action == "closed":
			ce.Kind = models.CodeEventPRClosed
		default:
			return nil, nil
		}
		ce.Number = p.Number
		ce.Title = p.PullRequest.Title
		ce.Branch = p.PullRequest.Base.Ref
		ce.DefaultBranch = p.PullRequest.Base.Repo.DefaultBranch
		ce.URL = p.PullRequest.HTMLURL
	default:
		return nil, nil
	}
	return ce, nil
}

// RecentActivity returns push and pull request events on repositories the
// user watches, newer than since.
func (g *GitHub) RecentActivity(ctx context.Context, tok *oauth2.Token, since time.Time) ([]models.CodeEvent, error) {
	client := g.httpClient(ctx, tok)
	login, err := g.login(ctx, client)
	if err != nil {
		return nil, err
	}

	var events []models.CodeEvent
	var raws []json.RawMessage
	endpoint := fmt.Sprintf("%s/users/%s/received_events?per_page=%d", g.baseURL, url.PathEscape(login), githubPerPage)
	if err := apiclient.GetJSON(ctx, client, endpoint, githubHeader(), &raws); err != nil {
		return nil, fmt.Errorf("received_events: %w", err)
	}
	apiclient.EachRecord(g.name, raws, func(ev githubEvent) error {
		ce, err := ev.toCodeEvent()
		if err != nil || ce == nil {
			return err
		}
		if ce.OccurredAt.Before(since) {
			return nil
		}
		events = append(events, *ce)
		return nil
	})
	return events, nil
}
