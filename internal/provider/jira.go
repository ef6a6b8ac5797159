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

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

const (
	jiraPageSize = 50
	jiraMaxPages = 5
	jiraMaxSites = 3
)

// Jira syncs open issues assigned to the user across their Atlassian sites.
type Jira struct {
	refreshingClient
	jql string
}

// NewJira creates the jira adapter.
func NewJira(pc config.ProviderConfig) *Jira {
	c := newOAuthClient("jira", pc, endpointDefaults{
		authURL:  "https://auth.atlassian.com/authorize",
		tokenURL: "https://auth.atlassian.com/oauth/token",
		baseURL:  "https://api.atlassian.com",
		scopes:   []string{"read:jira-work", "read:jira-user", "offline_access"},
		authParams: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
	})
	return &Jira{
		refreshingClient: refreshingClient{c},
		jql:              c.option("jql", "assignee = currentUser() AND statusCategory != Done ORDER BY updated DESC"),
	}
}

type jiraSite struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type jiraIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  *struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			DisplayName  string `json:"displayName"`
			EmailAddress string `json:"emailAddress"`
		} `json:"assignee"`
		DueDate  string `json:"duedate"`
		Priority *struct {
			Name string `json:"name"`
		} `json:"priority"`
		Labels  []string `json:"labels"`
		Flagged []struct {
			Value string `json:"value"`
		} `json:"flagged"`
	} `json:"fields"`
}

func (is jiraIssue) toTask(tenantID string, site jiraSite) (models.Task, error) {
	if is.ID == "" || is.Key == "" {
		return models.Task{}, fmt.Errorf("issue without id")
	}
	t := models.Task{
		TenantID:   tenantID,
		ExternalID: "jira:" + site.ID + ":" + is.ID,
		Source:     "jira",
		Title:      is.Key + " " + is.Fields.Summary,
		URL:        strings.TrimRight(site.URL, "/") + "/browse/" + is.Key,
	}
	if is.Fields.Status != nil {
		t.Status = strings.ToLower(is.Fields.Status.Name)
		if strings.Contains(t.Status, "blocked") {
			t.Blocked = true
		}
	}
	if is.Fields.Assignee != nil {
		t.Assignee = firstNonEmpty(is.Fields.Assignee.EmailAddress, is.Fields.Assignee.DisplayName)
	}
	if due, ok := parseTime(is.Fields.DueDate); ok {
		t.DueDate = &due
	}
	if is.Fields.Priority != nil {
		t.Priority = strings.ToLower(is.Fields.Priority.Name)
	}
	for _, l := range is.Fields.Labels {
		if strings.EqualFold(l, "blocked") {
			t.Blocked = true
		}
	}
	if len(is.Fields.Flagged) > 0 {
		t.Blocked = true
	}
	return t, nil
}

// SyncData returns the issues matched by the configured JQL on each
// accessible site.
func (j *Jira) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	client := j.httpClient(ctx, tok)

	var sites []jiraSite
	var raws []json.RawMessage
	if err := apiclient.GetJSON(ctx, client, j.baseURL+"/oauth/token/accessible-resources", nil, &raws); err != nil {
		return nil, fmt.Errorf("accessible resources: %w", err)
	}
	apiclient.EachRecord(j.name, raws, func(s jiraSite) error {
		if s.ID == "" {
			return fmt.Errorf("site without id")
		}
		sites = append(sites, s)
		return nil
	})
	if len(sites) > jiraMaxSites {
		sites = sites[:jiraMaxSites]
	}

	result := &models.SyncResult{}
	var errs fetchErrors
	siteNames := make([]string, 0, len(sites))
	for _, site := range sites {
		siteNames = append(siteNames, site.Name)
		if errs.add("search "+site.Name, j.search(ctx, client, tenantID, site, result)) {
			return nil, errs.err()
		}
	}
	if len(siteNames) > 0 {
		result.Custom = map[string]any{"sites": siteNames}
	}
	return result, errs.err()
}

func (j *Jira) search(ctx context.Context, client *http.Client, tenantID string, site jiraSite, result *models.SyncResult) error {
	params := url.Values{}
	params.Set("jql", j.jql)
	params.Set("fields", "summary,status,assignee,duedate,priority,labels,flagged")
	params.Set("maxResults", strconv.Itoa(jiraPageSize))

	for page := 0; page < jiraMaxPages; page++ {
		params.Set("startAt", strconv.Itoa(page*jiraPageSize))
		var body struct {
			Issues []json.RawMessage `json:"issues"`
			Total  int               `json:"total"`
		}
		endpoint := fmt.Sprintf("%s/ex/jira/%s/rest/api/3/search?%s", j.baseURL, url.PathEscape(site.ID), params.Encode())
		if err := apiclient.GetJSON(ctx, client, endpoint, nil, &body); err != nil {
			return err
		}
		apiclient.EachRecord(j.name, body.Issues, func(is jiraIssue) error {
			t, err := is.toTask(tenantID, site)
			if err != nil {
				return err
			}
			result.Tasks = append(result.Tasks, t)
			return nil
		})
		if len(body.Issues) < jiraPageSize || (page+1)*jiraPageSize >= body.Total {
			return nil
		}
	}
	return nil
}
