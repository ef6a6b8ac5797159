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
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

// DocuSign surfaces envelopes awaiting the user's signature as tasks.
type DocuSign struct {
	refreshingClient
	window time.Duration
}

// NewDocuSign creates the docusign adapter. BaseURL is the account server;
// the REST base is discovered per user.
func NewDocuSign(pc config.ProviderConfig) *DocuSign {
	account := strings.TrimRight(firstNonEmpty(pc.BaseURL, "https://account.docusign.com"), "/")
	c := newOAuthClient("docusign", pc, endpointDefaults{
		authURL:   account + "/oauth/auth",
		tokenURL:  account + "/oauth/token",
		baseURL:   account,
		scopes:    []string{"signature"},
		authStyle: oauth2.AuthStyleInHeader,
	})
	return &DocuSign{
		refreshingClient: refreshingClient{c},
		window:           c.durationOption("window", 30*24*time.Hour),
	}
}

type docusignUserInfo struct {
	Email    string `json:"email"`
	Accounts []struct {
		AccountID string `json:"account_id"`
		IsDefault bool   `json:"is_default"`
		BaseURI   string `json:"base_uri"`
	} `json:"accounts"`
}

type docusignEnvelope struct {
	EnvelopeID     string `json:"envelopeId"`
	EmailSubject   string `json:"emailSubject"`
	Status         string `json:"status"`
	SentDateTime   string `json:"sentDateTime"`
	ExpireDateTime string `json:"expireDateTime"`
}

func (e docusignEnvelope) toTask(tenantID, assignee string, now time.Time) (models.Task, error) {
	if e.EnvelopeID == "" {
		return models.Task{}, fmt.Errorf("envelope without id")
	}
	t := models.Task{
		TenantID:   tenantID,
		ExternalID: "docusign:" + e.EnvelopeID,
		Source:     "docusign",
		Title:      "Sign: " + firstNonEmpty(e.EmailSubject, "untitled envelope"),
		Status:     e.Status,
		Assignee:   assignee,
		URL:        "https://app.docusign.com/documents/details/" + e.EnvelopeID,
	}
	if due, ok := parseTime(e.ExpireDateTime); ok {
		t.DueDate = &due
		if due.Sub(now) < 72*time.Hour {
			t.Priority = "high"
		}
	}
	return t, nil
}

// SyncData returns envelopes awaiting the user's signature.
func (d *DocuSign) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	client := d.httpClient(ctx, tok)

	var info docusignUserInfo
	if err := apiclient.GetJSON(ctx, client, d.baseURL+"/oauth/userinfo", nil, &info); err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	var accountID, baseURI string
	for _, a := range info.Accounts {
		if a.IsDefault || accountID == "" {
			accountID, baseURI = a.AccountID, a.BaseURI
		}
	}
	if accountID == "" || baseURI == "" {
		return nil, fmt.Errorf("userinfo: no usable account")
	}

	now := time.Now().UTC()
	params := url.Values{}
	params.Set("from_date", now.Add(-d.window).Format(time.RFC3339))
	params.Set("folder_types", "awaiting_my_signatures")
	endpoint := fmt.Sprintf("%s/restapi/v2.1/accounts/%s/envelopes?%s", strings.TrimRight(baseURI, "/"), url.PathEscape(accountID), params.Encode())

	var body struct {
		Envelopes []json.RawMessage `json:"envelopes"`
	}
	if err := apiclient.GetJSON(ctx, client, endpoint, nil, &body); err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}

	result := &models.SyncResult{Custom: map[string]any{"account_id": accountID}}
	apiclient.EachRecord(d.name, body.Envelopes, func(e docusignEnvelope) error {
		t, err := e.toTask(tenantID, info.Email, now)
		if err != nil {
			return err
		}
		result.Tasks = append(result.Tasks, t)
		return nil
	})
	return result, nil
}
