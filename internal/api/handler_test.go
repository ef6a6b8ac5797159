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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/classifier"
	"github.com/execpilot/core/internal/credentials"
	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/provider"
	"github.com/execpilot/core/internal/store"
	"github.com/execpilot/core/internal/syncer"
	"github.com/execpilot/core/internal/updates"
)

type memoryStates struct {
	mu     sync.Mutex
	states map[string]OAuthState
}

func (m *memoryStates) Put(ctx context.Context, state string, s OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = s
	return nil
}

func (m *memoryStates) Take(ctx context.Context, state string) (*OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	if !ok {
		return nil, nil
	}
	delete(m.states, state)
	return &s, nil
}

type fakeAdapter struct {
	exchangeErr error
}

func (fakeAdapter) Name() string { return "slack" }
func (fakeAdapter) AuthURL(redirectURL, state string) string {
	return "https://auth.example/authorize?redirect_uri=" + url.QueryEscape(redirectURL) + "&state=" + state
}
func (f fakeAdapter) ExchangeCode(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "xoxp-" + code}, nil
}
func (fakeAdapter) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	return &models.SyncResult{}, nil
}

type fakeSyncer struct {
	tenant, provider string
}

func (f *fakeSyncer) Sync(ctx context.Context, tenantID, providerFilter string) syncer.Report {
	f.tenant, f.provider = tenantID, providerFilter
	return syncer.Report{TenantID: tenantID, Success: true}
}

func (f *fakeSyncer) Refresh(ctx context.Context, tenantID string) updates.RefreshResult {
	return updates.RefreshResult{SourceChecks: []updates.SourceCheck{{Source: "internal", Status: updates.CheckOK}}}
}

type testServer struct {
	srv    *httptest.Server
	store  *store.Memory
	creds  *credentials.Provider
	states *memoryStates
	syncer *fakeSyncer
}

func newTestServer(t *testing.T, adapter provider.Adapter) *testServer {
	t.Helper()
	vault, err := credentials.NewVault(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		store:  store.NewMemory(),
		states: &memoryStates{states: map[string]OAuthState{}},
		syncer: &fakeSyncer{},
	}
	ts.creds = credentials.NewProvider(ts.store, vault)
	h := NewHandler(Config{
		Syncer:     ts.syncer,
		Updates:    ts.syncer,
		Classifier: classifier.New(nil),
		Store:      ts.store,
		Tokens:     ts.creds,
		States:     ts.states,
		Registry:   provider.NewRegistry(adapter),
		PublicURL:  "https://copilot.example/",
		FeedLimit:  10,
	})
	ts.srv = httptest.NewServer(h.Router())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSync_PassesFilter(t *testing.T) {
	ts := newTestServer(t, fakeAdapter{})

	resp := ts.do(t, http.MethodPost, "/api/tenants/t1/sync?provider=slack", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ts.syncer.tenant != "t1" || ts.syncer.provider != "slack" {
		t.Errorf("unexpected sync call %+v", ts.syncer)
	}
	var report syncer.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if !report.Success {
		t.Error("expected success in report")
	}

	resp = ts.do(t, http.MethodPost, "/api/tenants/t1/sync?provider=nope", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown provider, got %d", resp.StatusCode)
	}
}

func TestFeed_AndFlags(t *testing.T) {
	ts := newTestServer(t, fakeAdapter{})
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := ts.store.UpsertUpdates(ctx, []models.UpdateItem{
		{TenantID: "t1", Source: "gmail", ExternalID: "m/1", Type: updates.TypeEmail, Severity: models.SeverityUrgent, Title: "Urgent", OccurredAt: now},
		{TenantID: "t1", Source: "gmail", ExternalID: "m2", Type: updates.TypeEmail, Severity: models.SeverityInfo, Title: "FYI", OccurredAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := ts.do(t, http.MethodPost, "/api/tenants/t1/updates/gmail/"+url.PathEscape("m/1")+"/dismiss", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/api/tenants/t1/updates/gmail/m2/read", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/api/tenants/t1/updates/gmail/missing/read", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/tenants/t1/updates", "")
	var body struct {
		Items []models.UpdateItem `json:"items"`
		Count int                 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Items[0].ExternalID != "m2" || !body.Items[0].IsRead {
		t.Errorf("unexpected feed %+v", body.Items)
	}

	resp = ts.do(t, http.MethodGet, "/api/tenants/t1/updates?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestClassify(t *testing.T) {
	ts := newTestServer(t, fakeAdapter{})

	resp := ts.do(t, http.MethodPost, "/api/classify", `{"title":"Team sync","attendee_count":4}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var v classifier.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Type != models.TypeMeeting || v.Confidence != 0.95 {
		t.Errorf("unexpected verdict %+v", v)
	}

	if resp := ts.do(t, http.MethodPost, "/api/classify", `{`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/classify", `{"title":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty title, got %d", resp.StatusCode)
	}
}

func TestOAuthFlow(t *testing.T) {
	ts := newTestServer(t, fakeAdapter{})

	resp := ts.do(t, http.MethodGet, "/api/oauth/slack/start?tenant=t1", "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Query().Get("redirect_uri"); got != "https://copilot.example/api/oauth/slack/callback" {
		t.Errorf("unexpected redirect uri %s", got)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("missing state")
	}

	resp = ts.do(t, http.MethodGet, "/api/oauth/slack/callback?code=abc&state="+state, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	tok, err := ts.creds.GetDecryptedToken(context.Background(), "t1", "slack")
	if err != nil {
		t.Fatalf("token not saved: %v", err)
	}
	if tok.AccessToken != "xoxp-abc" {
		t.Errorf("unexpected token %s", tok.AccessToken)
	}

	// states are single-use
	resp = ts.do(t, http.MethodGet, "/api/oauth/slack/callback?code=abc&state="+state, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 on replayed state, got %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodDelete, "/api/tenants/t1/integrations/slack", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 on disconnect, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodDelete, "/api/tenants/t1/integrations/slack", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on second disconnect, got %d", resp.StatusCode)
	}
}

func TestOAuthCallback_Errors(t *testing.T) {
	ts := newTestServer(t, fakeAdapter{exchangeErr: errors.New("invalid_grant")})

	if resp := ts.do(t, http.MethodGet, "/api/oauth/slack/start", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/oauth/github/start?tenant=t1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unconfigured provider, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/oauth/slack/callback?error=access_denied", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 on denied consent, got %d", resp.StatusCode)
	}

	_ = ts.states.Put(context.Background(), "s1", OAuthState{TenantID: "t1", Provider: "slack"})
	if resp := ts.do(t, http.MethodGet, "/api/oauth/slack/callback?code=x&state=s1", ""); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 on failed exchange, got %d", resp.StatusCode)
	}
	if in, _ := ts.store.GetIntegration(context.Background(), "t1", "slack"); in != nil {
		t.Error("integration must not exist after a failed exchange")
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, fakeAdapter{})
	if resp := ts.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
