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
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/execpilot/core/internal/config"
)

func testProvider(name, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:         name,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      baseURL,
	}
}

// TestFromConfig verifies that every configured provider gets an adapter and
// that unknown names are rejected.
func TestFromConfig(t *testing.T) {
	cfg := &config.Config{Providers: []config.ProviderConfig{
		testProvider("slack", ""),
		testProvider("github", ""),
		testProvider("gmail", ""),
	}}

	reg, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := reg.Names()
	if strings.Join(names, ",") != "github,gmail,slack" {
		t.Errorf("expected sorted names, got %v", names)
	}

	cfg.Providers = append(cfg.Providers, testProvider("myspace", ""))
	if _, err := FromConfig(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

// TestCapabilities verifies which adapters can refresh and which feed the
// update aggregator.
func TestCapabilities(t *testing.T) {
	gh := NewGitHub(testProvider("github", ""))
	if _, ok := any(gh).(Refresher); ok {
		t.Error("github must not be a Refresher")
	}
	if _, ok := any(gh).(ActivitySource); !ok {
		t.Error("github should be an ActivitySource")
	}

	checks := []struct {
		adapter Adapter
		ok      bool
	}{
		{NewGmail(testProvider("gmail", "")), true},
		{NewMicrosoft(testProvider("microsoft", "")), true},
		{NewSlack(testProvider("slack", "")), true},
		{NewZoom(testProvider("zoom", "")), true},
		{NewJira(testProvider("jira", "")), true},
		{NewDocuSign(testProvider("docusign", "")), true},
		{NewGoogleCalendar(testProvider("google_calendar", "")), true},
		{NewGoogleDrive(testProvider("google_drive", "")), true},
	}
	for _, c := range checks {
		if _, ok := c.adapter.(Refresher); ok != c.ok {
			t.Errorf("%s: Refresher = %v, want %v", c.adapter.Name(), ok, c.ok)
		}
	}

	if _, ok := any(NewMicrosoft(testProvider("microsoft", ""))).(MailSource); !ok {
		t.Error("microsoft should be a MailSource")
	}
	if _, ok := any(NewMicrosoft(testProvider("microsoft", ""))).(CalendarSource); !ok {
		t.Error("microsoft should be a CalendarSource")
	}
	if _, ok := any(NewSlack(testProvider("slack", ""))).(ChatSource); !ok {
		t.Error("slack should be a ChatSource")
	}
}

// TestAuthURL verifies redirect, state and Google's offline access parameters.
func TestAuthURL(t *testing.T) {
	g := NewGoogleCalendar(testProvider("google_calendar", ""))
	raw := g.AuthURL("https://app.example.com/callback", "state-123")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid auth url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" {
		t.Errorf("expected state, got %q", q.Get("state"))
	}
	if q.Get("redirect_uri") != "https://app.example.com/callback" {
		t.Errorf("unexpected redirect_uri %q", q.Get("redirect_uri"))
	}
	if q.Get("access_type") != "offline" {
		t.Error("expected offline access for google")
	}
	if q.Get("client_id") != "client-id" {
		t.Errorf("unexpected client_id %q", q.Get("client_id"))
	}
}

func tokenServer(t *testing.T, refreshToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "the-code" {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"invalid_grant"}`)
				return
			}
			fmt.Fprintf(w, `{"access_token":"access-1","token_type":"Bearer","refresh_token":%q,"expires_in":3600}`, refreshToken)
		case "refresh_token":
			fmt.Fprint(w, `{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

// TestExchangeAndRefresh verifies the code exchange and that a refresh
// response without a new refresh token keeps the old one.
func TestExchangeAndRefresh(t *testing.T) {
	server := tokenServer(t, "refresh-1")
	defer server.Close()

	pc := testProvider("zoom", "")
	pc.TokenURL = server.URL
	z := NewZoom(pc)

	tok, err := z.ExchangeCode(context.Background(), "the-code", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.Expiry.Before(time.Now()) {
		t.Error("expected expiry in the future")
	}

	refreshed, err := z.RefreshCredential(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.AccessToken != "access-2" {
		t.Errorf("expected new access token, got %q", refreshed.AccessToken)
	}
	if refreshed.RefreshToken != "refresh-1" {
		t.Errorf("expected refresh token to carry over, got %q", refreshed.RefreshToken)
	}

	if _, err := z.ExchangeCode(context.Background(), "wrong", "https://app.example.com/cb"); err == nil {
		t.Error("expected error for a rejected code")
	}
}

func TestVTTToText(t *testing.T) {
	vtt := "WEBVTT\r\n\r\n1\r\n00:00:01.000 --> 00:00:03.000\r\nAlice: Let's ship Friday.\r\n\r\n2\r\n00:00:04.000 --> 00:00:05.000\r\nBob: Agreed.\r\n"
	got := vttToText(vtt)
	want := "Alice: Let's ship Friday.\nBob: Agreed."
	if got != want {
		t.Errorf("vttToText = %q, want %q", got, want)
	}
}

func TestParseSlackTS(t *testing.T) {
	ts, ok := parseSlackTS("1712345678.000200")
	if !ok {
		t.Fatal("expected ts to parse")
	}
	if ts.Unix() != 1712345678 || ts.Nanosecond() != 200000 {
		t.Errorf("unexpected time %v", ts)
	}
	if _, ok := parseSlackTS("nope"); ok {
		t.Error("expected bad ts to fail")
	}
}
