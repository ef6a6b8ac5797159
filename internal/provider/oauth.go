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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/config"
)

// endpointDefaults describes a provider's OAuth endpoints and API root
// when the configuration does not override them.
type endpointDefaults struct {
	authURL    string
	tokenURL   string
	baseURL    string
	scopes     []string
	authStyle  oauth2.AuthStyle
	authParams []oauth2.AuthCodeOption
}

// oauthClient implements the OAuth half of Adapter on top of x/oauth2.
type oauthClient struct {
	name       string
	conf       oauth2.Config
	baseURL    string
	options    map[string]string
	authParams []oauth2.AuthCodeOption
}

func newOAuthClient(name string, pc config.ProviderConfig, d endpointDefaults) oauthClient {
	scopes := pc.Scopes
	if len(scopes) == 0 {
		scopes = d.scopes
	}
	return oauthClient{
		name: name,
		conf: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   firstNonEmpty(pc.AuthURL, d.authURL),
				TokenURL:  firstNonEmpty(pc.TokenURL, d.tokenURL),
				AuthStyle: d.authStyle,
			},
		},
		baseURL:    strings.TrimRight(firstNonEmpty(pc.BaseURL, d.baseURL), "/"),
		options:    pc.Options,
		authParams: d.authParams,
	}
}

// Name returns the provider key.
func (c oauthClient) Name() string { return c.name }

// AuthURL returns the consent page URL for the given redirect target.
func (c oauthClient) AuthURL(redirectURL, state string) string {
	conf := c.conf
	conf.RedirectURL = redirectURL
	return conf.AuthCodeURL(state, c.authParams...)
}

// ExchangeCode trades an authorization code for a credential.
func (c oauthClient) ExchangeCode(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	conf := c.conf
	conf.RedirectURL = redirectURL
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s: exchange code: %w", c.name, err)
	}
	return tok, nil
}

// httpClient returns a client that sends tok as a bearer credential. The
// token is used as-is; renewal is the orchestrator's job.
func (c oauthClient) httpClient(ctx context.Context, tok *oauth2.Token) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
}

func (c oauthClient) option(key, fallback string) string {
	if v, ok := c.options[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (c oauthClient) durationOption(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(c.option(key, "")); err == nil && d > 0 {
		return d
	}
	return fallback
}

// refreshingClient adds credential renewal via the refresh-token grant.
type refreshingClient struct {
	oauthClient
}

// RefreshCredential exchanges a refresh token for a new credential. Providers
// that do not rotate refresh tokens omit one from the response, so the old
// refresh token is carried over.
func (c refreshingClient) RefreshCredential(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	tok, err := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%s: refresh credential: %w", c.name, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
