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

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/models"
)

var (
	// ErrNotConnected means the tenant has no integration for the provider.
	ErrNotConnected = errors.New("integration not connected")

	// ErrNoRefresh means the credential cannot be renewed without the user.
	ErrNoRefresh = errors.New("credential cannot be refreshed automatically")
)

// IntegrationStore is the slice of the store the provider needs.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, tenantID, provider string) (*models.Integration, error)
	UpsertIntegration(ctx context.Context, in models.Integration) error
}

// Refresher renews a credential from its refresh token.
type Refresher interface {
	RefreshCredential(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Provider reads and writes sealed credentials on Integration rows.
type Provider struct {
	store IntegrationStore
	vault *Vault
}

// NewProvider creates a credential provider.
func NewProvider(store IntegrationStore, vault *Vault) *Provider {
	return &Provider{store: store, vault: vault}
}

// GetDecryptedToken returns the tenant's token for provider. Callers must
// not retain it beyond the current operation.
func (p *Provider) GetDecryptedToken(ctx context.Context, tenantID, provider string) (*oauth2.Token, error) {
	in, err := p.store.GetIntegration(ctx, tenantID, provider)
	if err != nil {
		return nil, fmt.Errorf("load integration: %w", err)
	}
	if in == nil {
		return nil, ErrNotConnected
	}
	tok, err := p.vault.Open(in.Credential)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, provider, err)
	}
	return tok, nil
}

// SaveTokens seals tok and marks the integration connected.
func (p *Provider) SaveTokens(ctx context.Context, tenantID, provider string, tok *oauth2.Token) error {
	blob, err := p.vault.Seal(tok)
	if err != nil {
		return err
	}
	err = p.store.UpsertIntegration(ctx, models.Integration{
		TenantID:   tenantID,
		Provider:   provider,
		Credential: blob,
		Status:     models.IntegrationConnected,
	})
	if err != nil {
		return fmt.Errorf("save integration: %w", err)
	}
	return nil
}

// RefreshTokens renews current through r and persists the result. A nil
// refresher or a token without a refresh token yields ErrNoRefresh.
func (p *Provider) RefreshTokens(ctx context.Context, tenantID, provider string, r Refresher, current *oauth2.Token) (*oauth2.Token, error) {
	if r == nil || current == nil || current.RefreshToken == "" {
		return nil, ErrNoRefresh
	}

	tok, err := r.RefreshCredential(ctx, current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh %s credential: %w", provider, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}

	if err := p.SaveTokens(ctx, tenantID, provider, tok); err != nil {
		return nil, err
	}
	slog.Info("credential refreshed", "tenant", tenantID, "provider", provider, "expiry", tok.Expiry)
	return tok, nil
}
