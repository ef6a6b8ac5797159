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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/store"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(testKey)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newVault(t)
	tok := &oauth2.Token{AccessToken: "at-secret", RefreshToken: "rt", TokenType: "Bearer", Expiry: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}

	blob, err := v.Seal(tok)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, []byte("at-secret")) {
		t.Fatal("sealed blob contains the plaintext access token")
	}

	got, err := v.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.AccessToken != "at-secret" || got.RefreshToken != "rt" || !got.Expiry.Equal(tok.Expiry) {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// fresh nonce per seal
	again, _ := v.Seal(tok)
	if bytes.Equal(blob, again) {
		t.Error("expected distinct ciphertexts for the same token")
	}
}

func TestVault_RejectsTampering(t *testing.T) {
	v := newVault(t)
	blob, _ := v.Seal(&oauth2.Token{AccessToken: "x"})
	blob[len(blob)-1] ^= 0xff
	if _, err := v.Open(blob); err == nil {
		t.Error("expected tampered blob to fail")
	}
	if _, err := v.Open([]byte("short")); err == nil {
		t.Error("expected short blob to fail")
	}
}

func TestNewVault_BadKeys(t *testing.T) {
	for _, key := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := NewVault(key); err == nil {
			t.Errorf("expected key %q to be rejected", key)
		}
	}
}

type fakeRefresher struct {
	calls int
	tok   *oauth2.Token
	err   error
}

func (f *fakeRefresher) RefreshCredential(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls++
	return f.tok, f.err
}

func TestProvider_SaveGetRefresh(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := NewProvider(st, newVault(t))

	if _, err := p.GetDecryptedToken(ctx, "t1", "gmail"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := p.SaveTokens(ctx, "t1", "gmail", &oauth2.Token{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	in, _ := st.GetIntegration(ctx, "t1", "gmail")
	if in == nil || in.Status != models.IntegrationConnected {
		t.Fatalf("expected connected integration, got %+v", in)
	}
	if bytes.Contains(in.Credential, []byte("a1")) {
		t.Fatal("credential stored in plaintext")
	}

	current, err := p.GetDecryptedToken(ctx, "t1", "gmail")
	if err != nil || current.AccessToken != "a1" {
		t.Fatalf("GetDecryptedToken: %v %+v", err, current)
	}

	r := &fakeRefresher{tok: &oauth2.Token{AccessToken: "a2"}}
	tok, err := p.RefreshTokens(ctx, "t1", "gmail", r, current)
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r1" {
		t.Errorf("expected refresh token to carry over, got %+v", tok)
	}
	stored, _ := p.GetDecryptedToken(ctx, "t1", "gmail")
	if stored.AccessToken != "a2" {
		t.Errorf("expected refreshed token to be persisted, got %q", stored.AccessToken)
	}
}

func TestProvider_NoRefresh(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(store.NewMemory(), newVault(t))

	if _, err := p.RefreshTokens(ctx, "t1", "github", nil, &oauth2.Token{RefreshToken: "r"}); !errors.Is(err, ErrNoRefresh) {
		t.Errorf("nil refresher: expected ErrNoRefresh, got %v", err)
	}
	r := &fakeRefresher{}
	if _, err := p.RefreshTokens(ctx, "t1", "slack", r, &oauth2.Token{AccessToken: "a"}); !errors.Is(err, ErrNoRefresh) {
		t.Errorf("no refresh token: expected ErrNoRefresh, got %v", err)
	}
	if r.calls != 0 {
		t.Errorf("refresher must not be called, got %d calls", r.calls)
	}

	r.err = errors.New("invalid_grant")
	if _, err := p.RefreshTokens(ctx, "t1", "gmail", r, &oauth2.Token{RefreshToken: "r"}); err == nil {
		t.Error("expected refresh failure to surface")
	}
}
