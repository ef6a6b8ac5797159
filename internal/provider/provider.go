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

// Package provider defines the capability set every external integration
// implements and the concrete adapters that translate each provider's API
// into the normalized model.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

// Adapter is the capability set shared by all providers.
//
// SyncData must not fail because of a single malformed record. It returns an
// *apiclient.AuthError (possibly wrapped) when the credential is rejected, and
// may return a non-nil result together with an error when only part of the
// fetch succeeded.
type Adapter interface {
	Name() string
	AuthURL(redirectURL, state string) string
	ExchangeCode(ctx context.Context, code, redirectURL string) (*oauth2.Token, error)
	SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error)
}

// Refresher is implemented by adapters that can renew an expired credential.
// Adapters without it require the user to reconnect.
type Refresher interface {
	RefreshCredential(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// MailSource yields unread mail for the update feed.
type MailSource interface {
	RecentMail(ctx context.Context, tok *oauth2.Token, since time.Time) ([]models.Email, error)
}

// ChatSource yields recent channel messages for the update feed.
type ChatSource interface {
	RecentMessages(ctx context.Context, tok *oauth2.Token, since time.Time, maxChannels int) ([]models.ChatMessage, error)
}

// ActivitySource yields code-hosting activity for the update feed.
type ActivitySource interface {
	RecentActivity(ctx context.Context, tok *oauth2.Token, since time.Time) ([]models.CodeEvent, error)
}

// CalendarSource yields upcoming calendar events for the update feed.
type CalendarSource interface {
	UpcomingEvents(ctx context.Context, tok *oauth2.Token, from, to time.Time) ([]models.CalendarEvent, error)
}

// constructors maps provider names to adapter constructors.
var constructors = map[string]func(config.ProviderConfig) Adapter{
	"google_calendar": func(pc config.ProviderConfig) Adapter { return NewGoogleCalendar(pc) },
	"gmail":           func(pc config.ProviderConfig) Adapter { return NewGmail(pc) },
	"google_drive":    func(pc config.ProviderConfig) Adapter { return NewGoogleDrive(pc) },
	"microsoft":       func(pc config.ProviderConfig) Adapter { return NewMicrosoft(pc) },
	"slack":           func(pc config.ProviderConfig) Adapter { return NewSlack(pc) },
	"github":          func(pc config.ProviderConfig) Adapter { return NewGitHub(pc) },
	"zoom":            func(pc config.ProviderConfig) Adapter { return NewZoom(pc) },
	"jira":            func(pc config.ProviderConfig) Adapter { return NewJira(pc) },
	"docusign":        func(pc config.ProviderConfig) Adapter { return NewDocuSign(pc) },
}

// Registry is the lookup table of configured adapters, keyed by provider name.
// It is built once at startup and passed explicitly to its consumers.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from ready-made adapters. Later adapters with
// the same name replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// FromConfig constructs an adapter for every configured provider.
func FromConfig(cfg *config.Config) (*Registry, error) {
	adapters := make([]Adapter, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		ctor, ok := constructors[pc.Name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
		adapters = append(adapters, ctor(pc))
	}
	return NewRegistry(adapters...), nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fetchErrors accumulates the failures of a multi-part fetch. An auth error
// aborts the fetch; anything else is kept so the partial result can still be
// returned.
type fetchErrors struct {
	auth error
	errs []error
}

// add records err for the named step and reports whether the fetch must stop.
func (f *fetchErrors) add(step string, err error) bool {
	if err == nil {
		return false
	}
	if apiclient.IsAuth(err) {
		f.auth = fmt.Errorf("%s: %w", step, err)
		return true
	}
	f.errs = append(f.errs, fmt.Errorf("%s: %w", step, err))
	return false
}

func (f *fetchErrors) err() error {
	if f.auth != nil {
		return f.auth
	}
	return errors.Join(f.errs...)
}
