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

// Package updates builds the unified notification feed. Signals are pulled
// from every connected provider plus internal reminders, keyed
// deterministically, and upserted so repeated refreshes update items in
// place. Only urgent items that were not already stored as urgent trigger a
// notification.
package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/execpilot/core/internal/credentials"
	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/provider"
)

// Source kinds reported in SourceCheck.
const (
	KindMail     = "mail"
	KindChat     = "chat"
	KindActivity = "activity"
	KindCalendar = "calendar"
	KindInternal = "reminders"
)

// SourceCheck statuses.
const (
	CheckNotConnected = "not_connected"
	CheckEmpty        = "checked_empty"
	CheckOK           = "checked_ok"
	CheckError        = "error"
)

// SourceCheck is the health of one source in one refresh.
type SourceCheck struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Items  int    `json:"items"`
	Error  string `json:"error,omitempty"`
}

// RefreshResult is returned by Refresh; it never carries a top-level error.
type RefreshResult struct {
	Items           []models.UpdateItem `json:"items"`
	SourceChecks    []SourceCheck       `json:"source_checks"`
	LastRefreshedAt time.Time           `json:"last_refreshed_at"`
	NewHighSeverity int                 `json:"new_high_severity"`
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Inserted int
	NewHigh  []models.UpdateItem
}

// Store is the persistence the aggregator needs.
type Store interface {
	ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error)
	UpsertUpdates(ctx context.Context, items []models.UpdateItem) (int, error)
	NotifiedKeys(ctx context.Context, tenantID string, keys []string) (map[string]bool, error)
	MarkNotified(ctx context.Context, tenantID string, keys []string) error
	ListFeed(ctx context.Context, tenantID string, limit int) ([]models.UpdateItem, error)
	ListOpenTasks(ctx context.Context, tenantID string) ([]models.Task, error)
	ListStakeholders(ctx context.Context, tenantID string) ([]models.Stakeholder, error)
	ListMeetingsWithActionItems(ctx context.Context, tenantID string) ([]models.Meeting, error)
}

// TokenSource hands out decrypted credentials.
type TokenSource interface {
	GetDecryptedToken(ctx context.Context, tenantID, provider string) (*oauth2.Token, error)
}

// Notifier receives newly urgent items after they are stored.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, items []models.UpdateItem) error
}

// Config holds the aggregator's tunables.
type Config struct {
	MailLookback      time.Duration
	ChatChannels      int
	CalendarLookahead time.Duration
	FeedLimit         int
	SourceTimeout     time.Duration
	MaxConcurrency    int
}

// Aggregator runs refreshes and ingests externally produced candidates.
type Aggregator struct {
	cfg      Config
	store    Store
	creds    TokenSource
	registry *provider.Registry
	notifier Notifier
	now      func() time.Time
}

// New creates an aggregator. A nil notifier disables notifications.
func New(cfg Config, st Store, creds TokenSource, reg *provider.Registry, n Notifier) *Aggregator {
	if cfg.FeedLimit <= 0 {
		cfg.FeedLimit = 100
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Aggregator{cfg: cfg, store: st, creds: creds, registry: reg, notifier: n, now: time.Now}
}

// collector fetches one (provider, kind) source.
type collector struct {
	source string
	kind   string
	fetch  func(ctx context.Context, tok *oauth2.Token, now time.Time) ([]models.UpdateItem, error)
}

// collectors lists every source capability of the registered adapters.
func (a *Aggregator) collectors() []collector {
	var out []collector
	for _, name := range a.registry.Names() {
		adapter, _ := a.registry.Get(name)
		source := name

		if ms, ok := adapter.(provider.MailSource); ok {
			out = append(out, collector{source, KindMail, func(ctx context.Context, tok *oauth2.Token, now time.Time) ([]models.UpdateItem, error) {
				emails, err := ms.RecentMail(ctx, tok, now.Add(-a.cfg.MailLookback))
				var items []models.UpdateItem
				for _, e := range emails {
					if item, ok := FromEmail(source, e); ok {
						items = append(items, item)
					}
				}
				return items, err
			}})
		}
		if cs, ok := adapter.(provider.ChatSource); ok {
			out = append(out, collector{source, KindChat, func(ctx context.Context, tok *oauth2.Token, now time.Time) ([]models.UpdateItem, error) {
				msgs, err := cs.RecentMessages(ctx, tok, now.Add(-a.cfg.MailLookback), a.cfg.ChatChannels)
				var items []models.UpdateItem
				for _, m := range msgs {
					if item, ok := FromChat(source, m); ok {
						items = append(items, item)
					}
				}
				return items, err
			}})
		}
		if as, ok := adapter.(provider.ActivitySource); ok {
			out = append(out, collector{source, KindActivity, func(ctx context.Context, tok *oauth2.Token, now time.Time) ([]models.UpdateItem, error) {
				events, err := as.RecentActivity(ctx, tok, now.Add(-a.cfg.MailLookback))
				var items []models.UpdateItem
				for _, e := range events {
					if item, ok := FromCodeEvent(source, e); ok {
						items = append(items, item)
					}
				}
				return items, err
			}})
		}
		if cs, ok := adapter.(provider.CalendarSource); ok {
			out = append(out, collector{source, KindCalendar, func(ctx context.Context, tok *oauth2.Token, now time.Time) ([]models.UpdateItem, error) {
				events, err := cs.UpcomingEvents(ctx, tok, now, now.Add(a.cfg.CalendarLookahead))
				var items []models.UpdateItem
				for _, e := range events {
					if item, ok := FromCalendarEvent(source, e, now, a.cfg.CalendarLookahead); ok {
						items = append(items, item)
					}
				}
				return items, err
			}})
		}
	}
	return out
}

// Refresh collects candidates from every source, ingests them, and returns
// the resulting feed. A failing source yields zero candidates and an error
// check; it never aborts the run.
func (a *Aggregator) Refresh(ctx context.Context, tenantID string) RefreshResult {
	now := a.now()
	result := RefreshResult{LastRefreshedAt: now}

	connected := make(map[string]bool)
	integrations, err := a.store.ListIntegrations(ctx, tenantID)
	if err != nil {
		slog.Error("list integrations for refresh", "tenant", tenantID, "error", err)
	}
	for _, in := range integrations {
		connected[in.Provider] = true
	}

	var (
		mu         sync.Mutex
		candidates []models.UpdateItem
		checks     []SourceCheck
	)
	record := func(check SourceCheck, items []models.UpdateItem) {
		mu.Lock()
		defer mu.Unlock()
		checks = append(checks, check)
		candidates = append(candidates, items...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)
	for _, c := range a.collectors() {
		if !connected[c.source] {
			record(SourceCheck{Source: c.source, Kind: c.kind, Status: CheckNotConnected}, nil)
			continue
		}
		g.Go(func() error {
			items, err := a.collect(gctx, tenantID, c, now)
			record(checkFor(c.source, c.kind, items, err), items)
			return nil
		})
	}
	g.Go(func() error {
		items, err := a.reminders(gctx, tenantID, now)
		record(checkFor(models.SourceInternal, KindInternal, items, err), items)
		return nil
	})
	_ = g.Wait()

	sort.Slice(checks, func(i, j int) bool {
		if checks[i].Source != checks[j].Source {
			return checks[i].Source < checks[j].Source
		}
		return checks[i].Kind < checks[j].Kind
	})
	result.SourceChecks = checks

	ingest, err := a.Ingest(ctx, tenantID, candidates)
	if err != nil {
		slog.Error("ingest refreshed updates", "tenant", tenantID, "error", err)
	}
	result.NewHighSeverity = len(ingest.NewHigh)

	feed, err := a.store.ListFeed(ctx, tenantID, a.cfg.FeedLimit)
	if err != nil {
		slog.Error("list feed", "tenant", tenantID, "error", err)
	}
	result.Items = feed

	slog.Info("updates refreshed",
		"tenant", tenantID,
		"candidates", len(candidates),
		"inserted", ingest.Inserted,
		"new_urgent", len(ingest.NewHigh),
		"feed", len(feed),
	)
	return result
}

func (a *Aggregator) collect(ctx context.Context, tenantID string, c collector, now time.Time) ([]models.UpdateItem, error) {
	tok, err := a.creds.GetDecryptedToken(ctx, tenantID, c.source)
	if err != nil {
		return nil, err
	}
	if a.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SourceTimeout)
		defer cancel()
	}

	items, err := c.fetch(ctx, tok, now)
	if err != nil {
		slog.Warn("update source failed", "tenant", tenantID, "provider", c.source, "kind", c.kind, "error", err)
		return nil, err
	}
	return items, nil
}

func (a *Aggregator) reminders(ctx context.Context, tenantID string, now time.Time) ([]models.UpdateItem, error) {
	var items []models.UpdateItem
	var errs []error

	tasks, err := a.store.ListOpenTasks(ctx, tenantID)
	if err != nil {
		errs = append(errs, fmt.Errorf("tasks: %w", err))
	}
	for _, t := range tasks {
		if item, ok := TaskReminder(t, now); ok {
			items = append(items, item)
		}
	}

	stakeholders, err := a.store.ListStakeholders(ctx, tenantID)
	if err != nil {
		errs = append(errs, fmt.Errorf("stakeholders: %w", err))
	}
	for _, s := range stakeholders {
		if item, ok := StakeholderReminder(s, now); ok {
			items = append(items, item)
		}
	}

	meetings, err := a.store.ListMeetingsWithActionItems(ctx, tenantID)
	if err != nil {
		errs = append(errs, fmt.Errorf("action items: %w", err))
	}
	for _, m := range meetings {
		items = append(items, ActionItemReminders(m, now)...)
	}

	return items, errors.Join(errs...)
}

func checkFor(source, kind string, items []models.UpdateItem, err error) SourceCheck {
	check := SourceCheck{Source: source, Kind: kind, Items: len(items)}
	switch {
	case errors.Is(err, credentials.ErrNotConnected):
		check.Status = CheckNotConnected
	case err != nil && len(items) == 0:
		check.Status = CheckError
		check.Error = err.Error()
	case err != nil:
		// internal reminders may be partial
		check.Status = CheckOK
		check.Error = err.Error()
	case len(items) == 0:
		check.Status = CheckEmpty
	default:
		check.Status = CheckOK
	}
	return check
}

// Ingest upserts candidates for tenantID and notifies about urgent items that
// were not already stored as urgent and notified. An item is marked notified
// only after the notifier accepts it, so a failed notification is retried on
// the next ingest. Duplicate keys within the batch collapse to the last
// occurrence.
func (a *Aggregator) Ingest(ctx context.Context, tenantID string, items []models.UpdateItem) (IngestResult, error) {
	var result IngestResult
	if len(items) == 0 {
		return result, nil
	}

	byKey := make(map[string]int, len(items))
	batch := make([]models.UpdateItem, 0, len(items))
	for _, item := range items {
		item.TenantID = tenantID
		if i, ok := byKey[item.Key()]; ok {
			batch[i] = item
			continue
		}
		byKey[item.Key()] = len(batch)
		batch = append(batch, item)
	}

	var urgentKeys []string
	for _, item := range batch {
		if item.Severity == models.SeverityUrgent {
			urgentKeys = append(urgentKeys, item.Key())
		}
	}
	var existing map[string]bool
	if len(urgentKeys) > 0 {
		var err error
		existing, err = a.store.NotifiedKeys(ctx, tenantID, urgentKeys)
		if err != nil {
			return result, fmt.Errorf("load notified urgent items: %w", err)
		}
	}
	for _, item := range batch {
		if item.Severity == models.SeverityUrgent && !existing[item.Key()] {
			result.NewHigh = append(result.NewHigh, item)
		}
	}

	inserted, err := a.store.UpsertUpdates(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("upsert updates: %w", err)
	}
	result.Inserted = inserted

	if len(result.NewHigh) == 0 {
		return result, nil
	}
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, tenantID, result.NewHigh); err != nil {
			slog.Error("notify new urgent updates, will retry on next ingest",
				"tenant", tenantID,
				"count", len(result.NewHigh),
				"error", err,
			)
			return result, nil
		}
	}
	keys := make([]string, len(result.NewHigh))
	for i, item := range result.NewHigh {
		keys[i] = item.Key()
	}
	if err := a.store.MarkNotified(ctx, tenantID, keys); err != nil {
		slog.Error("mark urgent updates notified", "tenant", tenantID, "count", len(keys), "error", err)
	}
	return result, nil
}
