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

// Package syncer drives synchronization passes: for each connected provider
// of a tenant it fetches normalized data through the adapter, classifies
// meetings, upserts everything by natural key, and records a SyncRun.
// Providers are isolated from each other; a sync always returns a report.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/classifier"
	"github.com/execpilot/core/internal/credentials"
	"github.com/execpilot/core/internal/discovery"
	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/provider"
	"github.com/execpilot/core/internal/updates"
)

// StatusNotConnected marks a requested provider the tenant never connected.
const StatusNotConnected = "not_connected"

// Store is the persistence the orchestrator needs.
type Store interface {
	ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error)
	GetIntegration(ctx context.Context, tenantID, provider string) (*models.Integration, error)
	SetIntegrationStatus(ctx context.Context, tenantID, provider, status string) error
	MergeIntegrationMetadata(ctx context.Context, tenantID, provider string, md map[string]any) error
	UpsertMeeting(ctx context.Context, m *models.Meeting) (bool, error)
	UpsertTask(ctx context.Context, t *models.Task) (bool, error)
	UpsertTeamMember(ctx context.Context, tm *models.TeamMember) (bool, error)
	InsertSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, id, status, errMsg string) error
}

// Credentials hands out and renews decrypted tokens.
type Credentials interface {
	GetDecryptedToken(ctx context.Context, tenantID, provider string) (*oauth2.Token, error)
	RefreshTokens(ctx context.Context, tenantID, provider string, r credentials.Refresher, current *oauth2.Token) (*oauth2.Token, error)
}

// Classifier labels calendar entries.
type Classifier interface {
	Classify(ctx context.Context, ec classifier.EventContext) classifier.Verdict
}

// UpdateSink ingests feed candidates. updates.Aggregator implements it.
type UpdateSink interface {
	Ingest(ctx context.Context, tenantID string, items []models.UpdateItem) (updates.IngestResult, error)
}

// EnrichmentQueue schedules background meeting analysis.
type EnrichmentQueue interface {
	PublishEnrichment(ctx context.Context, tenantID, calendarEventID string) error
}

// Config holds the orchestrator's dependencies and limits.
type Config struct {
	Store       Store
	Credentials Credentials
	Registry    *provider.Registry
	Classifier  Classifier
	Updates     UpdateSink
	Enrichment  EnrichmentQueue // optional

	// Rosters filters discovered team members per provider name.
	Rosters map[string]*discovery.Roster

	ProviderTimeout time.Duration
	MaxConcurrency  int
}

// ProviderResult is the outcome for one provider.
type ProviderResult struct {
	Provider      string        `json:"provider"`
	Status        string        `json:"status"`
	RunID         string        `json:"run_id,omitempty"`
	Meetings      int           `json:"meetings"`
	NewMeetings   int           `json:"new_meetings"`
	Tasks         int           `json:"tasks"`
	TeamMembers   int           `json:"team_members"`
	Updates       int           `json:"updates"`
	Error         string        `json:"error,omitempty"`
	NeedReconnect bool          `json:"need_reconnect,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Report is the result of one Sync call.
type Report struct {
	TenantID  string           `json:"tenant_id"`
	Success   bool             `json:"success"`
	Providers []ProviderResult `json:"providers"`
	Elapsed   time.Duration    `json:"elapsed"`
}

// Orchestrator runs sync passes.
type Orchestrator struct {
	cfg   Config
	locks *keyedMutex
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 45 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Orchestrator{cfg: cfg, locks: newKeyedMutex()}
}

// Sync runs one pass for tenantID, limited to providerFilter when it is not
// empty. Per-provider failures are reported, never returned.
func (o *Orchestrator) Sync(ctx context.Context, tenantID, providerFilter string) Report {
	start := time.Now()
	report := Report{TenantID: tenantID}

	integrations, err := o.integrations(ctx, tenantID, providerFilter)
	if err != nil {
		slog.Error("load integrations", "tenant", tenantID, "error", err)
		name := providerFilter
		if name == "" {
			name = "all"
		}
		report.Providers = []ProviderResult{{Provider: name, Status: models.RunFailed, Error: err.Error()}}
		report.Elapsed = time.Since(start)
		return report
	}
	if providerFilter != "" && len(integrations) == 0 {
		report.Success = true
		report.Providers = []ProviderResult{{Provider: providerFilter, Status: StatusNotConnected}}
		report.Elapsed = time.Since(start)
		return report
	}

	slog.Info("starting sync", "tenant", tenantID, "providers", len(integrations))

	results := make([]ProviderResult, len(integrations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, in := range integrations {
		g.Go(func() error {
			results[i] = o.syncProvider(gctx, in)
			return nil
		})
	}
	_ = g.Wait()

	report.Providers = results
	report.Success = true
	for _, r := range results {
		if r.Status == models.RunFailed {
			report.Success = false
		}
	}
	report.Elapsed = time.Since(start)

	slog.Info("sync complete",
		"tenant", tenantID,
		"providers", len(results),
		"success", report.Success,
		"elapsed", report.Elapsed,
	)
	return report
}

func (o *Orchestrator) integrations(ctx context.Context, tenantID, providerFilter string) ([]models.Integration, error) {
	if providerFilter == "" {
		return o.cfg.Store.ListIntegrations(ctx, tenantID)
	}
	in, err := o.cfg.Store.GetIntegration(ctx, tenantID, providerFilter)
	if err != nil || in == nil {
		return nil, err
	}
	return []models.Integration{*in}, nil
}

// syncProvider handles one integration end to end.
func (o *Orchestrator) syncProvider(ctx context.Context, in models.Integration) (res ProviderResult) {
	start := time.Now()
	res = ProviderResult{Provider: in.Provider}
	log := slog.With("tenant", in.TenantID, "provider", in.Provider)

	unlock, err := o.locks.lock(ctx, in.TenantID+"/"+in.Provider)
	if err != nil {
		res.Status, res.Error = models.RunFailed, err.Error()
		return res
	}
	defer unlock()

	run := &models.SyncRun{
		ID:        uuid.New().String(),
		TenantID:  in.TenantID,
		Provider:  in.Provider,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := o.cfg.Store.InsertSyncRun(ctx, run); err != nil {
		log.Warn("record sync run", "error", err)
	}
	res.RunID = run.ID

	defer func() {
		res.Elapsed = time.Since(start)
		// the run record outlives a cancelled sync
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.cfg.Store.FinishSyncRun(finishCtx, run.ID, res.Status, res.Error); err != nil {
			log.Warn("finish sync run", "error", err)
		}
	}()

	adapter, ok := o.cfg.Registry.Get(in.Provider)
	if !ok {
		res.Status, res.Error = models.RunFailed, "provider not configured"
		log.Error("provider not configured")
		return res
	}

	data, fetchErr := o.fetch(ctx, in, adapter, &res)
	if data.Empty() && fetchErr != nil {
		res.Status, res.Error = models.RunFailed, fetchErr.Error()
		log.Error("provider sync failed", "error", fetchErr, "reconnect", res.NeedReconnect)
		return res
	}
	if data == nil {
		data = &models.SyncResult{}
	}

	persistErr := o.persist(ctx, in.TenantID, in.Provider, data, &res)
	if err := errors.Join(fetchErr, persistErr); err != nil {
		res.Status, res.Error = models.RunPartialSuccess, err.Error()
		log.Warn("provider sync partially succeeded", "error", err)
	} else {
		res.Status = models.RunSuccess
	}

	if in.Status != models.IntegrationConnected && res.Status == models.RunSuccess {
		if err := o.cfg.Store.SetIntegrationStatus(ctx, in.TenantID, in.Provider, models.IntegrationConnected); err != nil {
			log.Warn("mark integration connected", "error", err)
		}
	}

	log.Info("provider sync finished",
		"status", res.Status,
		"meetings", res.Meetings,
		"new_meetings", res.NewMeetings,
		"tasks", res.Tasks,
		"team_members", res.TeamMembers,
		"updates", res.Updates,
	)
	return res
}

// fetch decrypts the credential, refreshes it when expired, and calls the
// adapter under the provider timeout. A rejected credential is refreshed and
// retried once; when that is impossible the integration is flagged for
// reconnection.
func (o *Orchestrator) fetch(ctx context.Context, in models.Integration, adapter provider.Adapter, res *ProviderResult) (*models.SyncResult, error) {
	tok, err := o.cfg.Credentials.GetDecryptedToken(ctx, in.TenantID, in.Provider)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	refresher, _ := adapter.(provider.Refresher)
	refreshed := false
	if !tok.Valid() && refresher != nil && tok.RefreshToken != "" {
		if fresh, err := o.cfg.Credentials.RefreshTokens(ctx, in.TenantID, in.Provider, refresher, tok); err != nil {
			slog.Warn("refresh expired credential", "tenant", in.TenantID, "provider", in.Provider, "error", err)
		} else {
			tok, refreshed = fresh, true
		}
	}

	data, err := o.call(ctx, in.TenantID, adapter, tok)
	if !apiclient.IsAuth(err) {
		return data, err
	}

	if !refreshed {
		fresh, rerr := o.cfg.Credentials.RefreshTokens(ctx, in.TenantID, in.Provider, asRefresher(refresher), tok)
		if rerr == nil {
			data, err = o.call(ctx, in.TenantID, adapter, fresh)
			if !apiclient.IsAuth(err) {
				return data, err
			}
		} else if !errors.Is(rerr, credentials.ErrNoRefresh) {
			slog.Warn("refresh rejected credential", "tenant", in.TenantID, "provider", in.Provider, "error", rerr)
		}
	}

	res.NeedReconnect = true
	if serr := o.cfg.Store.SetIntegrationStatus(ctx, in.TenantID, in.Provider, models.IntegrationReconnectRequired); serr != nil {
		slog.Warn("mark integration reconnect_required", "tenant", in.TenantID, "provider", in.Provider, "error", serr)
	}
	return data, fmt.Errorf("reconnect required: %w", err)
}

// asRefresher avoids handing a typed nil to the credential provider.
func asRefresher(r provider.Refresher) credentials.Refresher {
	if r == nil {
		return nil
	}
	return r
}

func (o *Orchestrator) call(ctx context.Context, tenantID string, adapter provider.Adapter, tok *oauth2.Token) (*models.SyncResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	data, err := adapter.SyncData(callCtx, tenantID, tok)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	return data, err
}

// persist classifies and upserts everything in data. Storage failures are
// collected per record so one bad row does not stop the batch.
func (o *Orchestrator) persist(ctx context.Context, tenantID, providerName string, data *models.SyncResult, res *ProviderResult) error {
	var errs []error
	var items []models.UpdateItem

	for i := range data.Meetings {
		m := &data.Meetings[i]
		m.TenantID = tenantID
		if m.Source == "" {
			m.Source = providerName
		}
		v := o.cfg.Classifier.Classify(ctx, classifier.ContextFromMeeting(*m))
		m.Type, m.Confidence, m.Reasoning = v.Type, v.Confidence, v.Reason

		created, err := o.cfg.Store.UpsertMeeting(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("meeting %s: %w", m.CalendarEventID, err))
			continue
		}
		res.Meetings++
		if created {
			res.NewMeetings++
			items = append(items, updates.MeetingScheduled(*m))
		}
		if m.Transcript != nil && m.Status == models.StatusProcessing && o.cfg.Enrichment != nil {
			if err := o.cfg.Enrichment.PublishEnrichment(ctx, tenantID, m.CalendarEventID); err != nil {
				slog.Warn("queue meeting enrichment", "tenant", tenantID, "meeting", m.CalendarEventID, "error", err)
			}
		}
	}

	for i := range data.Tasks {
		t := &data.Tasks[i]
		t.TenantID = tenantID
		if t.Source == "" {
			t.Source = providerName
		}
		if _, err := o.cfg.Store.UpsertTask(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ExternalID, err))
			continue
		}
		res.Tasks++
	}

	members := o.cfg.Rosters[providerName].Apply(data.TeamMembers)
	for i := range members {
		tm := &members[i]
		tm.TenantID = tenantID
		if len(tm.Sources) == 0 {
			tm.Sources = []string{providerName}
		}
		if _, err := o.cfg.Store.UpsertTeamMember(ctx, tm); err != nil {
			errs = append(errs, fmt.Errorf("team member %s: %w", tm.ExternalID, err))
			continue
		}
		res.TeamMembers++
	}

	for _, e := range data.Emails {
		if item, ok := updates.FromEmail(providerName, e); ok {
			items = append(items, item)
		}
	}
	if len(items) > 0 {
		ingested, err := o.cfg.Updates.Ingest(ctx, tenantID, items)
		if err != nil {
			errs = append(errs, fmt.Errorf("updates: %w", err))
		}
		res.Updates = ingested.Inserted
	}

	if len(data.Custom) > 0 {
		md := make(map[string]any, len(data.Custom)+1)
		for k, v := range data.Custom {
			md[k] = v
		}
		md["last_synced_at"] = time.Now().UTC()
		if err := o.cfg.Store.MergeIntegrationMetadata(ctx, tenantID, providerName, md); err != nil {
			errs = append(errs, fmt.Errorf("metadata: %w", err))
		}
	}

	return errors.Join(errs...)
}

