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

// Package api exposes sync, update feed, classification, and OAuth
// connection endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/classifier"
	"github.com/execpilot/core/internal/models"
	"github.com/execpilot/core/internal/provider"
	"github.com/execpilot/core/internal/store"
	"github.com/execpilot/core/internal/syncer"
	"github.com/execpilot/core/internal/updates"
)

// Syncer runs sync passes.
type Syncer interface {
	Sync(ctx context.Context, tenantID, providerFilter string) syncer.Report
}

// Refresher refreshes the update feed.
type Refresher interface {
	Refresh(ctx context.Context, tenantID string) updates.RefreshResult
}

// Classifier labels calendar entries.
type Classifier interface {
	Classify(ctx context.Context, ec classifier.EventContext) classifier.Verdict
}

// Store is the persistence the API reads and writes directly.
type Store interface {
	ListFeed(ctx context.Context, tenantID string, limit int) ([]models.UpdateItem, error)
	SetUpdateFlags(ctx context.Context, tenantID, source, externalID string, read, dismissed *bool) error
	DeleteIntegration(ctx context.Context, tenantID, provider string) error
}

// TokenSaver persists credentials obtained through OAuth.
type TokenSaver interface {
	SaveTokens(ctx context.Context, tenantID, provider string, tok *oauth2.Token) error
}

// Config wires the handler.
type Config struct {
	Syncer     Syncer
	Updates    Refresher
	Classifier Classifier
	Store      Store
	Tokens     TokenSaver
	States     StateStore
	Registry   *provider.Registry
	PublicURL  string
	FeedLimit  int
	Health     func(ctx context.Context) error
}

// Handler serves the HTTP API.
type Handler struct {
	cfg Config
}

// NewHandler creates the API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.FeedLimit <= 0 {
		cfg.FeedLimit = 100
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Handler{cfg: cfg}
}

// Router returns the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	// external ids may contain escaped slashes
	r.UseEncodedPath()
	r.Use(logRequests)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/classify", h.classify).Methods(http.MethodPost)
	api.HandleFunc("/oauth/{provider}/start", h.oauthStart).Methods(http.MethodGet)
	api.HandleFunc("/oauth/{provider}/callback", h.oauthCallback).Methods(http.MethodGet)

	t := api.PathPrefix("/tenants/{tenant}").Subrouter()
	t.HandleFunc("/sync", h.sync).Methods(http.MethodPost)
	t.HandleFunc("/updates", h.feed).Methods(http.MethodGet)
	t.HandleFunc("/updates/refresh", h.refresh).Methods(http.MethodPost)
	t.HandleFunc("/updates/{source}/{externalId}/{action:read|unread|dismiss}", h.flag).Methods(http.MethodPost)
	t.HandleFunc("/integrations/{provider}", h.disconnect).Methods(http.MethodDelete)
	return r
}

// vars returns the unescaped route variables.
func vars(r *http.Request) map[string]string {
	out := mux.Vars(r)
	for k, v := range out {
		if u, err := url.PathUnescape(v); err == nil {
			out[k] = u
		}
	}
	return out
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sync POST /api/tenants/{tenant}/sync[?provider=]
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	tenant := vars(r)["tenant"]
	providerName := r.URL.Query().Get("provider")
	if providerName != "" {
		if _, ok := h.cfg.Registry.Get(providerName); !ok {
			writeError(w, http.StatusBadRequest, "unknown provider "+providerName)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.cfg.Syncer.Sync(r.Context(), tenant, providerName))
}

// refresh POST /api/tenants/{tenant}/updates/refresh
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Updates.Refresh(r.Context(), vars(r)["tenant"]))
}

// feed GET /api/tenants/{tenant}/updates[?limit=]
func (h *Handler) feed(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.FeedLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.cfg.FeedLimit)
	}

	items, err := h.cfg.Store.ListFeed(r.Context(), vars(r)["tenant"], limit)
	if err != nil {
		slog.Error("list feed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	if items == nil {
		items = []models.UpdateItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// flag POST /api/tenants/{tenant}/updates/{source}/{externalId}/{read|unread|dismiss}
func (h *Handler) flag(w http.ResponseWriter, r *http.Request) {
	v := vars(r)
	var read, dismissed *bool
	yes, no := true, false
	switch v["action"] {
	case "read":
		read = &yes
	case "unread":
		read = &no
	case "dismiss":
		dismissed = &yes
	}

	err := h.cfg.Store.SetUpdateFlags(r.Context(), v["tenant"], v["source"], v["externalId"], read, dismissed)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "update not found")
		return
	}
	if err != nil {
		slog.Error("set update flags", "tenant", v["tenant"], "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// classify POST /api/classify
func (h *Handler) classify(w http.ResponseWriter, r *http.Request) {
	var ec classifier.EventContext
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(ec.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Classifier.Classify(r.Context(), ec))
}

func (h *Handler) redirectURL(providerName string) string {
	return h.cfg.PublicURL + "/api/oauth/" + url.PathEscape(providerName) + "/callback"
}

// oauthStart GET /api/oauth/{provider}/start?tenant=
func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request) {
	providerName := vars(r)["provider"]
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	adapter, ok := h.cfg.Registry.Get(providerName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider "+providerName)
		return
	}

	state := uuid.New().String()
	if err := h.cfg.States.Put(r.Context(), state, OAuthState{TenantID: tenant, Provider: providerName, CreatedAt: time.Now().UTC()}); err != nil {
		slog.Error("store oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	http.Redirect(w, r, adapter.AuthURL(h.redirectURL(providerName), state), http.StatusFound)
}

// oauthCallback GET /api/oauth/{provider}/callback?code=&state=
func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	providerName := vars(r)["provider"]
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	st, err := h.cfg.States.Take(r.Context(), state)
	if err != nil {
		slog.Error("load oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to complete authorization")
		return
	}
	if st == nil || st.Provider != providerName {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}
	adapter, ok := h.cfg.Registry.Get(providerName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider "+providerName)
		return
	}

	tok, err := adapter.ExchangeCode(r.Context(), code, h.redirectURL(providerName))
	if err != nil {
		slog.Warn("oauth code exchange failed", "tenant", st.TenantID, "provider", providerName, "error", err)
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	if err := h.cfg.Tokens.SaveTokens(r.Context(), st.TenantID, providerName, tok); err != nil {
		slog.Error("save tokens", "tenant", st.TenantID, "provider", providerName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}

	slog.Info("integration connected", "tenant", st.TenantID, "provider", providerName)
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": st.TenantID,
		"provider":  providerName,
		"status":    models.IntegrationConnected,
	})
}

// disconnect DELETE /api/tenants/{tenant}/integrations/{provider}
func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	v := vars(r)
	err := h.cfg.Store.DeleteIntegration(r.Context(), v["tenant"], v["provider"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "integration not found")
		return
	}
	if err != nil {
		slog.Error("delete integration", "tenant", v["tenant"], "provider", v["provider"], "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	slog.Info("integration disconnected", "tenant", v["tenant"], "provider", v["provider"])
	w.WriteHeader(http.StatusNoContent)
}
