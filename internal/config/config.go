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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds OAuth client settings for a single provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	BaseURL      string // API root override, mostly for tests and self-hosted instances
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Options      map[string]string
}

// AIConfig configures the text-generation capability. An empty BaseURL
// disables it.
type AIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Enabled reports whether an AI endpoint is configured.
func (a AIConfig) Enabled() bool {
	return strings.TrimSpace(a.BaseURL) != ""
}

// Config holds all configuration for the sync service.
type Config struct {
	Providers []ProviderConfig

	// Storage
	DatabaseDriver string // "postgres" or "memory"
	DatabaseURL    string

	// Redis
	RedisURL         string
	EnrichmentQueue  string
	DigestQueue      string
	NotifyDedupTTL   time.Duration
	CredentialKeyHex string

	AI AIConfig

	// Sync
	SyncInterval    time.Duration
	ProviderTimeout time.Duration
	MaxConcurrency  int

	// Updates
	UpdatesInterval   time.Duration
	MailLookback      time.Duration
	ChatChannels      int
	CalendarLookahead time.Duration
	FeedLimit         int

	// Server
	Port      int
	PublicURL string
	LogLevel  slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port      int    `yaml:"port"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Enrichment string `yaml:"enrichment"`
			Digests    string `yaml:"digests"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Credentials struct {
		Key string `yaml:"key"`
	} `yaml:"credentials"`
	AI struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		Timeout string `yaml:"timeout"`
	} `yaml:"ai"`
	Sync struct {
		Interval        string `yaml:"interval"`
		ProviderTimeout string `yaml:"provider_timeout"`
		MaxConcurrency  int    `yaml:"max_concurrency"`
	} `yaml:"sync"`
	Updates struct {
		Interval          string `yaml:"interval"`
		MailLookback      string `yaml:"mail_lookback"`
		ChatChannels      int    `yaml:"chat_channels"`
		CalendarLookahead string `yaml:"calendar_lookahead"`
		FeedLimit         int    `yaml:"feed_limit"`
	} `yaml:"updates"`
	Providers []struct {
		Name         string            `yaml:"name"`
		ClientID     string            `yaml:"client_id"`
		ClientSecret string            `yaml:"client_secret"`
		BaseURL      string            `yaml:"base_url"`
		AuthURL      string            `yaml:"auth_url"`
		TokenURL     string            `yaml:"token_url"`
		Scopes       []string          `yaml:"scopes"`
		Options      map[string]string `yaml:"options"`
	} `yaml:"providers"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML bytes. ${VAR} references are expanded
// from the environment before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseDriver:    firstNonEmpty(raw.Database.Driver, envOrDefault("DATABASE_DRIVER", "postgres")),
		DatabaseURL:       firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:          firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EnrichmentQueue:   firstNonEmpty(raw.Redis.Queues.Enrichment, envOrDefault("ENRICHMENT_QUEUE", "meeting_enrichment")),
		DigestQueue:       firstNonEmpty(raw.Redis.Queues.Digests, envOrDefault("DIGEST_QUEUE", "update_digests")),
		NotifyDedupTTL:    envOrDefaultDuration("NOTIFY_DEDUP_TTL", 72*time.Hour),
		CredentialKeyHex:  firstNonEmpty(raw.Credentials.Key, envOrDefault("CREDENTIAL_KEY", "")),
		SyncInterval:      durationOr(raw.Sync.Interval, envOrDefaultDuration("SYNC_INTERVAL", 15*time.Minute)),
		ProviderTimeout:   durationOr(raw.Sync.ProviderTimeout, envOrDefaultDuration("PROVIDER_TIMEOUT", 45*time.Second)),
		MaxConcurrency:    intOr(raw.Sync.MaxConcurrency, envOrDefaultInt("SYNC_MAX_CONCURRENCY", 4)),
		UpdatesInterval:   durationOr(raw.Updates.Interval, envOrDefaultDuration("UPDATES_INTERVAL", 5*time.Minute)),
		MailLookback:      durationOr(raw.Updates.MailLookback, 72*time.Hour),
		ChatChannels:      intOr(raw.Updates.ChatChannels, 5),
		CalendarLookahead: durationOr(raw.Updates.CalendarLookahead, 72*time.Hour),
		FeedLimit:         intOr(raw.Updates.FeedLimit, 100),
		Port:              intOr(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		PublicURL:         firstNonEmpty(raw.Server.PublicURL, envOrDefault("PUBLIC_URL", "http://localhost:8080")),
		LogLevel:          parseLevel(envOrDefault("LOG_LEVEL", "info")),
		AI: AIConfig{
			BaseURL: firstNonEmpty(raw.AI.BaseURL, envOrDefault("AI_BASE_URL", "")),
			APIKey:  firstNonEmpty(raw.AI.APIKey, envOrDefault("AI_API_KEY", "")),
			Model:   firstNonEmpty(raw.AI.Model, envOrDefault("AI_MODEL", "gpt-4o-mini")),
			Timeout: durationOr(raw.AI.Timeout, 20*time.Second),
		},
	}

	switch cfg.DatabaseDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	for _, p := range raw.Providers {
		pc := ProviderConfig{
			Name:         strings.ToLower(strings.TrimSpace(p.Name)),
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			BaseURL:      strings.TrimRight(p.BaseURL, "/"),
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			Scopes:       p.Scopes,
			Options:      p.Options,
		}

		// Skip providers with empty credentials (commented out in YAML)
		if pc.Name == "" || pc.ClientID == "" || pc.ClientSecret == "" {
			continue
		}

		cfg.Providers = append(cfg.Providers, pc)
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured, check config.yaml and environment variables")
	}

	return cfg, nil
}

// Provider returns the configuration for the named provider, if present.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
