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

// Package discovery narrows the team members a provider's directory reports
// using config-driven include and exclude lists.
package discovery

import (
	"log/slog"
	"strings"

	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

// Provider option keys holding comma-separated email lists.
const (
	OptionInclude = "include_members"
	OptionExclude = "exclude_members"
)

// Roster applies overrides to discovered team members.
//
// Hybrid strategy:
//   - If include is non-empty, only members whose email is listed are kept.
//   - Otherwise every discovered member with an email is kept.
//   - In both cases, excluded emails are removed from the final set.
type Roster struct {
	include map[string]bool
	exclude map[string]bool
}

// NewRoster builds a roster from explicit lists. Matching is case-insensitive.
func NewRoster(include, exclude []string) *Roster {
	return &Roster{include: toSet(include), exclude: toSet(exclude)}
}

// FromConfig builds one roster per provider that configures overrides.
func FromConfig(cfg *config.Config) map[string]*Roster {
	out := make(map[string]*Roster)
	for _, pc := range cfg.Providers {
		include := splitList(pc.Options[OptionInclude])
		exclude := splitList(pc.Options[OptionExclude])
		if len(include) == 0 && len(exclude) == 0 {
			continue
		}
		out[pc.Name] = NewRoster(include, exclude)
		slog.Info("team member overrides configured",
			"provider", pc.Name,
			"include", len(include),
			"exclude", len(exclude),
		)
	}
	return out
}

// Apply returns the members that pass the overrides. A nil roster keeps
// everything.
func (r *Roster) Apply(members []models.TeamMember) []models.TeamMember {
	if r == nil {
		return members
	}
	kept := members[:0:0]
	for _, m := range members {
		mail := strings.ToLower(strings.TrimSpace(m.Email))
		if len(r.include) > 0 && !r.include[mail] {
			continue
		}
		// Skip members without a mailbox
		if len(r.include) == 0 && mail == "" {
			continue
		}
		if r.exclude[mail] {
			slog.Debug("excluding team member", "email", m.Email)
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
