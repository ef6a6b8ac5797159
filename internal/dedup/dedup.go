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

// Package dedup provides claim-once semantics using Redis SETNX with a TTL.
// It guards notification digests against overlapping refreshes and keeps a
// meeting from being queued for enrichment on every sync.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a claim is remembered when no TTL is given.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "execpilot:seen:"
)

// Filter tracks which ids have already been claimed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a filter backed by Redis. A non-positive ttl uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsNew returns true if id has NOT been claimed before, claiming it
// atomically in the same call.
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	key := keyPrefix + id

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Release drops a claim so the id can be claimed again, used when the work
// the claim guarded could not be handed off.
func (f *Filter) Release(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
