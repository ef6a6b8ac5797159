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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OAuthState binds an authorization round trip to a tenant and provider.
type OAuthState struct {
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore keeps pending OAuth states. Take is single-use.
type StateStore interface {
	Put(ctx context.Context, state string, s OAuthState) error
	Take(ctx context.Context, state string) (*OAuthState, error)
}

const (
	stateKeyPrefix = "execpilot:oauth:"
	stateTTL       = 10 * time.Minute
)

// RedisStateStore stores states in Redis with a short TTL.
type RedisStateStore struct {
	rdb *redis.Client
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

// Put records state until it is taken or expires.
func (s *RedisStateStore) Put(ctx context.Context, state string, st OAuthState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKeyPrefix+state, b, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}
	return nil
}

// Take returns and deletes state. Unknown or expired states yield nil, nil.
func (s *RedisStateStore) Take(ctx context.Context, state string) (*OAuthState, error) {
	raw, err := s.rdb.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GETDEL: %w", err)
	}
	var st OAuthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	return &st, nil
}
