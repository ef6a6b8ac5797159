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

package updates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/execpilot/core/internal/models"
)

// Claimer atomically marks an id as seen. dedup.Filter implements it.
type Claimer interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// DigestPublisher enqueues a notification digest. queue.Publisher implements it.
type DigestPublisher interface {
	PublishDigest(ctx context.Context, tenantID string, items []models.UpdateItem) error
}

// DigestNotifier claims each item before publishing so that two overlapping
// refreshes cannot notify about the same item twice.
type DigestNotifier struct {
	claims    Claimer
	publisher DigestPublisher
}

// NewDigestNotifier creates a notifier backed by a claim filter and a job queue.
func NewDigestNotifier(claims Claimer, publisher DigestPublisher) *DigestNotifier {
	return &DigestNotifier{claims: claims, publisher: publisher}
}

// Notify publishes one digest with the items this call managed to claim.
// Claims are released when claiming or publishing fails so a later call can
// deliver the same items.
func (n *DigestNotifier) Notify(ctx context.Context, tenantID string, items []models.UpdateItem) error {
	claimed := make([]models.UpdateItem, 0, len(items))
	for _, item := range items {
		ok, err := n.claims.IsNew(ctx, claimID(tenantID, item))
		if err != nil {
			n.release(ctx, tenantID, claimed)
			return fmt.Errorf("claim %s: %w", item.Key(), err)
		}
		if ok {
			claimed = append(claimed, item)
		}
	}
	if len(claimed) == 0 {
		slog.Debug("all urgent updates already notified", "tenant", tenantID, "count", len(items))
		return nil
	}
	if err := n.publisher.PublishDigest(ctx, tenantID, claimed); err != nil {
		n.release(ctx, tenantID, claimed)
		return fmt.Errorf("publish digest: %w", err)
	}
	return nil
}

func (n *DigestNotifier) release(ctx context.Context, tenantID string, items []models.UpdateItem) {
	for _, item := range items {
		if err := n.claims.Release(context.WithoutCancel(ctx), claimID(tenantID, item)); err != nil {
			slog.Warn("failed to release notify claim", "tenant", tenantID, "key", item.Key(), "error", err)
		}
	}
}

func claimID(tenantID string, item models.UpdateItem) string {
	return "notify:" + tenantID + ":" + item.Key()
}

// LogNotifier only logs. It is used when no queue is available.
type LogNotifier struct{}

// Notify logs each item at info level.
func (LogNotifier) Notify(ctx context.Context, tenantID string, items []models.UpdateItem) error {
	for _, item := range items {
		slog.Info("urgent update",
			"tenant", tenantID,
			"source", item.Source,
			"type", item.Type,
			"title", item.Title,
		)
	}
	return nil
}
