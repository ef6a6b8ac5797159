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

// Package queue moves background jobs through Redis lists using the Celery
// message envelope, so the digest mailer and the in-process enrichment
// worker read the same format.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/execpilot/core/internal/models"
)

// Task names carried in the envelope headers.
const (
	TaskEnrichMeeting = "copilot.tasks.enrich_meeting"
	TaskSendDigest    = "copilot.tasks.send_digest"
)

// EnrichmentJob asks for AI analysis of one meeting.
type EnrichmentJob struct {
	TenantID        string    `json:"tenant_id"`
	CalendarEventID string    `json:"calendar_event_id"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// DigestJob carries newly urgent feed items for one tenant.
type DigestJob struct {
	TenantID  string              `json:"tenant_id"`
	Items     []models.UpdateItem `json:"items"`
	CreatedAt time.Time           `json:"created_at"`
}

// Claimer is satisfied by dedup.Filter.
type Claimer interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Publisher sends jobs to Redis in Celery task format.
type Publisher struct {
	rdb             *redis.Client
	enrichmentQueue string
	digestQueue     string
	claims          Claimer
}

// NewPublisher creates a publisher for the two job queues. When claims is
// non-nil a meeting is queued for enrichment at most once per claim TTL.
func NewPublisher(rdb *redis.Client, enrichmentQueue, digestQueue string, claims Claimer) *Publisher {
	return &Publisher{
		rdb:             rdb,
		enrichmentQueue: enrichmentQueue,
		digestQueue:     digestQueue,
		claims:          claims,
	}
}

// celeryTask represents a Celery-compatible task message.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// encode builds the envelope for one job. The payload travels as the single
// positional argument, JSON-encoded.
func encode(queueName, taskName string, payload any) (string, []byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}

	taskID := uuid.New().String()
	task := celeryTask{
		ID:     taskID,
		Task:   taskName,
		Args:   []interface{}{string(payloadJSON)},
		Kwargs: map[string]interface{}{},
	}
	taskBody, err := json.Marshal(task)
	if err != nil {
		return "", nil, fmt.Errorf("marshal celery task: %w", err)
	}

	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       queueName,
			"routing_key":    queueName,
			"delivery_info": map[string]string{
				"exchange":    queueName,
				"routing_key": queueName,
			},
		},
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("marshal celery message: %w", err)
	}
	return taskID, msgJSON, nil
}

func (p *Publisher) publish(ctx context.Context, queueName, taskName string, payload any) (string, error) {
	taskID, msg, err := encode(queueName, taskName, payload)
	if err != nil {
		return "", err
	}
	// Celery consumers BRPOP, so producers LPUSH.
	if err := p.rdb.LPush(ctx, queueName, msg).Err(); err != nil {
		return "", fmt.Errorf("redis LPUSH: %w", err)
	}
	return taskID, nil
}

// PublishEnrichment queues AI analysis for a meeting.
func (p *Publisher) PublishEnrichment(ctx context.Context, tenantID, calendarEventID string) error {
	claim := "enrich:" + tenantID + ":" + calendarEventID
	if p.claims != nil {
		ok, err := p.claims.IsNew(ctx, claim)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	job := EnrichmentJob{TenantID: tenantID, CalendarEventID: calendarEventID, EnqueuedAt: time.Now().UTC()}
	taskID, err := p.publish(ctx, p.enrichmentQueue, TaskEnrichMeeting, job)
	if err != nil {
		if p.claims != nil {
			if rerr := p.claims.Release(ctx, claim); rerr != nil {
				slog.Warn("release enrichment claim", "tenant", tenantID, "error", rerr)
			}
		}
		return err
	}

	slog.Info("queued meeting enrichment",
		"task_id", taskID,
		"tenant", tenantID,
		"calendar_event_id", calendarEventID,
		"queue", p.enrichmentQueue,
	)
	return nil
}

// PublishDigest queues a notification digest.
func (p *Publisher) PublishDigest(ctx context.Context, tenantID string, items []models.UpdateItem) error {
	job := DigestJob{TenantID: tenantID, Items: items, CreatedAt: time.Now().UTC()}
	taskID, err := p.publish(ctx, p.digestQueue, TaskSendDigest, job)
	if err != nil {
		return err
	}

	slog.Info("queued update digest",
		"task_id", taskID,
		"tenant", tenantID,
		"items", len(items),
		"queue", p.digestQueue,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
