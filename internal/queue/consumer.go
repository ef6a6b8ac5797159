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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is a decoded envelope.
type Task struct {
	ID      string
	Name    string
	Payload []byte
}

// Consumer pops envelopes from one queue.
type Consumer struct {
	rdb       *redis.Client
	queueName string
}

// NewConsumer creates a consumer for queueName.
func NewConsumer(rdb *redis.Client, queueName string) *Consumer {
	return &Consumer{rdb: rdb, queueName: queueName}
}

// Next blocks up to timeout for the next task. It returns nil, nil when the
// queue stayed empty.
func (c *Consumer) Next(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := c.rdb.BRPop(ctx, timeout, c.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BRPOP: %w", err)
	}
	// BRPOP replies [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return Decode([]byte(res[1]))
}

// Decode unwraps a Celery envelope produced by Publisher.
func Decode(raw []byte) (*Task, error) {
	var msg celeryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode celery message: %w", err)
	}
	var task celeryTask
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		return nil, fmt.Errorf("decode celery task: %w", err)
	}
	if len(task.Args) != 1 {
		return nil, fmt.Errorf("task %s: expected 1 argument, got %d", task.ID, len(task.Args))
	}
	arg, ok := task.Args[0].(string)
	if !ok {
		return nil, fmt.Errorf("task %s: argument is %T, want string", task.ID, task.Args[0])
	}
	return &Task{ID: task.ID, Name: task.Task, Payload: []byte(arg)}, nil
}

// Enrichment decodes the payload of an enrichment task.
func (t *Task) Enrichment() (EnrichmentJob, error) {
	var job EnrichmentJob
	if t.Name != TaskEnrichMeeting {
		return job, fmt.Errorf("task %s is %q, not an enrichment job", t.ID, t.Name)
	}
	if err := json.Unmarshal(t.Payload, &job); err != nil {
		return job, fmt.Errorf("decode enrichment job: %w", err)
	}
	if job.TenantID == "" || job.CalendarEventID == "" {
		return job, fmt.Errorf("task %s: enrichment job missing ids", t.ID)
	}
	return job, nil
}
