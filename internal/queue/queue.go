// Package queue implements the NamedQueue abstraction spec.md §6 describes:
// a durable-enough (at-least-once, not crash-durable per spec.md §1's
// Non-goals) FIFO channel identified by name, backed by a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NamedQueue pushes and blocking-pops JSON-encoded messages on a single
// Redis list. Multiple dispatcher instances share the same queue name and
// compete for messages (spec.md §5: "multiple dispatcher instances consume
// from the shared submission and file queues").
type NamedQueue struct {
	rdb  redis.Cmdable
	name string
}

// New returns a NamedQueue bound to the given Redis list key.
func New(rdb redis.Cmdable, name string) *NamedQueue {
	return &NamedQueue{rdb: rdb, name: name}
}

// Name returns the queue's key.
func (q *NamedQueue) Name() string { return q.name }

// Push enqueues a message, JSON-encoding it.
func (q *NamedQueue) Push(ctx context.Context, msg any) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("queue %s: marshal: %w", q.name, err)
	}
	return q.rdb.LPush(ctx, q.name, data).Err()
}

// EncodeMessage JSON-encodes a queue message the same way Push does, for
// callers (e.g. watchregistry's fan-out) that push raw bytes onto a named
// list themselves rather than going through a NamedQueue value.
func EncodeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Pop blocks until a message is available (or ctx is done / timeout elapses)
// and decodes it into dst. A staging list (name + ":processing") receives the
// popped item atomically via BLMove so a crashed worker's in-flight message
// is not silently lost; spec.md's Non-goals exclude reconciling that staging
// list across a total cluster loss. The caller owns acknowledging the
// returned raw message with Ack once its effects are durable.
func (q *NamedQueue) Pop(ctx context.Context, timeout time.Duration, dst any) (raw string, ok bool, err error) {
	res, err := q.rdb.BLMove(ctx, q.name, q.name+":processing", "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queue %s: pop: %w", q.name, err)
	}
	if err := json.Unmarshal([]byte(res), dst); err != nil {
		return "", false, fmt.Errorf("queue %s: unmarshal: %w", q.name, err)
	}
	return res, true, nil
}

// Ack removes a message from the processing staging list once the caller
// has durably recorded its effects.
func (q *NamedQueue) Ack(ctx context.Context, raw string) error {
	return q.rdb.LRem(ctx, q.name+":processing", 1, raw).Err()
}

// ServiceQueueName returns the per-service queue name "service-queue-<svc>"
// (spec.md §6).
func ServiceQueueName(service string) string {
	return "service-queue-" + service
}

const (
	SubmissionQueueName = "submission"
	FileQueueName       = "dispatch-file"
)
