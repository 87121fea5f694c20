// Package watchregistry implements the per-submission watch-queue set
// (spec.md §4.4, C4): `watchers[sid]` is an expiring set of ephemeral reply
// queue names that receive a fan-out message on every terminal status
// transition a service reports.
package watchregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scriptweaver/dispatchcore/internal/model"
	"github.com/scriptweaver/dispatchcore/internal/queue"
)

// DefaultTTL is the lifetime a watch queue and its membership in a
// submission's set survive without being refreshed (spec.md §3: "≈30s").
const DefaultTTL = 30 * time.Second

// Registry tracks watch queues for every submission sharing one Redis
// connection.
type Registry struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// New returns a Registry with the given watch/queue TTL.
func New(rdb redis.Cmdable, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{rdb: rdb, ttl: ttl}
}

func setKey(sid model.SubmissionID) string {
	return "watcher-list:" + sid.String()
}

// NewQueue creates a fresh ephemeral reply queue, seeds it with a START
// message, and registers it in sid's watch set (spec.md §4.7
// setup_watch_queue). It returns the queue's name.
func (r *Registry) NewQueue(ctx context.Context, sid model.SubmissionID) (string, error) {
	name := "D-" + uuid.New().String() + "-WQ"
	q := queue.New(r.rdb, name)
	if err := q.Push(ctx, model.WatchMessage{Status: model.WatchStart}); err != nil {
		return "", fmt.Errorf("watchregistry: seed queue: %w", err)
	}
	if err := r.rdb.Expire(ctx, name, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("watchregistry: expire queue: %w", err)
	}
	if err := r.rdb.SAdd(ctx, setKey(sid), name).Err(); err != nil {
		return "", fmt.Errorf("watchregistry: register queue: %w", err)
	}
	if err := r.rdb.Expire(ctx, setKey(sid), r.ttl).Err(); err != nil {
		return "", fmt.Errorf("watchregistry: expire set: %w", err)
	}
	return name, nil
}

// Queues returns the currently registered watch queue names for sid.
func (r *Registry) Queues(ctx context.Context, sid model.SubmissionID) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, setKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("watchregistry: queues: %w", err)
	}
	return names, nil
}

// fanoutScript pushes message onto a watch queue only if it still exists
// (refreshing its TTL), and otherwise lazily drops its name from the
// submission's set — a dead consumer's queue then simply stops appearing in
// future fan-outs, with no error raised (spec.md §4.4).
var fanoutScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('LPUSH', KEYS[1], ARGV[1])
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return 1
end
redis.call('SREM', KEYS[2], KEYS[1])
return 0
`)

// Broadcast fans message out to every watch queue currently registered for
// sid.
func (r *Registry) Broadcast(ctx context.Context, sid model.SubmissionID, message model.WatchMessage) error {
	names, err := r.Queues(ctx, sid)
	if err != nil {
		return err
	}
	ttlSeconds := int64(r.ttl / time.Second)
	for _, name := range names {
		raw, err := queue.EncodeMessage(message)
		if err != nil {
			return fmt.Errorf("watchregistry: encode message: %w", err)
		}
		if _, err := fanoutScript.Run(ctx, r.rdb, []string{name, setKey(sid)}, raw, ttlSeconds).Result(); err != nil {
			return fmt.Errorf("watchregistry: broadcast to %s: %w", name, err)
		}
	}
	return nil
}

// StopAndDrop pushes a STOP message to every watch queue for sid and then
// drops the set itself (spec.md §4.5 Finalize).
func (r *Registry) StopAndDrop(ctx context.Context, sid model.SubmissionID) error {
	if err := r.Broadcast(ctx, sid, model.WatchMessage{Status: model.WatchStop}); err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, setKey(sid)).Err(); err != nil {
		return fmt.Errorf("watchregistry: drop set: %w", err)
	}
	return nil
}
