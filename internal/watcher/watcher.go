// Package watcher implements the dispatch core's keyed deadline timer
// (spec.md §4.3, C3): "if nobody calls Touch(key, ...) again within timeout,
// push message onto queue." It is the sole mechanism by which a dispatcher
// re-schedules itself without polling a submission's state directly — both
// dispatch drivers refresh their submission's watch on every pass, and a
// crashed or lost wake-up is recovered once the deadline lapses.
//
// Realization: a Redis sorted set of deadlines plus a hash of pending
// payloads, exactly as SPEC_FULL.md §4.3 describes. A background goroutine
// (Run) sweeps expired members on an interval; the sweep and the re-enqueue
// happen inside one Lua script so a concurrent Touch that refreshes a
// deadline right before the sweep observes it cannot be "swept anyway" —
// the script only removes (and re-enqueues) a key still present in the
// sorted set at the moment it runs, which Redis serializes against any
// other script or command on the same keys.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultSweepInterval = time.Second
	defaultSweepBatch    = 256
)

// Watcher manages one shared pair of Redis keys for every watched timer in
// the process; individual timers are distinguished by their key argument.
type Watcher struct {
	rdb           redis.Cmdable
	deadlinesKey  string
	payloadsKey   string
	sweepInterval time.Duration
	sweepBatch    int64
}

// New returns a Watcher backed by the given Redis connection. namespace
// scopes the two Redis keys this Watcher uses, so multiple independent
// Watchers (e.g. one per environment) never collide.
func New(rdb redis.Cmdable, namespace string) *Watcher {
	return &Watcher{
		rdb:           rdb,
		deadlinesKey:  namespace + ":watch-deadlines",
		payloadsKey:   namespace + ":watch-payloads",
		sweepInterval: defaultSweepInterval,
		sweepBatch:    defaultSweepBatch,
	}
}

type watchPayload struct {
	Queue   string `json:"queue"`
	Message string `json:"message"`
}

var touchScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// Touch arms or refreshes the deadline for key: if Touch is not called again
// for key within timeout, message is pushed onto queue. message is
// JSON-encoded exactly as a NamedQueue.Push would encode it, so the queue's
// consumer (NamedQueue.Pop) decodes it unchanged.
func (w *Watcher) Touch(ctx context.Context, key string, timeout time.Duration, queue string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("watcher: marshal message: %w", err)
	}
	payload, err := json.Marshal(watchPayload{Queue: queue, Message: string(raw)})
	if err != nil {
		return fmt.Errorf("watcher: marshal payload: %w", err)
	}

	deadline := float64(time.Now().Add(timeout).UnixNano()) / 1e9
	_, err = touchScript.Run(ctx, w.rdb, []string{w.deadlinesKey, w.payloadsKey}, key, deadline, payload).Result()
	if err != nil {
		return fmt.Errorf("watcher: touch: %w", err)
	}
	return nil
}

var cancelScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// Cancel removes key's watch, if any. Finalize calls this so a completed
// submission never receives a stale re-drive wake-up.
func (w *Watcher) Cancel(ctx context.Context, key string) error {
	_, err := cancelScript.Run(ctx, w.rdb, []string{w.deadlinesKey, w.payloadsKey}, key).Result()
	if err != nil {
		return fmt.Errorf("watcher: cancel: %w", err)
	}
	return nil
}

// sweepScript finds every key whose deadline has passed, atomically removes
// it from both structures, and pushes its message onto its queue — all
// inside the Redis server, so a key can never be swept twice nor lost
// between the scan and the re-enqueue.
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local count = 0
for _, key in ipairs(expired) do
  local payload = redis.call('HGET', KEYS[2], key)
  redis.call('ZREM', KEYS[1], key)
  redis.call('HDEL', KEYS[2], key)
  if payload then
    local decoded = cjson.decode(payload)
    redis.call('LPUSH', decoded.queue, decoded.message)
    count = count + 1
  end
end
return count
`)

// sweepOnce re-enqueues every currently expired watch, in batches, until a
// batch comes back short of the limit (i.e. the backlog is drained).
func (w *Watcher) sweepOnce(ctx context.Context) error {
	now := float64(time.Now().UnixNano()) / 1e9
	for {
		n, err := sweepScript.Run(ctx, w.rdb, []string{w.deadlinesKey, w.payloadsKey}, now, w.sweepBatch).Int64()
		if err != nil {
			return fmt.Errorf("watcher: sweep: %w", err)
		}
		if n < w.sweepBatch {
			return nil
		}
	}
}

// Run drives the background sweep until ctx is cancelled. Callers run this
// in its own goroutine, one per process, regardless of how many dispatcher
// instances share the same Redis — the sweep itself is safe to run
// redundantly in every instance since sweepScript only ever fires a watch
// once.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweepOnce(ctx); err != nil {
				return err
			}
		}
	}
}
