package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestWatcher(t *testing.T) (*Watcher, redis.Cmdable) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test"), rdb
}

type wakeup struct {
	SID string `json:"sid"`
}

func TestTouch_NotYetExpired_DoesNotFire(t *testing.T) {
	ctx := context.Background()
	w, rdb := newTestWatcher(t)

	if err := w.Touch(ctx, "sub-1", time.Minute, "submission", wakeup{SID: "sub-1"}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := w.sweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	n, err := rdb.LLen(ctx, "submission").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no wake-up before the deadline, got %d queued", n)
	}
}

func TestTouch_Expired_PushesMessageOntoQueue(t *testing.T) {
	ctx := context.Background()
	w, rdb := newTestWatcher(t)

	if err := w.Touch(ctx, "sub-1", -time.Second, "submission", wakeup{SID: "sub-1"}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := w.sweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	raw, err := rdb.LPop(ctx, "submission").Result()
	if err != nil {
		t.Fatalf("lpop: %v", err)
	}
	var got wakeup
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SID != "sub-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestTouch_Refresh_PreventsExpiredFiring(t *testing.T) {
	ctx := context.Background()
	w, rdb := newTestWatcher(t)

	if err := w.Touch(ctx, "sub-1", -time.Second, "submission", wakeup{SID: "sub-1"}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// A second Touch with a future deadline must win over the stale one.
	if err := w.Touch(ctx, "sub-1", time.Minute, "submission", wakeup{SID: "sub-1"}); err != nil {
		t.Fatalf("re-touch: %v", err)
	}
	if err := w.sweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	n, err := rdb.LLen(ctx, "submission").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the refreshed watch to not fire, got %d queued", n)
	}
}

func TestCancel_RemovesWatchBeforeItFires(t *testing.T) {
	ctx := context.Background()
	w, rdb := newTestWatcher(t)

	if err := w.Touch(ctx, "sub-1", time.Minute, "submission", wakeup{SID: "sub-1"}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := w.Cancel(ctx, "sub-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Rather than waiting for the deadline, check that the cancelled key is
	// no longer present for any later sweep to find.
	n, err := rdb.ZCard(ctx, w.deadlinesKey).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected cancel to remove the deadline entry, got %d remaining", n)
	}
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.sweepInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected Run to return ctx.Err(), got nil")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after context cancellation")
	}
}
