package filedispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/dispatchtable"
	"github.com/scriptweaver/dispatchcore/internal/metrics"
	"github.com/scriptweaver/dispatchcore/internal/model"
	"github.com/scriptweaver/dispatchcore/internal/queue"
	"github.com/scriptweaver/dispatchcore/internal/scheduler"
	"github.com/scriptweaver/dispatchcore/internal/store"
	"github.com/scriptweaver/dispatchcore/internal/watcher"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, redis.Cmdable, *store.Memory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.Core.Dispatcher.Timeout = time.Minute
	cfg.Services = map[string]config.ServiceConfig{
		"av":      {Stage: 0, Timeout: 30 * time.Second, FailureLimit: 2},
		"static":  {Stage: 0, Timeout: 30 * time.Second},
		"extract": {Stage: 1, Timeout: 30 * time.Second},
	}
	snap, err := config.NewSnapshot(func() (*config.Config, error) { return cfg, nil })
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	mem := store.NewMemory()
	w := watcher.New(rdb, "test")
	counters := metrics.NewCounters(prometheus.NewRegistry())

	d := New(rdb, snap, mem, store.ResultStoreOf(mem), store.ErrorStoreOf(mem), w, zap.NewNop(), counters)
	return d, rdb, mem
}

func TestDispatch_FreshFile_DispatchesEveryServiceInFirstStageOnly(t *testing.T) {
	ctx := context.Background()
	d, rdb, mem := newTestDispatcher(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "running"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}

	task := model.FileTask{SID: "sub-1", FileHash: "fileA", FileType: "binary"}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for _, svc := range []string{"av", "static"} {
		n, err := rdb.LLen(ctx, queue.ServiceQueueName(svc)).Result()
		if err != nil {
			t.Fatalf("llen %s: %v", svc, err)
		}
		if n != 1 {
			t.Fatalf("expected a ServiceTask pushed for %s, got %d", svc, n)
		}
	}
	n, err := rdb.LLen(ctx, queue.ServiceQueueName("extract")).Result()
	if err != nil {
		t.Fatalf("llen extract: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the second stage to not be dispatched yet, got %d", n)
	}
}

func TestDispatch_RepeatedBeforeTimeout_DoesNotReDispatch(t *testing.T) {
	ctx := context.Background()
	d, rdb, mem := newTestDispatcher(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "running"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}
	table := dispatchtable.New(rdb, "sub-1")
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}

	task := model.FileTask{SID: "sub-1", FileHash: "fileA", FileType: "binary"}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	n, err := rdb.LLen(ctx, queue.ServiceQueueName("av")).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one dispatch despite two passes, got %d", n)
	}
}

func TestDispatch_CachedResult_ShortCircuitsWithoutRedispatch(t *testing.T) {
	ctx := context.Background()
	d, rdb, mem := newTestDispatcher(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "running"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}
	table := dispatchtable.New(rdb, "sub-1")
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}
	resultKey := scheduler.BuildResultKey("fileA", "av", "")
	if err := mem.SaveResult(ctx, resultKey, &model.Result{Score: 10}); err != nil {
		t.Fatalf("save_result: %v", err)
	}

	task := model.FileTask{SID: "sub-1", FileHash: "fileA", FileType: "binary"}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	n, err := rdb.LLen(ctx, queue.ServiceQueueName("av")).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no dispatch when a cached result short-circuits the service, got %d", n)
	}

	key, ok, err := table.Finished(ctx, "fileA", "av")
	if err != nil || !ok {
		t.Fatalf("finished: ok=%v err=%v", ok, err)
	}
	if key != resultKey {
		t.Fatalf("got %q, want %q", key, resultKey)
	}
}

func TestDispatch_NonTerminalErrorsAtLimit_AbandonsWithoutRedispatch(t *testing.T) {
	ctx := context.Background()
	d, rdb, mem := newTestDispatcher(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "running"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}
	table := dispatchtable.New(rdb, "sub-1")
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := mem.SaveError(ctx, "e"+string(rune('0'+i)), "sub-1", "fileA", "av", model.Error{Status: model.ErrorStatusFailRecoverable, Category: model.ErrorCategoryTimeout}); err != nil {
			t.Fatalf("save_error: %v", err)
		}
	}

	task := model.FileTask{SID: "sub-1", FileHash: "fileA", FileType: "binary"}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	n, err := rdb.LLen(ctx, queue.ServiceQueueName("av")).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no dispatch once the failure budget is exhausted, got %d", n)
	}

	key, ok, err := table.Finished(ctx, "fileA", "av")
	if err != nil || !ok {
		t.Fatalf("finished: ok=%v err=%v", ok, err)
	}
	if key != "errors" {
		t.Fatalf("expected the abandoned service to read back as the errors sentinel, got %q", key)
	}
}

func TestDispatch_AllServicesFinished_WakesSubmission(t *testing.T) {
	ctx := context.Background()
	d, rdb, mem := newTestDispatcher(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "running"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}
	table := dispatchtable.New(rdb, "sub-1")
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}
	if err := table.Dispatch(ctx, "fileA", "av", 1); err != nil {
		t.Fatalf("dispatch cell: %v", err)
	}
	if _, err := table.Finish(ctx, "fileA", "av", "rk", 0, false); err != nil {
		t.Fatalf("finish: %v", err)
	}

	task := model.FileTask{SID: "sub-1", FileHash: "fileA", FileType: "binary"}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	n, err := rdb.LLen(ctx, "submission").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a submission wake-up once the file's only service is terminal, got %d", n)
	}
}

func TestDispatch_CompletedSubmission_IsANoOp(t *testing.T) {
	ctx := context.Background()
	d, rdb, mem := newTestDispatcher(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "completed"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}

	task := model.FileTask{SID: "sub-1", FileHash: "fileA", FileType: "binary"}
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	n, err := rdb.LLen(ctx, queue.ServiceQueueName("av")).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no work for an already-completed submission, got %d", n)
	}
}
