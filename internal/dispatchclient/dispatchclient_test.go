package dispatchclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/metrics"
	"github.com/scriptweaver/dispatchcore/internal/model"
	"github.com/scriptweaver/dispatchcore/internal/scheduler"
	"github.com/scriptweaver/dispatchcore/internal/store"
	"github.com/scriptweaver/dispatchcore/internal/watchregistry"
)

func newTestClient(t *testing.T) (*Client, redis.Cmdable, *store.Memory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.Core.Dispatcher.ExtractionDepthLimit = 5
	snap, err := config.NewSnapshot(func() (*config.Config, error) { return cfg, nil })
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	mem := store.NewMemory()
	watchers := watchregistry.New(rdb, time.Minute)
	counters := metrics.NewCounters(prometheus.NewRegistry())
	client := New(rdb, snap, store.ResultStoreOf(mem), store.ErrorStoreOf(mem), store.FileStoreOf(mem), mem, watchers, counters)
	return client, rdb, mem
}

func TestServiceFinished_RecordsResultAndRePushesParent(t *testing.T) {
	ctx := context.Background()
	client, rdb, _ := newTestClient(t)

	task := model.ServiceTask{SID: "sub-1", FileHash: "fileA", FileType: "binary", Depth: 0, ServiceName: "av", ServiceConfig: ""}
	if err := client.table(task.SID).Dispatch(ctx, task.FileHash, task.ServiceName, 1); err != nil {
		t.Fatalf("seed dispatch: %v", err)
	}

	if err := client.ServiceFinished(ctx, task, model.Result{Score: 500}); err != nil {
		t.Fatalf("service_finished: %v", err)
	}

	n, err := rdb.LLen(ctx, "dispatch-file").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one re-pushed FileTask, got %d", n)
	}

	resultKey := scheduler.BuildResultKey(task.FileHash, task.ServiceName, task.ServiceConfig)
	key, ok, err := client.table(task.SID).Finished(ctx, task.FileHash, task.ServiceName)
	if err != nil || !ok {
		t.Fatalf("finished: ok=%v err=%v", ok, err)
	}
	if key != resultKey {
		t.Fatalf("got %q, want %q", key, resultKey)
	}
}

func TestServiceFinished_PushesExtractedChildrenWithinDepthLimit(t *testing.T) {
	ctx := context.Background()
	client, rdb, mem := newTestClient(t)
	mem.PutFile("childA", "archive")

	task := model.ServiceTask{SID: "sub-1", FileHash: "fileA", FileType: "archive", Depth: 0, ServiceName: "extract"}
	if err := client.table(task.SID).Dispatch(ctx, task.FileHash, task.ServiceName, 1); err != nil {
		t.Fatalf("seed dispatch: %v", err)
	}

	if err := client.ServiceFinished(ctx, task, model.Result{Extracted: []model.FileHash{"childA"}}); err != nil {
		t.Fatalf("service_finished: %v", err)
	}

	n, err := rdb.LLen(ctx, "dispatch-file").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	// one for the extracted child, one for the re-pushed parent
	if n != 2 {
		t.Fatalf("expected 2 queued FileTasks, got %d", n)
	}
}

func TestServiceFinished_RetransmittedResult_DoesNotRepushExtractedChildren(t *testing.T) {
	ctx := context.Background()
	client, rdb, mem := newTestClient(t)
	mem.PutFile("childA", "archive")

	task := model.ServiceTask{SID: "sub-1", FileHash: "fileA", FileType: "archive", Depth: 0, ServiceName: "extract"}
	if err := client.table(task.SID).Dispatch(ctx, task.FileHash, task.ServiceName, 1); err != nil {
		t.Fatalf("seed dispatch: %v", err)
	}

	result := model.Result{Extracted: []model.FileHash{"childA"}}
	if err := client.ServiceFinished(ctx, task, result); err != nil {
		t.Fatalf("service_finished: %v", err)
	}
	if err := rdb.Del(ctx, "dispatch-file").Err(); err != nil {
		t.Fatalf("del: %v", err)
	}

	// A redelivered copy of the same (task, result) pair must not re-push the
	// extracted child a second time, only the harmless parent re-evaluation.
	if err := client.ServiceFinished(ctx, task, result); err != nil {
		t.Fatalf("service_finished retransmit: %v", err)
	}

	n, err := rdb.LLen(ctx, "dispatch-file").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the re-pushed parent on a retransmit, got %d", n)
	}
}

func TestServiceFinished_WakesSubmissionWhenAllFinished(t *testing.T) {
	ctx := context.Background()
	client, rdb, _ := newTestClient(t)

	task := model.ServiceTask{SID: "sub-1", FileHash: "fileA", ServiceName: "av"}
	table := client.table(task.SID)
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}
	if err := table.Dispatch(ctx, task.FileHash, task.ServiceName, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := client.ServiceFinished(ctx, task, model.Result{}); err != nil {
		t.Fatalf("service_finished: %v", err)
	}

	n, err := rdb.LLen(ctx, "submission").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a submission wake-up once all cells finished, got %d", n)
	}
}

func TestServiceFailed_RecoverablePath_DoesNotMarkTerminal(t *testing.T) {
	ctx := context.Background()
	client, _, mem := newTestClient(t)

	task := model.ServiceTask{SID: "sub-1", FileHash: "fileA", ServiceName: "av"}
	if err := client.table(task.SID).Dispatch(ctx, task.FileHash, task.ServiceName, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := client.ServiceFailed(ctx, task, model.Error{Status: model.ErrorStatusFailRecoverable}); err != nil {
		t.Fatalf("service_failed: %v", err)
	}

	_, ok, err := client.table(task.SID).Finished(ctx, task.FileHash, task.ServiceName)
	if err != nil {
		t.Fatalf("finished: %v", err)
	}
	if ok {
		t.Fatalf("expected a recoverable failure to not be terminal")
	}

	count, err := mem.CountNonTerminal(ctx, task.SID, task.FileHash, task.ServiceName)
	if err != nil {
		t.Fatalf("count_non_terminal: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected category defaulted to non-timeout/crash; got count %d", count)
	}
}

func TestServiceFailed_NonrecoverablePath_MarksTerminal(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	task := model.ServiceTask{SID: "sub-1", FileHash: "fileA", ServiceName: "av"}
	if err := client.table(task.SID).Dispatch(ctx, task.FileHash, task.ServiceName, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := client.ServiceFailed(ctx, task, model.NewMissingFileError(task.SID, task.FileHash)); err != nil {
		t.Fatalf("service_failed: %v", err)
	}

	key, ok, err := client.table(task.SID).Finished(ctx, task.FileHash, task.ServiceName)
	if err != nil || !ok {
		t.Fatalf("finished: ok=%v err=%v", ok, err)
	}
	if key != "errors" {
		t.Fatalf("expected the errors sentinel, got %q", key)
	}
}

func TestSetupWatchQueue_EmptyTableAndCompletedSubmission_SendsStop(t *testing.T) {
	ctx := context.Background()
	client, rdb, mem := newTestClient(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "completed"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}

	name, err := client.SetupWatchQueue(ctx, "sub-1")
	if err != nil {
		t.Fatalf("setup_watch_queue: %v", err)
	}

	// Drain the seeded START message (the oldest, at the consuming right-hand
	// end of the list) before checking for STOP.
	rdb.RPop(ctx, name)
	raw, err := rdb.RPop(ctx, name).Result()
	if err != nil {
		t.Fatalf("rpop: %v", err)
	}
	var msg model.WatchMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != model.WatchStop {
		t.Fatalf("expected a STOP message for a completed submission, got %+v", msg)
	}
}

func TestSetupWatchQueue_EmptyTableAndInProgressSubmission_NudgesDispatch(t *testing.T) {
	ctx := context.Background()
	client, rdb, mem := newTestClient(t)

	if err := mem.Save(ctx, &model.Submission{SID: "sub-1", State: "running"}); err != nil {
		t.Fatalf("save submission: %v", err)
	}

	if _, err := client.SetupWatchQueue(ctx, "sub-1"); err != nil {
		t.Fatalf("setup_watch_queue: %v", err)
	}

	n, err := rdb.LLen(ctx, "submission").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a submission-queue nudge, got %d", n)
	}
}

func TestOutstandingServices_CountsServicesNotYetFinished(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	table := client.table("sub-1")
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av", "static"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}
	if err := table.Dispatch(ctx, "fileA", "av", 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := table.Finish(ctx, "fileA", "av", "rk", 0, false); err != nil {
		t.Fatalf("finish: %v", err)
	}

	out, err := client.OutstandingServices(ctx, "sub-1")
	if err != nil {
		t.Fatalf("outstanding_services: %v", err)
	}
	if out["static"] != 1 {
		t.Fatalf("expected static owing 1 file, got %v", out)
	}
	if _, ok := out["av"]; ok {
		t.Fatalf("expected av to not appear since it is finished, got %v", out)
	}
}

func TestOutstandingServices_StopsCountingAfterDrop(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	table := client.table("sub-1")
	if err := table.SetSchedule(ctx, "fileA", [][]model.ServiceName{{"av"}, {"extract"}}); err != nil {
		t.Fatalf("set_schedule: %v", err)
	}
	if err := table.Dispatch(ctx, "fileA", "av", 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := table.Finish(ctx, "fileA", "av", "rk", 0, true); err != nil {
		t.Fatalf("finish with drop: %v", err)
	}

	out, err := client.OutstandingServices(ctx, "sub-1")
	if err != nil {
		t.Fatalf("outstanding_services: %v", err)
	}
	if _, ok := out["extract"]; ok {
		t.Fatalf("expected extract to not be counted after a drop, got %v", out)
	}
}
