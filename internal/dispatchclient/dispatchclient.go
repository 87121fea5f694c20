// Package dispatchclient implements the client façade (spec.md §4.7, C7):
// the four operations service workers and submitters use to talk to the
// dispatch core — dispatch_submission, service_finished, service_failed, and
// setup_watch_queue — plus outstanding_services for status queries. Every
// operation here is idempotent with respect to retransmission of the same
// (task, result) pair, as spec.md requires.
package dispatchclient

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/dispatchtable"
	"github.com/scriptweaver/dispatchcore/internal/metrics"
	"github.com/scriptweaver/dispatchcore/internal/model"
	"github.com/scriptweaver/dispatchcore/internal/queue"
	"github.com/scriptweaver/dispatchcore/internal/scheduler"
	"github.com/scriptweaver/dispatchcore/internal/store"
	"github.com/scriptweaver/dispatchcore/internal/watchregistry"
)

// Client bundles every collaborator the façade operations need.
type Client struct {
	rdb       redis.Cmdable
	cfg       *config.Snapshot
	results   store.ResultStore
	errors    store.ErrorStore
	files     store.FileStore
	submitted store.SubmissionStore
	watchers  *watchregistry.Registry
	counters  *metrics.Counters

	submissionQueue *queue.NamedQueue
	fileQueue       *queue.NamedQueue
}

// New builds a Client wired to the given collaborators. counters may be nil,
// in which case metrics are skipped.
func New(
	rdb redis.Cmdable,
	cfg *config.Snapshot,
	results store.ResultStore,
	errors store.ErrorStore,
	files store.FileStore,
	submitted store.SubmissionStore,
	watchers *watchregistry.Registry,
	counters *metrics.Counters,
) *Client {
	return &Client{
		rdb:             rdb,
		cfg:             cfg,
		results:         results,
		errors:          errors,
		files:           files,
		submitted:       submitted,
		watchers:        watchers,
		counters:        counters,
		submissionQueue: queue.New(rdb, queue.SubmissionQueueName),
		fileQueue:       queue.New(rdb, queue.FileQueueName),
	}
}

func (c *Client) table(sid model.SubmissionID) *dispatchtable.Table {
	return dispatchtable.New(c.rdb, sid)
}

// DispatchSubmission inserts a submission into the dispatching system
// (spec.md §4.7 dispatch_submission). The submission and its files must
// already be persisted.
func (c *Client) DispatchSubmission(ctx context.Context, submission *model.Submission, completedQueue string) error {
	return c.submissionQueue.Push(ctx, model.SubmissionTask{
		SID:            submission.SID,
		Submission:     submission,
		CompletedQueue: completedQueue,
	})
}

// ServiceFinished records a successful service result (spec.md §4.7
// service_finished).
func (c *Client) ServiceFinished(ctx context.Context, task model.ServiceTask, result model.Result) error {
	resultKey := scheduler.BuildResultKey(task.FileHash, task.ServiceName, task.ServiceConfig)
	retransmission, err := c.results.Exists(ctx, resultKey)
	if err != nil {
		return fmt.Errorf("dispatchclient: service_finished: exists: %w", err)
	}
	if !retransmission {
		if err := c.results.Save(ctx, resultKey, &result); err != nil {
			return fmt.Errorf("dispatchclient: service_finished: save result: %w", err)
		}
	}

	table := c.table(task.SID)
	remaining, err := table.Finish(ctx, task.FileHash, task.ServiceName, resultKey, result.Score, result.DropFile)
	if err != nil {
		return fmt.Errorf("dispatchclient: service_finished: finish: %w", err)
	}
	if c.counters != nil && !retransmission {
		c.counters.FinishedCount.Inc()
	}

	// A retransmitted (task, result) pair has already had its extracted
	// children pushed once; re-pushing them here would duplicate dispatch.
	cfg := c.cfg.Get()
	depthLimit := cfg.ExtractionDepthLimit(0)
	if !retransmission && task.Depth < depthLimit {
		for _, child := range result.Extracted {
			fileRecord, err := c.files.Get(ctx, child)
			if err != nil {
				return fmt.Errorf("dispatchclient: service_finished: load extracted file %s: %w", child, err)
			}
			fileType := ""
			if fileRecord != nil {
				fileType = fileRecord.Type
			}
			if err := c.fileQueue.Push(ctx, model.FileTask{
				SID:        task.SID,
				FileHash:   child,
				FileType:   fileType,
				Depth:      task.Depth + 1,
				ParentHash: task.FileHash,
			}); err != nil {
				return fmt.Errorf("dispatchclient: service_finished: push extracted child: %w", err)
			}
		}
	}

	// Re-push a FileTask for the parent file so the file dispatcher
	// re-evaluates its schedule now that this service has a result.
	if err := c.fileQueue.Push(ctx, model.FileTask{
		SID:        task.SID,
		FileHash:   task.FileHash,
		FileType:   task.FileType,
		Depth:      task.Depth,
		ParentHash: task.ParentHash,
	}); err != nil {
		return fmt.Errorf("dispatchclient: service_finished: re-push file task: %w", err)
	}

	if remaining == 0 {
		allFinished, err := table.AllFinished(ctx)
		if err != nil {
			return fmt.Errorf("dispatchclient: service_finished: all_finished: %w", err)
		}
		if allFinished {
			if err := c.submissionQueue.Push(ctx, model.SubmissionTask{SID: task.SID}); err != nil {
				return fmt.Errorf("dispatchclient: service_finished: push submission wake-up: %w", err)
			}
		}
	}

	if err := c.watchers.Broadcast(ctx, task.SID, model.WatchMessage{Status: model.WatchOK, CacheKey: resultKey}); err != nil {
		return fmt.Errorf("dispatchclient: service_finished: broadcast: %w", err)
	}
	return nil
}

// ServiceFailed records a service error (spec.md §4.7 service_failed).
func (c *Client) ServiceFailed(ctx context.Context, task model.ServiceTask, serviceErr model.Error) error {
	errorID := uuid.New().String()
	if err := c.errors.Save(ctx, errorID, task.SID, task.FileHash, task.ServiceName, serviceErr); err != nil {
		return fmt.Errorf("dispatchclient: service_failed: save error: %w", err)
	}

	table := c.table(task.SID)
	terminal := serviceErr.Status != model.ErrorStatusFailRecoverable
	if !terminal {
		attempts, err := table.FailRecoverable(ctx, task.FileHash, task.ServiceName)
		if err != nil {
			return fmt.Errorf("dispatchclient: service_failed: fail_recoverable: %w", err)
		}
		// A recoverable failure beyond the service's failure limit escalates
		// the cell to terminal under this error's id.
		terminal = attempts > scheduler.ServiceFailureLimit(c.cfg.Get(), task.ServiceName)
		if !terminal && c.counters != nil {
			c.counters.ServiceFailed.WithLabelValues(string(task.ServiceName), "false").Inc()
		}
	}
	if terminal {
		if _, err := table.FailNonrecoverable(ctx, task.FileHash, task.ServiceName, errorID); err != nil {
			return fmt.Errorf("dispatchclient: service_failed: fail_nonrecoverable: %w", err)
		}
		if c.counters != nil {
			c.counters.FinishedCount.Inc()
			c.counters.ServiceFailed.WithLabelValues(string(task.ServiceName), "true").Inc()
		}
	}

	if err := c.fileQueue.Push(ctx, model.FileTask{
		SID:        task.SID,
		FileHash:   task.FileHash,
		FileType:   task.FileType,
		Depth:      task.Depth,
		ParentHash: task.ParentHash,
	}); err != nil {
		return fmt.Errorf("dispatchclient: service_failed: push file task: %w", err)
	}

	if err := c.watchers.Broadcast(ctx, task.SID, model.WatchMessage{Status: model.WatchFail, CacheKey: errorID}); err != nil {
		return fmt.Errorf("dispatchclient: service_failed: broadcast: %w", err)
	}
	return nil
}

// SetupWatchQueue creates a fresh ephemeral reply queue for sid, registers
// it, and brings it up to date with the submission's current state (spec.md
// §4.7 setup_watch_queue).
func (c *Client) SetupWatchQueue(ctx context.Context, sid model.SubmissionID) (string, error) {
	queueName, err := c.watchers.NewQueue(ctx, sid)
	if err != nil {
		return "", fmt.Errorf("dispatchclient: setup_watch_queue: %w", err)
	}

	table := c.table(sid)
	all, err := table.AllResults(ctx)
	if err != nil {
		return "", fmt.Errorf("dispatchclient: setup_watch_queue: all_results: %w", err)
	}

	if len(all) == 0 {
		submission, err := c.submitted.Get(ctx, sid)
		if err != nil {
			return "", fmt.Errorf("dispatchclient: setup_watch_queue: load submission: %w", err)
		}
		replyQueue := queue.New(c.rdb, queueName)
		if submission == nil || submission.State == "completed" {
			if err := replyQueue.Push(ctx, model.WatchMessage{Status: model.WatchStop}); err != nil {
				return "", fmt.Errorf("dispatchclient: setup_watch_queue: push stop: %w", err)
			}
		} else {
			if err := c.submissionQueue.Push(ctx, model.SubmissionTask{SID: sid}); err != nil {
				return "", fmt.Errorf("dispatchclient: setup_watch_queue: nudge dispatch: %w", err)
			}
		}
		return queueName, nil
	}

	replyQueue := queue.New(c.rdb, queueName)
	for _, file := range sortedFileKeys(all) {
		for _, service := range sortedServiceKeys(all[file]) {
			cell := all[file][service]
			if !cell.IsTerminal() {
				continue
			}
			status := model.WatchOK
			if cell.IsError() {
				status = model.WatchFail
			}
			if err := replyQueue.Push(ctx, model.WatchMessage{Status: status, CacheKey: cell.Key()}); err != nil {
				return "", fmt.Errorf("dispatchclient: setup_watch_queue: replay: %w", err)
			}
		}
	}
	return queueName, nil
}

// OutstandingServices derives a service_name -> count-of-files-still-owing
// map for sid (spec.md §4.7 outstanding_services).
func (c *Client) OutstandingServices(ctx context.Context, sid model.SubmissionID) (map[model.ServiceName]int, error) {
	table := c.table(sid)
	all, err := table.AllResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatchclient: outstanding_services: all_results: %w", err)
	}

	out := map[model.ServiceName]int{}
	for file, statuses := range all {
		stages, ok, err := table.GetSchedule(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("dispatchclient: outstanding_services: get_schedule: %w", err)
		}
		if !ok {
			continue
		}
	stages:
		for _, stage := range stages {
			for _, service := range stage {
				cell, hasStatus := statuses[service]
				if !hasStatus {
					out[service]++
					continue
				}
				if cell.Kind == model.CellFinished && cell.Drop {
					break stages
				}
			}
		}
	}
	return out, nil
}

func sortedFileKeys(all map[model.FileHash]map[model.ServiceName]model.StatusCell) []model.FileHash {
	keys := make([]model.FileHash, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedServiceKeys(statuses map[model.ServiceName]model.StatusCell) []model.ServiceName {
	keys := make([]model.ServiceName, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
