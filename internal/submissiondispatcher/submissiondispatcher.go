// Package submissiondispatcher implements the submission-level driver
// (spec.md §4.5, C5): the re-entrant handler woken by the submission queue
// that surveys every file reachable from a submission, decides whether any
// of them still has outstanding work, and either lets the file dispatcher
// keep working or finalizes the submission.
package submissiondispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scriptweaver/dispatchcore/internal/classification"
	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/dispatchtable"
	"github.com/scriptweaver/dispatchcore/internal/logging"
	"github.com/scriptweaver/dispatchcore/internal/metrics"
	"github.com/scriptweaver/dispatchcore/internal/model"
	"github.com/scriptweaver/dispatchcore/internal/queue"
	"github.com/scriptweaver/dispatchcore/internal/scheduler"
	"github.com/scriptweaver/dispatchcore/internal/store"
	"github.com/scriptweaver/dispatchcore/internal/watcher"
	"github.com/scriptweaver/dispatchcore/internal/watchregistry"
)

// Dispatcher drives submission-level dispatch. One Dispatcher is shared by
// every worker in a Pool; it carries no per-task state itself.
type Dispatcher struct {
	rdb       redis.Cmdable
	cfg       *config.Snapshot
	submitted store.SubmissionStore
	files     store.FileStore
	results   store.ResultStore
	errors    store.ErrorStore
	quota     store.QuotaStore
	watchers  *watchregistry.Registry
	watch     *watcher.Watcher
	log       *zap.Logger
	counters  *metrics.Counters

	submissionQueue *queue.NamedQueue
	fileQueue       *queue.NamedQueue
}

// New builds a Dispatcher wired to the given collaborators. counters may be
// nil, in which case metrics are skipped.
func New(
	rdb redis.Cmdable,
	cfg *config.Snapshot,
	submitted store.SubmissionStore,
	files store.FileStore,
	results store.ResultStore,
	errors store.ErrorStore,
	quota store.QuotaStore,
	watchers *watchregistry.Registry,
	watch *watcher.Watcher,
	log *zap.Logger,
	counters *metrics.Counters,
) *Dispatcher {
	return &Dispatcher{
		rdb:             rdb,
		cfg:             cfg,
		submitted:       submitted,
		files:           files,
		results:         results,
		errors:          errors,
		quota:           quota,
		watchers:        watchers,
		watch:           watch,
		log:             log,
		counters:        counters,
		submissionQueue: queue.New(rdb, queue.SubmissionQueueName),
		fileQueue:       queue.New(rdb, queue.FileQueueName),
	}
}

func (d *Dispatcher) table(sid model.SubmissionID) *dispatchtable.Table {
	return dispatchtable.New(d.rdb, sid)
}

// fileUnit is one node in the extraction tree this pass discovers: a file
// together with the depth and parent it was reached at.
type fileUnit struct {
	hash     model.FileHash
	fileType string
	depth    int
	parent   model.FileHash
}

// Dispatch advances dispatch state for one submission (spec.md §4.5 steps
// 1-6). It is safe to call repeatedly for the same sid: every collaborator
// it drives (the watch, the dispatch table, the file queue) is idempotent.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.SubmissionTask) error {
	sid := task.SID
	log := logging.Submission(d.log, string(sid))
	cfg := d.cfg.Get()

	submission := task.Submission
	if submission == nil {
		loaded, err := d.submitted.Get(ctx, sid)
		if err != nil {
			return fmt.Errorf("submissiondispatcher: load submission %s: %w", sid, err)
		}
		if loaded == nil {
			log.Warn("woken for a submission that no longer exists")
			return nil
		}
		submission = loaded
	}

	if submission.State == "completed" {
		return nil
	}

	// A caller dispatching via the façade passes its completed_queue on the
	// envelope rather than on the submission itself; fold it into the
	// persisted submission so it survives to finalize even on a later,
	// re-entrant pass triggered by a plain {sid} wake-up.
	if task.CompletedQueue != "" && submission.Params.CompletedQueue != task.CompletedQueue {
		submission.Params.CompletedQueue = task.CompletedQueue
		if err := d.submitted.Save(ctx, submission); err != nil {
			return fmt.Errorf("submissiondispatcher: persist completed_queue: %w", err)
		}
	}

	// Step 1: refresh the submission-level watch so a crashed worker's
	// in-flight pass is recovered by the sweep rather than stalling forever.
	if err := d.watch.Touch(ctx, string(sid), cfg.Core.Dispatcher.Timeout, d.submissionQueue.Name(), model.SubmissionTask{SID: sid}); err != nil {
		return fmt.Errorf("submissiondispatcher: touch watch: %w", err)
	}

	// Step 2: refresh the submitter's quota hold.
	if submission.Params.QuotaItem && submission.Params.Submitter != "" {
		if err := d.quota.Hold(ctx, submission.Params.Submitter, sid); err != nil {
			return fmt.Errorf("submissiondispatcher: quota hold: %w", err)
		}
	}

	table := d.table(sid)
	depthLimit := cfg.ExtractionDepthLimit(submission.Params.MaxExtractionDepth)

	// Step 3: seed the walk from the submission's own files, skipping (and
	// recording an error for) any that no longer resolve in the file store.
	encountered := map[model.FileHash]bool{}
	unchecked := make([]fileUnit, 0, len(submission.Files))
	for _, hash := range submission.Files {
		if encountered[hash] {
			continue
		}
		encountered[hash] = true

		record, err := d.files.Get(ctx, hash)
		if err != nil {
			return fmt.Errorf("submissiondispatcher: load file %s: %w", hash, err)
		}
		if record == nil {
			if err := d.errors.Save(ctx, fmt.Sprintf("%s.%s.missing", sid, hash), sid, hash, "", model.NewMissingFileError(sid, hash)); err != nil {
				return fmt.Errorf("submissiondispatcher: record missing-file error: %w", err)
			}
			continue
		}
		unchecked = append(unchecked, fileUnit{hash: hash, fileType: record.Type, depth: 0})
	}

	var (
		pending         []fileUnit
		maxScore        int64
		classifications []string
	)

	// Step 4: walk every reachable file's flattened schedule, discovering
	// extracted children as results come in.
	for i := 0; i < len(unchecked); i++ {
		unit := unchecked[i]

		stages, ok, err := table.GetSchedule(ctx, unit.hash)
		if err != nil {
			return fmt.Errorf("submissiondispatcher: get_schedule: %w", err)
		}
		if !ok {
			built := scheduler.BuildSchedule(cfg, submission.Params, unit.fileType)
			stages = make([][]model.ServiceName, len(built))
			for s, stage := range built {
				stages[s] = stage.Services
			}
			if err := table.SetSchedule(ctx, unit.hash, stages); err != nil {
				return fmt.Errorf("submissiondispatcher: set_schedule: %w", err)
			}
		}

		filePending := false
		now := time.Now().Unix()

	services:
		for _, stage := range stages {
			for _, service := range stage {
				dispatchedAt, err := table.DispatchTime(ctx, unit.hash, service)
				if err != nil {
					return fmt.Errorf("submissiondispatcher: dispatch_time: %w", err)
				}
				timeout := scheduler.ServiceTimeout(cfg, service)
				if dispatchedAt != 0 && now-dispatchedAt < timeout {
					filePending = true
					continue
				}

				key, ok, err := table.Finished(ctx, unit.hash, service)
				if err != nil {
					return fmt.Errorf("submissiondispatcher: finished: %w", err)
				}
				if !ok {
					// Neither dispatched-and-fresh, nor terminal: the file
					// dispatcher still needs to act on this service.
					filePending = true
					continue
				}
				if key == "errors" {
					// FailedTerminal (a terminal error, or abandoned after
					// exhausting its failure budget): finished without a
					// result, so not pending and nothing to extract.
					continue
				}

				result, err := d.results.Get(ctx, key)
				if err != nil {
					return fmt.Errorf("submissiondispatcher: load result %s: %w", key, err)
				}
				if result != nil {
					if result.Score > maxScore {
						maxScore = result.Score
					}
					if result.Classification != "" {
						classifications = append(classifications, result.Classification)
					}
					if unit.depth < depthLimit {
						for _, child := range result.Extracted {
							if encountered[child] {
								continue
							}
							encountered[child] = true
							childType := ""
							if rec, err := d.files.Get(ctx, child); err == nil && rec != nil {
								childType = rec.Type
							}
							unchecked = append(unchecked, fileUnit{hash: child, fileType: childType, depth: unit.depth + 1, parent: unit.hash})
						}
					}
				}

				dropped, err := table.Dropped(ctx, unit.hash, service)
				if err != nil {
					return fmt.Errorf("submissiondispatcher: dropped: %w", err)
				}
				if dropped && !submission.Params.IgnoreFiltering {
					break services
				}
			}
		}

		if filePending {
			pending = append(pending, unit)
		}
	}

	if len(pending) > 0 {
		for _, unit := range pending {
			if err := d.fileQueue.Push(ctx, model.FileTask{
				SID:        sid,
				FileHash:   unit.hash,
				FileType:   unit.fileType,
				Depth:      unit.depth,
				ParentHash: unit.parent,
			}); err != nil {
				return fmt.Errorf("submissiondispatcher: push pending file task: %w", err)
			}
		}
		log.Debug("submission still has outstanding work", zap.Int("pending_files", len(pending)))
		return nil
	}

	return d.finalize(ctx, sid, submission, maxScore, classifications)
}

// finalize completes a submission whose entire extraction tree has reached
// a terminal state for every scheduled service (spec.md §4.5 Finalize).
func (d *Dispatcher) finalize(ctx context.Context, sid model.SubmissionID, submission *model.Submission, maxScore int64, classifications []string) error {
	log := logging.Submission(d.log, string(sid))
	table := d.table(sid)

	if submission.Params.QuotaItem && submission.Params.Submitter != "" {
		if err := d.quota.Release(ctx, submission.Params.Submitter, sid); err != nil {
			return fmt.Errorf("submissiondispatcher: finalize: quota release: %w", err)
		}
	}

	all, err := table.AllResults(ctx)
	if err != nil {
		return fmt.Errorf("submissiondispatcher: finalize: all_results: %w", err)
	}

	var errorKeys []string
	for _, statuses := range all {
		for _, cell := range statuses {
			if cell.Kind == model.CellFailedTerminal && cell.ErrorKey != "" {
				errorKeys = append(errorKeys, cell.ErrorKey)
			}
		}
	}

	fileCount := len(all)
	joined := classification.Join(classifications)
	score := maxScore

	submission.Classification = joined
	submission.MaxScore = &score
	submission.ErrorCount = len(errorKeys)
	submission.Errors = errorKeys
	submission.FileCount = fileCount
	submission.State = "completed"
	submission.Times.Completed = time.Now().UTC().Format(time.RFC3339)

	if err := d.submitted.Save(ctx, submission); err != nil {
		return fmt.Errorf("submissiondispatcher: finalize: save submission: %w", err)
	}

	if submission.Params.CompletedQueue != "" {
		completed := queue.New(d.rdb, submission.Params.CompletedQueue)
		if err := completed.Push(ctx, model.SubmissionTask{SID: sid}); err != nil {
			return fmt.Errorf("submissiondispatcher: finalize: push completed queue: %w", err)
		}
	}

	if err := d.watchers.StopAndDrop(ctx, sid); err != nil {
		return fmt.Errorf("submissiondispatcher: finalize: stop_and_drop: %w", err)
	}
	if err := d.watch.Cancel(ctx, string(sid)); err != nil {
		return fmt.Errorf("submissiondispatcher: finalize: cancel watch: %w", err)
	}
	if err := table.Delete(ctx); err != nil {
		return fmt.Errorf("submissiondispatcher: finalize: delete table: %w", err)
	}

	if d.counters != nil {
		d.counters.SubmissionsFinalized.Inc()
	}
	log.Info("submission finalized",
		zap.Int64("max_score", score),
		zap.String("classification", joined),
		zap.Int("file_count", fileCount),
		zap.Int("error_count", len(errorKeys)),
	)
	return nil
}

// Pool runs a fixed number of concurrent Dispatch loops, each consuming
// SubmissionTasks from the shared submission queue until ctx is cancelled.
type Pool struct {
	d       *Dispatcher
	workers int
}

// NewPool returns a Pool of the given worker count.
func NewPool(d *Dispatcher, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{d: d, workers: workers}
}

// Run blocks, driving every worker, until ctx is cancelled or a worker
// returns a non-context error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var task model.SubmissionTask
		raw, ok, err := p.d.submissionQueue.Pop(ctx, 5*time.Second, &task)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.d.log.Error("submission queue pop failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := p.d.Dispatch(ctx, task); err != nil {
			p.d.log.Error("submission dispatch failed", zap.String("sid", string(task.SID)), zap.Error(err))
			continue
		}
		if err := p.d.submissionQueue.Ack(ctx, raw); err != nil {
			p.d.log.Error("submission queue ack failed", zap.String("sid", string(task.SID)), zap.Error(err))
		}
	}
}
