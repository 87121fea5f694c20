// Package filedispatcher implements the file-level driver (spec.md §4.6,
// C6): the handler woken by the file queue that walks one file's staged
// schedule, short-circuits services with a cached result or abandoned
// error budget, and dispatches whatever is left to run.
package filedispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/dispatchtable"
	"github.com/scriptweaver/dispatchcore/internal/logging"
	"github.com/scriptweaver/dispatchcore/internal/metrics"
	"github.com/scriptweaver/dispatchcore/internal/model"
	"github.com/scriptweaver/dispatchcore/internal/queue"
	"github.com/scriptweaver/dispatchcore/internal/scheduler"
	"github.com/scriptweaver/dispatchcore/internal/store"
	"github.com/scriptweaver/dispatchcore/internal/watcher"
)

// Dispatcher drives file-level dispatch. One Dispatcher is shared by every
// worker in a Pool.
type Dispatcher struct {
	rdb       redis.Cmdable
	cfg       *config.Snapshot
	submitted store.SubmissionStore
	results   store.ResultStore
	errors    store.ErrorStore
	watch     *watcher.Watcher
	log       *zap.Logger
	counters  *metrics.Counters

	submissionQueue *queue.NamedQueue
}

// New builds a Dispatcher wired to the given collaborators. counters may be
// nil, in which case metrics are skipped.
func New(
	rdb redis.Cmdable,
	cfg *config.Snapshot,
	submitted store.SubmissionStore,
	results store.ResultStore,
	errors store.ErrorStore,
	watch *watcher.Watcher,
	log *zap.Logger,
	counters *metrics.Counters,
) *Dispatcher {
	return &Dispatcher{
		rdb:             rdb,
		cfg:             cfg,
		submitted:       submitted,
		results:         results,
		errors:          errors,
		watch:           watch,
		log:             log,
		counters:        counters,
		submissionQueue: queue.New(rdb, queue.SubmissionQueueName),
	}
}

func (d *Dispatcher) table(sid model.SubmissionID) *dispatchtable.Table {
	return dispatchtable.New(d.rdb, sid)
}

// shortCircuit is the outcome of _find_results (spec.md §4.6.1).
type shortCircuit struct {
	kind      string // "result", "error", "abandon", "none"
	resultKey string
	result    *model.Result
	errorID   string
}

// findResults runs the three §4.6.1 lookups concurrently: a cached result,
// a previously recorded terminal error, and a non-terminal (timeout/crash)
// error count against the service's failure budget.
func (d *Dispatcher) findResults(ctx context.Context, cfg *config.Config, sid model.SubmissionID, file model.FileHash, service model.ServiceName, serviceConfig string) (shortCircuit, error) {
	var (
		resultHit        *model.Result
		resultKey        string
		terminalID       string
		terminalFound    bool
		nonTerminalCount int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resultKey = scheduler.BuildResultKey(file, service, serviceConfig)
		r, err := d.results.Get(gctx, resultKey)
		if err != nil {
			return err
		}
		resultHit = r
		return nil
	})
	g.Go(func() error {
		id, found, err := d.errors.FindTerminal(gctx, sid, file, service)
		if err != nil {
			return err
		}
		terminalID, terminalFound = id, found
		return nil
	})
	g.Go(func() error {
		n, err := d.errors.CountNonTerminal(gctx, sid, file, service)
		if err != nil {
			return err
		}
		nonTerminalCount = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return shortCircuit{}, err
	}

	if resultHit != nil {
		return shortCircuit{kind: "result", resultKey: resultKey, result: resultHit}, nil
	}
	if terminalFound {
		return shortCircuit{kind: "error", errorID: terminalID}, nil
	}
	if nonTerminalCount >= scheduler.ServiceFailureLimit(cfg, service) {
		return shortCircuit{kind: "abandon"}, nil
	}
	return shortCircuit{kind: "none"}, nil
}

// Dispatch advances dispatch state for one file (spec.md §4.6 steps 1-5).
func (d *Dispatcher) Dispatch(ctx context.Context, task model.FileTask) error {
	log := logging.File(d.log, string(task.SID), string(task.FileHash), task.FileType)
	cfg := d.cfg.Get()

	submission, err := d.submitted.Get(ctx, task.SID)
	if err != nil {
		return fmt.Errorf("filedispatcher: load submission %s: %w", task.SID, err)
	}
	if submission == nil || submission.State == "completed" {
		return nil
	}

	if err := d.watch.Touch(ctx, string(task.SID), cfg.Core.Dispatcher.Timeout, d.submissionQueue.Name(), model.SubmissionTask{SID: task.SID}); err != nil {
		return fmt.Errorf("filedispatcher: touch watch: %w", err)
	}

	table := d.table(task.SID)
	stages, ok, err := table.GetSchedule(ctx, task.FileHash)
	if err != nil {
		return fmt.Errorf("filedispatcher: get_schedule: %w", err)
	}
	if !ok {
		built := scheduler.BuildSchedule(cfg, submission.Params, task.FileType)
		stages = make([][]model.ServiceName, len(built))
		for i, stage := range built {
			stages[i] = stage.Services
		}
		if err := table.SetSchedule(ctx, task.FileHash, stages); err != nil {
			return fmt.Errorf("filedispatcher: set_schedule: %w", err)
		}
	}

	var outstanding []model.ServiceName

stageLoop:
	for _, stage := range stages {
		stageOutstanding := false

		for _, service := range stage {
			key, ok, err := table.Finished(ctx, task.FileHash, service)
			if err != nil {
				return fmt.Errorf("filedispatcher: finished: %w", err)
			}
			if ok {
				if key != "errors" {
					dropped, err := table.Dropped(ctx, task.FileHash, service)
					if err != nil {
						return fmt.Errorf("filedispatcher: dropped: %w", err)
					}
					if dropped && !submission.Params.IgnoreFiltering {
						break stageLoop
					}
				}
				continue
			}

			serviceConfig := scheduler.BuildServiceConfig(cfg, submission.Params, service)
			hit, err := d.findResults(ctx, cfg, task.SID, task.FileHash, service, serviceConfig)
			if err != nil {
				return fmt.Errorf("filedispatcher: find_results: %w", err)
			}

			switch hit.kind {
			case "result":
				if _, err := table.Finish(ctx, task.FileHash, service, hit.resultKey, hit.result.Score, hit.result.DropFile); err != nil {
					return fmt.Errorf("filedispatcher: finish from cache: %w", err)
				}
				if d.counters != nil {
					d.counters.FinishedCount.Inc()
				}
				if hit.result.DropFile && !submission.Params.IgnoreFiltering {
					break stageLoop
				}
			case "error":
				if _, err := table.FailNonrecoverable(ctx, task.FileHash, service, hit.errorID); err != nil {
					return fmt.Errorf("filedispatcher: fail_nonrecoverable from cache: %w", err)
				}
				if d.counters != nil {
					d.counters.FinishedCount.Inc()
					d.counters.ServiceFailed.WithLabelValues(string(service), "true").Inc()
				}
			case "abandon":
				if _, err := table.FailNonrecoverable(ctx, task.FileHash, service, ""); err != nil {
					return fmt.Errorf("filedispatcher: abandon service: %w", err)
				}
				if d.counters != nil {
					d.counters.FinishedCount.Inc()
					d.counters.ServiceFailed.WithLabelValues(string(service), "true").Inc()
				}
			default:
				outstanding = append(outstanding, service)
				stageOutstanding = true
			}
		}

		if stageOutstanding {
			break
		}
	}

	now := time.Now().Unix()
	for _, service := range outstanding {
		dispatchedAt, err := table.DispatchTime(ctx, task.FileHash, service)
		if err != nil {
			return fmt.Errorf("filedispatcher: dispatch_time: %w", err)
		}
		timeout := scheduler.ServiceTimeout(cfg, service)
		if dispatchedAt != 0 && now-dispatchedAt < timeout {
			continue
		}

		serviceConfig := scheduler.BuildServiceConfig(cfg, submission.Params, service)
		serviceQueue := queue.New(d.rdb, queue.ServiceQueueName(string(service)))
		if err := serviceQueue.Push(ctx, model.ServiceTask{
			SID:           task.SID,
			FileHash:      task.FileHash,
			FileType:      task.FileType,
			Depth:         task.Depth,
			ServiceName:   service,
			ServiceConfig: serviceConfig,
			ParentHash:    task.ParentHash,
		}); err != nil {
			return fmt.Errorf("filedispatcher: push service task: %w", err)
		}
		if err := table.Dispatch(ctx, task.FileHash, service, now); err != nil {
			return fmt.Errorf("filedispatcher: dispatch cell: %w", err)
		}
		if d.counters != nil {
			d.counters.DispatchCount.Inc()
			d.counters.ServiceDispatched.WithLabelValues(string(service)).Inc()
		}
	}

	if len(outstanding) == 0 {
		if d.counters != nil {
			d.counters.FilesCompleted.Inc()
		}
		allFinished, err := table.AllFinished(ctx)
		if err != nil {
			return fmt.Errorf("filedispatcher: all_finished: %w", err)
		}
		if allFinished {
			if err := d.submissionQueue.Push(ctx, model.SubmissionTask{SID: task.SID}); err != nil {
				return fmt.Errorf("filedispatcher: push submission wake-up: %w", err)
			}
		}
		log.Debug("file fully dispatched")
	}

	return nil
}

// Pool runs a fixed number of concurrent Dispatch loops, each consuming
// FileTasks from the shared file queue until ctx is cancelled.
type Pool struct {
	d       *Dispatcher
	q       *queue.NamedQueue
	workers int
}

// NewPool returns a Pool of the given worker count.
func NewPool(d *Dispatcher, rdb redis.Cmdable, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{d: d, q: queue.New(rdb, queue.FileQueueName), workers: workers}
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

		var task model.FileTask
		raw, ok, err := p.q.Pop(ctx, 5*time.Second, &task)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.d.log.Error("file queue pop failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := p.d.Dispatch(ctx, task); err != nil {
			p.d.log.Error("file dispatch failed", zap.String("sid", string(task.SID)), zap.String("file_hash", string(task.FileHash)), zap.Error(err))
			continue
		}
		if err := p.q.Ack(ctx, raw); err != nil {
			p.d.log.Error("file queue ack failed", zap.String("sid", string(task.SID)), zap.Error(err))
		}
	}
}
