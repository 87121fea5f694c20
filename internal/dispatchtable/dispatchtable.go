// Package dispatchtable implements the per-submission dispatch table
// (spec.md §3, §4.1, C1): the authoritative store of (file, service) status
// cells and the aggregate dispatch_count/finished_count counters every other
// driver derives its decisions from.
//
// Realization: one Redis hash per submission. Every compound mutation
// (Dispatch, Finish, FailRecoverable, FailNonrecoverable) runs as a single
// Lua script via redis.Script so the read-modify-write is atomic
// server-side — this is what makes invariant 1 ("a cell transitions to a
// terminal state exactly once") and invariant 3 ("the transition is atomic
// with the counters") hold when multiple dispatcher instances race on the
// same cell.
package dispatchtable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scriptweaver/dispatchcore/internal/model"
)

const (
	cellFieldPrefix     = "cell\x00"
	scheduleFieldPrefix = "sched\x00"
	dispatchCountField  = "dispatch_count"
	finishedCountField  = "finished_count"
)

// Table is a handle onto one submission's dispatch hash. It holds no state
// of its own beyond the Redis connection and key — every read derives from
// the server, so any number of Table values for the same sid are
// interchangeable across goroutines and processes.
type Table struct {
	rdb redis.Cmdable
	key string
}

// New returns a Table bound to the dispatch hash for sid.
func New(rdb redis.Cmdable, sid model.SubmissionID) *Table {
	return &Table{rdb: rdb, key: "dispatch-hash:" + sid.String()}
}

func cellField(file model.FileHash, service model.ServiceName) string {
	return cellFieldPrefix + string(file) + "\x00" + string(service)
}

func scheduleField(file model.FileHash) string {
	return scheduleFieldPrefix + string(file)
}

// dispatchScript sets cells[file][service] = Dispatched{now}, incrementing
// dispatch_count only when the cell was not already Dispatched (a fresh
// dispatch or a transition out of Empty/FailedRecoverable), and refreshing
// just the timestamp when it was already Dispatched — this is what makes a
// repeated Dispatch call idempotent with respect to the counters while still
// letting a timeout-driven re-dispatch advance the deadline (spec.md §4.1).
// A cell already in a terminal state is left untouched.
var dispatchScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local decoded = cjson.decode(cur)
  if decoded.kind == 'finished' or decoded.kind == 'failed_terminal' then
    return 0
  end
  if decoded.kind == 'dispatched' then
    decoded.dispatched_at = tonumber(ARGV[2])
    redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(decoded))
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({kind='dispatched', dispatched_at=tonumber(ARGV[2])}))
redis.call('HINCRBY', KEYS[1], ARGV[3], 1)
return 1
`)

// Dispatch marks (file, service) Dispatched at the given monotonic
// timestamp.
func (t *Table) Dispatch(ctx context.Context, file model.FileHash, service model.ServiceName, at int64) error {
	_, err := dispatchScript.Run(ctx, t.rdb, []string{t.key}, cellField(file, service), at, dispatchCountField).Result()
	if err != nil {
		return fmt.Errorf("dispatchtable: dispatch: %w", err)
	}
	return nil
}

// DispatchTime returns the timestamp of the current Dispatched cell, or 0 if
// the cell is not Dispatched.
func (t *Table) DispatchTime(ctx context.Context, file model.FileHash, service model.ServiceName) (int64, error) {
	cell, found, err := t.getCell(ctx, file, service)
	if err != nil || !found || cell.Kind != model.CellDispatched {
		return 0, err
	}
	return cell.DispatchedAt, nil
}

// finishScript atomically writes a Finished cell and increments
// finished_count, unless the cell is already terminal (idempotent replay of
// a duplicate service_finished message is then a no-op). It always returns
// the number of cells in the submission still not terminal, computed from
// the post-update counters, so the caller never needs a second read.
var finishScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local decoded = cjson.decode(cur)
  if decoded.kind == 'finished' or decoded.kind == 'failed_terminal' then
    local dispatched = tonumber(redis.call('HGET', KEYS[1], ARGV[5]) or '0')
    local finished = tonumber(redis.call('HGET', KEYS[1], ARGV[6]) or '0')
    return dispatched - finished
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({
  kind='finished', result_key=ARGV[2], score=tonumber(ARGV[3]), drop=(ARGV[4] == '1')
}))
local finished = redis.call('HINCRBY', KEYS[1], ARGV[6], 1)
local dispatched = tonumber(redis.call('HGET', KEYS[1], ARGV[5]) or '0')
return dispatched - finished
`)

// Finish writes a Finished cell and returns the number of cells in this
// submission still not terminal.
func (t *Table) Finish(ctx context.Context, file model.FileHash, service model.ServiceName, resultKey string, score int64, drop bool) (int64, error) {
	dropArg := "0"
	if drop {
		dropArg = "1"
	}
	remaining, err := finishScript.Run(ctx, t.rdb, []string{t.key},
		cellField(file, service), resultKey, score, dropArg, dispatchCountField, finishedCountField).Int64()
	if err != nil {
		return 0, fmt.Errorf("dispatchtable: finish: %w", err)
	}
	return remaining, nil
}

// failRecoverableScript increments the cell's attempt counter without
// marking it terminal. A cell already terminal is left untouched.
var failRecoverableScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local attempts = 1
if cur then
  local decoded = cjson.decode(cur)
  if decoded.kind == 'finished' or decoded.kind == 'failed_terminal' then
    return decoded.attempts or 0
  end
  if decoded.kind == 'failed_recoverable' then
    attempts = decoded.attempts + 1
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({kind='failed_recoverable', attempts=attempts}))
return attempts
`)

// FailRecoverable increments the cell's attempt count and returns the new
// total. Callers compare the result against the service's failure limit and
// escalate to FailNonrecoverable once it exceeds that limit.
func (t *Table) FailRecoverable(ctx context.Context, file model.FileHash, service model.ServiceName) (int, error) {
	attempts, err := failRecoverableScript.Run(ctx, t.rdb, []string{t.key}, cellField(file, service)).Int()
	if err != nil {
		return 0, fmt.Errorf("dispatchtable: fail_recoverable: %w", err)
	}
	return attempts, nil
}

// failNonrecoverableScript atomically writes a FailedTerminal cell and
// increments finished_count, unless the cell is already terminal.
var failNonrecoverableScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local decoded = cjson.decode(cur)
  if decoded.kind == 'finished' or decoded.kind == 'failed_terminal' then
    local dispatched = tonumber(redis.call('HGET', KEYS[1], ARGV[4]) or '0')
    local finished = tonumber(redis.call('HGET', KEYS[1], ARGV[5]) or '0')
    return dispatched - finished
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({kind='failed_terminal', error_key=ARGV[2]}))
local finished = redis.call('HINCRBY', KEYS[1], ARGV[5], 1)
local dispatched = tonumber(redis.call('HGET', KEYS[1], ARGV[4]) or '0')
return dispatched - finished
`)

// FailNonrecoverable writes a FailedTerminal cell and returns the number of
// cells in this submission still not terminal.
func (t *Table) FailNonrecoverable(ctx context.Context, file model.FileHash, service model.ServiceName, errorKey string) (int64, error) {
	remaining, err := failNonrecoverableScript.Run(ctx, t.rdb, []string{t.key},
		cellField(file, service), errorKey, 0, dispatchCountField, finishedCountField).Int64()
	if err != nil {
		return 0, fmt.Errorf("dispatchtable: fail_nonrecoverable: %w", err)
	}
	return remaining, nil
}

// Finished reports the result key of a Finished cell, the literal "errors"
// sentinel for a FailedTerminal cell, or ok=false for any other cell state
// (spec.md §4.1 finished).
func (t *Table) Finished(ctx context.Context, file model.FileHash, service model.ServiceName) (key string, ok bool, err error) {
	cell, found, err := t.getCell(ctx, file, service)
	if err != nil || !found {
		return "", false, err
	}
	switch cell.Kind {
	case model.CellFinished:
		return cell.ResultKey, true, nil
	case model.CellFailedTerminal:
		return "errors", true, nil
	default:
		return "", false, nil
	}
}

// Dropped reports whether a Finished cell asked to stop extracting children
// of this file.
func (t *Table) Dropped(ctx context.Context, file model.FileHash, service model.ServiceName) (bool, error) {
	cell, found, err := t.getCell(ctx, file, service)
	if err != nil || !found || cell.Kind != model.CellFinished {
		return false, err
	}
	return cell.Drop, nil
}

func (t *Table) getCell(ctx context.Context, file model.FileHash, service model.ServiceName) (model.StatusCell, bool, error) {
	raw, err := t.rdb.HGet(ctx, t.key, cellField(file, service)).Result()
	if err == redis.Nil {
		return model.StatusCell{}, false, nil
	}
	if err != nil {
		return model.StatusCell{}, false, fmt.Errorf("dispatchtable: get cell: %w", err)
	}
	var cell model.StatusCell
	if err := json.Unmarshal([]byte(raw), &cell); err != nil {
		return model.StatusCell{}, false, fmt.Errorf("dispatchtable: decode cell: %w", err)
	}
	return cell, true, nil
}

// SetSchedule writes a file's staged service schedule exactly once; a second
// call for the same file is a no-op (spec.md §3 invariant 2: schedules are
// never mutated after creation).
func (t *Table) SetSchedule(ctx context.Context, file model.FileHash, stages [][]model.ServiceName) error {
	data, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("dispatchtable: encode schedule: %w", err)
	}
	if err := t.rdb.HSetNX(ctx, t.key, scheduleField(file), data).Err(); err != nil {
		return fmt.Errorf("dispatchtable: set schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the cached schedule for a file, if one has been set.
func (t *Table) GetSchedule(ctx context.Context, file model.FileHash) ([][]model.ServiceName, bool, error) {
	raw, err := t.rdb.HGet(ctx, t.key, scheduleField(file)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dispatchtable: get schedule: %w", err)
	}
	var stages [][]model.ServiceName
	if err := json.Unmarshal([]byte(raw), &stages); err != nil {
		return nil, false, fmt.Errorf("dispatchtable: decode schedule: %w", err)
	}
	return stages, true, nil
}

// AllResults returns every known cell, grouped by file then service
// (spec.md §4.1 all_results).
func (t *Table) AllResults(ctx context.Context) (map[model.FileHash]map[model.ServiceName]model.StatusCell, error) {
	all, err := t.rdb.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatchtable: all results: %w", err)
	}

	out := map[model.FileHash]map[model.ServiceName]model.StatusCell{}
	for field, raw := range all {
		file, service, ok := splitCellField(field)
		if !ok {
			continue
		}
		var cell model.StatusCell
		if err := json.Unmarshal([]byte(raw), &cell); err != nil {
			return nil, fmt.Errorf("dispatchtable: decode cell %q: %w", field, err)
		}
		if out[file] == nil {
			out[file] = map[model.ServiceName]model.StatusCell{}
		}
		out[file][service] = cell
	}
	return out, nil
}

func splitCellField(field string) (model.FileHash, model.ServiceName, bool) {
	if len(field) <= len(cellFieldPrefix) || field[:len(cellFieldPrefix)] != cellFieldPrefix {
		return "", "", false
	}
	rest := field[len(cellFieldPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == 0 {
			return model.FileHash(rest[:i]), model.ServiceName(rest[i+1:]), true
		}
	}
	return "", "", false
}

// AllFinished reports whether every dispatched cell has reached a terminal
// state and every service named in every file's cached schedule has at
// least been dispatched once — i.e. finished_count == dispatch_count and no
// cell is still Empty within any file's schedule (spec.md §4.1 all_finished).
func (t *Table) AllFinished(ctx context.Context) (bool, error) {
	all, err := t.rdb.HGetAll(ctx, t.key).Result()
	if err != nil {
		return false, fmt.Errorf("dispatchtable: all finished: %w", err)
	}

	dispatched := counterOf(all, dispatchCountField)
	finished := counterOf(all, finishedCountField)
	if dispatched != finished {
		return false, nil
	}

	cells := map[string]bool{}
	for field := range all {
		if len(field) > len(cellFieldPrefix) && field[:len(cellFieldPrefix)] == cellFieldPrefix {
			cells[field] = true
		}
	}
	for field, raw := range all {
		if len(field) <= len(scheduleFieldPrefix) || field[:len(scheduleFieldPrefix)] != scheduleFieldPrefix {
			continue
		}
		file := model.FileHash(field[len(scheduleFieldPrefix):])
		var stages [][]model.ServiceName
		if err := json.Unmarshal([]byte(raw), &stages); err != nil {
			return false, fmt.Errorf("dispatchtable: decode schedule: %w", err)
		}
		for _, stage := range stages {
			for _, service := range stage {
				if !cells[cellField(file, service)] {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

func counterOf(all map[string]string, field string) int64 {
	raw, ok := all[field]
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(raw, "%d", &n)
	return n
}

// Delete drops the entire table, releasing every cell and the schedule
// cache for this submission (spec.md §4.1 delete). The submission
// dispatcher calls this at finalize.
func (t *Table) Delete(ctx context.Context) error {
	if err := t.rdb.Del(ctx, t.key).Err(); err != nil {
		return fmt.Errorf("dispatchtable: delete: %w", err)
	}
	return nil
}
