package store

import (
	"context"
	"sync"

	"github.com/scriptweaver/dispatchcore/internal/model"
)

// Memory is an in-process, mutex-guarded implementation of every store
// interface in this package, used by the dispatch core's own tests. It is
// the Go counterpart of original_source/al_core/mocking/datastore.py's
// MockCollection/MockDatastore: a plain key/value map per collection with
// get/exists/save/delete semantics, generalized here into typed per-kind
// stores instead of one untyped MockCollection per name.
type Memory struct {
	mu sync.Mutex

	submissions map[model.SubmissionID]*model.Submission
	results     map[string]*model.Result
	errors      map[string]model.Error
	errorMeta   map[string]errorKey
	files       map[model.FileHash]*FileRecord
	quota       map[string]map[model.SubmissionID]struct{}
}

type errorKey struct {
	sid     model.SubmissionID
	file    model.FileHash
	service model.ServiceName
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		submissions: map[model.SubmissionID]*model.Submission{},
		results:     map[string]*model.Result{},
		errors:      map[string]model.Error{},
		errorMeta:   map[string]errorKey{},
		files:       map[model.FileHash]*FileRecord{},
		quota:       map[string]map[model.SubmissionID]struct{}{},
	}
}

func (m *Memory) Get(_ context.Context, sid model.SubmissionID) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions[sid], nil
}

func (m *Memory) Save(_ context.Context, sub *model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.submissions[sub.SID] = &cp
	return nil
}

// PutFile seeds a file record; used by tests to simulate the blob/document
// store already holding a submitted or extracted file.
func (m *Memory) PutFile(hash model.FileHash, fileType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[hash] = &FileRecord{Hash: hash, Type: fileType}
}

func (m *Memory) GetFile(_ context.Context, hash model.FileHash) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[hash], nil
}

func (m *Memory) GetResult(_ context.Context, key string) (*model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[key], nil
}

func (m *Memory) ResultExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.results[key]
	return ok, nil
}

func (m *Memory) SaveResult(_ context.Context, key string, result *model.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	m.results[key] = &cp
	return nil
}

func (m *Memory) SaveError(_ context.Context, id string, sid model.SubmissionID, file model.FileHash, service model.ServiceName, e model.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[id] = e
	m.errorMeta[id] = errorKey{sid: sid, file: file, service: service}
	return nil
}

func (m *Memory) FindTerminal(_ context.Context, sid model.SubmissionID, file model.FileHash, service model.ServiceName) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, meta := range m.errorMeta {
		if meta.sid != sid || meta.file != file || meta.service != service {
			continue
		}
		if e, ok := m.errors[id]; ok && e.Category == model.ErrorCategoryTerminal {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (m *Memory) CountNonTerminal(_ context.Context, sid model.SubmissionID, file model.FileHash, service model.ServiceName) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, meta := range m.errorMeta {
		if meta.sid != sid || meta.file != file || meta.service != service {
			continue
		}
		if e, ok := m.errors[id]; ok && (e.Category == model.ErrorCategoryTimeout || e.Category == model.ErrorCategoryCrash) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Hold(_ context.Context, submitter string, sid model.SubmissionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota[submitter] == nil {
		m.quota[submitter] = map[model.SubmissionID]struct{}{}
	}
	m.quota[submitter][sid] = struct{}{}
	return nil
}

func (m *Memory) Release(_ context.Context, submitter string, sid model.SubmissionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quota[submitter], sid)
	return nil
}

// Ensure Memory satisfies the narrower single-purpose interfaces directly
// where no wrapping is needed.
var (
	_ SubmissionStore = (*Memory)(nil)
	_ QuotaStore      = (*Memory)(nil)
)

// ErrorStoreOf adapts Memory to the ErrorStore interface.
func ErrorStoreOf(mem *Memory) ErrorStore { return errorStoreAdapter{mem} }

type errorStoreAdapter struct{ mem *Memory }

func (e errorStoreAdapter) Save(ctx context.Context, id string, sid model.SubmissionID, file model.FileHash, service model.ServiceName, err model.Error) error {
	return e.mem.SaveError(ctx, id, sid, file, service, err)
}
func (e errorStoreAdapter) FindTerminal(ctx context.Context, sid model.SubmissionID, file model.FileHash, service model.ServiceName) (string, bool, error) {
	return e.mem.FindTerminal(ctx, sid, file, service)
}
func (e errorStoreAdapter) CountNonTerminal(ctx context.Context, sid model.SubmissionID, file model.FileHash, service model.ServiceName) (int, error) {
	return e.mem.CountNonTerminal(ctx, sid, file, service)
}

// ResultStoreOf adapts Memory to the ResultStore interface.
func ResultStoreOf(mem *Memory) ResultStore { return resultStoreAdapter{mem} }

type resultStoreAdapter struct{ mem *Memory }

func (r resultStoreAdapter) Get(ctx context.Context, key string) (*model.Result, error) {
	return r.mem.GetResult(ctx, key)
}
func (r resultStoreAdapter) Exists(ctx context.Context, key string) (bool, error) {
	return r.mem.ResultExists(ctx, key)
}
func (r resultStoreAdapter) Save(ctx context.Context, key string, result *model.Result) error {
	return r.mem.SaveResult(ctx, key, result)
}

// FileStoreOf adapts Memory to the FileStore interface.
func FileStoreOf(mem *Memory) FileStore { return fileStoreAdapter{mem} }

type fileStoreAdapter struct{ mem *Memory }

func (f fileStoreAdapter) Get(ctx context.Context, hash model.FileHash) (*FileRecord, error) {
	return f.mem.GetFile(ctx, hash)
}
