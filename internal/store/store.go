// Package store declares the document-store interfaces the dispatch core
// treats as external collaborators (spec.md §1): submissions, results,
// errors, files, and the per-submitter quota hold. Concrete backends live
// outside this core; this core only depends on these interfaces.
package store

import (
	"context"

	"github.com/scriptweaver/dispatchcore/internal/model"
)

// FileRecord is the subset of a persisted file's metadata the dispatch core
// reads: whether it exists, and its detected type.
type FileRecord struct {
	Hash model.FileHash
	Type string
}

// SubmissionStore persists submission records (spec.md §1's "document store").
type SubmissionStore interface {
	Get(ctx context.Context, sid model.SubmissionID) (*model.Submission, error)
	Save(ctx context.Context, sub *model.Submission) error
}

// ResultStore persists and retrieves service results, keyed by the
// scheduler's fingerprint (spec.md §4.2 build_result_key).
type ResultStore interface {
	Get(ctx context.Context, key string) (*model.Result, error)
	Exists(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, key string, result *model.Result) error
}

// ErrorStore persists service/dispatcher errors and supports the two
// lookups §4.6.1's _find_results needs: a terminal error for
// (sid, file, service), and a count of non-terminal (timeout/crash) errors.
type ErrorStore interface {
	Save(ctx context.Context, id string, sid model.SubmissionID, file model.FileHash, service model.ServiceName, err model.Error) error
	FindTerminal(ctx context.Context, sid model.SubmissionID, file model.FileHash, service model.ServiceName) (id string, found bool, err error)
	CountNonTerminal(ctx context.Context, sid model.SubmissionID, file model.FileHash, service model.ServiceName) (int, error)
}

// FileStore resolves file metadata from the blob/document store.
type FileStore interface {
	Get(ctx context.Context, hash model.FileHash) (*FileRecord, error)
}

// QuotaStore tracks which submissions currently count against a submitter's
// quota (SPEC_FULL.md §11.1; original_source's `submissions-<submitter>` hash).
type QuotaStore interface {
	Hold(ctx context.Context, submitter string, sid model.SubmissionID) error
	Release(ctx context.Context, submitter string, sid model.SubmissionID) error
}
