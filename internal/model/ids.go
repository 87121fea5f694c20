// Package model defines the wire types exchanged between the dispatch core
// and its queues and stores: tasks, status cells, results and errors.
//
// Design constraints (from SPEC_FULL.md §3):
//   - Every payload is an explicit, tagged Go type rather than a loosely
//     typed map, so serialization and the dispatch table's sum-type cell
//     state are both checked at compile time.
package model

// FileHash is a content hash string identifying a file.
//
// The source system used `file_hash.sha256` and `file_hash` inconsistently;
// this type collapses both onto a single uniform representation (spec.md §9,
// Open Question 2).
type FileHash string

// ServiceName identifies a service (scanner, extractor, classifier) by name.
type ServiceName string

// SubmissionID identifies a submission.
type SubmissionID string

func (s SubmissionID) String() string { return string(s) }
func (f FileHash) String() string     { return string(f) }
func (n ServiceName) String() string  { return string(n) }
