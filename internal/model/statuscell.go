package model

import (
	"encoding/json"
	"fmt"
)

// CellKind discriminates the StatusCell sum type (spec.md §3).
//
// Empty has no wire representation: an absent hash field IS the Empty cell,
// so CellKind never serializes the value "empty" itself.
type CellKind string

const (
	CellDispatched        CellKind = "dispatched"
	CellFinished          CellKind = "finished"
	CellFailedRecoverable CellKind = "failed_recoverable"
	CellFailedTerminal    CellKind = "failed_terminal"
)

// StatusCell is the per-(file, service) dispatch table cell.
//
// This is the Go realization of spec.md §3's sum type: a single tagged
// struct rather than four unrelated Python dict shapes, so callers switch on
// Kind instead of probing for keys.
type StatusCell struct {
	Kind CellKind `json:"kind"`

	// Dispatched
	DispatchedAt int64 `json:"dispatched_at,omitempty"`

	// Finished
	ResultKey string `json:"result_key,omitempty"`
	Score     int64  `json:"score,omitempty"`
	Drop      bool   `json:"drop,omitempty"`

	// FailedRecoverable
	Attempts int `json:"attempts,omitempty"`

	// FailedTerminal
	ErrorKey string `json:"error_key,omitempty"`
}

// IsTerminal reports whether the cell is in a state that is never updated
// again (Finished or FailedTerminal), per the GLOSSARY's "Terminal cell".
func (c StatusCell) IsTerminal() bool {
	return c.Kind == CellFinished || c.Kind == CellFailedTerminal
}

// IsError reports whether the cell represents a failure outcome (used by the
// watch-queue replay in SetupWatchQueue to choose OK vs FAIL).
func (c StatusCell) IsError() bool {
	return c.Kind == CellFailedTerminal
}

// Key returns the cache/error key callers use to fetch the underlying
// result or error record, or "" if the cell carries neither (Dispatched,
// FailedRecoverable, or the sentinel "errors" abandonment — callers that
// need to distinguish the sentinel use Finished() on the dispatch table
// directly, which returns the literal string "errors").
func (c StatusCell) Key() string {
	switch c.Kind {
	case CellFinished:
		return c.ResultKey
	case CellFailedTerminal:
		return c.ErrorKey
	default:
		return ""
	}
}

func DispatchedCell(at int64) StatusCell {
	return StatusCell{Kind: CellDispatched, DispatchedAt: at}
}

func FinishedCell(resultKey string, score int64, drop bool) StatusCell {
	return StatusCell{Kind: CellFinished, ResultKey: resultKey, Score: score, Drop: drop}
}

func FailedRecoverableCell(attempts int) StatusCell {
	return StatusCell{Kind: CellFailedRecoverable, Attempts: attempts}
}

func FailedTerminalCell(errorKey string) StatusCell {
	return StatusCell{Kind: CellFailedTerminal, ErrorKey: errorKey}
}

// MarshalBinary/UnmarshalBinary let StatusCell be stored directly as a Redis
// hash field value via go-redis's generic (un)marshaling hooks.
func (c StatusCell) MarshalBinary() ([]byte, error) { return json.Marshal(c) }

func (c *StatusCell) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("model: empty StatusCell payload")
	}
	return json.Unmarshal(data, c)
}
