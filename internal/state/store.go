// Package state persists run records: one JSON file per active run, and a
// date-partitioned history tree for finished runs.
package state

import (
	"errors"
	"time"
)

// Load failures are distinguishable with errors.Is.
var (
	ErrNotFound        = errors.New("run state not found")
	ErrCorrupted       = errors.New("run state is not valid JSON")
	ErrIncomplete      = errors.New("run state is missing required fields")
	ErrAlreadyArchived = errors.New("run is already archived")
	ErrIllegalUpdate   = errors.New("illegal run state update")
)

// Store is the persistence surface the engine and CLI use.
type Store interface {
	Save(st *RunState) error
	Load(runID string) (*RunState, error)
	// LoadArchived reads a run from the history tree.
	LoadArchived(runID string) (*RunState, error)
	Exists(runID string) bool
	// Archive moves a run into history. The copy is verified before the
	// active file is removed.
	Archive(runID string) error
	ListActiveRuns() ([]string, error)
	// PruneArchive deletes archived files older than retentionDays and
	// returns how many were removed.
	PruneArchive(retentionDays int) (int, error)
	// NextRunID returns an unused run id for now.
	NextRunID(now time.Time) string
}
