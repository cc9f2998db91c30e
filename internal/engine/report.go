// Package engine composes the hierarchy walker, conflict resolver, batch
// scheduler, and mapping store into the sync orchestrator.
package engine

import (
	"fmt"
	"time"
)

// Status is the per-node outcome of a sync run. Every node in the walked
// hierarchy appears in the report with exactly one status.
type Status string

const (
	StatusCreated       Status = "created"
	StatusUpdated       Status = "updated"
	StatusUnchanged     Status = "unchanged"
	StatusSkippedParent Status = "skipped-parent-failed"
	StatusFailed        Status = "failed"
	StatusConflict      Status = "conflict"
)

// Row is one node's line in the sync report.
type Row struct {
	LocalID string
	Kind    string
	Status  Status

	// Detail carries the failure reason for StatusFailed and the policy
	// outcome (local-wins, remote-wins, unresolved) for StatusConflict.
	Detail string

	// RemoteURL is set for nodes with a mapping entry after the run.
	RemoteURL string
}

// Report enumerates the outcome of one sync run, in hierarchy order.
type Report struct {
	Provider string
	DryRun   bool
	Duration time.Duration
	Rows     []Row

	// Conflicts holds the unresolved conflict records for follow-up.
	Conflicts []ConflictRecord
}

// Add appends a row to the report.
func (r *Report) Add(row Row) {
	r.Rows = append(r.Rows, row)
}

// Count returns the number of rows with the given status.
func (r *Report) Count(s Status) int {
	n := 0
	for _, row := range r.Rows {
		if row.Status == s {
			n++
		}
	}
	return n
}

// Unresolved returns the number of conflict rows left unresolved.
func (r *Report) Unresolved() int {
	n := 0
	for _, row := range r.Rows {
		if row.Status == StatusConflict && row.Detail == string(OutcomeUnresolved) {
			n++
		}
	}
	return n
}

// Success reports whether the run completed with no failed nodes and no
// unresolved conflicts. This drives the CLI exit code.
func (r *Report) Success() bool {
	return r.Count(StatusFailed) == 0 && r.Count(StatusSkippedParent) == 0 && r.Unresolved() == 0
}

// Summary returns a one-line count breakdown.
func (r *Report) Summary() string {
	return fmt.Sprintf("created=%d updated=%d unchanged=%d conflicts=%d skipped=%d failed=%d",
		r.Count(StatusCreated),
		r.Count(StatusUpdated),
		r.Count(StatusUnchanged),
		r.Count(StatusConflict),
		r.Count(StatusSkippedParent),
		r.Count(StatusFailed))
}
