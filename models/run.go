package models

import "time"

// RunPhase is the orchestrator's lifecycle state.
type RunPhase string

const (
	RunPending   RunPhase = "pending"
	RunRunning   RunPhase = "running"
	RunDraining  RunPhase = "draining"
	RunCompleted RunPhase = "completed"
	RunFailed    RunPhase = "failed"
)

// PersistOutcome is the result of persisting one record.
type PersistOutcome string

const (
	PersistInserted  PersistOutcome = "inserted"
	PersistUpdated   PersistOutcome = "updated"
	PersistDuplicate PersistOutcome = "duplicate"
)

// RunState aggregates counters for one run. It is owned by a single
// collector goroutine in the runner; workers report deltas over a channel
// and never touch it directly.
type RunState struct {
	RunID            string         `json:"run_id"`
	Phase            RunPhase       `json:"phase"`
	TargetsQueued    int            `json:"targets_queued"`
	TargetsProcessed int            `json:"targets_processed"`
	RecordsInserted  int            `json:"records_inserted"`
	RecordsUpdated   int            `json:"records_updated"`
	RecordsDuplicate int            `json:"records_duplicate"`
	FailuresByKind   map[string]int `json:"failures_by_kind"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at,omitzero"`
	FailReason       string         `json:"fail_reason,omitempty"`
}

// Failures returns the total failure count across all kinds.
func (s *RunState) Failures() int {
	n := 0
	for _, c := range s.FailuresByKind {
		n += c
	}
	return n
}

// Summary finalizes the state into an immutable RunSummary.
func (s *RunState) Summary() *RunSummary {
	failures := make(map[string]int, len(s.FailuresByKind))
	for k, v := range s.FailuresByKind {
		failures[k] = v
	}
	return &RunSummary{
		RunID:            s.RunID,
		Phase:            s.Phase,
		TargetsProcessed: s.TargetsProcessed,
		RecordsInserted:  s.RecordsInserted,
		RecordsUpdated:   s.RecordsUpdated,
		RecordsDuplicate: s.RecordsDuplicate,
		FailuresByKind:   failures,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		Duration:         s.FinishedAt.Sub(s.StartedAt),
		FailReason:       s.FailReason,
	}
}

// RunSummary is the finalized result of one run, reported to the caller,
// the status API, and the webhook exporter.
type RunSummary struct {
	RunID            string         `json:"run_id"`
	Phase            RunPhase       `json:"phase"`
	TargetsProcessed int            `json:"targets_processed"`
	RecordsInserted  int            `json:"records_inserted"`
	RecordsUpdated   int            `json:"records_updated"`
	RecordsDuplicate int            `json:"records_duplicate"`
	FailuresByKind   map[string]int `json:"failures_by_kind"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Duration         time.Duration  `json:"duration"`
	FailReason       string         `json:"fail_reason,omitempty"`
}

// Succeeded reports whether the run finished without a fatal error.
func (s *RunSummary) Succeeded() bool {
	return s.Phase == RunCompleted
}

// SessionPoolStats is a point-in-time snapshot of the session pool,
// exposed by the status API.
type SessionPoolStats struct {
	Capacity    int `json:"capacity"`
	Active      int `json:"active"`
	Idle        int `json:"idle"`
	CoolingDown int `json:"cooling_down"`
	Rotations   int `json:"rotations"`
}
