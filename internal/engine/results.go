package engine

import "time"

// Status is the terminal state of one model within a run.
type Status string

const (
	StatusBuilt           Status = "built"
	StatusSkipped         Status = "skipped"
	StatusFailed          Status = "failed"
	StatusAssertionFailed Status = "assertion_failed"
	StatusCancelled       Status = "cancelled"
)

// RunStatus is the aggregate outcome persisted to run_log.
type RunStatus string

const (
	RunSuccess         RunStatus = "success"
	RunFailed          RunStatus = "failed"
	RunAssertionFailed RunStatus = "assertion_failed"
	RunError           RunStatus = "error"
)

// ModelResult describes what happened to a single model in a run.
type ModelResult struct {
	FullName string
	Status   Status
	RowCount int64
	Duration time.Duration
	Err      error
}

// RunSummary aggregates a transform run over the whole DAG.
type RunSummary struct {
	RunID      string
	Results    map[string]ModelResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Status reduces per-model outcomes to a run_log status.
func (s *RunSummary) Status() RunStatus {
	status := RunSuccess
	for _, r := range s.Results {
		switch r.Status {
		case StatusFailed, StatusCancelled:
			return RunFailed
		case StatusAssertionFailed:
			status = RunAssertionFailed
		}
	}
	return status
}

// Counts tallies results by status for log lines and step summaries.
func (s *RunSummary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}
