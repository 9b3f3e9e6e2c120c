// Package archive persists finished workflow runs. The executor hands a run
// record to an async writer at the moment the run reaches a terminal state;
// which store backs it (Redis, Postgres, or nothing) is a deployment choice.
package archive

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound marks a lookup for a run the store does not hold. Redis
// records expire; the not-found case is ordinary, not exceptional.
var ErrNotFound = errors.New("archive: run not found")

// TaskRecord is the archived outcome of one task.
type TaskRecord struct {
	TaskID     string `json:"task_id"`
	Type       string `json:"type"`
	State      string `json:"state"`
	Backend    string `json:"backend,omitempty"`
	Output     string `json:"output,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunRecord is the archived outcome of one workflow run.
type RunRecord struct {
	WorkflowID string       `json:"workflow_id"`
	Template   string       `json:"template"`
	Status     string       `json:"status"`
	Prompt     string       `json:"prompt,omitempty"`
	Inferred   bool         `json:"inferred,omitempty"`
	Tasks      []TaskRecord `json:"tasks,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Duration is the wall-clock span of the run.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the persistence boundary for run history.
type Store interface {
	SaveRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, workflowID string) (RunRecord, error)
	ListRecent(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// NoopStore discards everything. Used when archiving is disabled.
type NoopStore struct{}

func (NoopStore) SaveRun(context.Context, RunRecord) error { return nil }

func (NoopStore) GetRun(context.Context, string) (RunRecord, error) {
	return RunRecord{}, ErrNotFound
}

func (NoopStore) ListRecent(context.Context, int) ([]RunRecord, error) { return nil, nil }

func (NoopStore) Close() error { return nil }
