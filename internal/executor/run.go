package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nervelab/baran/internal/archive"
	"github.com/nervelab/baran/internal/models"
	"github.com/nervelab/baran/internal/workflow"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool { return s != RunStatusRunning }

// TaskResult records one task reaching a terminal state. Failed dependents
// that never dispatched carry zero attempts and the blocking reason.
type TaskResult struct {
	TaskID     string           `json:"task_id"`
	Type       models.TaskType  `json:"type"`
	State      models.TaskState `json:"state"`
	Backend    string           `json:"backend,omitempty"`
	Output     string           `json:"output,omitempty"`
	TokensUsed int              `json:"tokens_used,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	Skipped    bool             `json:"skipped,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// RunSnapshot is a point-in-time copy of a run for API consumers.
// FinishedAt stays zero until the run is terminal.
type RunSnapshot struct {
	ID          string                `json:"id"`
	Template    string                `json:"template"`
	Inferred    bool                  `json:"inferred,omitempty"`
	Prompt      string                `json:"prompt,omitempty"`
	Status      RunStatus             `json:"status"`
	Tasks       []models.Task         `json:"tasks"`
	Results     map[string]TaskResult `json:"results,omitempty"`
	FailedTasks []string              `json:"failed_tasks,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
}

// runState is the executor-owned mutable record of one run. The scheduler
// goroutine writes through the mutex; snapshots copy everything out.
type runState struct {
	mu         sync.Mutex
	id         string
	template   string
	inferred   bool
	prompt     string
	status     RunStatus
	tasks      []models.Task
	byID       map[string]int
	results    map[string]TaskResult
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
}

func newRunState(id string, plan workflow.Plan, prompt string, cancel context.CancelFunc) *runState {
	rs := &runState{
		id:        id,
		template:  plan.Template,
		inferred:  plan.Inferred,
		prompt:    prompt,
		status:    RunStatusRunning,
		tasks:     plan.Tasks,
		byID:      make(map[string]int, len(plan.Tasks)),
		results:   make(map[string]TaskResult, len(plan.Tasks)),
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	for i, t := range plan.Tasks {
		rs.byID[t.ID] = i
	}
	return rs
}

func (rs *runState) setTaskState(taskID string, st models.TaskState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i, ok := rs.byID[taskID]; ok {
		rs.tasks[i].State = st
	}
}

// finishTask records a terminal result and mirrors the state onto the task.
func (rs *runState) finishTask(res TaskResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results[res.TaskID] = res
	if i, ok := rs.byID[res.TaskID]; ok {
		rs.tasks[i].State = res.State
	}
}

// taskForDispatch hands out a deep copy safe to mutate and ship.
func (rs *runState) taskForDispatch(taskID string) models.Task {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i, ok := rs.byID[taskID]; ok {
		return *rs.tasks[i].Clone()
	}
	return models.Task{ID: taskID}
}

// output returns a finished task's output, if it succeeded.
func (rs *runState) output(taskID string) (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	res, ok := rs.results[taskID]
	if !ok || res.State != models.TaskStateDone {
		return "", false
	}
	return res.Output, true
}

func (rs *runState) finish(status RunStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
	rs.finishedAt = time.Now().UTC()
}

func (rs *runState) currentStatus() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.status
}

func (rs *runState) snapshot() RunSnapshot {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	snap := RunSnapshot{
		ID:         rs.id,
		Template:   rs.template,
		Inferred:   rs.inferred,
		Prompt:     rs.prompt,
		Status:     rs.status,
		Tasks:      make([]models.Task, 0, len(rs.tasks)),
		StartedAt:  rs.startedAt,
		FinishedAt: rs.finishedAt,
	}
	for i := range rs.tasks {
		snap.Tasks = append(snap.Tasks, *rs.tasks[i].Clone())
	}
	if len(rs.results) > 0 {
		snap.Results = make(map[string]TaskResult, len(rs.results))
		for id, res := range rs.results {
			snap.Results[id] = res
			if res.State == models.TaskStateFailed {
				snap.FailedTasks = append(snap.FailedTasks, id)
			}
		}
	}
	// Stable order for the failed list: task creation order.
	sort.Slice(snap.FailedTasks, func(i, j int) bool {
		return rs.byID[snap.FailedTasks[i]] < rs.byID[snap.FailedTasks[j]]
	})
	return snap
}

// record converts the finished run into its archive form.
func (rs *runState) record() archive.RunRecord {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rec := archive.RunRecord{
		WorkflowID: rs.id,
		Template:   rs.template,
		Status:     string(rs.status),
		Prompt:     rs.prompt,
		Inferred:   rs.inferred,
		StartedAt:  rs.startedAt,
		FinishedAt: rs.finishedAt,
		Tasks:      make([]archive.TaskRecord, 0, len(rs.tasks)),
	}
	for _, t := range rs.tasks {
		tr := archive.TaskRecord{
			TaskID: t.ID,
			Type:   string(t.Type),
			State:  string(t.State),
		}
		if res, ok := rs.results[t.ID]; ok {
			tr.Backend = res.Backend
			tr.Output = res.Output
			tr.TokensUsed = res.TokensUsed
			tr.Attempts = res.Attempts
			tr.DurationMS = res.DurationMS
			tr.Error = res.Error
		}
		rec.Tasks = append(rec.Tasks, tr)
	}
	return rec
}

// runStore holds recent runs for status lookups. Finished runs past the
// limit are evicted oldest-first; running ones are never evicted.
type runStore struct {
	mu      sync.Mutex
	limit   int
	runs    map[string]*runState
	order   []string
	onEvict func(workflowID string)
}

func newRunStore(limit int, onEvict func(string)) *runStore {
	if limit <= 0 {
		limit = 128
	}
	return &runStore{
		limit:   limit,
		runs:    make(map[string]*runState),
		order:   make([]string, 0, limit),
		onEvict: onEvict,
	}
}

func (s *runStore) add(rs *runState) {
	s.mu.Lock()
	s.runs[rs.id] = rs
	s.order = append(s.order, rs.id)

	var evicted []string
	for len(s.runs) > s.limit {
		victim := ""
		for i, id := range s.order {
			if r, ok := s.runs[id]; ok && r.currentStatus().Terminal() {
				victim = id
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if victim == "" {
			break
		}
		delete(s.runs, victim)
		evicted = append(evicted, victim)
	}
	s.mu.Unlock()

	if s.onEvict != nil {
		for _, id := range evicted {
			s.onEvict(id)
		}
	}
}

func (s *runStore) get(workflowID string) (*runState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[workflowID]
	return rs, ok
}

func (s *runStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
