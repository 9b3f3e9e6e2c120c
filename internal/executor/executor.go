// Package executor walks workflow task graphs. Tasks dispatch once every
// dependency is done, parallel-group members run side by side, and a failed
// task fails its transitive dependents without touching independent
// branches. All blocking I/O happens here, bounded by a worker pool; the
// router stays synchronous and the health monitor owns its own probes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/archive"
	"github.com/nervelab/baran/internal/circuitbreaker"
	"github.com/nervelab/baran/internal/classify"
	"github.com/nervelab/baran/internal/dispatch"
	"github.com/nervelab/baran/internal/metrics"
	"github.com/nervelab/baran/internal/models"
	"github.com/nervelab/baran/internal/registry"
	"github.com/nervelab/baran/internal/routing"
	"github.com/nervelab/baran/internal/streaming"
	"github.com/nervelab/baran/internal/workflow"
)

var (
	// ErrNotStarted is returned by Submit before Start or after Stop.
	ErrNotStarted = errors.New("executor not started")

	// ErrRunNotFound marks lookups for unknown or already-evicted runs.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunFinished is returned when canceling a run that already ended.
	ErrRunFinished = errors.New("workflow run already finished")
)

// Archiver receives finished runs. *archive.Writer satisfies it.
type Archiver interface {
	Enqueue(rec archive.RunRecord) bool
}

// Classifier infers complexity and task type from prompt text. Both
// *classify.Classifier and the hot-reloadable classify.Hot satisfy it.
type Classifier interface {
	Classify(prompt string) classify.Result
}

// Config tunes the executor. Zero values fall back to defaults, except
// MaxRetries where zero genuinely means a single attempt per task.
type Config struct {
	// Workers bounds concurrently dispatching tasks across all runs.
	Workers int

	// MaxRetries is how many additional backends the fallback walk may try
	// after the first attempt fails.
	MaxRetries int

	// BaseTimeout is the per-attempt deadline for backends with no latency
	// history, and the ceiling for adaptive deadlines.
	BaseTimeout time.Duration

	// TimeoutMultiplier scales a backend's rolling average latency into its
	// per-attempt deadline once samples exist.
	TimeoutMultiplier float64

	// MinTimeout floors the adaptive deadline so a fast backend's hiccup
	// does not instantly time out.
	MinTimeout time.Duration

	// HistoryLimit caps how many runs stay queryable in memory.
	HistoryLimit int

	// DefaultBudgetFactor applies when a submission does not set one.
	DefaultBudgetFactor float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 30 * time.Second
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = 3.0
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 128
	}
	if c.DefaultBudgetFactor <= 0 {
		c.DefaultBudgetFactor = 1.0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Deps wires the executor's collaborators. Registry, Router, Classifier,
// Builder, and Invoker are required; the rest default to working no-ops.
type Deps struct {
	Registry   *registry.Registry
	Router     *routing.Router
	Classifier Classifier
	Builder    *workflow.Builder
	Invoker    dispatch.Invoker
	Breakers   *circuitbreaker.Set
	Events     *streaming.Manager
	Archive    Archiver
	Logger     *zap.Logger
}

// Executor runs workflow plans.
type Executor struct {
	cfg        Config
	registry   *registry.Registry
	router     *routing.Router
	classifier Classifier
	builder    *workflow.Builder
	invoker    dispatch.Invoker
	breakers   *circuitbreaker.Set
	events     *streaming.Manager
	archive    Archiver
	logger     *zap.Logger

	store *runStore
	sem   chan struct{}

	mu         sync.Mutex
	started    bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New validates the wiring and builds an executor.
func New(deps Deps, cfg Config) (*Executor, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("executor: registry is required")
	case deps.Router == nil:
		return nil, errors.New("executor: router is required")
	case deps.Classifier == nil:
		return nil, errors.New("executor: classifier is required")
	case deps.Builder == nil:
		return nil, errors.New("executor: builder is required")
	case deps.Invoker == nil:
		return nil, errors.New("executor: invoker is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = streaming.NewManager(streaming.DefaultCapacity)
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewSet(circuitbreaker.DefaultConfig(), logger)
	}
	cfg = cfg.withDefaults()

	e := &Executor{
		cfg:        cfg,
		registry:   deps.Registry,
		router:     deps.Router,
		classifier: deps.Classifier,
		builder:    deps.Builder,
		invoker:    deps.Invoker,
		breakers:   breakers,
		events:     events,
		archive:    deps.Archive,
		logger:     logger.Named("executor"),
		sem:        make(chan struct{}, cfg.Workers),
	}
	e.store = newRunStore(cfg.HistoryLimit, events.Forget)
	return e, nil
}

// Events exposes the stream manager so the API layer can subscribe.
func (e *Executor) Events() *streaming.Manager { return e.events }

// Start makes the executor accept submissions.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("executor already started")
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	e.started = true
	e.logger.Info("Executor started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("max_retries", e.cfg.MaxRetries),
	)
	return nil
}

// Stop cancels every in-flight run and waits for them to drain, up to the
// context deadline.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.baseCancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: shutdown wait: %w", ctx.Err())
	}
}

// SubmitInput is one workflow submission.
type SubmitInput struct {
	// Template names the workflow; empty infers one from the prompt.
	Template string
	Prompt   string
	Context  map[string]any

	// BudgetFactor overrides the configured default when non-nil. Zero
	// disables cost sensitivity for this run.
	BudgetFactor *float64
}

// Submit expands the prompt into a task graph and starts executing it.
// The returned snapshot is the run's initial state; progress is observable
// through Run, the event stream, and the archive.
func (e *Executor) Submit(in SubmitInput) (RunSnapshot, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return RunSnapshot{}, ErrNotStarted
	}
	baseCtx := e.baseCtx
	e.mu.Unlock()

	plan, err := e.builder.Build(workflow.BuildInput{
		Template: in.Template,
		Prompt:   in.Prompt,
		Context:  in.Context,
	})
	if err != nil {
		return RunSnapshot{}, err
	}

	budget := e.cfg.DefaultBudgetFactor
	if in.BudgetFactor != nil {
		budget = *in.BudgetFactor
	}

	runCtx, cancel := context.WithCancel(baseCtx)
	rs := newRunState(uuid.NewString(), plan, in.Prompt, cancel)
	e.store.add(rs)

	metrics.WorkflowsStarted.WithLabelValues(plan.Template).Inc()
	e.events.Publish(runCtx, streaming.Event{
		WorkflowID: rs.id,
		Type:       streaming.EventWorkflowStarted,
		Message:    plan.Template,
	})
	e.logger.Info("Workflow run started",
		zap.String("workflow_id", rs.id),
		zap.String("template", plan.Template),
		zap.Bool("inferred", plan.Inferred),
		zap.Int("tasks", len(plan.Tasks)),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.executeRun(runCtx, rs, budget)
	}()
	return rs.snapshot(), nil
}

// Run returns a snapshot of a known run.
func (e *Executor) Run(workflowID string) (RunSnapshot, error) {
	rs, ok := e.store.get(workflowID)
	if !ok {
		return RunSnapshot{}, ErrRunNotFound
	}
	return rs.snapshot(), nil
}

// Cancel stops a running workflow: queued tasks fail immediately, in-flight
// dispatches are cut off through their contexts.
func (e *Executor) Cancel(workflowID string) error {
	rs, ok := e.store.get(workflowID)
	if !ok {
		return ErrRunNotFound
	}
	if rs.currentStatus().Terminal() {
		return ErrRunFinished
	}
	rs.cancel()
	e.logger.Info("Workflow run cancellation requested", zap.String("workflow_id", workflowID))
	return nil
}

// executeRun drives one run's task graph to a terminal state.
func (e *Executor) executeRun(ctx context.Context, rs *runState, budget float64) {
	defer rs.cancel()
	runStart := time.Now()

	tasks := rs.tasks // creation order; scheduler goroutine owns the slice layout
	total := len(tasks)
	outcomes := make(chan TaskResult, total)

	launched := make([]bool, total)
	terminal := make([]bool, total)
	failed := make([]bool, total)
	running := 0
	canceled := false

	settle := func(res TaskResult) {
		i := rs.byID[res.TaskID]
		terminal[i] = true
		failed[i] = res.State == models.TaskStateFailed
		rs.finishTask(res)

		evt := streaming.EventTaskCompleted
		metricState := string(res.State)
		if res.State == models.TaskStateFailed {
			evt = streaming.EventTaskFailed
			if res.Skipped {
				evt = streaming.EventTaskSkipped
				metricState = "skipped"
			}
		}
		e.events.Publish(ctx, streaming.Event{
			WorkflowID: rs.id,
			Type:       evt,
			TaskID:     res.TaskID,
			Backend:    res.Backend,
			Message:    res.Error,
		})
		metrics.RecordTaskOutcome(string(res.Type), metricState, time.Duration(res.DurationMS)*time.Millisecond)
	}

	launch := func(i int) {
		launched[i] = true
		running++
		task := rs.taskForDispatch(tasks[i].ID)
		// Hand completed dependency outputs to the backend via the task
		// context; REST and custom backends receive them verbatim.
		if len(task.DependsOn) > 0 {
			upstream := make(map[string]any, len(task.DependsOn))
			for _, depID := range task.DependsOn {
				if out, ok := rs.output(depID); ok {
					upstream[depID] = out
				}
			}
			if task.Context == nil {
				task.Context = make(map[string]any, 1)
			}
			task.Context["upstream"] = upstream
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				outcomes <- TaskResult{
					TaskID: task.ID,
					Type:   task.Type,
					State:  models.TaskStateFailed,
					Error:  "workflow canceled before dispatch",
				}
				return
			}
			rs.setTaskState(task.ID, models.TaskStateRunning)
			e.events.Publish(ctx, streaming.Event{
				WorkflowID: rs.id,
				Type:       streaming.EventTaskStarted,
				TaskID:     task.ID,
				Message:    string(task.Type),
			})
			outcomes <- e.executeTask(ctx, rs.id, task, budget)
		}()
	}

	for {
		if canceled {
			for i := range tasks {
				if launched[i] || terminal[i] {
					continue
				}
				settle(TaskResult{
					TaskID: tasks[i].ID,
					Type:   tasks[i].Type,
					State:  models.TaskStateFailed,
					Error:  "workflow canceled",
				})
			}
		} else {
			// Launch whatever became ready; settle skip cascades in the
			// same pass so a failed root fails its whole subtree at once.
			for progress := true; progress; {
				progress = false
				for i := range tasks {
					if launched[i] || terminal[i] {
						continue
					}
					blockedBy := ""
					waiting := false
					for _, depID := range tasks[i].DependsOn {
						j := rs.byID[depID]
						if !terminal[j] {
							waiting = true
							continue
						}
						if failed[j] {
							blockedBy = depID
							break
						}
					}
					switch {
					case blockedBy != "":
						settle(TaskResult{
							TaskID:  tasks[i].ID,
							Type:    tasks[i].Type,
							State:   models.TaskStateFailed,
							Skipped: true,
							Error:   fmt.Sprintf("dependency %s failed", blockedBy),
						})
						progress = true
					case !waiting:
						launch(i)
						progress = true
					}
				}
			}
		}

		if running == 0 {
			allTerminal := true
			for i := range terminal {
				if !terminal[i] {
					allTerminal = false
					break
				}
			}
			if allTerminal {
				break
			}
			if canceled {
				continue // next pass fails the remainder
			}
			// Unreachable for well-formed plans; fail loudly, not silently.
			for i := range tasks {
				if !terminal[i] {
					settle(TaskResult{
						TaskID: tasks[i].ID,
						Type:   tasks[i].Type,
						State:  models.TaskStateFailed,
						Error:  "unschedulable task",
					})
				}
			}
			break
		}

		if canceled {
			res := <-outcomes
			running--
			settle(res)
			continue
		}
		select {
		case res := <-outcomes:
			running--
			settle(res)
		case <-ctx.Done():
			canceled = true
		}
	}

	e.finalize(ctx, rs, canceled, time.Since(runStart))
}

func (e *Executor) finalize(ctx context.Context, rs *runState, canceled bool, elapsed time.Duration) {
	snap := rs.snapshot()
	status := RunStatusCompleted
	evt := streaming.EventWorkflowCompleted
	msg := fmt.Sprintf("%d/%d tasks succeeded", len(snap.Tasks)-len(snap.FailedTasks), len(snap.Tasks))
	switch {
	case canceled:
		status = RunStatusCanceled
		evt = streaming.EventWorkflowCanceled
		msg = "workflow canceled"
	case len(snap.FailedTasks) > 0:
		status = RunStatusFailed
		evt = streaming.EventWorkflowFailed
	}
	rs.finish(status)

	e.events.Publish(ctx, streaming.Event{
		WorkflowID: rs.id,
		Type:       evt,
		Message:    msg,
	})
	metrics.RecordWorkflowOutcome(rs.template, string(status), elapsed)
	e.logger.Info("Workflow run finished",
		zap.String("workflow_id", rs.id),
		zap.String("template", rs.template),
		zap.String("status", string(status)),
		zap.Int("failed_tasks", len(snap.FailedTasks)),
		zap.Duration("elapsed", elapsed),
	)

	if e.archive != nil {
		e.archive.Enqueue(rs.record())
	}
}

// executeTask classifies, routes, and dispatches one task, walking the
// routing decision's fallback chain on failure. Backend-reported errors are
// terminal for that backend; transport timeouts are transient. Both move
// the walk to the next chain member, capped at 1+MaxRetries attempts.
func (e *Executor) executeTask(ctx context.Context, workflowID string, task models.Task, budget float64) TaskResult {
	started := time.Now()
	res := TaskResult{TaskID: task.ID, Type: task.Type, State: models.TaskStateFailed}

	cls := e.classifier.Classify(task.Prompt)
	metrics.RecordClassification(cls.Complexity.String(), string(task.Type), cls.Defaulted)

	decision, err := e.router.Route(routing.Request{
		TaskType:        task.Type,
		Complexity:      cls.Complexity,
		BudgetFactor:    budget,
		EstimatedTokens: len(task.Prompt) / 4,
	})
	if err != nil {
		res.Error = err.Error()
		res.DurationMS = time.Since(started).Milliseconds()
		return res
	}

	candidates := append([]string{decision.Backend}, decision.Fallbacks...)
	maxAttempts := 1 + e.cfg.MaxRetries
	var lastErr error

	for ci, name := range candidates {
		if res.Attempts >= maxAttempts {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		desc, ok := e.registry.Get(name)
		if !ok || !desc.Health.Routable() {
			continue
		}

		var out dispatch.Result
		attemptStart := time.Now()
		err := e.breakers.For(name).Do(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout(desc))
			defer cancel()
			var ierr error
			out, ierr = e.invoker.Invoke(attemptCtx, desc, task)
			return ierr
		})
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrProbeLimit) {
			// Nothing was dispatched; skip without burning an attempt.
			lastErr = err
			continue
		}

		res.Attempts++
		elapsed := time.Since(attemptStart)
		if err == nil {
			e.router.Report(name, elapsed, true)
			res.State = models.TaskStateDone
			res.Backend = name
			res.Output = out.Output
			res.TokensUsed = out.TokensUsed
			res.DurationMS = time.Since(started).Milliseconds()
			return res
		}

		lastErr = err
		e.router.Report(name, elapsed, false)
		e.logger.Warn("Dispatch attempt failed",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", task.ID),
			zap.String("backend", name),
			zap.Int("attempt", res.Attempts),
			zap.Bool("terminal_for_backend", dispatch.IsTerminal(err)),
			zap.Error(err),
		)
		if res.Attempts < maxAttempts && ci+1 < len(candidates) {
			metrics.TaskRetries.WithLabelValues(name).Inc()
			e.events.Publish(ctx, streaming.Event{
				WorkflowID: workflowID,
				Type:       streaming.EventTaskRetry,
				TaskID:     task.ID,
				Backend:    name,
				Message:    err.Error(),
			})
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no dispatchable backend in chain %v", candidates)
	}
	res.Error = lastErr.Error()
	res.DurationMS = time.Since(started).Milliseconds()
	return res
}

// attemptTimeout derives the per-attempt deadline from observed latency:
// multiplier times the rolling average, floored at MinTimeout, capped at
// BaseTimeout. No samples yet means the full BaseTimeout.
func (e *Executor) attemptTimeout(d registry.Descriptor) time.Duration {
	if d.AvgLatency <= 0 {
		return e.cfg.BaseTimeout
	}
	t := time.Duration(float64(d.AvgLatency) * e.cfg.TimeoutMultiplier)
	if t < e.cfg.MinTimeout {
		t = e.cfg.MinTimeout
	}
	if t > e.cfg.BaseTimeout {
		t = e.cfg.BaseTimeout
	}
	return t
}
