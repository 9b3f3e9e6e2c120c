// Package streaming fans workflow lifecycle events out to live subscribers
// and keeps a bounded per-workflow replay buffer so reconnecting clients can
// resume from the last sequence number they saw.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// EventType tags what happened. The set is small on purpose; detail goes in
// Message.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCanceled  EventType = "WORKFLOW_CANCELLED"

	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskFailed    EventType = "TASK_FAILED"
	EventTaskSkipped   EventType = "TASK_SKIPPED"
	EventTaskRetry     EventType = "TASK_RETRY"
)

// Event is one step in a workflow run's visible history. Seq is assigned by
// the manager, starts at 1, and is strictly increasing per workflow id.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Type       EventType `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Message    string    `json:"message,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}

// Marshal renders the event for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DefaultCapacity is the per-workflow replay buffer size when none is
// configured.
const DefaultCapacity = 256

// Manager is in-memory pub/sub keyed by workflow id. Publishing never
// blocks: slow subscribers lose events and catch up through ReplaySince.
type Manager struct {
	mu          sync.RWMutex
	capacity    int
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
}

// NewManager creates a manager whose per-workflow replay rings hold capacity
// events each.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		capacity:    capacity,
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
	}
}

// Subscribe registers a buffered channel for one workflow's events. The
// caller must drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the channel and closes it. Safe to call once per
// Subscribe; unknown channels are ignored.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[workflowID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, workflowID)
	}
}

// Publish stamps the event with the workflow's next sequence number, the
// current time, and the caller's trace id, stores it for replay, and fans it
// out. Fan-out happens under the lock so a concurrent Unsubscribe cannot
// close a channel mid-send; sends are non-blocking so the lock stays cheap.
func (m *Manager) Publish(ctx context.Context, evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt.TraceID = sc.TraceID().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.WorkflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	for ch := range m.subscribers[evt.WorkflowID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; ReplaySince recovers the gap.
		}
	}
	return evt
}

// ReplaySince returns buffered events with Seq > since, oldest first. Events
// older than the ring capacity are gone; callers wanting full history read
// the archive instead.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a workflow's replay buffer and closes any remaining
// subscribers. The executor's run store calls this when it evicts a
// finished run.
func (m *Manager) Forget(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, workflowID)
	if subs, ok := m.subscribers[workflowID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, workflowID)
	}
}

// ring is a fixed-capacity buffer of one workflow's most recent events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// Overwrite the oldest.
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
