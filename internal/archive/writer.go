package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Writer decouples run persistence from the executor's finish path: the
// executor enqueues and moves on, workers write with their own deadline.
// A full queue drops the record rather than stalling execution.
type Writer struct {
	store   Store
	logger  *zap.Logger
	queue   chan RunRecord
	workers int
	timeout time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewWriter builds a writer over the given store. Zero values pick the
// defaults: queue 256, two workers, five-second write deadline.
func NewWriter(store Store, queueSize, workers int, timeout time.Duration, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:   store,
		logger:  logger.Named("archive_writer"),
		queue:   make(chan RunRecord, queueSize),
		workers: workers,
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
}

// Enqueue hands a record to the workers. Returns false when the queue is
// full or the writer is stopped; the record is dropped either way.
func (w *Writer) Enqueue(rec RunRecord) bool {
	select {
	case <-w.stopCh:
		return false
	default:
	}
	select {
	case w.queue <- rec:
		return true
	default:
		w.logger.Warn("Archive queue full, dropping run",
			zap.String("workflow_id", rec.WorkflowID),
		)
		return false
	}
}

// Stop drains outstanding records and waits for the workers.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.queue:
			w.save(rec)
		case <-w.stopCh:
			// Drain whatever was enqueued before the stop.
			for {
				select {
				case rec := <-w.queue:
					w.save(rec)
				default:
					w.logger.Debug("Archive worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (w *Writer) save(rec RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.SaveRun(ctx, rec); err != nil {
		w.logger.Error("Failed to archive run",
			zap.String("workflow_id", rec.WorkflowID),
			zap.String("status", rec.Status),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("Archived run",
		zap.String("workflow_id", rec.WorkflowID),
		zap.String("status", rec.Status),
	)
}
