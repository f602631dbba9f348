// Package outbox runs fire-and-forget side effects (persistence calls,
// notifications) off the caller's path. A failed task is logged and
// dropped; callers that need a result should not use the outbox.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one deferred side effect.
type Task struct {
	Name      string
	SessionID string
	Run       func(ctx context.Context) error
}

// Queue accepts tasks for asynchronous execution.
type Queue interface {
	Enqueue(Task)
}

// Observer is told how each task ended. Used for metrics.
type Observer func(name string, err error, elapsed time.Duration)

// Worker is a bounded pool draining an in-memory task queue.
type Worker struct {
	tasks    chan Task
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorker starts n goroutines serving a queue of depth buffer. Each
// task runs with its own timeout.
func NewWorker(n, buffer int, timeout time.Duration, logger *slog.Logger, observer Observer) *Worker {
	if n <= 0 {
		n = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		tasks:    make(chan Task, buffer),
		timeout:  timeout,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
	for range n {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

// Enqueue implements Queue. It blocks while the buffer is full and
// drops the task after Close.
func (w *Worker) Enqueue(t Task) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("outbox closed, dropping task", "task", t.Name, "session_id", t.SessionID)
		return
	}
	w.tasks <- t
}

// Close stops accepting tasks and waits for queued ones to finish or
// for ctx to expire, whichever is first.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for t := range w.tasks {
		w.run(t)
	}
}

func (w *Worker) run(t Task) {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	start := time.Now()
	err := t.Run(ctx)
	elapsed := time.Since(start)
	if w.observer != nil {
		w.observer(t.Name, err, elapsed)
	}
	if err != nil {
		w.logger.Error("outbox task failed",
			"task", t.Name,
			"session_id", t.SessionID,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	w.logger.Debug("outbox task done", "task", t.Name, "session_id", t.SessionID, "elapsed", elapsed)
}

// Recorder is a Queue that keeps tasks for inspection instead of
// running them. Tests call Drain to run what was recorded.
type Recorder struct {
	mu    sync.Mutex
	tasks []Task
}

// Enqueue implements Queue.
func (r *Recorder) Enqueue(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

// Tasks returns a copy of the recorded tasks.
func (r *Recorder) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

// Names returns the names of the recorded tasks in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Name
	}
	return out
}

// Drain runs and forgets every recorded task, returning the first
// error.
func (r *Recorder) Drain(ctx context.Context) error {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	var first error
	for _, t := range tasks {
		if err := t.Run(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
