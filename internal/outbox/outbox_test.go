package outbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorker_RunsAndDrains(t *testing.T) {
	var ran atomic.Int32
	w := NewWorker(3, 8, time.Second, slog.Default(), nil)

	for range 20 {
		w.Enqueue(Task{Name: "inc", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if ran.Load() != 20 {
		t.Errorf("ran %d tasks, want 20", ran.Load())
	}

	w.Enqueue(Task{Name: "late", Run: func(context.Context) error {
		t.Error("task ran after Close")
		return nil
	}})
}

func TestWorker_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil))

	var observed []string
	w := NewWorker(1, 1, time.Second, logger, func(name string, err error, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			observed = append(observed, name)
		}
	})
	w.Enqueue(Task{Name: "persist", SessionID: "s1", Run: func(context.Context) error {
		return errors.New("db locked")
	}})
	w.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(buf.String(), "outbox task failed") || !strings.Contains(buf.String(), "session_id=s1") {
		t.Errorf("log = %s", buf.String())
	}
	if len(observed) != 1 || observed[0] != "persist" {
		t.Errorf("observer saw %v", observed)
	}
}

func TestWorker_TaskTimeout(t *testing.T) {
	var gotErr error
	done := make(chan struct{})
	w := NewWorker(1, 1, 20*time.Millisecond, slog.Default(), nil)
	w.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		gotErr = ctx.Err()
		close(done)
		return ctx.Err()
	}})
	<-done
	w.Close(context.Background())
	if !errors.Is(gotErr, context.DeadlineExceeded) {
		t.Errorf("task ctx error = %v, want deadline exceeded", gotErr)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	n := 0
	r.Enqueue(Task{Name: "a", Run: func(context.Context) error { n++; return nil }})
	r.Enqueue(Task{Name: "b", Run: func(context.Context) error { n++; return errors.New("boom") }})

	if names := r.Names(); len(names) != 2 || names[0] != "a" {
		t.Errorf("Names() = %v", names)
	}
	if err := r.Drain(context.Background()); err == nil || err.Error() != "boom" {
		t.Errorf("Drain() error = %v, want boom", err)
	}
	if n != 2 || len(r.Tasks()) != 0 {
		t.Errorf("ran %d, %d left", n, len(r.Tasks()))
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
