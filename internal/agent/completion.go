package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/harbor/internal/prompts"
	"github.com/nugget/harbor/internal/tools"
)

// completion records an explicit complete_task or fail_task call. The
// first call wins.
type completion struct {
	mu     sync.Mutex
	called bool
	failed bool
	result string
	reason string
}

func (c *completion) record(failed bool, result, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.called {
		return false
	}
	c.called, c.failed, c.result, c.reason = true, failed, result, reason
	return true
}

func (c *completion) outcome() (called, failed bool, result, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.called, c.failed, c.result, c.reason
}

// tools returns complete_task and fail_task bound to c.
func (c *completion) tools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        prompts.CompleteTaskTool,
			Description: prompts.CompleteTaskDescription,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"result": map[string]any{"type": "string"},
				},
				"required": []string{"result"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				result, _ := args["result"].(string)
				if !c.record(false, result, "") {
					return "Completion was already recorded.", nil
				}
				return "Task marked complete.", nil
			},
		},
		{
			Name:        prompts.FailTaskTool,
			Description: prompts.FailTaskDescription,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				reason, _ := args["reason"].(string)
				if reason == "" {
					reason = "task failed without a reason"
				}
				if !c.record(true, "", reason) {
					return "Completion was already recorded.", nil
				}
				return "Task marked failed.", nil
			},
		},
	}
}

// watchdog aborts a step through cancel when it has been idle for too
// long or has run past its hard cap.
type watchdog struct {
	idle       time.Duration
	inactivity *time.Timer
	hard       *time.Timer
}

func newWatchdog(idle, hardCap time.Duration, cancel context.CancelCauseFunc) *watchdog {
	return &watchdog{
		idle:       idle,
		inactivity: time.AfterFunc(idle, func() { cancel(ErrInactivity) }),
		hard:       time.AfterFunc(hardCap, func() { cancel(ErrHardCap) }),
	}
}

// touch records activity, restarting the inactivity timer.
func (w *watchdog) touch() {
	w.inactivity.Reset(w.idle)
}

func (w *watchdog) stop() {
	w.inactivity.Stop()
	w.hard.Stop()
}
