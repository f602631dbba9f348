// Package runner hosts a turn engine inside a sandbox. It listens on
// the sandbox command channel, runs one step per message command, and
// publishes the engine's events back to the host.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/harbor/internal/agent"
	"github.com/nugget/harbor/internal/bus"
	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/events"
)

// errAbortRequested is the cancellation cause of a step stopped by an
// abort command.
var errAbortRequested = errors.New("abort requested")

// Runner drives one Engine from bus commands. A Runner serves a single
// session for the lifetime of its sandbox.
type Runner struct {
	sessionID string
	ps        bus.PubSub
	engine    *agent.Engine
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	requestID string
	cancel    context.CancelCauseFunc
	steps     sync.WaitGroup

	stopOnce sync.Once
	stopped  chan string
}

// New creates a runner for sessionID.
func New(sessionID string, ps bus.PubSub, engine *agent.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sessionID: sessionID,
		ps:        ps,
		engine:    engine,
		logger:    logger.With("session_id", sessionID),
		now:       time.Now,
		stopped:   make(chan string, 1),
	}
}

// Run subscribes to the command channel, announces readiness, and
// serves commands until ctx is cancelled or a stop command arrives. An
// in-flight step is aborted on the way out.
func (r *Runner) Run(ctx context.Context) error {
	unsub, err := r.ps.Subscribe(ctx, bus.SandboxCommands(r.sessionID), r.handle)
	if err != nil {
		return err
	}
	r.publish(ctx, events.ContainerReady{SessionID: r.sessionID, Model: r.engine.ModelName()})
	r.logger.Info("sandbox ready", "model", r.engine.ModelName())

	reason := "shutdown"
	select {
	case <-ctx.Done():
	case reason = <-r.stopped:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := unsub(shutdownCtx); err != nil {
		r.logger.Warn("unsubscribe failed", "error", err)
	}
	if r.busy() {
		r.logger.Info("aborting step in flight", "reason", reason)
	}
	r.abort(errAbortRequested)
	r.steps.Wait()
	r.engine.Wait()

	r.publish(shutdownCtx, events.ContainerExiting{Reason: reason})
	r.logger.Info("sandbox exiting", "reason", reason)
	return nil
}

// busy reports whether a step is running.
func (r *Runner) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) handle(_ string, payload []byte) {
	ctx := context.Background()
	cmd, err := commands.Decode(payload)
	if err != nil {
		r.logger.Warn("bad command", "error", err)
		r.publish(ctx, events.SessionError{Code: events.CodeBadCommand, Message: err.Error()})
		return
	}

	switch cmd.Type {
	case commands.Message:
		r.startStep(ctx, cmd)
	case commands.Abort:
		if !r.abort(errAbortRequested) {
			r.logger.Debug("abort with no step running")
		}
	case commands.UpdateModel:
		r.engine.SwapModel(cmd.Model)
	case commands.RefreshTools:
		s := r.engine.Surface()
		s.Invalidate()
		if len(cmd.DisabledTools) > 0 {
			s.Disable(cmd.DisabledTools...)
		}
		r.logger.Info("tool surface refreshed", "disabled", cmd.DisabledTools)
	case commands.Stop:
		r.stopOnce.Do(func() { r.stopped <- "stop requested" })
	}
}

// startStep runs a message command in its own goroutine so the bus
// delivery goroutine is never held for the length of a turn.
func (r *Runner) startStep(ctx context.Context, cmd commands.Command) {
	requestID := cmd.RequestID
	if requestID == "" {
		requestID = cmd.MessageID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	r.mu.Lock()
	if r.running {
		current := r.requestID
		r.mu.Unlock()
		r.logger.Warn("message rejected while busy", "request_id", requestID, "current", current)
		r.publish(ctx, events.SessionError{Code: events.CodeBusy, Message: "a turn is already running"})
		return
	}
	stepCtx, cancel := context.WithCancelCause(context.Background())
	r.running = true
	r.requestID = requestID
	r.cancel = cancel
	r.steps.Add(1)
	r.mu.Unlock()

	r.publish(ctx, events.ContainerBusy{RequestID: requestID})

	go func() {
		defer r.steps.Done()
		defer cancel(nil)

		res := r.engine.RunStep(stepCtx, agent.StepRequest{
			RequestID:    requestID,
			SystemPrompt: cmd.SystemPrompt,
			UserPrompt:   cmd.Content,
			Attachments:  cmd.Attachments,
			OutputSchema: cmd.OutputSchema,
		}, agent.ObserverFunc(func(ev events.Event) { r.publish(ctx, ev) }))

		r.mu.Lock()
		r.running = false
		r.requestID = ""
		r.cancel = nil
		r.mu.Unlock()

		r.publish(ctx, terminalEvent(requestID, res))
		r.publish(ctx, events.ContainerIdle{RequestID: requestID})
	}()
}

// abort cancels the running step, reporting whether there was one.
func (r *Runner) abort(cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.logger.Info("aborting step", "request_id", r.requestID)
	r.cancel(cause)
	return true
}

func terminalEvent(requestID string, res agent.StepResult) events.Event {
	if res.Aborted {
		return events.ResponseAborted{RequestID: requestID, Output: res.Output, Reason: res.Error}
	}
	return events.TurnEnd{
		RequestID:          requestID,
		Output:             res.Output,
		Error:              res.Error,
		Success:            res.Success,
		ExplicitCompletion: res.ExplicitCompletion,
		Structured:         res.Structured,
		ToolCalls:          res.ToolCalls,
		Nudges:             res.Nudges,
		InputTokens:        res.InputTokens,
		OutputTokens:       res.OutputTokens,
	}
}

func (r *Runner) publish(ctx context.Context, ev events.Event) {
	b, err := events.Encode(ev, r.now())
	if err != nil {
		r.logger.Error("encode event", "type", ev.Type(), "error", err)
		return
	}
	if err := r.ps.Publish(ctx, bus.SandboxEvents(r.sessionID), b); err != nil {
		r.logger.Warn("publish event failed", "type", ev.Type(), "error", err)
	}
}
