package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nugget/harbor/internal/bus"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/outbox"
	"github.com/nugget/harbor/internal/store"
	"github.com/nugget/harbor/internal/usage"
)

// sandboxHandler receives the sandbox's raw events. It is subscribed
// before the sandbox starts.
func (o *Orchestrator) sandboxHandler(sess *Session) bus.Handler {
	return func(_ string, payload []byte) {
		env, err := events.Decode(payload)
		if err != nil {
			o.logger.Warn("undecodable sandbox event", "session_id", sess.ID, "error", err)
			return
		}
		ev, err := env.Event()
		if err != nil {
			o.logger.Warn("undecodable sandbox event", "session_id", sess.ID, "type", env.Type, "error", err)
			return
		}
		o.normalize(o.ctx, sess, ev, env.Timestamp)
	}
}

// normalize folds one sandbox event into the session's turn state and
// re-emits it on the session event channel.
func (o *Orchestrator) normalize(ctx context.Context, sess *Session, ev events.Event, ts time.Time) {
	if ts.IsZero() {
		ts = o.now()
	}

	switch e := ev.(type) {
	case events.ContainerReady:
		sess.markReady()

	case events.Output:
		sess.mu.Lock()
		sess.output.WriteString(e.Delta)
		sess.lastActivity = o.now()
		sess.mu.Unlock()

	case events.Thinking:
		sess.mu.Lock()
		sess.thinking.WriteString(e.Delta)
		sess.lastActivity = o.now()
		sess.mu.Unlock()

	case events.ToolStart:
		sess.mu.Lock()
		sess.toolStarts[e.ToolCallID] = ts
		sess.toolCalls = append(sess.toolCalls, store.ToolCall{ID: e.ToolCallID, Name: e.Name, Args: e.Args})
		sess.lastActivity = o.now()
		sess.mu.Unlock()

	case events.ToolEnd:
		sess.mu.Lock()
		if start, ok := sess.toolStarts[e.ToolCallID]; ok {
			e.DurationMs = ts.Sub(start).Milliseconds()
			delete(sess.toolStarts, e.ToolCallID)
		}
		for i := range sess.toolCalls {
			if sess.toolCalls[i].ID == e.ToolCallID {
				sess.toolCalls[i].Result = e.Result
				sess.toolCalls[i].Error = e.Error
				sess.toolCalls[i].DurationMs = e.DurationMs
				break
			}
		}
		sess.lastActivity = o.now()
		sess.mu.Unlock()
		ev = e

	case events.TurnEnd, events.ResponseAborted:
		o.finishTurn(ctx, sess, ev, ts)
		return

	case events.ContainerExiting:
		o.emit(ctx, sess, ev, ts)
		sess.mu.Lock()
		state := sess.state
		sess.mu.Unlock()
		switch state {
		case StateStarting:
			sess.markExited()
		case StateReady, StateBusy:
			o.goBackground(func(ctx context.Context) { o.lose(ctx, sess, e.Reason) })
		}
		return

	case events.StepStart, events.StepEnd, events.ContainerBusy, events.ContainerIdle,
		events.SessionStatus, events.SessionError:
		sess.mu.Lock()
		sess.lastActivity = o.now()
		sess.mu.Unlock()
	}

	o.emit(ctx, sess, ev, ts)
}

// finishTurn closes the busy gate's turn. The pending message id and
// accumulators are cleared before the completion is queued, so a
// repeated terminal event can never complete the message twice.
func (o *Orchestrator) finishTurn(ctx context.Context, sess *Session, ev events.Event, ts time.Time) {
	sess.mu.Lock()
	messageID := sess.messageID
	output := sess.output.String()
	thinking := sess.thinking.String()
	calls := sess.toolCalls
	sess.resetTurn()
	if sess.state == StateBusy {
		sess.setState(o.metrics, StateReady)
	}
	sess.lastActivity = o.now()
	relay := sess.relay
	model := sess.model
	sess.mu.Unlock()

	var (
		final, outcome string
		explicit, ok   bool
	)
	switch e := ev.(type) {
	case events.TurnEnd:
		final = e.Output
		explicit, ok = e.ExplicitCompletion, e.Success
		outcome = "success"
		if !e.Success {
			outcome = "failure"
		}
	case events.ResponseAborted:
		final = e.Output
		outcome = "aborted"
	}
	if final == "" {
		final = output
	}

	o.metrics.Turn(outcome)
	o.emit(ctx, sess, ev, ts)

	if messageID != "" {
		c := store.Completion{
			MessageID: messageID,
			SessionID: sess.ID,
			Content:   final,
			Thinking:  thinking,
			ToolCalls: calls,
		}
		o.outbox.Enqueue(outbox.Task{
			Name:      "complete_message",
			SessionID: sess.ID,
			Run: func(ctx context.Context) error {
				_, err := o.store.CompleteMessage(ctx, c)
				return err
			},
		})
	} else {
		o.logger.Debug("terminal event with no pending message", "session_id", sess.ID, "type", ev.Type())
	}

	if te, isEnd := ev.(events.TurnEnd); isEnd && o.usage != nil && te.InputTokens+te.OutputTokens > 0 {
		rec := usage.Record{
			Timestamp:    ts,
			RequestID:    te.RequestID,
			SessionID:    sess.ID,
			AgentID:      sess.AgentID,
			UserID:       sess.UserID,
			Model:        model,
			Outcome:      outcome,
			InputTokens:  te.InputTokens,
			OutputTokens: te.OutputTokens,
		}
		o.outbox.Enqueue(outbox.Task{
			Name:      "record_usage",
			SessionID: sess.ID,
			Run:       func(ctx context.Context) error { return o.usage.Record(ctx, rec) },
		})
	}

	if relay != nil && explicit {
		o.goBackground(func(ctx context.Context) { o.advanceRelay(ctx, sess, relay, final, ok) })
	}
}

// emit publishes ev on the session event channel. Structural events
// are appended to the replay log first and carry its sequence number;
// an append failure still publishes, without one. emitMu keeps the live
// order equal to the replay order.
func (o *Orchestrator) emit(ctx context.Context, sess *Session, ev events.Event, ts time.Time) {
	if ts.IsZero() {
		ts = o.now()
	}
	env, err := events.Wrap(ev, ts)
	if err != nil {
		o.logger.Error("wrap event failed", "session_id", sess.ID, "type", ev.Type(), "error", err)
		return
	}

	sess.emitMu.Lock()
	defer sess.emitMu.Unlock()

	if events.Structural(ev) {
		seq, err := o.replay.Append(ctx, sess.ID, env)
		if err != nil {
			o.metrics.ReplayError()
			o.logger.Warn("replay append failed", "session_id", sess.ID, "type", ev.Type(), "error", err)
		} else {
			env.Seq = seq
		}
	}
	b, err := json.Marshal(env)
	if err != nil {
		o.logger.Error("marshal event failed", "session_id", sess.ID, "type", ev.Type(), "error", err)
		return
	}
	if err := o.buses.Outbound.Publish(ctx, bus.SessionEvents(sess.ID), b); err != nil {
		o.logger.Warn("publish session event failed", "session_id", sess.ID, "type", ev.Type(), "error", err)
	}
	o.metrics.Event(string(ev.Type()))
}
