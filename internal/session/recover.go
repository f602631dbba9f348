package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/sandbox"
	"github.com/nugget/harbor/internal/store"
)

// Recover reconciles the store with the runtime after a restart. Every
// session the store still lists as starting or running, and that this
// process has not registered, has its sandbox stopped and is marked
// completed, or abandoned when no sandbox was found. A session caught
// starting never became ready: it is always marked abandoned and gets
// one launch_failed session_error, so the start that created it is
// answered even though its redelivery will be a no-op. Any remaining
// sandbox under the runtime's prefix that no registered session owns
// is then stopped. Running it again converges to the same state.
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.store.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	var result *multierror.Error
	for _, rec := range active {
		if _, ok := o.registry.Get(rec.ID); ok {
			continue
		}
		status := store.StatusCompleted
		err := sandbox.StopSandbox(ctx, o.runtime, rec.SandboxID, rec.ID)
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			status = store.StatusAbandoned
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("session %s: %w", rec.ID, err))
			continue
		}
		interrupted := rec.Status == store.StatusStarting
		if interrupted {
			status = store.StatusAbandoned
		}
		if err := o.store.PatchSessionStatus(ctx, rec.ID, status); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", rec.ID, err))
			continue
		}
		if interrupted {
			sess := newSession(StartRequest{ID: rec.ID, AgentID: rec.AgentID, UserID: rec.UserID}, o.now())
			o.emit(ctx, sess, events.SessionError{
				Code:    events.CodeLaunchFailed,
				Message: "host restarted before the sandbox was ready",
			}, time.Time{})
		}
		o.metrics.Recovered(string(status))
		o.logger.Info("session recovered", "session_id", rec.ID, "status", status, "sandbox", rec.SandboxName)
	}

	infos, err := o.runtime.List(ctx, o.runtime.Prefix())
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("list sandboxes: %w", err))
		return result.ErrorOrNil()
	}
	for _, info := range infos {
		if _, ok := o.registry.Get(info.SessionID); ok && info.SessionID != "" {
			continue
		}
		err := o.runtime.Stop(ctx, info.ID)
		if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			result = multierror.Append(result, fmt.Errorf("orphan %s: %w", info.Name, err))
			continue
		}
		o.logger.Info("orphan sandbox stopped", "sandbox", info.Name, "session_id", info.SessionID)
	}
	return result.ErrorOrNil()
}

// SweepIdle stops ready sessions idle for longer than the idle timeout
// and returns how many it stopped. Busy sessions are never reclaimed.
func (o *Orchestrator) SweepIdle(ctx context.Context) int {
	cutoff := o.now().Add(-o.cfg.IdleTimeout)
	n := 0
	for _, sess := range o.registry.List() {
		sess.mu.Lock()
		idle := sess.state == StateReady && sess.lastActivity.Before(cutoff)
		last := sess.lastActivity
		sess.mu.Unlock()
		if !idle {
			continue
		}
		o.logger.Info("reclaiming idle session", "session_id", sess.ID, "idle", o.now().Sub(last).Round(time.Second))
		if err := o.StopSession(ctx, sess.ID); err != nil {
			o.logger.Warn("reclaim idle session failed", "session_id", sess.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// RunReaper calls SweepIdle every interval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.SweepIdle(ctx); n > 0 {
				o.logger.Debug("idle sweep", "stopped", n)
			}
		}
	}
}
