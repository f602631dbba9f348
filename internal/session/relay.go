package session

import (
	"context"
	"time"

	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/prompts"
)

// seedRelay sends the opening message of a relay stage.
func (o *Orchestrator) seedRelay(ctx context.Context, sess *Session, relay *commands.Relay) {
	stage := relay.Current()
	content := stage.Prompt
	if relay.Index > 0 {
		content = prompts.RelaySeed(relay.Index, len(relay.Stages), relay.Context, stage.Prompt)
	}
	if _, err := o.SendMessage(ctx, sess.ID, commands.Command{Content: content}); err != nil {
		o.logger.Error("relay seed failed", "session_id", sess.ID, "relay_id", relay.ID, "stage", relay.Index, "error", err)
	}
}

// advanceRelay runs after a relay stage completed explicitly. The stage's
// session stops; the next stage starts as a new session carrying the
// accumulated context. The final stage, or a stage that failed, ends the
// relay.
func (o *Orchestrator) advanceRelay(ctx context.Context, sess *Session, relay *commands.Relay, result string, succeeded bool) {
	log := o.logger.With("session_id", sess.ID, "relay_id", relay.ID, "stage", relay.Index)

	switch {
	case !succeeded:
		o.emit(ctx, sess, events.SessionStatus{Status: StatusRelayFailed, Detail: relay.ID}, time.Time{})
		log.Warn("relay stopped on failed stage")
	case relay.Last():
		o.emit(ctx, sess, events.SessionStatus{Status: StatusRelayComplete, Detail: relay.ID}, time.Time{})
		log.Info("relay complete", "stages", len(relay.Stages))
	default:
		next := relay.Next(result)
		nextID := commands.StageSessionID(relay.ID, next.Index)
		o.emit(ctx, sess, events.SessionStatus{Status: StatusRelayAdvanced, Detail: nextID}, time.Time{})
		if err := o.StopSession(ctx, sess.ID); err != nil {
			log.Warn("stop relay stage failed", "error", err)
		}
		stage := next.Current()
		err := o.StartSession(ctx, StartRequest{
			ID:      nextID,
			AgentID: stage.AgentID,
			Model:   stage.Model,
			Kind:    commands.KindTask,
			UserID:  sess.UserID,
			Relay:   next,
		})
		if err != nil {
			log.Error("start next relay stage failed", "next", nextID, "error", err)
			return
		}
		log.Info("relay advanced", "next", nextID)
		return
	}

	if err := o.StopSession(ctx, sess.ID); err != nil {
		log.Warn("stop relay stage failed", "error", err)
	}
}
