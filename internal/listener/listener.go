// Package listener consumes the durable lifecycle stream and hands each
// entry to the session orchestrator. Any number of listeners, in any
// number of processes, may share one consumer group; each entry is
// acknowledged only after the orchestrator has handled it, and an entry
// left unacknowledged is reclaimed by whichever listener polls next
// once its claim has gone idle.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/harbor/internal/cmdlog"
	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/metrics"
	"github.com/nugget/harbor/internal/session"
)

// Log is the durable log the listener reads. *cmdlog.Log satisfies it.
type Log interface {
	Append(ctx context.Context, stream string, payload []byte) (int64, error)
	CreateGroup(ctx context.Context, stream, group string, fromStart bool) error
	Claim(ctx context.Context, stream, group, consumer string, count int, minIdle time.Duration) ([]cmdlog.Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...int64) (int, error)
	PendingEntries(ctx context.Context, stream, group string) ([]cmdlog.Pending, error)
	Trim(ctx context.Context, stream string, cutoff time.Time) (int, error)
}

// Handler carries out lifecycle entries. *session.Orchestrator
// satisfies it.
type Handler interface {
	StartSession(ctx context.Context, req session.StartRequest) error
	StopSession(ctx context.Context, id string) error
	UpdateModel(ctx context.Context, id, model string) error
}

// Config is listener policy.
type Config struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int
	PollInterval  time.Duration
	ClaimIdle     time.Duration
	MaxDeliveries int
	// Retention is how long fully acknowledged entries are kept.
	Retention time.Duration
}

// ConfigFrom maps the listener section onto listener policy. An empty
// consumer name becomes the host name plus a random suffix.
func ConfigFrom(c config.ListenerConfig) Config {
	consumer := c.Consumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "harbor"
		}
		consumer = host + "-" + uuid.NewString()[:8]
	}
	return Config{
		Stream:        c.Stream,
		Group:         c.Group,
		Consumer:      consumer,
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		ClaimIdle:     c.ClaimIdle,
		MaxDeliveries: c.MaxDeliveries,
		Retention:     24 * time.Hour,
	}
}

// Listener polls one consumer group on behalf of one consumer.
type Listener struct {
	cfg     Config
	log     Log
	handler Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a listener. metrics and logger may be nil.
func New(cfg Config, log Log, handler Handler, m *metrics.Metrics, logger *slog.Logger) *Listener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:     cfg,
		log:     log,
		handler: handler,
		metrics: m,
		logger:  logger.With("stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
		now:     time.Now,
	}
}

// Run creates the group if needed and polls until ctx is done. A full
// batch is followed immediately by another poll; otherwise the
// listener sleeps for the poll interval. Acknowledged entries past
// retention are trimmed hourly.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.log.CreateGroup(ctx, l.cfg.Stream, l.cfg.Group, true); err != nil {
		return err
	}
	l.logger.Info("lifecycle listener started", "batch", l.cfg.BatchSize, "claim_idle", l.cfg.ClaimIdle)

	lastTrim := l.now()
	for {
		n, err := l.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("lifecycle poll failed", "error", err)
		}
		if l.now().Sub(lastTrim) >= time.Hour {
			l.maintain(ctx)
			lastTrim = l.now()
		}
		if n == l.cfg.BatchSize && err == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			l.logger.Info("lifecycle listener stopped")
			return nil
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// Poll claims one batch and handles it, returning how many entries
// were claimed.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	entries, err := l.log.Claim(ctx, l.cfg.Stream, l.cfg.Group, l.cfg.Consumer, l.cfg.BatchSize, l.cfg.ClaimIdle)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		l.process(ctx, e)
	}
	return len(entries), nil
}

func (l *Listener) process(ctx context.Context, e cmdlog.Entry) {
	log := l.logger.With("entry_id", e.ID, "deliveries", e.Deliveries)

	if e.Deliveries > l.cfg.MaxDeliveries {
		l.deadLetter(ctx, e, log, fmt.Errorf("delivered %d times", e.Deliveries))
		return
	}
	lc, err := commands.DecodeLifecycle(e.Payload)
	if err != nil {
		l.deadLetter(ctx, e, log, err)
		return
	}
	log = log.With("event", lc.Event, "session_id", lc.SessionID)

	err = l.dispatch(ctx, lc)
	switch {
	case err == nil:
		l.metrics.Lifecycle("ack")
	case errors.Is(err, session.ErrLaunchFailed):
		// Recorded as failed and reported to observers already.
		l.metrics.Lifecycle("failed")
		log.Info("lifecycle start failed", "error", err)
	case errors.Is(err, session.ErrNotFound):
		l.metrics.Lifecycle("ack")
		log.Info("lifecycle entry for unknown session")
	default:
		l.metrics.Lifecycle("retry")
		log.Warn("lifecycle entry left for redelivery", "error", err)
		return
	}
	if _, err := l.log.Ack(ctx, e.Stream, l.cfg.Group, e.ID); err != nil {
		log.Warn("ack failed", "error", err)
	}
}

func (l *Listener) dispatch(ctx context.Context, lc commands.Lifecycle) error {
	switch lc.Event {
	case commands.LifecycleStart:
		return l.handler.StartSession(ctx, session.StartRequest{
			ID:      lc.SessionID,
			AgentID: lc.AgentID,
			Model:   lc.Model,
			Kind:    lc.SessionType,
			UserID:  lc.UserID,
			Relay:   lc.Relay,
		})
	case commands.LifecycleStop:
		return l.handler.StopSession(ctx, lc.SessionID)
	case commands.LifecycleUpdateModel:
		return l.handler.UpdateModel(ctx, lc.SessionID, lc.Model)
	}
	return fmt.Errorf("unhandled lifecycle event %q", lc.Event)
}

func (l *Listener) deadLetter(ctx context.Context, e cmdlog.Entry, log *slog.Logger, cause error) {
	l.metrics.Lifecycle("dead_letter")
	log.Error("lifecycle dead letter", "payload", string(e.Payload), "error", cause)
	if _, err := l.log.Ack(ctx, e.Stream, l.cfg.Group, e.ID); err != nil {
		log.Warn("ack dead letter failed", "error", err)
	}
}

// maintain trims acknowledged entries past retention and reports the
// group's backlog.
func (l *Listener) maintain(ctx context.Context) {
	if n, err := l.log.Trim(ctx, l.cfg.Stream, l.now().Add(-l.cfg.Retention)); err != nil {
		l.logger.Warn("trim lifecycle stream failed", "error", err)
	} else if n > 0 {
		l.logger.Debug("lifecycle stream trimmed", "removed", n)
	}
	if pending, err := l.Pending(ctx); err == nil && len(pending) > 0 {
		l.logger.Info("lifecycle backlog", "pending", len(pending), "oldest_claim", pending[0].ClaimedAt)
	}
}

// Pending lists the group's unacknowledged entries.
func (l *Listener) Pending(ctx context.Context) ([]cmdlog.Pending, error) {
	return l.log.PendingEntries(ctx, l.cfg.Stream, l.cfg.Group)
}

// Producer appends lifecycle entries to the stream.
type Producer struct {
	log    Log
	stream string
}

// NewProducer creates a producer for stream.
func NewProducer(log Log, stream string) *Producer {
	return &Producer{log: log, stream: stream}
}

// Submit validates lc and appends it, returning the entry id.
func (p *Producer) Submit(ctx context.Context, lc commands.Lifecycle) (int64, error) {
	if err := lc.Validate(); err != nil {
		return 0, err
	}
	b, err := commands.EncodeLifecycle(lc)
	if err != nil {
		return 0, err
	}
	return p.log.Append(ctx, p.stream, b)
}
