package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nugget/harbor/internal/bus"
	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/metrics"
	"github.com/nugget/harbor/internal/outbox"
	"github.com/nugget/harbor/internal/sandbox"
	"github.com/nugget/harbor/internal/store"
	"github.com/nugget/harbor/internal/usage"
)

// Store is the persistence the orchestrator needs. *store.Store
// satisfies it.
type Store interface {
	EnsureSession(ctx context.Context, sess store.Session) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	PatchSessionStatus(ctx context.Context, id string, status store.Status) error
	PatchSessionModel(ctx context.Context, id, model string) error
	PatchSessionSandbox(ctx context.Context, id, sandboxID, sandboxName string) error
	ActiveSessions(ctx context.Context) ([]store.Session, error)
	AppendMessage(ctx context.Context, m store.Message) error
	CompleteMessage(ctx context.Context, c store.Completion) (bool, error)
	History(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
}

// ReplayLog is the structural event log. *replay.Log satisfies it.
type ReplayLog interface {
	Append(ctx context.Context, sessionID string, env events.Envelope) (int64, error)
}

// UsageLedger records per-turn token usage. *usage.Store satisfies it.
type UsageLedger interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Buses partitions bus traffic by class: Inbound carries every
// subscription (sandbox events, session commands), Outbound the
// normalized session events, Commands the sends to sandboxes. The three
// may share one PubSub.
type Buses struct {
	Inbound  bus.PubSub
	Outbound bus.PubSub
	Commands bus.PubSub
}

// Config is orchestrator policy.
type Config struct {
	WorkDir         string
	Broker          string
	MaxHistoryBytes int
	// HistoryLimit caps how many stored messages are considered for
	// the launch history before the byte bound applies.
	HistoryLimit int
	ReadyTimeout time.Duration
	IdleTimeout  time.Duration
}

// ConfigFrom maps the host configuration onto orchestrator policy.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		WorkDir:         cfg.Sandbox.WorkDir,
		Broker:          cfg.MQTT.Broker,
		MaxHistoryBytes: cfg.Sandbox.MaxHistoryBytes,
		HistoryLimit:    200,
		ReadyTimeout:    cfg.Sandbox.ReadyTimeout,
		IdleTimeout:     cfg.Sessions.IdleTimeout,
	}
}

// Deps are the orchestrator's collaborators. Usage, Metrics and Logger
// may be nil.
type Deps struct {
	Store    Store
	Replay   ReplayLog
	Buses    Buses
	Runtime  sandbox.Runtime
	Resolver Resolver
	Outbox   outbox.Queue
	Usage    UsageLedger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Session status details published in session_status events beyond the
// State values.
const (
	StatusStopped       = "stopped"
	StatusRelayAdvanced = "relay_advanced"
	StatusRelayComplete = "relay_complete"
	StatusRelayFailed   = "relay_failed"
)

// Orchestrator owns every session live in this process.
type Orchestrator struct {
	cfg      Config
	registry *Registry
	store    Store
	replay   ReplayLog
	buses    Buses
	runtime  sandbox.Runtime
	resolver Resolver
	outbox   outbox.Queue
	usage    UsageLedger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// ctx scopes work started from bus handlers and background
	// goroutines.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New creates an orchestrator with an empty registry.
func New(cfg Config, d Deps) *Orchestrator {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		registry: NewRegistry(),
		store:    d.Store,
		replay:   d.Replay,
		buses:    d.Buses,
		runtime:  d.Runtime,
		resolver: d.Resolver,
		outbox:   d.Outbox,
		usage:    d.Usage,
		metrics:  d.Metrics,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the live session registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Session returns a snapshot of one registered session.
func (o *Orchestrator) Session(id string) (Snapshot, bool) {
	sess, ok := o.registry.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Sessions returns snapshots of every registered session.
func (o *Orchestrator) Sessions() []Snapshot {
	list := o.registry.List()
	out := make([]Snapshot, len(list))
	for i, s := range list {
		out[i] = s.Snapshot()
	}
	return out
}

// Wait blocks until background work (relay hand-offs, stops requested
// over the command channel, lost-sandbox cleanup) has finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

func (o *Orchestrator) goBackground(fn func(ctx context.Context)) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		fn(o.ctx)
	}()
}

// StartRequest describes a session to start.
type StartRequest struct {
	ID      string
	AgentID string
	Model   string
	Kind    string
	UserID  string
	Relay   *commands.Relay
}

// StartSession launches a sandbox for the session and returns once it
// is ready. A session already registered, or one whose stored status is
// past starting, is left alone. A launch failure marks the session
// failed, emits one session_error, and returns an error wrapping
// ErrLaunchFailed.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) error {
	if req.ID == "" {
		return errors.New("start session: no session id")
	}
	if req.Kind == "" {
		req.Kind = commands.KindChat
	}
	if _, ok := o.registry.Get(req.ID); ok {
		o.logger.Debug("start ignored, session registered", "session_id", req.ID)
		return nil
	}

	rec, err := o.store.EnsureSession(ctx, store.Session{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Model:       req.Model,
		SessionType: req.Kind,
		UserID:      req.UserID,
	})
	if err != nil {
		return fmt.Errorf("start session %s: %w", req.ID, err)
	}
	if rec.Status != store.StatusStarting {
		o.logger.Info("start ignored", "session_id", req.ID, "status", rec.Status)
		return nil
	}

	sess := newSession(req, o.now())
	if !o.registry.add(sess) {
		return nil
	}
	o.metrics.SessionState("", string(StateStarting))
	log := o.logger.With("session_id", sess.ID, "agent_id", sess.AgentID)
	log.Info("starting session", "kind", sess.Kind, "relay", req.Relay != nil)

	inst, err := o.launch(ctx, sess, rec, log)
	if err != nil {
		return err
	}

	unsub, err := o.buses.Inbound.Subscribe(ctx, bus.SessionCommands(sess.ID), o.commandHandler(sess.ID))
	if err != nil {
		return o.fail(ctx, sess, events.CodeLaunchFailed, fmt.Errorf("subscribe session commands: %w", err))
	}
	if err := o.store.PatchSessionStatus(ctx, sess.ID, store.StatusRunning); err != nil {
		_ = unsub(ctx)
		return o.fail(ctx, sess, events.CodeLaunchFailed, err)
	}

	sess.mu.Lock()
	sess.unsubCmds = unsub
	sess.setState(o.metrics, StateReady)
	sess.lastActivity = o.now()
	model, relay := sess.model, sess.relay
	sess.mu.Unlock()

	o.emit(ctx, sess, events.SessionStatus{Status: string(StateReady)}, time.Time{})
	log.Info("session ready", "model", model, "sandbox", inst.Name)

	if relay != nil {
		o.seedRelay(ctx, sess, relay)
	}
	return nil
}

// launch resolves, prepares and starts the sandbox, then waits for it
// to report ready.
func (o *Orchestrator) launch(ctx context.Context, sess *Session, rec *store.Session, log *slog.Logger) (*sandbox.Instance, error) {
	l, err := o.resolver.Resolve(ctx, ResolveRequest{AgentID: sess.AgentID, UserID: sess.UserID, Model: sess.model})
	if err != nil {
		return nil, o.fail(ctx, sess, events.CodeLaunchFailed, fmt.Errorf("resolve agent: %w", err))
	}
	history, err := o.launchHistory(ctx, sess.ID)
	if err != nil {
		return nil, o.fail(ctx, sess, events.CodeLaunchFailed, err)
	}

	sess.mu.Lock()
	sess.model = l.Model
	sess.mu.Unlock()

	spec := sandbox.Spec{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Image:     l.Image,
		WorkDir:   o.cfg.WorkDir,
		Env:       o.launchEnv(sess, l, history),
	}
	prepared, err := sandbox.Prepare(ctx, o.buses.Inbound, spec, o.sandboxHandler(sess))
	if err != nil {
		return nil, o.fail(ctx, sess, events.CodeLaunchFailed, err)
	}
	inst, err := prepared.Launch(ctx, o.runtime)
	if err != nil {
		o.metrics.Launch("error")
		var pe *sandbox.PullError
		if errors.As(err, &pe) {
			return nil, o.fail(ctx, sess, events.CodeImagePull,
				fmt.Errorf("image %s could not be pulled: %s", pe.Image, pe.Detail))
		}
		return nil, o.fail(ctx, sess, events.CodeLaunchFailed, err)
	}
	o.metrics.Launch("ok")

	sess.mu.Lock()
	sess.instance = inst
	sess.mu.Unlock()

	// Recovery falls back to the sandbox name when the id was never
	// recorded, so neither patch is fatal.
	if err := o.store.PatchSessionSandbox(ctx, sess.ID, inst.ID, inst.Name); err != nil {
		log.Warn("record sandbox failed", "sandbox", inst.Name, "error", err)
	}
	if l.Model != rec.Model {
		if err := o.store.PatchSessionModel(ctx, sess.ID, l.Model); err != nil {
			log.Warn("record model failed", "model", l.Model, "error", err)
		}
	}

	timer := time.NewTimer(o.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-sess.ready:
		return inst, nil
	case <-sess.exited:
		return nil, o.fail(ctx, sess, events.CodeLaunchFailed, errors.New("sandbox exited before it was ready"))
	case <-timer.C:
		return nil, o.fail(ctx, sess, events.CodeReadyTimeout,
			fmt.Errorf("sandbox not ready after %s", o.cfg.ReadyTimeout))
	case <-ctx.Done():
		return nil, o.fail(context.WithoutCancel(ctx), sess, events.CodeLaunchFailed, ctx.Err())
	}
}

// launchHistory serializes the session's stored conversation, keeping
// the newest messages that fit the byte bound.
func (o *Orchestrator) launchHistory(ctx context.Context, id string) (string, error) {
	msgs, err := o.store.History(ctx, id, o.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	entries := make([]sandbox.HistoryEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = sandbox.HistoryEntry{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt}
	}
	enc, kept, err := sandbox.EncodeHistory(entries, o.cfg.MaxHistoryBytes)
	if err != nil {
		return "", err
	}
	if kept < len(entries) {
		o.logger.Info("launch history trimmed", "session_id", id, "kept", kept, "total", len(entries))
	}
	return enc, nil
}

func (o *Orchestrator) launchEnv(sess *Session, l Launch, history string) map[string]string {
	env := maps.Clone(l.Env)
	if env == nil {
		env = make(map[string]string)
	}
	env[sandbox.EnvSessionID] = sess.ID
	env[sandbox.EnvAgentID] = sess.AgentID
	env[sandbox.EnvSessionType] = sess.Kind
	env[sandbox.EnvModel] = l.Model
	if sess.UserID != "" {
		env[sandbox.EnvUserID] = sess.UserID
	}
	if o.cfg.Broker != "" {
		env[sandbox.EnvBroker] = o.cfg.Broker
	}
	if l.SystemPrompt != "" {
		env[sandbox.EnvSystemPrompt] = l.SystemPrompt
	}
	if history != "" {
		env[sandbox.HistoryEnv] = history
	}
	return env
}

// detached is what a stopping session hands over for release.
type detached struct {
	instance  *sandbox.Instance
	unsubCmds bus.Unsubscribe
	prev      State
}

// detach moves sess to stopping and takes its sandbox and command
// subscription. It reports false when the session was already stopping.
func (o *Orchestrator) detach(sess *Session) (detached, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateStopping {
		return detached{}, false
	}
	d := detached{instance: sess.instance, unsubCmds: sess.unsubCmds, prev: sess.state}
	sess.instance = nil
	sess.unsubCmds = nil
	sess.setState(o.metrics, StateStopping)
	return d, true
}

// release tears down what detach took, records status, and removes the
// session from the registry.
func (o *Orchestrator) release(ctx context.Context, sess *Session, d detached, status store.Status) {
	log := o.logger.With("session_id", sess.ID)
	if d.unsubCmds != nil {
		if err := d.unsubCmds(ctx); err != nil {
			log.Warn("unsubscribe session commands failed", "error", err)
		}
	}
	if d.instance != nil {
		if err := d.instance.Stop(ctx); err != nil {
			log.Warn("stop sandbox failed", "sandbox", d.instance.Name, "error", err)
		}
	}
	if err := o.store.PatchSessionStatus(ctx, sess.ID, status); err != nil {
		log.Warn("record session status failed", "status", status, "error", err)
	}
	o.registry.remove(sess)
	o.metrics.SessionState(string(StateStopping), "")
}

// fail ends a session that could not start.
func (o *Orchestrator) fail(ctx context.Context, sess *Session, code string, cause error) error {
	if d, ok := o.detach(sess); ok {
		o.release(ctx, sess, d, store.StatusFailed)
		o.emit(ctx, sess, events.SessionError{Code: code, Message: cause.Error()}, time.Time{})
	}
	o.logger.Error("session launch failed", "session_id", sess.ID, "code", code, "error", cause)
	return fmt.Errorf("start session %s: %w: %w", sess.ID, ErrLaunchFailed, cause)
}

// lose ends a session whose sandbox exited on its own.
func (o *Orchestrator) lose(ctx context.Context, sess *Session, reason string) {
	d, ok := o.detach(sess)
	if !ok {
		return
	}
	msg := "sandbox exited"
	if reason != "" {
		msg += ": " + reason
	}
	o.emit(ctx, sess, events.SessionError{Code: events.CodeSandboxLost, Message: msg}, time.Time{})
	o.release(ctx, sess, d, store.StatusFailed)
	o.logger.Warn("sandbox lost", "session_id", sess.ID, "was", d.prev, "reason", reason)
}

// StopSession stops a session and its sandbox. Stopping a session that
// is stopping or gone is a no-op. A session unknown to the registry
// whose stored row is still active has its sandbox stopped by name. A
// session still starting returns ErrNotReady.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	sess, ok := o.registry.Get(id)
	if !ok {
		return o.stopUnregistered(ctx, id)
	}

	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state == StateStarting {
		return fmt.Errorf("stop session %s: %w: still starting", id, ErrNotReady)
	}

	d, ok := o.detach(sess)
	if !ok {
		return nil
	}
	if d.prev == StateBusy {
		o.logger.Info("stopping session mid-turn", "session_id", id)
	}
	if err := o.send(ctx, id, commands.Command{Type: commands.Stop}); err != nil {
		o.logger.Debug("stop command not delivered", "session_id", id, "error", err)
	}
	o.release(ctx, sess, d, store.StatusCompleted)
	o.emit(ctx, sess, events.SessionStatus{Status: StatusStopped}, time.Time{})
	o.logger.Info("session stopped", "session_id", id)
	return nil
}

func (o *Orchestrator) stopUnregistered(ctx context.Context, id string) error {
	rec, err := o.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	if rec.Status.Terminal() {
		return nil
	}
	err = sandbox.StopSandbox(ctx, o.runtime, rec.SandboxID, id)
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	o.logger.Info("stopped unregistered session", "session_id", id, "sandbox_found", err == nil)
	return o.store.PatchSessionStatus(ctx, id, store.StatusCompleted)
}

// SendMessage dispatches one message to a ready session and returns
// the id the assistant reply will be stored under. Only the new
// message is forwarded; the sandbox holds the conversation. A model in
// the command is swapped in before the message is sent.
func (o *Orchestrator) SendMessage(ctx context.Context, id string, cmd commands.Command) (string, error) {
	cmd.Type = commands.Message
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	sess, ok := o.registry.Get(id)
	if !ok {
		return "", ErrNotFound
	}

	sess.mu.Lock()
	switch sess.state {
	case StateReady:
	case StateBusy:
		sess.mu.Unlock()
		return "", ErrBusy
	default:
		state := sess.state
		sess.mu.Unlock()
		return "", fmt.Errorf("%w: session is %s", ErrNotReady, state)
	}
	messageID := cmd.MessageID
	if messageID == "" {
		messageID = store.NewID()
	}
	sess.resetTurn()
	sess.messageID = messageID
	sess.requestID = messageID
	sess.setState(o.metrics, StateBusy)
	now := o.now()
	sess.lastActivity = now
	swap := cmd.Model != "" && cmd.Model != sess.model
	if swap {
		sess.model = cmd.Model
	}
	sess.mu.Unlock()

	log := o.logger.With("session_id", id, "request_id", messageID)

	if swap {
		if err := o.send(ctx, id, commands.Command{Type: commands.UpdateModel, Model: cmd.Model}); err != nil {
			o.releaseTurn(sess, messageID)
			return "", fmt.Errorf("forward model swap: %w", err)
		}
		o.persistModel(id, cmd.Model)
		log.Info("model swapped for turn", "model", cmd.Model)
	}

	o.outbox.Enqueue(outbox.Task{
		Name:      "append_message",
		SessionID: id,
		Run: func(ctx context.Context) error {
			return o.store.AppendMessage(ctx, store.Message{
				ID:        store.NewID(),
				SessionID: id,
				Role:      store.RoleUser,
				Content:   cmd.Content,
				Completed: true,
				CreatedAt: now,
			})
		},
	})

	err := o.send(ctx, id, commands.Command{
		Type:         commands.Message,
		Content:      cmd.Content,
		MessageID:    messageID,
		RequestID:    messageID,
		Attachments:  cmd.Attachments,
		OutputSchema: cmd.OutputSchema,
		SystemPrompt: cmd.SystemPrompt,
	})
	if err != nil {
		o.releaseTurn(sess, messageID)
		return "", fmt.Errorf("forward message: %w", err)
	}
	log.Debug("message dispatched")
	return messageID, nil
}

// releaseTurn reopens the busy gate for a turn that was never
// delivered.
func (o *Orchestrator) releaseTurn(sess *Session, messageID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateBusy && sess.messageID == messageID {
		sess.resetTurn()
		sess.setState(o.metrics, StateReady)
	}
}

// Abort asks the sandbox to cancel the running turn. The busy gate
// stays closed until the sandbox reports the turn's terminal event.
func (o *Orchestrator) Abort(ctx context.Context, id string) error {
	sess, ok := o.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	state, requestID := sess.state, sess.requestID
	sess.mu.Unlock()
	if state != StateBusy {
		o.logger.Debug("abort with no turn running", "session_id", id, "state", state)
		return nil
	}
	o.logger.Info("aborting turn", "session_id", id, "request_id", requestID)
	return o.send(ctx, id, commands.Command{Type: commands.Abort, RequestID: requestID})
}

// UpdateModel swaps the session's model for later turns and records
// it. For a session not registered here only the stored row changes.
func (o *Orchestrator) UpdateModel(ctx context.Context, id, model string) error {
	if model == "" {
		return errors.New("update model: no model")
	}
	sess, ok := o.registry.Get(id)
	if ok {
		sess.mu.Lock()
		state := sess.state
		if state == StateReady || state == StateBusy {
			sess.model = model
		}
		sess.mu.Unlock()
		if state != StateReady && state != StateBusy {
			return fmt.Errorf("update model: %w: session is %s", ErrNotReady, state)
		}
		if err := o.send(ctx, id, commands.Command{Type: commands.UpdateModel, Model: model}); err != nil {
			return fmt.Errorf("update model: %w", err)
		}
	}
	if err := o.store.PatchSessionModel(ctx, id, model); err != nil {
		if !ok && errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update model: %w", err)
	}
	o.logger.Info("model updated", "session_id", id, "model", model, "registered", ok)
	return nil
}

// RefreshTools tells the sandbox to refetch its remote tools and
// disabled set, disabling the given names as well.
func (o *Orchestrator) RefreshTools(ctx context.Context, id string, disabled []string) error {
	sess, ok := o.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state != StateReady && state != StateBusy {
		return fmt.Errorf("refresh tools: %w: session is %s", ErrNotReady, state)
	}
	return o.send(ctx, id, commands.Command{Type: commands.RefreshTools, DisabledTools: disabled})
}

// Shutdown stops every registered session and waits for background
// work. Sessions still starting are left to crash recovery.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	for _, sess := range o.registry.List() {
		if err := o.StopSession(ctx, sess.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	o.bg.Wait()
	o.cancel()
	return result.ErrorOrNil()
}

func (o *Orchestrator) persistModel(id, model string) {
	o.outbox.Enqueue(outbox.Task{
		Name:      "patch_model",
		SessionID: id,
		Run: func(ctx context.Context) error {
			return o.store.PatchSessionModel(ctx, id, model)
		},
	})
}

func (o *Orchestrator) send(ctx context.Context, id string, cmd commands.Command) error {
	b, err := commands.Encode(cmd)
	if err != nil {
		return err
	}
	return o.buses.Commands.Publish(ctx, bus.SandboxCommands(id), b)
}

// commandHandler serves the session's command channel. There is no
// reply path, so rejections are reported as session_error events.
func (o *Orchestrator) commandHandler(id string) bus.Handler {
	return func(_ string, payload []byte) {
		ctx := o.ctx
		sess, ok := o.registry.Get(id)
		if !ok {
			return
		}
		cmd, err := commands.Decode(payload)
		if err != nil {
			o.logger.Warn("bad session command", "session_id", id, "error", err)
			o.emit(ctx, sess, events.SessionError{Code: events.CodeBadCommand, Message: err.Error()}, time.Time{})
			return
		}

		switch cmd.Type {
		case commands.Message:
			_, err = o.SendMessage(ctx, id, cmd)
		case commands.Abort:
			err = o.Abort(ctx, id)
		case commands.UpdateModel:
			err = o.UpdateModel(ctx, id, cmd.Model)
		case commands.RefreshTools:
			err = o.RefreshTools(ctx, id, cmd.DisabledTools)
		case commands.Stop:
			// Stopping releases this subscription, so it runs off the
			// delivery goroutine.
			o.goBackground(func(ctx context.Context) {
				if err := o.StopSession(ctx, id); err != nil {
					o.logger.Warn("stop from command channel failed", "session_id", id, "error", err)
				}
			})
		}
		if err == nil {
			return
		}
		code := events.CodeSendFailed
		if errors.Is(err, ErrNotReady) {
			code = events.CodeBusy
		}
		o.logger.Warn("session command rejected", "session_id", id, "type", cmd.Type, "error", err)
		o.emit(ctx, sess, events.SessionError{Code: code, Message: err.Error()}, time.Time{})
	}
}
