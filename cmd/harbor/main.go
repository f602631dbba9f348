// Harbor hosts agent sessions in sandboxes.
//
// The host launches one sandbox per session, relays messages to it over
// MQTT, normalizes the events it publishes, and delivers them to
// observers live and on reconnect. Lifecycle requests arrive through a
// durable command log shared by every host. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	harbor serve             Start the orchestrator and API server
//	harbor recover           Reconcile stored sessions with the runtime and exit
//	harbor init [dir]        Write an example configuration
//	harbor version           Print version and build information
//	harbor -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/harbor/internal/api"
	"github.com/nugget/harbor/internal/buildinfo"
	"github.com/nugget/harbor/internal/cmdlog"
	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/connwatch"
	"github.com/nugget/harbor/internal/listener"
	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/metrics"
	"github.com/nugget/harbor/internal/mqtt"
	"github.com/nugget/harbor/internal/outbox"
	"github.com/nugget/harbor/internal/replay"
	"github.com/nugget/harbor/internal/sandbox"
	"github.com/nugget/harbor/internal/session"
	"github.com/nugget/harbor/internal/store"
	"github.com/nugget/harbor/internal/usage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; args is
// os.Args[1:]. Arguments are parsed by hand to keep global flag state
// out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "recover":
		return runRecover(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Harbor - Sandboxed Agent Session Host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: harbor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the orchestrator and API server")
	fmt.Fprintln(w, "  recover      Reconcile stored sessions with the runtime and exit")
	fmt.Fprintln(w, "  init [dir]   Write an example harbor.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// host is everything serve and recover share: the three databases, the
// bus connections, the runtime and the orchestrator built on them.
type host struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	cmdlog  *cmdlog.Log
	replay  *replay.Log
	usage   *usage.Store
	buses   map[string]*mqtt.Bus
	runtime sandbox.Runtime
	outbox  *outbox.Worker
	metrics *metrics.Metrics
	orch    *session.Orchestrator
}

// openHost opens storage, connects the bus classes and builds the
// orchestrator. close releases whatever was opened, in reverse order.
func openHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (h *host, err error) {
	if !cfg.MQTT.Configured() {
		return nil, errors.New("mqtt.broker is required: sandboxes reach the host through the broker")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	h = &host{cfg: cfg, logger: logger, buses: make(map[string]*mqtt.Bus), metrics: metrics.New()}
	defer func() {
		if err != nil {
			h.close(context.WithoutCancel(ctx))
		}
	}()

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return h, fmt.Errorf("instance id: %w", err)
	}
	if cfg.MQTT.ClientID == "harbor" {
		cfg.MQTT.ClientID = "harbor-" + instanceID[len(instanceID)-8:]
	}
	if cfg.Listener.Consumer == "" {
		cfg.Listener.Consumer = instanceID
	}

	// --- Storage ---
	if h.store, err = store.Open(cfg.Database.Driver, cfg.Database.Path); err != nil {
		return h, fmt.Errorf("open session store %s: %w", cfg.Database.Path, err)
	}
	if h.cmdlog, err = cmdlog.Open(cfg.Database.Driver, cfg.Database.CommandLog); err != nil {
		return h, fmt.Errorf("open command log %s: %w", cfg.Database.CommandLog, err)
	}
	if h.replay, err = replay.Open(cfg.Database.Driver, cfg.Database.ReplayLog, cfg.Replay.MaxEntries, cfg.Replay.TTL); err != nil {
		return h, fmt.Errorf("open replay log %s: %w", cfg.Database.ReplayLog, err)
	}
	if h.usage, err = usage.Open(cfg.Database.Driver, cfg.Database.Usage, cfg.Pricing); err != nil {
		return h, err
	}
	logger.Info("databases opened",
		"driver", cfg.Database.Driver,
		"sessions", cfg.Database.Path,
		"commands", cfg.Database.CommandLog,
		"replay", cfg.Database.ReplayLog,
		"usage", cfg.Database.Usage,
	)

	// --- Message bus ---
	// One connection per traffic class so a flood of sandbox events
	// cannot starve outbound delivery or command publishes.
	for _, class := range []string{"inbound", "outbound", "commands"} {
		b := mqtt.New(cfg.MQTT, class, logger)
		if err := b.Start(ctx); err != nil {
			return h, fmt.Errorf("start mqtt %s: %w", class, err)
		}
		h.buses[class] = b
	}

	// --- Sandbox runtime ---
	switch cfg.Sandbox.Runtime {
	case "kubernetes":
		k, err := sandbox.NewKubernetes(cfg.Sandbox.Kubeconfig, cfg.Sandbox.Namespace, cfg.Sandbox.NamePrefix, logger)
		if err != nil {
			return h, fmt.Errorf("kubernetes runtime: %w", err)
		}
		h.runtime = k
	default:
		h.runtime = sandbox.NewDocker(cfg.Sandbox.NamePrefix, cfg.Sandbox.Network, logger)
	}
	logger.Info("sandbox runtime ready", "runtime", h.runtime.Name(), "prefix", h.runtime.Prefix())

	h.outbox = outbox.NewWorker(cfg.Sessions.OutboxWorkers, 0, 0, logger, h.metrics.OutboxObserver())
	h.orch = session.New(session.ConfigFrom(cfg), session.Deps{
		Store:  h.store,
		Replay: h.replay,
		Buses: session.Buses{
			Inbound:  h.buses["inbound"],
			Outbound: h.buses["outbound"],
			Commands: h.buses["commands"],
		},
		Runtime:  h.runtime,
		Resolver: session.NewConfigResolver(cfg),
		Outbox:   h.outbox,
		Usage:    h.usage,
		Metrics:  h.metrics,
		Logger:   logger,
	})
	return h, nil
}

func (h *host) close(ctx context.Context) {
	if h.outbox != nil {
		if err := h.outbox.Close(ctx); err != nil {
			h.logger.Warn("outbox drain incomplete", "error", err)
		}
	}
	for class, b := range h.buses {
		if err := b.Stop(ctx); err != nil {
			h.logger.Debug("mqtt disconnect failed", "class", class, "error", err)
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.logger.Warn("database close failed", "database", "sessions", "error", err)
		}
	}
	if h.cmdlog != nil {
		if err := h.cmdlog.Close(); err != nil {
			h.logger.Warn("database close failed", "database", "commands", "error", err)
		}
	}
	if h.replay != nil {
		if err := h.replay.Close(); err != nil {
			h.logger.Warn("database close failed", "database", "replay", "error", err)
		}
	}
	if h.usage != nil {
		if err := h.usage.Close(); err != nil {
			h.logger.Warn("database close failed", "database", "usage", "error", err)
		}
	}
}

func runRecover(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := openHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close(context.WithoutCancel(ctx))

	if err := h.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("recovery complete", "sessions", len(h.orch.Sessions()))
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting Harbor", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := openHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close(context.WithoutCancel(ctx))

	// --- Connection health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	for class, b := range h.buses {
		connMgr.Watch(ctx, connwatch.Dependency{
			Name:     "mqtt-" + class,
			Probe:    b.AwaitConnection,
			Critical: true,
		})
	}
	rt := h.runtime
	connMgr.Watch(ctx, connwatch.Dependency{
		Name: "runtime-" + rt.Name(),
		Probe: func(pCtx context.Context) error {
			_, err := rt.List(pCtx, rt.Prefix())
			return err
		},
		Critical: true,
	})
	connMgr.Watch(ctx, connwatch.Dependency{
		Name:  "ollama",
		Probe: llm.NewOllamaClient(cfg.Models.OllamaURL, logger).Ping,
	})
	if cfg.Anthropic.Configured() {
		connMgr.Watch(ctx, connwatch.Dependency{
			Name:  "anthropic",
			Probe: llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger).Ping,
		})
	}

	// --- Crash recovery ---
	// Must finish before intake starts so a redelivered start cannot
	// race the reconciliation of its own stored row.
	if err := h.orch.Recover(ctx); err != nil {
		logger.Error("crash recovery incomplete", "error", err)
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debug("background task stopped", "task", name)
		}()
	}

	// --- Lifecycle intake ---
	lst := listener.New(listener.ConfigFrom(cfg.Listener), h.cmdlog, h.orch, h.metrics, logger)
	background("listener", func(ctx context.Context) {
		if err := lst.Run(ctx); err != nil {
			logger.Error("lifecycle listener stopped", "error", err)
			cancel()
		}
	})
	background("reaper", func(ctx context.Context) {
		h.orch.RunReaper(ctx, cfg.Sessions.SweepInterval)
	})
	background("replay-expiry", func(ctx context.Context) {
		h.replay.Run(ctx, 5*time.Minute, func(err error) {
			h.metrics.ReplayError()
			logger.Warn("replay expiry failed", "error", err)
		})
	})

	// --- API server ---
	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		MaxConns: cfg.Listen.MaxConns,
		Token:    cfg.Listen.Token,
	}, api.Deps{
		Sessions:  h.orch,
		Lifecycle: listener.NewProducer(h.cmdlog, cfg.Listener.Stream),
		Replay:    h.replay,
		Events:    h.buses["outbound"],
		Usage:     h.usage,
		Health:    connMgr,
		Metrics:   h.metrics,
		Logger:    logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown incomplete", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			cancel()
			wg.Wait()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := h.orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions not stopped cleanly", "error", err)
	}

	logger.Info("Harbor stopped")
	return nil
}

// setup loads and validates the config and builds the configured
// logger.
func setup(stdout io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
		"runtime", cfg.Sandbox.Runtime,
		"model", cfg.Models.Default,
	)
	return cfg, logger, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return config.NewLogger(w, level, format)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
