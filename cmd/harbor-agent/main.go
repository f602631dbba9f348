// Harbor-agent is the turn engine that runs inside a session sandbox.
//
// It reads its session from the HARBOR_* launch environment, connects to
// the broker, announces readiness, and runs one agent step per message
// command until the host stops it. Configuration uses the same YAML
// format as the host; without a config file the defaults apply.
//
// Usage:
//
//	harbor-agent run       Serve the session named by HARBOR_SESSION_ID
//	harbor-agent version   Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/harbor/internal/agent"
	"github.com/nugget/harbor/internal/buildinfo"
	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/mqtt"
	"github.com/nugget/harbor/internal/runner"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. getenv supplies the launch environment.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string, getenv func(string) string) error {
	var configPath string
	var outputFmt string
	var command string

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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run", "":
		return runAgent(ctx, stdout, configPath, getenv)
	case "version":
		if outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(buildinfo.Info())
		}
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Usage: harbor-agent [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run        Serve the session named by HARBOR_SESSION_ID (default)")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover, else built-in defaults)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func runAgent(ctx context.Context, stdout io.Writer, configPath string, getenv func(string) string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stdout, level, cfg.LogFormat)

	launch, err := runner.LaunchFromEnv(getenv)
	if err != nil {
		return err
	}
	logger = logger.With("session_id", launch.SessionID)

	broker := cfg.MQTT
	if launch.Broker != "" {
		broker.Broker = launch.Broker
	}
	if !broker.Configured() {
		return fmt.Errorf("no broker: set mqtt.broker or HARBOR_MQTT_BROKER")
	}
	broker.ClientID = "harbor-agent-" + launch.SessionID

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ps := mqtt.New(broker, "", logger)
	if err := ps.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stopCancel()
		if err := ps.Stop(stopCtx); err != nil {
			logger.Debug("mqtt disconnect failed", "error", err)
		}
	}()

	client := runner.NewLLMClient(cfg, logger)
	engine := agent.New(
		runner.EngineConfig(cfg, launch),
		runner.NewResolver(cfg, client),
		runner.NewSurface(cfg, cfg.Profile(launch.AgentID), logger),
		nil,
		logger,
	)
	if len(launch.History) > 0 {
		engine.Seed(launch.History)
		logger.Info("conversation restored", "messages", len(launch.History))
	}

	logger.Info("starting harbor-agent",
		"version", buildinfo.Version,
		"agent_id", launch.AgentID,
		"kind", launch.Kind,
		"model", engine.ModelName(),
	)
	return runner.New(launch.SessionID, ps, engine, logger).Run(ctx)
}

// loadConfig loads the config file when one is found. A sandbox image
// usually ships none, so a missing file falls back to the defaults
// unless the path was given explicitly.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
