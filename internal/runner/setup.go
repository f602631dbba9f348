package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/harbor/internal/agent"
	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/mcp"
	"github.com/nugget/harbor/internal/sandbox"
	"github.com/nugget/harbor/internal/tools"
)

// Launch is what the host told this sandbox about its session.
type Launch struct {
	SessionID    string
	AgentID      string
	UserID       string
	Kind         string
	Model        string
	Broker       string
	SystemPrompt string
	History      []llm.Message
}

// LaunchFromEnv reads the launch environment through getenv.
func LaunchFromEnv(getenv func(string) string) (Launch, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	l := Launch{
		SessionID:    getenv(sandbox.EnvSessionID),
		AgentID:      getenv(sandbox.EnvAgentID),
		UserID:       getenv(sandbox.EnvUserID),
		Kind:         getenv(sandbox.EnvSessionType),
		Model:        getenv(sandbox.EnvModel),
		Broker:       getenv(sandbox.EnvBroker),
		SystemPrompt: getenv(sandbox.EnvSystemPrompt),
	}
	if l.SessionID == "" {
		return Launch{}, fmt.Errorf("%s is not set", sandbox.EnvSessionID)
	}
	switch l.Kind {
	case "":
		l.Kind = commands.KindChat
	case commands.KindChat, commands.KindTask:
	default:
		return Launch{}, fmt.Errorf("%s %q (valid: chat, task)", sandbox.EnvSessionType, l.Kind)
	}

	history, err := HistoryMessages(getenv(sandbox.HistoryEnv))
	if err != nil {
		return Launch{}, err
	}
	l.History = history
	return l, nil
}

// HistoryMessages decodes the launch history into engine messages.
// Entries with roles the engine does not replay are skipped.
func HistoryMessages(encoded string) ([]llm.Message, error) {
	entries, err := sandbox.DecodeHistory(encoded)
	if err != nil {
		return nil, fmt.Errorf("launch history: %w", err)
	}
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case "user", "assistant":
			msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
		}
	}
	return msgs, nil
}

// EngineConfig maps the agent section and the launch onto an engine
// configuration.
func EngineConfig(cfg *config.Config, l Launch) agent.Config {
	model := l.Model
	if model == "" {
		model = cfg.Models.Default
	}
	a := cfg.Agent
	return agent.Config{
		SessionID:           l.SessionID,
		AgentID:             l.AgentID,
		Kind:                l.Kind,
		Model:               model,
		SystemPrompt:        l.SystemPrompt,
		InactivityTimeout:   a.InactivityTimeout,
		HardCap:             a.HardCap,
		MaxIterations:       a.MaxIterations,
		ContinueNudgeCap:    a.ContinueNudgeCap,
		ProgressNudgeEvery:  a.ProgressNudgeEvery,
		CompactionThreshold: a.CompactionThreshold,
		KeepRecent:          a.KeepRecent,
		PruneToolOutputOver: a.PruneToolOutputOver,
		CodeExec:            a.CodeExec,
	}
}

// NewLLMClient builds the provider router for every configured model.
// Unlisted models go to Ollama.
func NewLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)
	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger))
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

// Resolver resolves model names against the models section.
type Resolver struct {
	cfg    *config.Config
	client llm.Client
}

// NewResolver creates a resolver serving every model through client.
func NewResolver(cfg *config.Config, client llm.Client) *Resolver {
	return &Resolver{cfg: cfg, client: client}
}

// Resolve implements agent.ModelResolver.
func (r *Resolver) Resolve(_ context.Context, name string) (agent.Model, error) {
	if name == "" {
		return agent.Model{}, fmt.Errorf("no model configured")
	}
	m := agent.Model{Name: name, Client: r.client, StructuredMode: llm.SchemaNative}
	for _, mc := range r.cfg.Models.Available {
		if mc.Name != name {
			continue
		}
		m.ContextWindow = mc.ContextWindow
		if mc.StructuredOutput == "tool" {
			m.StructuredMode = llm.SchemaToolForced
		}
		return m, nil
	}
	return m, nil
}

// StaticDisabled is a DisabledSource with a fixed name list.
type StaticDisabled []string

// Disabled implements tools.DisabledSource.
func (s StaticDisabled) Disabled(context.Context) ([]string, error) {
	return s, nil
}

// NewSurface builds the agent's tool surface: workspace file tools and
// shell execution from config, the MCP catalog when one is configured,
// minus the profile's disabled tools.
func NewSurface(cfg *config.Config, profile *config.AgentProfile, logger *slog.Logger) *tools.Surface {
	reg := tools.NewRegistry()
	tools.NewFileTools(cfg.Workspace.Path, logger).Register(reg)
	tools.NewShellExec(tools.ShellExecConfig{
		Enabled:        cfg.ShellExec.Enabled,
		WorkingDir:     cfg.Workspace.Path,
		AllowedCmds:    cfg.ShellExec.AllowedPrefixes,
		DeniedCmds:     deniedOrDefault(cfg.ShellExec.DeniedPatterns),
		DefaultTimeout: time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
		Logger:         logger,
	}).Register(reg)

	var remote tools.RemoteSource
	if cfg.MCP.URL != "" {
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.MCP.URL,
			Headers: cfg.MCP.Headers,
			Logger:  logger,
		})
		client := mcp.NewClient("catalog", transport, logger)
		remote = mcp.NewCatalog(client, "catalog", nil, nil, logger)
	}

	var disabled tools.DisabledSource
	if profile != nil && len(profile.DisabledTools) > 0 {
		disabled = StaticDisabled(profile.DisabledTools)
	}
	return tools.NewSurface(reg, remote, disabled, logger)
}

func deniedOrDefault(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	return append(append([]string(nil), tools.DefaultDeniedCommands...), patterns...)
}
