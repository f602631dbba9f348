// Package config handles Harbor configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the -config flag) is checked first.
// Then: ./harbor.yaml, ~/.config/harbor/harbor.yaml, /etc/harbor/harbor.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"harbor.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "harbor", "harbor.yaml"))
	}

	paths = append(paths, "/etc/harbor/harbor.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Harbor configuration. The host and the in-sandbox
// agent read the same format; each ignores the sections it does not use.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Listener  ListenerConfig  `yaml:"listener"`
	Replay    ReplayConfig    `yaml:"replay"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MCP       MCPConfig       `yaml:"mcp"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	Agents    []AgentProfile  `yaml:"agents"`
	// Pricing maps a model name to its token prices for the usage
	// ledger.
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text or json
}

// ListenConfig defines the host HTTP API settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// MaxConns caps concurrent connections on the listener. Zero means
	// unlimited.
	MaxConns int `yaml:"max_conns"`
	// Token, when set, is required as a bearer token on mutating
	// endpoints.
	Token string `yaml:"token"`
}

// DatabaseConfig selects the SQLite driver and file locations.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// Path is the session store. The command and replay logs live
	// beside it unless overridden.
	Path       string `yaml:"path"`
	CommandLog string `yaml:"command_log"`
	ReplayLog  string `yaml:"replay_log"`
	Usage      string `yaml:"usage"`
}

// MQTTConfig defines the broker connection used for live session
// traffic.
type MQTTConfig struct {
	Broker    string        `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	ClientID  string        `yaml:"client_id"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	// InboundLimit caps messages accepted per second on one
	// connection; the excess is dropped and counted. Zero disables
	// limiting.
	InboundLimit int `yaml:"inbound_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// SandboxConfig defines how agent sandboxes are launched.
type SandboxConfig struct {
	Runtime         string            `yaml:"runtime"` // docker, kubernetes
	Image           string            `yaml:"image"`
	WorkDir         string            `yaml:"work_dir"`
	NamePrefix      string            `yaml:"name_prefix"`
	Network         string            `yaml:"network"`
	Env             map[string]string `yaml:"env"`
	MaxHistoryBytes int               `yaml:"max_history_bytes"`
	ReadyTimeout    time.Duration     `yaml:"ready_timeout"`
	// Kubernetes runtime settings.
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"`
}

// SessionsConfig defines orchestrator policy.
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OutboxWorkers int           `yaml:"outbox_workers"`
}

// ListenerConfig defines the durable lifecycle consumer.
type ListenerConfig struct {
	Stream        string        `yaml:"stream"`
	Group         string        `yaml:"group"`
	Consumer      string        `yaml:"consumer"`
	BatchSize     int           `yaml:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ClaimIdle     time.Duration `yaml:"claim_idle"`
	MaxDeliveries int           `yaml:"max_deliveries"`
}

// ReplayConfig bounds the per-session structural event log.
type ReplayConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// AgentConfig defines turn engine limits for the in-sandbox agent.
type AgentConfig struct {
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	HardCap             time.Duration `yaml:"hard_cap"`
	MaxIterations       int           `yaml:"max_iterations"`
	ContinueNudgeCap    int           `yaml:"continue_nudge_cap"`
	ProgressNudgeEvery  int           `yaml:"progress_nudge_every"`
	CompactionThreshold float64       `yaml:"compaction_threshold"`
	KeepRecent          int           `yaml:"keep_recent"`
	PruneToolOutputOver int           `yaml:"prune_tool_output_over"`
	CodeExec            bool          `yaml:"code_exec"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic
	ContextWindow int    `yaml:"context_window"`
	// StructuredOutput is "native" when the provider constrains
	// decoding to a schema, "tool" to force a single tool call.
	StructuredOutput string `yaml:"structured_output"`
}

// PricingEntry is a model's price in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is set.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// MCPConfig points the agent at the remote tool catalog.
type MCPConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations. If empty, file
	// tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	Enabled           bool     `yaml:"enabled"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	AllowedPrefixes   []string `yaml:"allowed_prefixes"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
}

// AgentProfile is the launch-time description of one agent identity:
// what image it runs, its system prompt, and which tools it may not use.
type AgentProfile struct {
	ID            string            `yaml:"id"`
	Image         string            `yaml:"image"`
	Model         string            `yaml:"model"`
	SystemPrompt  string            `yaml:"system_prompt"`
	Env           map[string]string `yaml:"env"`
	DisabledTools []string          `yaml:"disabled_tools"`
	// UserEnv maps a user id to extra credentials injected only for
	// that user's sessions.
	UserEnv map[string]map[string]string `yaml:"user_env"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8420
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "harbor.db")
	}
	if c.Database.CommandLog == "" {
		c.Database.CommandLog = filepath.Join(c.DataDir, "commands.db")
	}
	if c.Database.ReplayLog == "" {
		c.Database.ReplayLog = filepath.Join(c.DataDir, "replay.db")
	}
	if c.Database.Usage == "" {
		c.Database.Usage = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "harbor"
	}
	if c.Sandbox.Runtime == "" {
		c.Sandbox.Runtime = "docker"
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = "/workspace"
	}
	if c.Sandbox.NamePrefix == "" {
		c.Sandbox.NamePrefix = "harbor-"
	}
	if c.Sandbox.MaxHistoryBytes == 0 {
		c.Sandbox.MaxHistoryBytes = 96 * 1024
	}
	if c.Sandbox.ReadyTimeout == 0 {
		c.Sandbox.ReadyTimeout = 2 * time.Minute
	}
	if c.Sandbox.Namespace == "" {
		c.Sandbox.Namespace = "harbor"
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 30 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = time.Minute
	}
	if c.Sessions.OutboxWorkers == 0 {
		c.Sessions.OutboxWorkers = 4
	}
	if c.Listener.Stream == "" {
		c.Listener.Stream = "lifecycle"
	}
	if c.Listener.Group == "" {
		c.Listener.Group = "orchestrators"
	}
	if c.Listener.BatchSize == 0 {
		c.Listener.BatchSize = 16
	}
	if c.Listener.PollInterval == 0 {
		c.Listener.PollInterval = 500 * time.Millisecond
	}
	if c.Listener.ClaimIdle == 0 {
		c.Listener.ClaimIdle = time.Minute
	}
	if c.Listener.MaxDeliveries == 0 {
		c.Listener.MaxDeliveries = 5
	}
	if c.Replay.MaxEntries == 0 {
		c.Replay.MaxEntries = 1000
	}
	if c.Replay.TTL == 0 {
		c.Replay.TTL = 2 * time.Hour
	}
	if c.Agent.InactivityTimeout == 0 {
		c.Agent.InactivityTimeout = 5 * time.Minute
	}
	if c.Agent.HardCap == 0 {
		c.Agent.HardCap = time.Hour
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 200
	}
	if c.Agent.ContinueNudgeCap == 0 {
		c.Agent.ContinueNudgeCap = 3
	}
	if c.Agent.ProgressNudgeEvery == 0 {
		c.Agent.ProgressNudgeEvery = 50
	}
	if c.Agent.CompactionThreshold == 0 {
		c.Agent.CompactionThreshold = 0.85
	}
	if c.Agent.KeepRecent == 0 {
		c.Agent.KeepRecent = 8
	}
	if c.Agent.PruneToolOutputOver == 0 {
		c.Agent.PruneToolOutputOver = 4000
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	switch c.Sandbox.Runtime {
	case "docker", "kubernetes":
	default:
		errs = append(errs, fmt.Errorf("sandbox.runtime %q (valid: docker, kubernetes)", c.Sandbox.Runtime))
	}
	if c.Agent.CompactionThreshold <= 0 || c.Agent.CompactionThreshold > 1 {
		errs = append(errs, fmt.Errorf("agent.compaction_threshold %.2f must be in (0, 1]", c.Agent.CompactionThreshold))
	}
	if c.Agent.ContinueNudgeCap < 0 {
		errs = append(errs, errors.New("agent.continue_nudge_cap must not be negative"))
	}
	if c.MQTT.Configured() {
		scheme, _, ok := strings.Cut(c.MQTT.Broker, "://")
		if !ok || (scheme != "mqtt" && scheme != "mqtts" && scheme != "ws" && scheme != "wss") {
			errs = append(errs, fmt.Errorf("mqtt.broker %q must be a mqtt://, mqtts://, ws:// or wss:// URL", c.MQTT.Broker))
		}
	}
	for i, m := range c.Models.Available {
		switch m.StructuredOutput {
		case "", "native", "tool":
		default:
			errs = append(errs, fmt.Errorf("models.available[%d].structured_output %q (valid: native, tool)", i, m.StructuredOutput))
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Profile returns the agent profile with the given id, or nil.
func (c *Config) Profile(agentID string) *AgentProfile {
	for i := range c.Agents {
		if c.Agents[i].ID == agentID {
			return &c.Agents[i]
		}
	}
	return nil
}

// ContextWindow returns the configured context window for model, or
// zero when the model is not listed.
func (c *Config) ContextWindow(model string) int {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.ContextWindow
		}
	}
	return 0
}
