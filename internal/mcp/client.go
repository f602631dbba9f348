package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/harbor/internal/buildinfo"
)

// protocolVersion is the MCP revision advertised during initialization.
const protocolVersion = "2025-03-26"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// ToolError is a tool failure reported by the server in the result
// body, as opposed to a JSON-RPC error.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("MCP tool %s returned error: %s", e.Tool, e.Message)
}

// Client speaks to one MCP server. The handshake runs on first use and
// is retried on the next call if it fails. The tool list is cached
// until Invalidate.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	// initMu serializes the handshake; listMu serializes tools/list so
	// concurrent callers after an Invalidate share one fetch.
	initMu sync.Mutex
	listMu sync.Mutex

	mu         sync.RWMutex
	ready      bool
	serverName string
	serverVer  string
	tools      []ToolDefinition
	listed     bool
}

// NewClient creates an MCP client for the named server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// Server returns the name and version the server reported during the
// handshake, empty before it.
func (c *Client) Server() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the MCP handshake: initialize, then the
// notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.handshake(ctx)
}

// handshake runs with initMu held.
func (c *Client) handshake(ctx context.Context) error {
	result, err := call[initializeResult](ctx, c, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "harbor",
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.ready = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

func (c *Client) ensureReady(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	if ready {
		return nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.mu.RLock()
	ready = c.ready
	c.mu.RUnlock()
	if ready {
		return nil
	}
	return c.handshake(ctx)
}

// cached returns the tool list if one is held.
func (c *Client) cached() ([]ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools, c.listed
}

// ListTools returns the server's tool definitions. tools/list is sent
// only when nothing is cached; an empty list is cached too.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if defs, ok := c.cached(); ok {
		return defs, nil
	}

	c.listMu.Lock()
	defer c.listMu.Unlock()
	if defs, ok := c.cached(); ok {
		return defs, nil
	}

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	result, err := call[toolsListResult](ctx, c, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.listed = true
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Invalidate drops the cached tool list. The next ListTools refetches.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.tools = nil
	c.listed = false
	c.mu.Unlock()
}

// CallTool invokes a tool and flattens its content blocks to text. A
// result flagged isError comes back as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.ensureReady(ctx); err != nil {
		return "", err
	}
	result, err := call[callToolResult](ctx, c, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// send issues a JSON-RPC request. A JSON-RPC error in the response is
// returned as the error.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// call sends method and decodes the result into T.
func call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	resp, err := c.send(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(resp.Result) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

// extractText joins text blocks with newlines. Other block types are
// rendered as a bracketed marker such as "[image]".
func extractText(blocks []ContentBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		if block.Type == "text" {
			b.WriteString(block.Text)
			continue
		}
		b.WriteString("[" + block.Type + "]")
	}
	return b.String()
}
