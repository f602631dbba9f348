package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/harbor/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Catalog presents one MCP server's tools as agent tools. Names are
// namespaced as "mcp_{server}_{tool}" so they never collide with the
// sandbox's built-in tools. Catalog satisfies tools.RemoteSource: the
// list is fetched on first use and refetched only after Invalidate.
type Catalog struct {
	client     *Client
	serverName string
	include    map[string]bool
	exclude    map[string]bool
	logger     *slog.Logger
}

// NewCatalog wraps client. When include is non-empty only those MCP
// tool names are exposed; otherwise names in exclude are skipped.
func NewCatalog(client *Client, serverName string, include, exclude []string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		client:     client,
		serverName: serverName,
		include:    toSet(include),
		exclude:    toSet(exclude),
		logger:     logger,
	}
}

// Tools returns the bridged tools.
func (c *Catalog) Tools(ctx context.Context) ([]*tools.Tool, error) {
	defs, err := c.client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", c.serverName, err)
	}

	out := make([]*tools.Tool, 0, len(defs))
	for _, td := range defs {
		if len(c.include) > 0 {
			if !c.include[td.Name] {
				continue
			}
		} else if c.exclude[td.Name] {
			continue
		}
		name := ToolName(c.serverName, td.Name)
		out = append(out, bridgeTool(c.client, name, td))
		c.logger.Debug("bridged MCP tool", "mcp_name", td.Name, "name", name)
	}
	return out, nil
}

// Invalidate drops the cached list.
func (c *Catalog) Invalidate() {
	c.client.Invalidate()
}

// ToolName generates a namespaced tool name from an MCP server name
// and tool name. Both are sanitized to lowercase alphanumerics and
// underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// bridgeTool creates a tool that proxies calls to the MCP server.
func bridgeTool(client *Client, name string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name
	params := td.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  params,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return client.CallTool(ctx, mcpName, args)
		},
	}
}

// sanitize lowercases name and replaces everything but alphanumerics
// with single underscores, trimmed at both ends.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
