// Package mcp is a Model Context Protocol client for the remote tool
// catalog an agent sandbox draws on.
//
// MCP speaks JSON-RPC 2.0; this package carries it over streamable
// HTTP. A Catalog lists the server's tools once, presents them under
// namespaced names, and refetches only after Invalidate.
package mcp
