// Package mcp exposes the governance operations as MCP tools.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls internal/service directly. Tools are served over stdio for a
// single agent, or over streamable HTTP when mounted by internal/http.
// Free-text fields are scrubbed for secrets before they are returned.
package mcp
