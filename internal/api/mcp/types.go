// Package mcp implements a Model Context Protocol server for the threat
// graph. AI assistants use its JSON-RPC 2.0 tools to ingest reports, run
// dry-run extraction, query with TQL and inspect entities.
package mcp

import (
	"github.com/scrypster/threatgraph/pkg/types"
)

// IngestReportArgs contains arguments for the ingest_report tool.
type IngestReportArgs struct {
	Text     string `json:"text"`                // Report text (required)
	SourceID string `json:"source_id,omitempty"` // Provenance id; generated when empty
	Title    string `json:"title,omitempty"`     // Report title
	UseAI    bool   `json:"use_ai,omitempty"`    // Also run the LLM analyzer
	Analyst  string `json:"analyst,omitempty"`   // Auto-detected if not provided
}

// ExtractIndicatorsArgs contains arguments for the extract_indicators tool.
type ExtractIndicatorsArgs struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id,omitempty"`
}

// QueryGraphArgs contains arguments for the query_graph tool.
type QueryGraphArgs struct {
	Query string `json:"query"`
}

// GetEntityArgs contains arguments for the get_entity tool. ID takes
// priority; Name matches the canonical name or any alias, case-insensitively.
type GetEntityArgs struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// GetEntityResult is an entity with its relationships and one-hop neighbors.
type GetEntityResult struct {
	Found         bool                  `json:"found"`
	Entity        *types.Entity         `json:"entity,omitempty"`
	Relationships []*types.Relationship `json:"relationships,omitempty"`
	Neighbors     []*types.Entity       `json:"neighbors,omitempty"`
}

// GraphStatsResult summarizes the live graph.
type GraphStatsResult struct {
	Entities      int            `json:"entities"`
	Relationships int            `json:"relationships"`
	Reports       int            `json:"reports"`
	ByType        map[string]int `json:"by_type"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via tools/list.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
