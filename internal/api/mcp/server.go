package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scrypster/threatgraph/internal/attribution"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/extractor"
	"github.com/scrypster/threatgraph/internal/query"
	"github.com/scrypster/threatgraph/pkg/types"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// graphService is the subset of engine.GraphEngine the MCP server uses.
type graphService interface {
	Ingest(ctx context.Context, req engine.IngestRequest) (*engine.IngestResult, error)
	Extract(text, sourceID string) *extractor.Result
	Query(q string) (*query.Result, error)
	View(fn func(g *types.Graph))
}

// Server implements the Model Context Protocol for the threat graph.
type Server struct {
	graph    graphService
	version  string
	onCommit func(reportID string)
	logger   *slog.Logger
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithVersion sets the version reported in serverInfo.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithCommitHook registers fn to run after every committed ingest_report,
// e.g. to notify a running HTTP server sharing the store.
func WithCommitHook(fn func(reportID string)) ServerOption {
	return func(s *Server) {
		s.onCommit = fn
	}
}

// WithLogger sets the server logger. It must not write to stdout.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates an MCP server backed by graph.
func NewServer(graph graphService, opts ...ServerOption) *Server {
	s := &Server{
		graph:   graph,
		version: "dev",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized", "notifications/initialized":
		result = map[string]interface{}{}
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: s.buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		if handler, ok := s.toolHandlers()[req.Method]; ok {
			result, err = handler(ctx, req.Params)
			break
		}
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		var perr *paramsError
		if errors.As(err, &perr) {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

// IngestReport runs one ingestion cycle.
func (s *Server) IngestReport(ctx context.Context, args IngestReportArgs) (*engine.IngestResult, error) {
	if strings.TrimSpace(args.Text) == "" {
		return nil, &paramsError{"text is required"}
	}
	res, err := s.graph.Ingest(ctx, engine.IngestRequest{
		Text:     args.Text,
		SourceID: args.SourceID,
		Title:    args.Title,
		UseAI:    args.UseAI,
		Analyst:  attribution.Resolve(args.Analyst),
	})
	if err != nil {
		return nil, err
	}
	if res.ReportID != "" && s.onCommit != nil {
		s.onCommit(res.ReportID)
	}
	return res, nil
}

// ExtractIndicators runs pattern extraction without committing.
func (s *Server) ExtractIndicators(ctx context.Context, args ExtractIndicatorsArgs) (*extractor.Result, error) {
	if strings.TrimSpace(args.Text) == "" {
		return nil, &paramsError{"text is required"}
	}
	sourceID := args.SourceID
	if sourceID == "" {
		sourceID = "dry-run"
	}
	return s.graph.Extract(args.Text, sourceID), nil
}

// QueryGraph runs a TQL query.
func (s *Server) QueryGraph(ctx context.Context, args QueryGraphArgs) (*query.Result, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, &paramsError{"query is required"}
	}
	return s.graph.Query(args.Query)
}

// GetEntity looks an entity up by id or by name/alias.
func (s *Server) GetEntity(ctx context.Context, args GetEntityArgs) (*GetEntityResult, error) {
	if args.ID == "" && strings.TrimSpace(args.Name) == "" {
		return nil, &paramsError{"id or name is required"}
	}

	name := strings.TrimSpace(args.Name)
	result := &GetEntityResult{}
	s.graph.View(func(g *types.Graph) {
		var found *types.Entity
		for _, e := range g.Entities {
			if (args.ID != "" && e.ID == args.ID) || (args.ID == "" && e.HasName(name)) {
				found = e
				break
			}
		}
		if found == nil {
			return
		}
		result.Found = true
		result.Entity = found.Clone()
		for _, r := range g.Relationships {
			if r.Touches(found.ID) {
				cp := *r
				result.Relationships = append(result.Relationships, &cp)
			}
		}
		for _, n := range g.Neighbors(found.ID) {
			result.Neighbors = append(result.Neighbors, n.Clone())
		}
	})
	return result, nil
}

// GraphStats counts the live graph's collections.
func (s *Server) GraphStats(ctx context.Context) (*GraphStatsResult, error) {
	result := &GraphStatsResult{ByType: map[string]int{}}
	s.graph.View(func(g *types.Graph) {
		result.Entities = len(g.Entities)
		result.Relationships = len(g.Relationships)
		result.Reports = len(g.Reports)
		for _, e := range g.Entities {
			result.ByType[string(e.Type)]++
		}
	})
	return result, nil
}

type toolHandler func(ctx context.Context, params interface{}) (interface{}, error)

// toolHandlers maps tool names to handlers. Each is also callable as a
// plain JSON-RPC method.
func (s *Server) toolHandlers() map[string]toolHandler {
	return map[string]toolHandler{
		"ingest_report": func(ctx context.Context, params interface{}) (interface{}, error) {
			var args IngestReportArgs
			if err := s.unmarshalParams(params, &args); err != nil {
				return nil, err
			}
			return s.IngestReport(ctx, args)
		},
		"extract_indicators": func(ctx context.Context, params interface{}) (interface{}, error) {
			var args ExtractIndicatorsArgs
			if err := s.unmarshalParams(params, &args); err != nil {
				return nil, err
			}
			return s.ExtractIndicators(ctx, args)
		},
		"query_graph": func(ctx context.Context, params interface{}) (interface{}, error) {
			var args QueryGraphArgs
			if err := s.unmarshalParams(params, &args); err != nil {
				return nil, err
			}
			return s.QueryGraph(ctx, args)
		},
		"get_entity": func(ctx context.Context, params interface{}) (interface{}, error) {
			var args GetEntityArgs
			if err := s.unmarshalParams(params, &args); err != nil {
				return nil, err
			}
			return s.GetEntity(ctx, args)
		},
		"graph_stats": func(ctx context.Context, params interface{}) (interface{}, error) {
			return s.GraphStats(ctx)
		},
	}
}

func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPInitializeParams
	if params != nil {
		if err := s.unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.ClientInfo.Name != "" {
		s.logger.Info("mcp client connected", "client", p.ClientInfo.Name, "version", p.ClientInfo.Version)
	}
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
		ServerInfo:      MCPServerInfo{Name: "threatgraph", Version: s.version},
	}, nil
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Tool failures are reported in-band with
// isError rather than as JSON-RPC errors.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	handler, ok := s.toolHandlers()[p.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}

	var args interface{} = p.Arguments
	if p.Arguments == nil {
		args = map[string]interface{}{}
	}
	result, err := handler(ctx, args)
	if err != nil {
		return toolError(err.Error()), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

// buildToolsList returns the tool definitions in a stable order.
func (s *Server) buildToolsList() []MCPTool {
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	return []MCPTool{
		{
			Name:        "ingest_report",
			Description: "Extract indicators and entities from a threat report and merge them into the knowledge graph. Returns counts of created and merged entities and added relationships.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"text"},
				"properties": map[string]interface{}{
					"text":      str("Report text (Markdown or plain text)"),
					"source_id": str("Provenance id recorded on every entity; generated when omitted"),
					"title":     str("Report title"),
					"use_ai":    map[string]interface{}{"type": "boolean", "description": "Also run the configured LLM analyzer"},
					"analyst":   str("Analyst submitting the report. Auto-detected if not provided."),
				},
			},
		},
		{
			Name:        "extract_indicators",
			Description: "Dry run: return the IPs, CVEs, domains, actors and malware pattern extraction finds in text, without changing the graph.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"text"},
				"properties": map[string]interface{}{
					"text":      str("Text to scan"),
					"source_id": str("Source id to stamp on the results"),
				},
			},
		},
		{
			Name:        "query_graph",
			Description: "Run a TQL query. Grammar: " + query.Grammar + ". Types: " + strings.Join(types.EntityTypeNames(), ", ") + ".",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query": str(`e.g. FROM THREAT_ACTOR WHERE confidence > 80 SHOW TOOLS, SECTORS`),
				},
			},
		},
		{
			Name:        "get_entity",
			Description: "Look up one entity by id, or by name or alias, with its relationships and one-hop neighbors.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":   str("Entity id (ent:...)"),
					"name": str("Canonical name or alias, case-insensitive"),
				},
			},
		},
		{
			Name:        "graph_stats",
			Description: "Count entities by type, relationships and reports in the live graph.",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
	}
}

// paramsError marks invalid tool arguments.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

// unmarshalParams converts params to dest through a JSON round trip.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &paramsError{fmt.Sprintf("failed to marshal params: %v", err)}
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &paramsError{fmt.Sprintf("failed to unmarshal params: %v", err)}
	}
	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
