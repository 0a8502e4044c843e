package handlers

import (
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error codes beyond the HTTP status text.
const (
	CodeSyntaxError   = "SYNTAX_ERROR"
	CodeSemanticError = "SEMANTIC_ERROR"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeRateLimited   = "RATE_LIMITED"
)

// IngestRequest is the request body for POST /api/ingest.
type IngestRequest = engine.IngestRequest

// ExtractRequest is the request body for POST /api/extract.
type ExtractRequest struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id,omitempty"`
}

// QueryRequest is the request body for POST /api/query.
type QueryRequest struct {
	Query string `json:"query"`
}

// EntityListResponse is the response format for GET /api/entities.
type EntityListResponse struct {
	Entities []*types.Entity `json:"entities"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Pages    int             `json:"pages"`
}

// EntityDetailResponse is the response format for GET /api/entities/{id}.
type EntityDetailResponse struct {
	Entity        *types.Entity         `json:"entity"`
	Relationships []*types.Relationship `json:"relationships"`
	Neighbors     []*types.Entity       `json:"neighbors"`
}

// RelationshipListResponse is the response format for GET /api/relationships.
type RelationshipListResponse struct {
	Relationships []*types.Relationship `json:"relationships"`
	Total         int                   `json:"total"`
}

// ReportListResponse is the response format for GET /api/reports.
type ReportListResponse struct {
	Reports []*types.Report `json:"reports"`
	Total   int             `json:"total"`
}

// StatsResponse is the response format for GET /api/stats.
type StatsResponse struct {
	Entities      int            `json:"entities"`
	Relationships int            `json:"relationships"`
	Reports       int            `json:"reports"`
	ByType        map[string]int `json:"by_type"`
	AIEnabled     bool           `json:"ai_enabled"`
	AIModel       string         `json:"ai_model,omitempty"`
}

// HealthResponse is the response format for GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
