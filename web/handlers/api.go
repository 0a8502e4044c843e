// Package handlers provides the HTTP handlers and middleware for the
// ThreatGraph API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/scrypster/threatgraph/internal/attribution"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/extractor"
	"github.com/scrypster/threatgraph/internal/query"
	"github.com/scrypster/threatgraph/pkg/types"
)

// Version is reported by the health endpoint.
var Version = "dev"

// maxBodyBytes bounds request bodies; reports can be long.
const maxBodyBytes = 8 << 20

// GraphService is the graph engine as seen by the API. Implemented by
// *engine.GraphEngine.
type GraphService interface {
	Ingest(ctx context.Context, req engine.IngestRequest) (*engine.IngestResult, error)
	Extract(text, sourceID string) *extractor.Result
	Query(q string) (*query.Result, error)
	View(fn func(g *types.Graph))
	Snapshot() *types.Graph
}

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	graph   GraphService
	aiModel string
	logger  *slog.Logger
}

// NewAPIHandlers creates a new APIHandlers instance. aiModel names the NLP
// model used for use_ai requests, or "" when none is configured.
func NewAPIHandlers(graph GraphService, aiModel string, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{graph: graph, aiModel: aiModel, logger: logger}
}

// Ingest handles POST /api/ingest - runs one ingestion cycle and commits it.
func (h *APIHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required", nil)
		return
	}
	if req.UseAI && h.aiModel == "" {
		respondError(w, http.StatusBadRequest, "use_ai requested but no LLM provider is configured", nil)
		return
	}

	req.Analyst = attribution.Resolve(req.Analyst)

	result, err := h.graph.Ingest(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to ingest document", err)
		return
	}

	status := http.StatusCreated
	if result.ReportID == "" {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// Extract handles POST /api/extract - pattern extraction without a commit.
func (h *APIHandlers) Extract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = "dry-run"
	}
	respondJSON(w, http.StatusOK, h.graph.Extract(req.Text, sourceID))
}

// Query handles POST /api/query and GET /api/query?q= - runs a TQL query.
func (h *APIHandlers) Query(w http.ResponseWriter, r *http.Request) {
	var q string
	if r.Method == http.MethodGet {
		q = r.URL.Query().Get("q")
	} else {
		var req QueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		q = req.Query
	}

	result, err := h.graph.Query(q)
	if err != nil {
		var qerr *query.Error
		if errors.As(err, &qerr) {
			code := CodeSyntaxError
			if errors.Is(err, query.ErrUnknownType) {
				code = CodeSemanticError
			}
			respondJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: qerr.Error(),
				Code:  code,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Graph handles GET /api/graph - the full snapshot.
func (h *APIHandlers) Graph(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.graph.Snapshot())
}

// ListEntities handles GET /api/entities - entities with optional type
// filter and pagination.
func (h *APIHandlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	page := parseInt(r.URL.Query().Get("page"), 1)
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	var filter types.EntityType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, ok := types.ParseEntityType(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown entity type", nil)
			return
		}
		filter = t
	}

	resp := EntityListResponse{Entities: []*types.Entity{}, Page: page}
	h.graph.View(func(g *types.Graph) {
		var matched []*types.Entity
		for _, e := range g.Entities {
			if filter == "" || e.Type == filter {
				matched = append(matched, e)
			}
		}
		resp.Total = len(matched)
		resp.Pages = (len(matched) + limit - 1) / limit
		start := (page - 1) * limit
		if start < len(matched) {
			end := start + limit
			if end > len(matched) {
				end = len(matched)
			}
			for _, e := range matched[start:end] {
				resp.Entities = append(resp.Entities, e.Clone())
			}
		}
	})
	respondJSON(w, http.StatusOK, resp)
}

// GetEntity handles GET /api/entities/{id} - one entity with its
// relationships and one-hop neighbors.
func (h *APIHandlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity ID is required", nil)
		return
	}

	var resp *EntityDetailResponse
	h.graph.View(func(g *types.Graph) {
		idx := g.EntityIndex()
		e, ok := idx[id]
		if !ok {
			return
		}
		resp = &EntityDetailResponse{
			Entity:        e.Clone(),
			Relationships: []*types.Relationship{},
			Neighbors:     []*types.Entity{},
		}
		for _, rel := range g.Relationships {
			if rel.Touches(id) {
				cp := *rel
				resp.Relationships = append(resp.Relationships, &cp)
			}
		}
		for _, n := range g.Neighbors(id) {
			resp.Neighbors = append(resp.Neighbors, n.Clone())
		}
	})

	if resp == nil {
		respondError(w, http.StatusNotFound, "entity not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListRelationships handles GET /api/relationships - all relationships, or
// those touching entity_id.
func (h *APIHandlers) ListRelationships(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")
	relType := strings.ToUpper(r.URL.Query().Get("type"))

	resp := RelationshipListResponse{Relationships: []*types.Relationship{}}
	h.graph.View(func(g *types.Graph) {
		for _, rel := range g.Relationships {
			if entityID != "" && !rel.Touches(entityID) {
				continue
			}
			if relType != "" && rel.Type != relType {
				continue
			}
			cp := *rel
			resp.Relationships = append(resp.Relationships, &cp)
		}
	})
	resp.Total = len(resp.Relationships)
	respondJSON(w, http.StatusOK, resp)
}

// ListReports handles GET /api/reports - ingested documents, newest first.
func (h *APIHandlers) ListReports(w http.ResponseWriter, r *http.Request) {
	resp := ReportListResponse{Reports: []*types.Report{}}
	h.graph.View(func(g *types.Graph) {
		for i := len(g.Reports) - 1; i >= 0; i-- {
			rpt := *g.Reports[i]
			rpt.EntityIDs = append([]string{}, rpt.EntityIDs...)
			resp.Reports = append(resp.Reports, &rpt)
		}
	})
	resp.Total = len(resp.Reports)
	respondJSON(w, http.StatusOK, resp)
}

// Health handles GET /api/health.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: Version})
}

// decodeBody reads a JSON body into dst, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return false
	}
	return true
}

// extractID extracts a path parameter from the request.
func extractID(r *http.Request, key string) string {
	return r.PathValue(key)
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}
