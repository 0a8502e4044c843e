package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/internal/attribution"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/extractor"
	"github.com/scrypster/threatgraph/internal/query"
	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

const sampleReport = "Lazarus Group exploited CVE-2024-3400 from 10.0.0.1 during the campaign."

func newTestGraph(t *testing.T) *engine.GraphEngine {
	t.Helper()
	g, err := engine.NewGraphEngine(context.Background(), storage.NewInMemoryStore(),
		extractor.New(extractor.Config{}), engine.DefaultConfig())
	require.NoError(t, err)
	return g
}

func newSeededHandlers(t *testing.T) (*APIHandlers, *engine.GraphEngine) {
	t.Helper()
	g := newTestGraph(t)
	_, err := g.Ingest(context.Background(), engine.IngestRequest{Text: sampleReport, SourceID: "rpt-a", Title: "Alpha"})
	require.NoError(t, err)
	return NewAPIHandlers(g, "", nil), g
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestIngest(t *testing.T) {
	h := NewAPIHandlers(newTestGraph(t), "", nil)

	w := httptest.NewRecorder()
	h.Ingest(w, jsonRequest(t, http.MethodPost, "/api/ingest", IngestRequest{Text: sampleReport, SourceID: "s1"}))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[engine.IngestResult](t, w)
	assert.NotEmpty(t, res.ReportID)
	assert.Equal(t, "s1", res.SourceID)
	assert.Equal(t, 3, res.EntitiesCreated)
	assert.Equal(t, 3, res.RelationshipsAdded)
}

func TestIngest_AttributesAnalyst(t *testing.T) {
	g := newTestGraph(t)
	h := NewAPIHandlers(g, "", nil)

	w := httptest.NewRecorder()
	h.Ingest(w, jsonRequest(t, http.MethodPost, "/api/ingest", IngestRequest{Text: sampleReport, Analyst: "  jdoe "}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	snap := g.Snapshot()
	require.Len(t, snap.Reports, 1)
	assert.Equal(t, "jdoe", snap.Reports[0].IngestedBy)
}

func TestIngest_AttributesUnnamedAnalyst(t *testing.T) {
	g := newTestGraph(t)
	h := NewAPIHandlers(g, "", nil)

	w := httptest.NewRecorder()
	h.Ingest(w, jsonRequest(t, http.MethodPost, "/api/ingest", IngestRequest{Text: sampleReport}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	snap := g.Snapshot()
	require.Len(t, snap.Reports, 1)
	assert.Equal(t, attribution.DetectAnalyst(), snap.Reports[0].IngestedBy)
	assert.NotEmpty(t, snap.Reports[0].IngestedBy)
}

func TestIngest_Validation(t *testing.T) {
	h := NewAPIHandlers(newTestGraph(t), "", nil)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"bad json", httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader("{"))},
		{"empty text", jsonRequest(t, http.MethodPost, "/api/ingest", IngestRequest{Text: "  "})},
		{"ai without provider", jsonRequest(t, http.MethodPost, "/api/ingest", IngestRequest{Text: "x", UseAI: true})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Ingest(w, tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, "Bad Request", resp.Code)
		})
	}
}

func TestIngest_NothingExtracted(t *testing.T) {
	h := NewAPIHandlers(newTestGraph(t), "", nil)

	w := httptest.NewRecorder()
	h.Ingest(w, jsonRequest(t, http.MethodPost, "/api/ingest", IngestRequest{Text: "nothing to see here"}))

	assert.Equal(t, http.StatusOK, w.Code)
	res := decode[engine.IngestResult](t, w)
	assert.Empty(t, res.ReportID)
}

func TestExtract_DoesNotCommit(t *testing.T) {
	h, g := newSeededHandlers(t)
	before, _, _ := g.Stats()

	w := httptest.NewRecorder()
	h.Extract(w, jsonRequest(t, http.MethodPost, "/api/extract", ExtractRequest{Text: "Beacon to 8.8.8.8 and evil-cdn.net"}))

	require.Equal(t, http.StatusOK, w.Code)
	res := decode[extractor.Result](t, w)
	assert.Len(t, res.Entities, 2)
	for _, e := range res.Entities {
		assert.Equal(t, []string{"dry-run"}, e.Sources)
	}
	after, _, _ := g.Stats()
	assert.Equal(t, before, after)
}

func TestQuery(t *testing.T) {
	h, _ := newSeededHandlers(t)

	t.Run("post", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, jsonRequest(t, http.MethodPost, "/api/query", QueryRequest{Query: "FROM CVE SHOW THREAT_ACTORS"}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[query.Result](t, w)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, "CVE-2024-3400", res.Rows[0]["Name"])
	})

	t.Run("get", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, httptest.NewRequest(http.MethodGet, "/api/query?q=from+all", nil))
		require.Equal(t, http.StatusOK, w.Code)
		res := decode[query.Result](t, w)
		assert.Len(t, res.Rows, 3)
	})

	t.Run("syntax error", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, jsonRequest(t, http.MethodPost, "/api/query", QueryRequest{Query: "SELECT *"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[ErrorResponse](t, w)
		assert.Equal(t, CodeSyntaxError, resp.Code)
		assert.Contains(t, resp.Error, "FROM")
	})

	t.Run("semantic error", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, jsonRequest(t, http.MethodPost, "/api/query", QueryRequest{Query: "FROM DRAGONS"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[ErrorResponse](t, w)
		assert.Equal(t, CodeSemanticError, resp.Code)
		assert.Contains(t, resp.Error, "THREAT_ACTOR")
	})
}

func TestGraph(t *testing.T) {
	h, _ := newSeededHandlers(t)

	w := httptest.NewRecorder()
	h.Graph(w, httptest.NewRequest(http.MethodGet, "/api/graph", nil))

	require.Equal(t, http.StatusOK, w.Code)
	g := decode[types.Graph](t, w)
	assert.Len(t, g.Entities, 3)
	assert.Len(t, g.Relationships, 3)
	assert.Len(t, g.Reports, 1)
}

func TestListEntities(t *testing.T) {
	h, _ := newSeededHandlers(t)

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantCount int
		wantTotal int
		wantPages int
	}{
		{"all", "/api/entities", http.StatusOK, 3, 3, 1},
		{"by type", "/api/entities?type=cve", http.StatusOK, 1, 1, 1},
		{"paged", "/api/entities?limit=2&page=2", http.StatusOK, 1, 3, 2},
		{"past the end", "/api/entities?limit=2&page=5", http.StatusOK, 0, 3, 2},
		{"unknown type", "/api/entities?type=dragon", http.StatusBadRequest, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ListEntities(w, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			resp := decode[EntityListResponse](t, w)
			assert.Len(t, resp.Entities, tt.wantCount)
			assert.Equal(t, tt.wantTotal, resp.Total)
			assert.Equal(t, tt.wantPages, resp.Pages)
		})
	}
}

func TestGetEntity(t *testing.T) {
	h, g := newSeededHandlers(t)

	var cveID string
	g.View(func(gr *types.Graph) {
		for _, e := range gr.Entities {
			if e.Type == types.EntityTypeCVE {
				cveID = e.ID
			}
		}
	})
	require.NotEmpty(t, cveID)

	req := httptest.NewRequest(http.MethodGet, "/api/entities/"+cveID, nil)
	req.SetPathValue("id", cveID)
	w := httptest.NewRecorder()
	h.GetEntity(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[EntityDetailResponse](t, w)
	assert.Equal(t, "CVE-2024-3400", resp.Entity.Name)
	assert.Len(t, resp.Relationships, 2)
	assert.Len(t, resp.Neighbors, 2)

	req = httptest.NewRequest(http.MethodGet, "/api/entities/ent:missing", nil)
	req.SetPathValue("id", "ent:missing")
	w = httptest.NewRecorder()
	h.GetEntity(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRelationshipsAndReports(t *testing.T) {
	h, g := newSeededHandlers(t)
	_, err := g.Ingest(context.Background(), engine.IngestRequest{Text: "Emotet beacons to 192.168.9.9", SourceID: "rpt-b"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ListRelationships(w, httptest.NewRequest(http.MethodGet, "/api/relationships?type=correlated_to", nil))
	require.Equal(t, http.StatusOK, w.Code)
	rels := decode[RelationshipListResponse](t, w)
	assert.Equal(t, 4, rels.Total)

	w = httptest.NewRecorder()
	h.ListReports(w, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	require.Equal(t, http.StatusOK, w.Code)
	reports := decode[ReportListResponse](t, w)
	require.Equal(t, 2, reports.Total)
	assert.Equal(t, "rpt-b", reports.Reports[0].SourceID, "newest first")
}

func TestGetStatsAndHealth(t *testing.T) {
	h, _ := newSeededHandlers(t)

	w := httptest.NewRecorder()
	h.GetStats(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[StatsResponse](t, w)
	assert.Equal(t, 3, stats.Entities)
	assert.Equal(t, 1, stats.ByType[string(types.EntityTypeIPAddress)])
	assert.False(t, stats.AIEnabled)

	w = httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)
}
