package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/threatgraph/internal/extractor"
	"github.com/scrypster/threatgraph/internal/llm"
	"github.com/scrypster/threatgraph/internal/query"
	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

// Analyzer is the NLP collaborator that extracts entities and asserted
// relationships from text. Implemented by llm.Analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, text, sourceID string) (*llm.Analysis, error)
}

// Publisher receives a GraphEvent after every committed batch.
type Publisher interface {
	Broadcast(message interface{})
}

// GraphEvent types.
const (
	// EventGraphUpdated is published after every committed batch.
	EventGraphUpdated = "graph.updated"
	// EventGraphState carries only the current collection sizes. It is
	// sent to websocket clients when they connect.
	EventGraphState = "graph.state"
)

// GraphEvent describes a committed ingestion batch, or for EventGraphState
// just the graph's current size.
type GraphEvent struct {
	Type               string    `json:"type"`
	ReportID           string    `json:"report_id"`
	SourceID           string    `json:"source_id"`
	EntitiesCreated    int       `json:"entities_created"`
	EntitiesMerged     int       `json:"entities_merged"`
	RelationshipsAdded int       `json:"relationships_added"`
	EntityCount        int       `json:"entity_count"`
	RelationshipCount  int       `json:"relationship_count"`
	Timestamp          time.Time `json:"timestamp"`
}

// IngestRequest is one document to fold into the graph.
type IngestRequest struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
	Title    string `json:"title,omitempty"`
	UseAI    bool   `json:"use_ai,omitempty"`
	Analyst  string `json:"analyst,omitempty"`
}

// IngestResult summarizes a committed (or empty) ingestion batch.
type IngestResult struct {
	ReportID             string `json:"report_id,omitempty"`
	SourceID             string `json:"source_id"`
	Summary              string `json:"summary,omitempty"`
	EntitiesCreated      int    `json:"entities_created"`
	EntitiesMerged       int    `json:"entities_merged"`
	RelationshipsAdded   int    `json:"relationships_added"`
	RelationshipsDropped int    `json:"relationships_dropped"`
	AIError              string `json:"ai_error,omitempty"`
}

// GraphEngine owns the live graph snapshot. Ingestion batches are applied
// one at a time: extract, then merge, reconcile and save inside the store's
// Update, then swap. Readers always see a fully committed snapshot.
type GraphEngine struct {
	config      Config
	store       storage.GraphStore
	extractor   *extractor.Extractor
	merger      *Merger
	interpreter *query.Interpreter

	analyzer  Analyzer
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger

	// ingestMu serializes writers; mu guards the graph pointer.
	ingestMu sync.Mutex
	mu       sync.RWMutex
	graph    *types.Graph

	now func() time.Time
}

// NewGraphEngine creates an engine and loads the current graph from store.
// A store with nothing saved yet starts the engine on an empty graph.
func NewGraphEngine(ctx context.Context, store storage.GraphStore, x *extractor.Extractor, cfg Config) (*GraphEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if x == nil {
		x = extractor.New(extractor.Config{})
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	interp, err := query.NewInterpreter(cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query interpreter: %w", err)
	}

	e := &GraphEngine{
		config:      cfg,
		store:       store,
		extractor:   x,
		merger:      NewMerger(cfg.FuzzyThreshold, cfg.Policy),
		interpreter: interp,
		metrics:     NewMetrics(nil),
		logger:      slog.Default(),
		now:         time.Now,
	}

	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// SetAnalyzer enables NLP extraction for requests with UseAI set.
func (e *GraphEngine) SetAnalyzer(a Analyzer) {
	e.analyzer = a
}

// SetPublisher registers the receiver of GraphEvents.
func (e *GraphEngine) SetPublisher(p Publisher) {
	e.publisher = p
}

// SetMetrics replaces the engine's unregistered default collectors.
func (e *GraphEngine) SetMetrics(m *Metrics) {
	if m != nil {
		e.metrics = m
		e.updateGauges(e.current())
	}
}

// SetLogger sets the engine logger.
func (e *GraphEngine) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Reload replaces the live snapshot with the one persisted in the store.
func (e *GraphEngine) Reload(ctx context.Context) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	g, err := e.store.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		g = types.NewGraph()
	} else if err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}
	g.Normalize()

	e.mu.Lock()
	e.graph = g
	e.mu.Unlock()

	e.updateGauges(g)
	e.logger.Info("graph loaded",
		"entities", len(g.Entities),
		"relationships", len(g.Relationships),
		"reports", len(g.Reports))
	return nil
}

// Ingest runs one full ingestion cycle for req and commits the result.
// A failed save leaves the previous snapshot live. An NLP collaborator
// failure is reported in IngestResult.AIError and does not fail the batch.
func (e *GraphEngine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	defer func() { e.metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = "doc:" + uuid.New().String()
	}
	result := &IngestResult{SourceID: sourceID}

	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	var (
		batchEntities []*types.Entity
		batchRels     []*types.Relationship
	)

	// The NLP output goes first so its typed, described entities win the
	// name-key collisions within the batch.
	if req.UseAI && e.analyzer != nil {
		analysis, err := e.analyzer.Analyze(ctx, req.Text, sourceID)
		if err != nil {
			e.logger.Warn("nlp analysis failed, continuing with pattern extraction",
				"source_id", sourceID, "error", err)
			result.AIError = err.Error()
		} else if analysis != nil {
			result.Summary = analysis.Summary
			batchEntities = append(batchEntities, analysis.Entities...)
			batchRels = append(batchRels, analysis.Relationships...)
		}
	}

	extracted := e.extractor.Extract(req.Text, sourceID)
	batchEntities = append(batchEntities, extracted.Entities...)
	batchRels = append(batchRels, extracted.Relationships...)

	if len(batchEntities) == 0 && len(batchRels) == 0 && result.Summary == "" {
		e.metrics.DocumentsIngested.WithLabelValues("empty").Inc()
		e.logger.Debug("nothing extracted", "source_id", sourceID)
		return result, nil
	}

	report := &types.Report{
		ID:         "rpt:" + uuid.New().String(),
		SourceID:   sourceID,
		Title:      req.Title,
		Summary:    result.Summary,
		IngestedBy: req.Analyst,
		IngestedAt: e.now(),
	}

	// Merge against the graph as persisted right now, not the in-memory
	// snapshot: another process sharing the store may have committed since
	// this engine last loaded.
	var (
		merged *MergeResult
		rec    *ReconcileResult
		next   *types.Graph
	)
	err := e.update(ctx, func(base *types.Graph) (*types.Graph, error) {
		base.Normalize()
		merged = e.merger.Merge(base.Entities, batchEntities)
		rec = Reconcile(base.Relationships, batchRels, merged.IDMap)
		report.EntityIDs = append([]string{}, merged.Touched...)

		next = &types.Graph{
			Entities:      merged.Entities,
			Relationships: rec.Relationships,
			Reports:       append(append(make([]*types.Report, 0, len(base.Reports)+1), base.Reports...), report),
		}
		return next, nil
	})
	if err != nil {
		e.metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, err
	}

	e.mu.Lock()
	e.graph = next
	e.mu.Unlock()

	result.ReportID = report.ID
	result.EntitiesCreated = merged.Created
	result.EntitiesMerged = merged.Merged
	result.RelationshipsAdded = rec.Added
	result.RelationshipsDropped = rec.SelfLoops + rec.Duplicates

	e.metrics.DocumentsIngested.WithLabelValues("committed").Inc()
	e.metrics.EntitiesCreated.Add(float64(merged.Created))
	e.metrics.EntitiesMerged.Add(float64(merged.Merged))
	e.metrics.RelationshipsAdded.Add(float64(rec.Added))
	e.metrics.RelationshipsDropped.WithLabelValues("self_loop").Add(float64(rec.SelfLoops))
	e.metrics.RelationshipsDropped.WithLabelValues("duplicate").Add(float64(rec.Duplicates))
	e.updateGauges(next)

	e.logger.Info("batch committed",
		"source_id", sourceID,
		"report_id", report.ID,
		"entities_created", merged.Created,
		"entities_merged", merged.Merged,
		"relationships_added", rec.Added)

	if e.publisher != nil {
		e.publisher.Broadcast(GraphEvent{
			Type:               EventGraphUpdated,
			ReportID:           report.ID,
			SourceID:           sourceID,
			EntitiesCreated:    merged.Created,
			EntitiesMerged:     merged.Merged,
			RelationshipsAdded: rec.Added,
			EntityCount:        len(next.Entities),
			RelationshipCount:  len(next.Relationships),
			Timestamp:          report.IngestedAt,
		})
	}

	return result, nil
}

// Extract runs pattern extraction only, without touching the graph.
func (e *GraphEngine) Extract(text, sourceID string) *extractor.Result {
	return e.extractor.Extract(text, sourceID)
}

// Query runs a read-only query against the live snapshot.
func (e *GraphEngine) Query(q string) (*query.Result, error) {
	start := time.Now()
	res, err := e.interpreter.Execute(q, e.current())
	e.metrics.QueryDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, query.ErrSyntax):
		e.metrics.QueriesTotal.WithLabelValues("syntax_error").Inc()
	case errors.Is(err, query.ErrUnknownType):
		e.metrics.QueriesTotal.WithLabelValues("semantic_error").Inc()
	case err != nil:
		e.metrics.QueriesTotal.WithLabelValues("error").Inc()
	default:
		e.metrics.QueriesTotal.WithLabelValues("ok").Inc()
	}
	return res, err
}

// Snapshot returns a deep copy of the live graph.
func (e *GraphEngine) Snapshot() *types.Graph {
	return e.current().Clone()
}

// View calls fn with the live snapshot without copying it. fn must not
// modify the graph or retain it after returning.
func (e *GraphEngine) View(fn func(g *types.Graph)) {
	fn(e.current())
}

// Stats returns the sizes of the live graph's collections.
func (e *GraphEngine) Stats() (entities, relationships, reports int) {
	g := e.current()
	return len(g.Entities), len(g.Relationships), len(g.Reports)
}

// current returns the committed snapshot. Committed graphs are never
// mutated, so callers may read it without holding the lock.
func (e *GraphEngine) current() *types.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph
}

func (e *GraphEngine) update(ctx context.Context, fn storage.UpdateFunc) error {
	if e.config.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.SaveTimeout)
		defer cancel()
	}
	if err := e.store.Update(ctx, fn); err != nil {
		e.logger.Error("failed to save graph", "error", err)
		return fmt.Errorf("failed to save graph: %w", err)
	}
	return nil
}

func (e *GraphEngine) updateGauges(g *types.Graph) {
	if g == nil {
		return
	}
	e.metrics.EntityCount.Set(float64(len(g.Entities)))
	e.metrics.RelationshipCount.Set(float64(len(g.Relationships)))
}
