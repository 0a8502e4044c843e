package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/internal/extractor"
	"github.com/scrypster/threatgraph/internal/llm"
	"github.com/scrypster/threatgraph/internal/query"
	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/internal/storage/file"
	"github.com/scrypster/threatgraph/internal/storage/sqlite"
	"github.com/scrypster/threatgraph/pkg/types"
)

const sampleReport = "Lazarus Group exploited CVE-2024-3400 from 10.0.0.1 during the campaign."

// failingStore wraps a store and fails writes on demand.
type failingStore struct {
	*storage.InMemoryStore
	failSave bool
}

func (s *failingStore) Save(ctx context.Context, g *types.Graph) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.InMemoryStore.Save(ctx, g)
}

func (s *failingStore) Update(ctx context.Context, fn storage.UpdateFunc) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.InMemoryStore.Update(ctx, fn)
}

type fakeAnalyzer struct {
	analysis *llm.Analysis
	err      error
	calls    int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text, sourceID string) (*llm.Analysis, error) {
	f.calls++
	return f.analysis, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *recordingPublisher) Broadcast(message interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, message)
}

func newTestEngine(t *testing.T, store storage.GraphStore) *GraphEngine {
	t.Helper()
	e, err := NewGraphEngine(context.Background(), store, extractor.New(extractor.Config{}), DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestNewGraphEngine_EmptyStore(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	entities, rels, reports := e.Stats()
	assert.Zero(t, entities)
	assert.Zero(t, rels)
	assert.Zero(t, reports)
}

func TestNewGraphEngine_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 1.5
	_, err := NewGraphEngine(context.Background(), storage.NewInMemoryStore(), nil, cfg)
	require.Error(t, err)

	_, err = NewGraphEngine(context.Background(), nil, nil, DefaultConfig())
	require.Error(t, err)
}

func TestGraphEngine_Ingest(t *testing.T) {
	store := storage.NewInMemoryStore()
	e := newTestEngine(t, store)
	pub := &recordingPublisher{}
	e.SetPublisher(pub)

	res, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1", Title: "Brief", Analyst: "jdoe"})
	require.NoError(t, err)

	assert.Equal(t, "doc-1", res.SourceID)
	assert.Contains(t, res.ReportID, "rpt:")
	assert.Equal(t, 3, res.EntitiesCreated)
	assert.Equal(t, 0, res.EntitiesMerged)
	assert.Equal(t, 3, res.RelationshipsAdded)

	g := e.Snapshot()
	require.Len(t, g.Entities, 3)
	require.Len(t, g.Relationships, 3)
	require.Len(t, g.Reports, 1)
	assert.Equal(t, "Brief", g.Reports[0].Title)
	assert.Equal(t, "jdoe", g.Reports[0].IngestedBy)
	assert.ElementsMatch(t, []string{g.Entities[0].ID, g.Entities[1].ID, g.Entities[2].ID}, g.Reports[0].EntityIDs)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted.Entities, 3)

	require.Len(t, pub.events, 1)
	ev := pub.events[0].(GraphEvent)
	assert.Equal(t, EventGraphUpdated, ev.Type)
	assert.Equal(t, 3, ev.EntityCount)
	assert.Equal(t, 3, ev.RelationshipCount)
}

func TestGraphEngine_IngestTwiceIsIdempotent(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	ctx := context.Background()

	_, err := e.Ingest(ctx, IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.NoError(t, err)
	res, err := e.Ingest(ctx, IngestRequest{Text: sampleReport, SourceID: "doc-2"})
	require.NoError(t, err)

	assert.Equal(t, 0, res.EntitiesCreated)
	assert.Equal(t, 3, res.EntitiesMerged)
	assert.Equal(t, 0, res.RelationshipsAdded)
	assert.Equal(t, 3, res.RelationshipsDropped)

	g := e.Snapshot()
	assert.Len(t, g.Entities, 3)
	assert.Len(t, g.Relationships, 3)
	assert.Len(t, g.Reports, 2)
	for _, ent := range g.Entities {
		assert.Equal(t, []string{"doc-1", "doc-2"}, ent.Sources)
	}
}

func TestGraphEngine_IngestEmptyText(t *testing.T) {
	store := storage.NewInMemoryStore()
	e := newTestEngine(t, store)

	res, err := e.Ingest(context.Background(), IngestRequest{Text: "nothing to see here"})
	require.NoError(t, err)
	assert.Empty(t, res.ReportID)
	assert.NotEmpty(t, res.SourceID)
	assert.Zero(t, store.Saves())
}

func TestGraphEngine_FailedSaveKeepsSnapshot(t *testing.T) {
	store := &failingStore{InMemoryStore: storage.NewInMemoryStore()}
	e := newTestEngine(t, store)
	pub := &recordingPublisher{}
	e.SetPublisher(pub)

	store.failSave = true
	_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	entities, _, reports := e.Stats()
	assert.Zero(t, entities)
	assert.Zero(t, reports)
	assert.Empty(t, pub.events)

	store.failSave = false
	_, err = e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.NoError(t, err)
	entities, _, _ = e.Stats()
	assert.Equal(t, 3, entities)
}

func TestGraphEngine_IngestWithAnalyzer(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	actor := &types.Entity{ID: "ai:1", Name: "Lazarus Group", Type: types.EntityTypeThreatActor, Description: "DPRK-nexus group.", Tools: []string{"Manuscrypt"}, ConfidenceScore: 0.85}
	malware := &types.Entity{ID: "ai:2", Name: "Manuscrypt", Type: types.EntityTypeMalware, ConfidenceScore: 0.8}
	analyzer := &fakeAnalyzer{analysis: &llm.Analysis{
		Summary:  "Lazarus exploited a firewall bug.",
		Entities: []*types.Entity{actor, malware},
		Relationships: []*types.Relationship{
			{Source: "ai:1", Target: "ai:2", Type: "USES", Weight: types.WeightAsserted},
		},
	}}
	e.SetAnalyzer(analyzer)

	res, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1", UseAI: true})
	require.NoError(t, err)
	assert.Equal(t, 1, analyzer.calls)
	assert.Equal(t, "Lazarus exploited a firewall bug.", res.Summary)

	g := e.Snapshot()
	require.Len(t, g.Entities, 4)
	assert.Equal(t, "ai:1", g.Entities[0].ID)
	assert.True(t, strings.HasPrefix(g.Entities[0].Description, "DPRK-nexus group."))
	assert.Equal(t, 1, res.EntitiesMerged)

	result, err := e.Query(`FROM THREAT_ACTOR SHOW TOOLS`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Contains(t, result.Rows[0]["Tools"], "Manuscrypt")

	assert.Equal(t, "Lazarus exploited a firewall bug.", g.Reports[0].Summary)
}

func TestGraphEngine_AnalyzerFailureDoesNotAbort(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	e.SetAnalyzer(&fakeAnalyzer{err: llm.ErrCircuitOpen})

	res, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1", UseAI: true})
	require.NoError(t, err)
	assert.Contains(t, res.AIError, "circuit breaker")
	assert.Equal(t, 3, res.EntitiesCreated)
}

func TestGraphEngine_AnalyzerSkippedWithoutUseAI(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	analyzer := &fakeAnalyzer{}
	e.SetAnalyzer(analyzer)

	_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport})
	require.NoError(t, err)
	assert.Zero(t, analyzer.calls)
}

func TestGraphEngine_Query(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.NoError(t, err)

	res, err := e.Query("from cve")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "CVE-2024-3400", res.Rows[0][query.ColumnName])

	_, err = e.Query("SELECT * FROM x")
	require.ErrorIs(t, err, query.ErrSyntax)

	_, err = e.Query("FROM WIDGET")
	require.ErrorIs(t, err, query.ErrUnknownType)
}

func TestGraphEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := newTestEngine(t, storage.NewInMemoryStore())
	e.SetMetrics(m)

	_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.NoError(t, err)
	_, _ = e.Query("FROM ALL")
	_, _ = e.Query("nonsense")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentsIngested.WithLabelValues("committed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EntitiesCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EntityCount))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RelationshipCount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("syntax_error")))
}

func TestGraphEngine_Reload(t *testing.T) {
	store := storage.NewInMemoryStore()
	first := newTestEngine(t, store)
	_, err := first.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.NoError(t, err)

	second := newTestEngine(t, store)
	entities, rels, reports := second.Stats()
	assert.Equal(t, 3, entities)
	assert.Equal(t, 3, rels)
	assert.Equal(t, 1, reports)
}

func TestGraphEngine_SnapshotIsCopy(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: "doc-1"})
	require.NoError(t, err)

	snap := e.Snapshot()
	snap.Entities[0].Name = "mutated"
	assert.NotEqual(t, "mutated", e.Snapshot().Entities[0].Name)
}

func TestGraphEngine_ConcurrentIngest(t *testing.T) {
	e := newTestEngine(t, storage.NewInMemoryStore())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport})
			assert.NoError(t, err)
			_, _ = e.Query("FROM ALL")
		}()
	}
	wg.Wait()

	entities, rels, reports := e.Stats()
	assert.Equal(t, 3, entities)
	assert.Equal(t, 3, rels)
	assert.Equal(t, 8, reports)
}

// Two engines sharing one store, as the CLI and a running server do, each
// load the empty graph before either writes.
func TestGraphEngine_SharedStoreKeepsBothBatches(t *testing.T) {
	dir := t.TempDir()
	openers := map[string]func(t *testing.T) storage.GraphStore{
		"file": func(t *testing.T) storage.GraphStore {
			s, err := file.NewStore(filepath.Join(dir, "file", file.DefaultFileName))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) storage.GraphStore {
			s, err := sqlite.NewGraphStore(filepath.Join(dir, "graph.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}

	for name, open := range openers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cli := newTestEngine(t, open(t))
			server := newTestEngine(t, open(t))

			_, err := cli.Ingest(ctx, IngestRequest{Text: "beacon to 10.0.0.1", SourceID: "cli"})
			require.NoError(t, err)
			_, err = server.Ingest(ctx, IngestRequest{Text: "patch CVE-2024-1234 now", SourceID: "server"})
			require.NoError(t, err)

			check := newTestEngine(t, open(t))
			g := check.Snapshot()
			names := make([]string, 0, len(g.Entities))
			for _, ent := range g.Entities {
				names = append(names, ent.Name)
			}
			assert.ElementsMatch(t, []string{"10.0.0.1", "CVE-2024-1234"}, names)
			assert.Len(t, g.Reports, 2)

			// The writer that went second also sees the first batch.
			_, _, reports := server.Stats()
			assert.Equal(t, 2, reports)
		})
	}
}

func TestGraphEngine_ConcurrentIngestAcrossEngines(t *testing.T) {
	path := filepath.Join(t.TempDir(), file.DefaultFileName)
	engines := make([]*GraphEngine, 3)
	for i := range engines {
		s, err := file.NewStore(path)
		require.NoError(t, err)
		engines[i] = newTestEngine(t, s)
	}

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(e *GraphEngine, i int) {
			defer wg.Done()
			_, err := e.Ingest(context.Background(), IngestRequest{Text: sampleReport, SourceID: fmt.Sprintf("doc-%d", i)})
			assert.NoError(t, err)
		}(engines[i%len(engines)], i)
	}
	wg.Wait()

	s, err := file.NewStore(path)
	require.NoError(t, err)
	g, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, g.Entities, 3)
	assert.Len(t, g.Relationships, 3)
	assert.Len(t, g.Reports, 9)
}
