// Package storagetest holds fixtures shared by the GraphStore test suites.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

// SampleGraph returns a small graph that exercises every persisted field.
func SampleGraph() *types.Graph {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := seen.Add(48 * time.Hour)

	g := types.NewGraph()
	g.Entities = []*types.Entity{
		{
			ID:              "ent:actor",
			Name:            "Fancy Bear",
			Type:            types.EntityTypeThreatActor,
			Description:     "Russian state-sponsored group.",
			Aliases:         []string{"APT28", "Sofacy"},
			ConfidenceScore: 0.9,
			FirstSeen:       seen,
			LastSeen:        later,
			Sources:         []string{"doc-1", "doc-2"},
			Sectors:         []string{"Government", "Defense"},
			Tools:           []string{"X-Agent"},
			IsEnriched:      true,
		},
		{
			ID:              "ent:ip",
			Name:            "192.168.1.10",
			Type:            types.EntityTypeIPAddress,
			Aliases:         []string{},
			ConfidenceScore: 0.95,
			FirstSeen:       seen,
			LastSeen:        seen,
			Sources:         []string{"doc-1"},
			Sectors:         []string{},
			Tools:           []string{},
			IsValidated:     true,
		},
	}
	g.Relationships = []*types.Relationship{
		{Source: "ent:actor", Target: "ent:ip", Type: types.RelationshipCorrelatedTo, Weight: types.WeightCorrelated, CreatedAt: seen},
		{Source: "ent:ip", Target: "ent:actor", Type: "USES", Weight: types.WeightAsserted, CreatedAt: later},
	}
	g.Reports = []*types.Report{
		{ID: "rpt:1", SourceID: "doc-1", Title: "Weekly brief", Summary: "Fancy Bear activity.", IngestedBy: "analyst-1", IngestedAt: seen, EntityIDs: []string{"ent:actor", "ent:ip"}},
	}
	return g
}

// AssertGraphEqual compares two graphs field by field, treating
// timestamps as equal instants regardless of location.
func AssertGraphEqual(t *testing.T, want, got *types.Graph) {
	t.Helper()

	require.Len(t, got.Entities, len(want.Entities))
	for i, w := range want.Entities {
		g := got.Entities[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.Name, g.Name)
		assert.Equal(t, w.Type, g.Type)
		assert.Equal(t, w.Description, g.Description)
		assert.Equal(t, w.Aliases, g.Aliases)
		assert.InDelta(t, w.ConfidenceScore, g.ConfidenceScore, 1e-9)
		assert.True(t, w.FirstSeen.Equal(g.FirstSeen), "firstSeen %s != %s", w.FirstSeen, g.FirstSeen)
		assert.True(t, w.LastSeen.Equal(g.LastSeen), "lastSeen %s != %s", w.LastSeen, g.LastSeen)
		assert.Equal(t, w.Sources, g.Sources)
		assert.Equal(t, w.Sectors, g.Sectors)
		assert.Equal(t, w.Tools, g.Tools)
		assert.Equal(t, w.IsEnriched, g.IsEnriched)
		assert.Equal(t, w.IsValidated, g.IsValidated)
	}

	require.Len(t, got.Relationships, len(want.Relationships))
	for i, w := range want.Relationships {
		g := got.Relationships[i]
		assert.Equal(t, w.Key(), g.Key())
		assert.InDelta(t, w.Weight, g.Weight, 1e-9)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt))
	}

	require.Len(t, got.Reports, len(want.Reports))
	for i, w := range want.Reports {
		g := got.Reports[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.SourceID, g.SourceID)
		assert.Equal(t, w.Title, g.Title)
		assert.Equal(t, w.Summary, g.Summary)
		assert.True(t, w.IngestedAt.Equal(g.IngestedAt))
		assert.Equal(t, w.EntityIDs, g.EntityIDs)
	}
}

// RunGraphStoreSuite checks the behaviour every GraphStore must share.
// The store must be empty when handed over.
func RunGraphStoreSuite(t *testing.T, store storage.GraphStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("load empty returns ErrNotFound", func(t *testing.T) {
		_, err := store.Load(ctx)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("save nil is rejected", func(t *testing.T) {
		require.ErrorIs(t, store.Save(ctx, nil), storage.ErrInvalidInput)
	})

	t.Run("update on empty store sees empty graph", func(t *testing.T) {
		errAbort := errors.New("abort")
		err := store.Update(ctx, func(current *types.Graph) (*types.Graph, error) {
			require.NotNil(t, current)
			assert.Empty(t, current.Entities)
			assert.Empty(t, current.Reports)
			return nil, errAbort
		})
		require.ErrorIs(t, err, errAbort)

		_, err = store.Load(ctx)
		require.ErrorIs(t, err, storage.ErrNotFound, "failed update must not save")
	})

	t.Run("update returning nil is rejected", func(t *testing.T) {
		err := store.Update(ctx, func(*types.Graph) (*types.Graph, error) { return nil, nil })
		require.ErrorIs(t, err, storage.ErrInvalidInput)
	})

	t.Run("round trip preserves order and fields", func(t *testing.T) {
		want := SampleGraph()
		require.NoError(t, store.Save(ctx, want))

		got, err := store.Load(ctx)
		require.NoError(t, err)
		AssertGraphEqual(t, want, got)
	})

	t.Run("save replaces previous graph", func(t *testing.T) {
		first := SampleGraph()
		require.NoError(t, store.Save(ctx, first))

		second := SampleGraph()
		second.Entities = second.Entities[:1]
		second.Relationships = []*types.Relationship{}
		second.Reports[0].EntityIDs = []string{"ent:actor"}
		require.NoError(t, store.Save(ctx, second))

		got, err := store.Load(ctx)
		require.NoError(t, err)
		AssertGraphEqual(t, second, got)
	})

	t.Run("update builds on the persisted graph", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, SampleGraph()))

		err := store.Update(ctx, func(current *types.Graph) (*types.Graph, error) {
			require.Len(t, current.Reports, 1)
			current.Reports = append(current.Reports, &types.Report{
				ID: "rpt:2", SourceID: "doc-2", IngestedBy: "analyst-2",
				IngestedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), EntityIDs: []string{"ent:ip"},
			})
			return current, nil
		})
		require.NoError(t, err)

		got, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, got.Reports, 2)
		assert.Equal(t, "rpt:1", got.Reports[0].ID)
		assert.Equal(t, "rpt:2", got.Reports[1].ID)
		assert.Equal(t, "analyst-2", got.Reports[1].IngestedBy)
		assert.Len(t, got.Entities, 2)
	})
}

// RunConcurrentUpdates starts writers goroutines, spread round-robin over
// stores, each appending one report through Update, and checks that none
// of them was lost. stores are separate handles on the same backing data,
// the way two processes would open it.
func RunConcurrentUpdates(t *testing.T, stores []storage.GraphStore, writers int) {
	t.Helper()
	require.NotEmpty(t, stores)
	ctx := context.Background()

	before, err := storage.LoadOrEmpty(func() (*types.Graph, error) { return stores[0].Load(ctx) })
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := stores[i%len(stores)]
			errs <- store.Update(ctx, func(current *types.Graph) (*types.Graph, error) {
				current.Reports = append(current.Reports, &types.Report{
					ID:         fmt.Sprintf("rpt:writer-%02d", i),
					SourceID:   fmt.Sprintf("doc-%02d", i),
					IngestedAt: time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
					EntityIDs:  []string{},
				})
				return current, nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	after, err := stores[0].Load(ctx)
	require.NoError(t, err)
	require.Len(t, after.Reports, len(before.Reports)+writers)

	ids := make(map[string]bool, len(after.Reports))
	for _, r := range after.Reports {
		ids[r.ID] = true
	}
	for i := 0; i < writers; i++ {
		assert.True(t, ids[fmt.Sprintf("rpt:writer-%02d", i)], "report of writer %d lost", i)
	}
}
