// Package storage defines how the knowledge graph is persisted.
//
// The graph is exchanged as one aggregate record with three collections
// (entities, relationships, reports). It is overwritten wholesale on every
// save, so implementations never see partial updates. Several processes may
// share one store; writers go through Update, which holds the store's
// exclusive lock from the read to the write.
package storage

import (
	"context"
	"database/sql"

	"github.com/scrypster/threatgraph/pkg/types"
)

// UpdateFunc derives the graph to save from the currently persisted one.
// It must not retain current after returning.
type UpdateFunc func(current *types.Graph) (*types.Graph, error)

// GraphStore loads and saves the whole graph.
type GraphStore interface {
	// Load returns the persisted graph.
	// Returns ErrNotFound if nothing has been saved yet.
	Load(ctx context.Context) (*types.Graph, error)

	// Save replaces the persisted graph with g.
	// Returns ErrInvalidInput if g is nil.
	Save(ctx context.Context, g *types.Graph) error

	// Update loads the persisted graph, passes it to fn and saves the
	// result, excluding every other writer of the same store (including
	// other processes) for the whole cycle. fn receives an empty graph when
	// nothing has been saved yet. Nothing is saved if fn returns an error,
	// which Update returns unchanged; a nil graph from fn yields
	// ErrInvalidInput.
	Update(ctx context.Context, fn UpdateFunc) error

	// Close releases any resources held by the store.
	Close() error
}

// Querier is what the SQL stores need from a *sql.DB, *sql.Tx or *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}
