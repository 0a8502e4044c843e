// Package sqlite persists the graph in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

// GraphStore implements storage.GraphStore using SQLite.
type GraphStore struct {
	db *sql.DB
}

// NewGraphStore opens the database at dsn and migrates the schema.
// If the open fails because of stale WAL files left by a crashed process,
// it verifies no other process holds them and retries once after removing
// them.
func NewGraphStore(dsn string) (*GraphStore, error) {
	store, err := openGraphStore(dsn)
	if err == nil {
		return store, nil
	}
	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}
	removeStaleWAL(dbPath)

	store, retryErr := openGraphStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	slog.Warn("sqlite: recovered from stale WAL files", "path", dbPath)
	return store, nil
}

func openGraphStore(dsn string) (*GraphStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	mgr, err := storage.NewMigrationManager(db, Migrations(), storage.DefaultMigrationTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GraphStore{db: db}, nil
}

// GetDB returns the underlying database handle.
func (s *GraphStore) GetDB() *sql.DB {
	return s.db
}

// Load reads the whole graph. An empty database yields ErrNotFound.
func (s *GraphStore) Load(ctx context.Context) (*types.Graph, error) {
	return load(ctx, s.db)
}

func load(ctx context.Context, q storage.Querier) (*types.Graph, error) {
	g := types.NewGraph()

	entities, err := loadEntities(ctx, q)
	if err != nil {
		return nil, err
	}
	relationships, err := loadRelationships(ctx, q)
	if err != nil {
		return nil, err
	}
	reports, err := loadReports(ctx, q)
	if err != nil {
		return nil, err
	}

	if len(entities) == 0 && len(relationships) == 0 && len(reports) == 0 {
		return nil, storage.ErrNotFound
	}

	g.Entities = entities
	g.Relationships = relationships
	g.Reports = reports
	g.Normalize()
	return g, nil
}

func loadEntities(ctx context.Context, q storage.Querier) ([]*types.Entity, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, type, description, aliases, confidence_score,
		       first_seen, last_seen, sources, sectors, tools, is_enriched, is_validated
		FROM entities ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query entities: %w", err)
	}
	defer rows.Close()

	out := []*types.Entity{}
	for rows.Next() {
		var (
			e                                types.Entity
			entityType                       string
			aliases, sources, sectors, tools string
			firstSeen, lastSeen              string
			enriched, validated              int
		)
		if err := rows.Scan(&e.ID, &e.Name, &entityType, &e.Description, &aliases, &e.ConfidenceScore,
			&firstSeen, &lastSeen, &sources, &sectors, &tools, &enriched, &validated); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		e.Type = types.EntityType(entityType)
		e.IsEnriched = enriched != 0
		e.IsValidated = validated != 0

		if e.FirstSeen, err = storage.ParseTime(firstSeen); err != nil {
			return nil, fmt.Errorf("sqlite: entity %s: %w", e.ID, err)
		}
		if e.LastSeen, err = storage.ParseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("sqlite: entity %s: %w", e.ID, err)
		}
		for _, col := range []struct {
			src string
			dst *[]string
		}{
			{aliases, &e.Aliases},
			{sources, &e.Sources},
			{sectors, &e.Sectors},
			{tools, &e.Tools},
		} {
			if *col.dst, err = storage.UnmarshalStrings(col.src); err != nil {
				return nil, fmt.Errorf("sqlite: entity %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func loadRelationships(ctx context.Context, q storage.Querier) ([]*types.Relationship, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source, target, type, weight, created_at
		FROM relationships ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query relationships: %w", err)
	}
	defer rows.Close()

	out := []*types.Relationship{}
	for rows.Next() {
		var (
			r         types.Relationship
			createdAt string
		)
		if err := rows.Scan(&r.Source, &r.Target, &r.Type, &r.Weight, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan relationship: %w", err)
		}
		if r.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: relationship %s->%s: %w", r.Source, r.Target, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func loadReports(ctx context.Context, q storage.Querier) ([]*types.Report, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source_id, title, summary, ingested_by, ingested_at, entity_ids
		FROM reports ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query reports: %w", err)
	}
	defer rows.Close()

	out := []*types.Report{}
	for rows.Next() {
		var (
			r                     types.Report
			ingestedAt, entityIDs string
		)
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Title, &r.Summary, &r.IngestedBy, &ingestedAt, &entityIDs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan report: %w", err)
		}
		if r.IngestedAt, err = storage.ParseTime(ingestedAt); err != nil {
			return nil, fmt.Errorf("sqlite: report %s: %w", r.ID, err)
		}
		if r.EntityIDs, err = storage.UnmarshalStrings(entityIDs); err != nil {
			return nil, fmt.Errorf("sqlite: report %s: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Save replaces every row in a single transaction.
func (s *GraphStore) Save(ctx context.Context, g *types.Graph) error {
	if g == nil {
		return storage.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := save(ctx, tx, g); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit graph: %w", err)
	}
	return nil
}

// Update runs the read and the write in one BEGIN IMMEDIATE transaction,
// which takes the database write lock up front. A second writer, in this
// process or another, waits on busy_timeout until the first commits and
// then reads its result.
func (s *GraphStore) Update(ctx context.Context, fn storage.UpdateFunc) error {
	// The pool has a single connection, so everything below must go
	// through conn.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	current, err := storage.LoadOrEmpty(func() (*types.Graph, error) { return load(ctx, conn) })
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return storage.ErrInvalidInput
	}
	if err := save(ctx, conn, next); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("sqlite: failed to commit graph: %w", err)
	}
	committed = true
	return nil
}

// save replaces every row through q, which is inside a transaction.
func save(ctx context.Context, q storage.Querier, g *types.Graph) error {
	for _, table := range []string{"entities", "relationships", "reports"} {
		if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite: failed to clear %s: %w", table, err)
		}
	}

	if err := saveEntities(ctx, q, g.Entities); err != nil {
		return err
	}
	if err := saveRelationships(ctx, q, g.Relationships); err != nil {
		return err
	}
	return saveReports(ctx, q, g.Reports)
}

func saveEntities(ctx context.Context, q storage.Querier, entities []*types.Entity) error {
	stmt, err := q.PrepareContext(ctx, `
		INSERT INTO entities (id, position, name, type, description, aliases, confidence_score,
		                      first_seen, last_seen, sources, sectors, tools, is_enriched, is_validated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare entity insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entities {
		cols := make([]string, 4)
		for j, values := range [][]string{e.Aliases, e.Sources, e.Sectors, e.Tools} {
			if cols[j], err = storage.MarshalStrings(values); err != nil {
				return fmt.Errorf("sqlite: entity %s: %w", e.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, i, e.Name, string(e.Type), e.Description, cols[0],
			e.ConfidenceScore, storage.FormatTime(e.FirstSeen), storage.FormatTime(e.LastSeen),
			cols[1], cols[2], cols[3], boolToInt(e.IsEnriched), boolToInt(e.IsValidated)); err != nil {
			return fmt.Errorf("sqlite: failed to insert entity %s: %w", e.ID, err)
		}
	}
	return nil
}

func saveRelationships(ctx context.Context, q storage.Querier, relationships []*types.Relationship) error {
	stmt, err := q.PrepareContext(ctx, `
		INSERT INTO relationships (position, source, target, type, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare relationship insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range relationships {
		if _, err := stmt.ExecContext(ctx, i, r.Source, r.Target, r.Type, r.Weight,
			storage.FormatTime(r.CreatedAt)); err != nil {
			return fmt.Errorf("sqlite: failed to insert relationship %s->%s: %w", r.Source, r.Target, err)
		}
	}
	return nil
}

func saveReports(ctx context.Context, q storage.Querier, reports []*types.Report) error {
	stmt, err := q.PrepareContext(ctx, `
		INSERT INTO reports (id, position, source_id, title, summary, ingested_by, ingested_at, entity_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare report insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range reports {
		ids, err := storage.MarshalStrings(r.EntityIDs)
		if err != nil {
			return fmt.Errorf("sqlite: report %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, i, r.SourceID, r.Title, r.Summary, r.IngestedBy,
			storage.FormatTime(r.IngestedAt), ids); err != nil {
			return fmt.Errorf("sqlite: failed to insert report %s: %w", r.ID, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" {
			return ""
		}
		return path
	}
	return dsn
}

// isRecoverableWALError matches errors caused by stale WAL files left
// behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale reports whether -shm/-wal files exist and no process holds
// them open. Without lsof it answers false.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"
	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}
	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when nothing has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("sqlite: failed to remove stale WAL file", "path", path, "error", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
