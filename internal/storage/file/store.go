// Package file persists the graph as a single JSON document on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

// DefaultFileName is the graph document name inside the data directory.
const DefaultFileName = "graph.json"

// Store implements storage.GraphStore with a JSON file. Writes go to a
// temporary file that is renamed over the document, and both reads and
// writes hold an advisory lock on "<path>.lock" so that the CLI and a
// running server never interleave. Update keeps the exclusive lock from
// read to write.
type Store struct {
	path string

	// mu serializes goroutines sharing this Store; a Flock tracks a single
	// holder and would let a second Lock call through.
	mu   sync.Mutex
	lock *flock.Flock
}

// NewStore creates a store for the document at path, creating its
// directory if needed.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path is required", storage.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("file: failed to create data directory: %w", err)
	}
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the document.
func (s *Store) Load(ctx context.Context) (*types.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("file: failed to lock %s: %w", s.path, err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.read()
}

// Save encodes g and atomically replaces the document.
func (s *Store) Save(ctx context.Context, g *types.Graph) error {
	if g == nil {
		return storage.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("file: failed to lock %s: %w", s.path, err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.write(g)
}

// Update holds the exclusive lock across read, fn and write, so a writer
// in another process either sees this update or waits for it.
func (s *Store) Update(ctx context.Context, fn storage.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("file: failed to lock %s: %w", s.path, err)
	}
	defer func() { _ = s.lock.Unlock() }()

	current, err := storage.LoadOrEmpty(s.read)
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
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(next)
}

// read decodes the document. The caller holds the lock.
func (s *Store) read() (*types.Graph, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file: failed to read %s: %w", s.path, err)
	}

	var g types.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("file: failed to decode %s: %w", s.path, err)
	}
	g.Normalize()
	return &g, nil
}

// write atomically replaces the document. The caller holds the exclusive
// lock.
func (s *Store) write(g *types.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("file: failed to encode graph: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file: failed to write graph: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file: failed to sync graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("file: failed to replace %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op; the lock is only held during Load, Save and Update.
func (s *Store) Close() error {
	return nil
}
