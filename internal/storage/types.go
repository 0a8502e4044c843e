package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scrypster/threatgraph/pkg/types"
)

var (
	// ErrNotFound indicates that no graph has been persisted yet.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// InMemoryStore keeps the graph in process memory. It is used when
// persistence is disabled and in tests.
type InMemoryStore struct {
	mu    sync.Mutex
	graph *types.Graph
	saves int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Load returns a copy of the last saved graph.
func (s *InMemoryStore) Load(ctx context.Context) (*types.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return nil, ErrNotFound
	}
	return s.graph.Clone(), nil
}

// Save stores a copy of g.
func (s *InMemoryStore) Save(ctx context.Context, g *types.Graph) error {
	if g == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = g.Clone()
	s.saves++
	return nil
}

// Update applies fn under the store mutex.
func (s *InMemoryStore) Update(ctx context.Context, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := types.NewGraph()
	if s.graph != nil {
		current = s.graph.Clone()
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return ErrInvalidInput
	}
	s.graph = next.Clone()
	s.saves++
	return nil
}

// LoadOrEmpty calls load and maps ErrNotFound to an empty graph. Update
// implementations use it to hand fn a graph in every case.
func LoadOrEmpty(load func() (*types.Graph, error)) (*types.Graph, error) {
	g, err := load()
	if errors.Is(err, ErrNotFound) {
		return types.NewGraph(), nil
	}
	return g, err
}

// Saves returns how many times Save or Update succeeded.
func (s *InMemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

// MarshalStrings encodes a string set column as a JSON array, never null.
func MarshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(data), nil
}

// UnmarshalStrings decodes a JSON array column. Empty input yields an empty slice.
func UnmarshalStrings(data string) ([]string, error) {
	out := []string{}
	if data == "" || data == "null" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	return out, nil
}

// FormatTime renders a timestamp for text columns; the zero time is "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a FormatTime value.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
