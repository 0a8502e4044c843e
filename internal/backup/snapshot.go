package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scrypster/threatgraph/pkg/types"
)

const (
	filePrefix = "graph-"
	fileExt    = ".json"
)

// snapshotName returns a sortable, collision-resistant file name for t.
func snapshotName(t time.Time) string {
	return filePrefix + t.UTC().Format("20060102-150405.000000") + fileExt
}

func isSnapshotFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}

// writeSnapshot encodes g to path through a temporary file and rename, so
// a listed snapshot is always complete.
func writeSnapshot(g *types.Graph, path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// readSnapshot decodes and validates a snapshot file.
func readSnapshot(path string) (*types.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var g types.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	g.Normalize()
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot %s is inconsistent: %w", filepath.Base(path), err)
	}
	return &g, nil
}
