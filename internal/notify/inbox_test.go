package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/internal/importer"
)

func startInbox(t *testing.T, dir string, ingest importer.IngestFunc) *InboxWatcher {
	t.Helper()
	iw, err := NewInboxWatcher(InboxConfig{
		Dir:         dir,
		Ingest:      ingest,
		SettleDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, iw.Start(context.Background()))
	t.Cleanup(iw.Stop)
	return iw
}

func TestInboxWatcher_IngestsNewFile(t *testing.T) {
	dir := t.TempDir()
	docs := make(chan *importer.Document, 1)
	startInbox(t, dir, func(_ context.Context, doc *importer.Document) (string, error) {
		docs <- doc
		return "rpt:1", nil
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apt29.md"), []byte("# APT29 update\nAPT29 used WellMess."), 0o600))

	select {
	case doc := <-docs:
		assert.Equal(t, "APT29 update", doc.Title)
		assert.Equal(t, "apt29", doc.SourceID)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ingestion")
	}

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, ProcessedDir, "apt29.md"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInboxWatcher_DrainsExistingAndIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("Emotet"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.png"), []byte("x"), 0o600))

	seen := make(chan string, 4)
	startInbox(t, dir, func(_ context.Context, doc *importer.Document) (string, error) {
		seen <- doc.SourceID
		return "", nil
	})

	select {
	case id := <-seen:
		assert.Equal(t, "old", id)
	case <-time.After(3 * time.Second):
		t.Fatal("existing file was not ingested")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, seen)
	_, err := os.Stat(filepath.Join(dir, "photo.png"))
	assert.NoError(t, err, "non-report files stay in place")
}

func TestInboxWatcher_FailedIngestMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	startInbox(t, dir, func(context.Context, *importer.Document) (string, error) {
		return "", errors.New("store unavailable")
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.md"), []byte("Lazarus Group"), 0o600))

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(dir, FailedDir))
		return err == nil && len(entries) == 1 && strings.HasSuffix(entries[0].Name(), "bad.md")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNewInboxWatcher_Validation(t *testing.T) {
	_, err := NewInboxWatcher(InboxConfig{Ingest: func(context.Context, *importer.Document) (string, error) { return "", nil }})
	require.Error(t, err)
	_, err = NewInboxWatcher(InboxConfig{Dir: t.TempDir()})
	require.Error(t, err)
}
