package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/importer"
)

func newImportHandlers(t *testing.T, root string) (*ImportHandlers, *engine.GraphEngine) {
	t.Helper()
	g := newTestGraph(t)
	imp := importer.NewBatchImporter(func(ctx context.Context, doc *importer.Document) (string, error) {
		res, err := g.Ingest(ctx, engine.IngestRequest{Text: doc.Body, SourceID: doc.SourceID, Title: doc.Title})
		if err != nil {
			return "", err
		}
		return res.ReportID, nil
	}, nil)
	h, err := NewImportHandlers(context.Background(), imp, root)
	require.NoError(t, err)
	return h, g
}

func TestPostImport(t *testing.T) {
	root := t.TempDir()
	h, g := newImportHandlers(t, root)

	dir := filepath.Join(root, "reports")
	require.NoError(t, os.Mkdir(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte(sampleReport), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("Emotet beacons to 192.168.9.9"), 0o600))

	w := httptest.NewRecorder()
	h.PostImport(w, jsonRequest(t, http.MethodPost, "/api/import", importByPathRequest{Path: dir}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[importJobResponse](t, w)
	require.NotEmpty(t, job.JobID)

	var status importStatusResponse
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/import/"+job.JobID, nil)
		req.SetPathValue("job_id", job.JobID)
		w := httptest.NewRecorder()
		h.GetImportStatus(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		status = decode[importStatusResponse](t, w)
		return status.Progress.Status == importer.StatusComplete
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, status.Result)
	assert.Equal(t, 2, status.Result.FilesProcessed)
	_, _, reports := g.Stats()
	assert.Equal(t, 2, reports)
}

func TestPostImport_Validation(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "reports"), 0o700))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	h, _ := newImportHandlers(t, root)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"empty", "", http.StatusBadRequest},
		{"missing", "missing", http.StatusBadRequest},
		{"absolute outside root", outside, http.StatusForbidden},
		{"dot dot", "../", http.StatusForbidden},
		{"symlink out of root", "escape", http.StatusForbidden},
		{"relative inside root", "reports", http.StatusAccepted},
		{"absolute inside root", filepath.Join(root, "reports"), http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.PostImport(w, jsonRequest(t, http.MethodPost, "/api/import", importByPathRequest{Path: tt.path}))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/import/nope", nil)
	req.SetPathValue("job_id", "nope")
	w := httptest.NewRecorder()
	h.GetImportStatus(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
