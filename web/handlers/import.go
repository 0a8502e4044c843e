package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrypster/threatgraph/internal/importer"
)

// ErrOutsideImportRoot is returned for import paths that escape the root.
var ErrOutsideImportRoot = errors.New("path is outside the import root")

// ImportHandlers contains HTTP handlers for directory imports.
type ImportHandlers struct {
	importer *importer.BatchImporter
	root     string

	// jobCtx outlives the request that starts a job.
	jobCtx context.Context
}

// NewImportHandlers creates import handlers. Jobs run under ctx, normally
// the server's lifetime context. Requested directories are resolved
// against root and may not leave it.
func NewImportHandlers(ctx context.Context, imp *importer.BatchImporter, root string) (*ImportHandlers, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve import root: %w", err)
	}
	return &ImportHandlers{importer: imp, root: abs, jobCtx: ctx}, nil
}

// resolve maps a requested path onto the filesystem. Relative paths are
// taken from the import root; symlinks are followed before the
// containment check.
func (h *ImportHandlers) resolve(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(h.root, p)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	root, err := filepath.EvalSymlinks(h.root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideImportRoot
	}
	return resolved, nil
}

// importByPathRequest is the JSON body for POST /api/import.
type importByPathRequest struct {
	// Path is a directory below the import root, absolute or relative to it.
	Path string `json:"path"`
}

// importJobResponse is returned immediately after starting an import.
type importJobResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// importStatusResponse carries progress and, once finished, the result.
type importStatusResponse struct {
	Progress importer.ImportProgress `json:"progress"`
	Result   *importer.ImportResult  `json:"result,omitempty"`
}

// PostImport handles POST /api/import - ingests every report file in a
// server-side directory as a background job.
func (h *ImportHandlers) PostImport(w http.ResponseWriter, r *http.Request) {
	var req importByPathRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		respondError(w, http.StatusBadRequest, "path is required", nil)
		return
	}

	notFound := fmt.Sprintf("directory not found: %s", req.Path)
	dirPath, err := h.resolve(req.Path)
	switch {
	case errors.Is(err, ErrOutsideImportRoot):
		respondError(w, http.StatusForbidden, err.Error(), nil)
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, notFound, nil)
		return
	}
	if info, err := os.Stat(dirPath); err != nil || !info.IsDir() {
		respondError(w, http.StatusBadRequest, notFound, nil)
		return
	}

	jobID, err := h.importer.StartImport(h.jobCtx, dirPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to start import", err)
		return
	}

	respondJSON(w, http.StatusAccepted, importJobResponse{
		JobID:   jobID,
		Message: fmt.Sprintf("import started for %s", req.Path),
	})
}

// GetImportStatus handles GET /api/import/{job_id}.
func (h *ImportHandlers) GetImportStatus(w http.ResponseWriter, r *http.Request) {
	jobID := extractID(r, "job_id")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "job_id is required", nil)
		return
	}

	progress, ok := h.importer.JobProgress(jobID)
	if !ok {
		respondError(w, http.StatusNotFound, "import job not found", nil)
		return
	}

	resp := importStatusResponse{Progress: progress}
	if progress.Status != importer.StatusRunning {
		resp.Result = h.importer.JobResult(jobID)
	}
	respondJSON(w, http.StatusOK, resp)
}
