package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IngestFunc commits one parsed document and returns the report id it
// created ("" when the document contributed nothing).
type IngestFunc func(ctx context.Context, doc *Document) (string, error)

// Job statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ImportResult is the summary of a finished directory import.
type ImportResult struct {
	JobID          string        `json:"job_id"`
	FilesFound     int           `json:"files_found"`
	FilesProcessed int           `json:"files_processed"`
	FilesSkipped   int           `json:"files_skipped"`
	FilesFailed    int           `json:"files_failed"`
	ReportIDs      []string      `json:"report_ids,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration_ms"`
}

// ImportProgress carries live progress for a running job.
type ImportProgress struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	FilesTotal     int    `json:"files_total"`
	FilesProcessed int    `json:"files_processed"`
	CurrentFile    string `json:"current_file,omitempty"`
	Message        string `json:"message,omitempty"`
}

type importJob struct {
	mu       sync.RWMutex
	progress ImportProgress
	result   *ImportResult
	done     chan struct{}
}

func (j *importJob) getProgress() ImportProgress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

// BatchImporter ingests every report file under a directory, one file at a
// time, either synchronously (Run) or as a background job (StartImport).
type BatchImporter struct {
	ingest IngestFunc
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*importJob
}

// NewBatchImporter creates an importer that hands each document to ingest.
func NewBatchImporter(ingest IngestFunc, logger *slog.Logger) *BatchImporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchImporter{
		ingest: ingest,
		logger: logger,
		jobs:   make(map[string]*importJob),
	}
}

// Run imports dir synchronously.
func (b *BatchImporter) Run(ctx context.Context, dir string) (*ImportResult, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}
	job := newImportJob(uuid.New().String())
	return b.run(ctx, job, dir), nil
}

// StartImport begins importing dir in the background and returns a job id
// for JobProgress and JobResult. The job runs until ctx is cancelled or all
// files are processed.
func (b *BatchImporter) StartImport(ctx context.Context, dir string) (string, error) {
	if err := checkDir(dir); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	job := newImportJob(jobID)

	b.mu.Lock()
	b.jobs[jobID] = job
	b.mu.Unlock()

	go func() {
		result := b.run(ctx, job, dir)
		job.mu.Lock()
		job.result = result
		if len(result.Errors) > 0 && result.FilesProcessed == 0 {
			job.progress.Status = StatusFailed
			job.progress.Message = "import failed"
		} else {
			job.progress.Status = StatusComplete
			job.progress.Message = fmt.Sprintf("imported %d of %d files", result.FilesProcessed, result.FilesFound)
		}
		job.mu.Unlock()
		close(job.done)
	}()

	return jobID, nil
}

// JobProgress returns live progress for a job, or false if unknown.
func (b *BatchImporter) JobProgress(jobID string) (ImportProgress, bool) {
	job, ok := b.job(jobID)
	if !ok {
		return ImportProgress{}, false
	}
	return job.getProgress(), true
}

// JobResult returns the result of a finished job, or nil while it runs.
func (b *BatchImporter) JobResult(jobID string) *ImportResult {
	job, ok := b.job(jobID)
	if !ok {
		return nil
	}
	job.mu.RLock()
	defer job.mu.RUnlock()
	return job.result
}

// Wait blocks until the job finishes or ctx is done.
func (b *BatchImporter) Wait(ctx context.Context, jobID string) (*ImportResult, error) {
	job, ok := b.job(jobID)
	if !ok {
		return nil, fmt.Errorf("unknown import job %q", jobID)
	}
	select {
	case <-job.done:
		return b.JobResult(jobID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *BatchImporter) job(jobID string) (*importJob, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	job, ok := b.jobs[jobID]
	return job, ok
}

func newImportJob(jobID string) *importJob {
	return &importJob{
		progress: ImportProgress{JobID: jobID, Status: StatusRunning},
		done:     make(chan struct{}),
	}
}

func (b *BatchImporter) run(ctx context.Context, job *importJob, dir string) *ImportResult {
	start := time.Now()
	result := &ImportResult{JobID: job.progress.JobID}
	defer func() { result.Duration = time.Since(start) }()

	files, err := CollectReportFiles(dir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("walk error: %v", err))
		return result
	}
	result.FilesFound = len(files)

	job.mu.Lock()
	job.progress.FilesTotal = len(files)
	job.mu.Unlock()

	for i, path := range files {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "context cancelled")
			break
		}
		rel, _ := filepath.Rel(dir, path)

		job.mu.Lock()
		job.progress.FilesProcessed = i
		job.progress.CurrentFile = rel
		job.mu.Unlock()

		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("import: skip file", "path", rel, "error", err)
			result.FilesSkipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: read error: %v", rel, err))
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			result.FilesSkipped++
			continue
		}

		doc, err := ParseReport(data, path)
		if err != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		reportID, err := b.ingest(ctx, doc)
		if err != nil {
			b.logger.Warn("import: ingest failed", "path", rel, "error", err)
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: ingest error: %v", rel, err))
			continue
		}
		result.FilesProcessed++
		if reportID != "" {
			result.ReportIDs = append(result.ReportIDs, reportID)
		}
	}

	job.mu.Lock()
	job.progress.FilesProcessed = result.FilesProcessed
	job.progress.CurrentFile = ""
	job.mu.Unlock()

	b.logger.Info("import finished",
		"dir", dir,
		"found", result.FilesFound,
		"processed", result.FilesProcessed,
		"failed", result.FilesFailed)
	return result
}

// CollectReportFiles returns report files under dir in lexical order.
// Hidden directories are skipped.
func CollectReportFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsReportFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot access directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", dir)
	}
	return nil
}
