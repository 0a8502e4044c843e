package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

// ErrRunning is returned by Restore while scheduled backups are active.
var ErrRunning = errors.New("backup service is running")

// BackupService takes scheduled snapshot backups with verification and
// retention, and restores them.
type BackupService struct {
	source    Source
	dir       string
	interval  time.Duration
	retention RetentionPolicy
	verify    bool
	logger    *slog.Logger

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastBackupTime time.Time
	nextBackupTime time.Time

	now func() time.Time
}

// NewBackupService creates a backup service reading snapshots from source.
func NewBackupService(source Source, config Config) (*BackupService, error) {
	if source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}

	def := DefaultRetention()
	if config.Retention.Hourly == 0 {
		config.Retention.Hourly = def.Hourly
	}
	if config.Retention.Daily == 0 {
		config.Retention.Daily = def.Daily
	}
	if config.Retention.Weekly == 0 {
		config.Retention.Weekly = def.Weekly
	}
	if config.Retention.Monthly == 0 {
		config.Retention.Monthly = def.Monthly
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &BackupService{
		source:    source,
		dir:       config.Dir,
		interval:  config.Interval,
		retention: config.Retention,
		verify:    config.Verify,
		logger:    config.Logger,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Start runs scheduled backups until ctx is cancelled or Stop is called.
func (s *BackupService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup service is already running")
	}
	s.running = true
	s.nextBackupTime = s.now().Add(s.interval)
	stop := s.stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup service started", "interval", s.interval, "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup service stopping", "reason", "context cancelled")
			return ctx.Err()

		case <-stop:
			s.logger.Info("backup service stopping", "reason", "stop requested")
			return nil

		case <-ticker.C:
			result, err := s.BackupNow(ctx)
			if err != nil {
				s.logger.Error("scheduled backup failed", "error", err)
			} else {
				s.logger.Info("scheduled backup completed",
					"path", result.Path,
					"size", result.Size,
					"entities", result.Entities,
					"duration", result.Duration,
					"verified", result.Verified)
			}

			s.mu.Lock()
			s.nextBackupTime = s.now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop ends a running Start loop.
func (s *BackupService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("backup service is not running")
	}
	close(s.stopCh)
	s.stopCh = make(chan struct{})
	return nil
}

// BackupNow writes the current snapshot to a timestamped file, optionally
// verifies it, and applies the retention policy. Retention failures are
// logged and do not fail the backup.
func (s *BackupService) BackupNow(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	g := s.source.Snapshot()
	path := filepath.Join(s.dir, snapshotName(s.now()))
	if err := writeSnapshot(g, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}

	result := &Result{
		Path:          path,
		Size:          info.Size(),
		Entities:      len(g.Entities),
		Relationships: len(g.Relationships),
	}

	if s.verify {
		if _, err := readSnapshot(path); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("backup verification failed: %w", err)
		}
		result.Verified = true
	}

	s.mu.Lock()
	s.lastBackupTime = s.now()
	s.mu.Unlock()

	if err := applyRetention(s.dir, s.retention, s.now()); err != nil {
		s.logger.Warn("failed to apply retention policy", "error", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// ListBackups lists snapshots newest first.
func (s *BackupService) ListBackups() ([]Info, error) {
	return listBackups(s.dir)
}

// Restore validates the snapshot at path and saves it to store, replacing
// the persisted graph. The live graph is backed up first so a restore can
// itself be undone. Callers reload their engine afterwards.
func (s *BackupService) Restore(ctx context.Context, path string, store storage.GraphStore) (*types.Graph, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil, ErrRunning
	}

	g, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}

	pre, err := s.BackupNow(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create pre-restore backup: %w", err)
	}

	if err := store.Save(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to save restored graph: %w", err)
	}

	s.logger.Info("graph restored",
		"from", path,
		"pre_restore_backup", pre.Path,
		"entities", len(g.Entities),
		"relationships", len(g.Relationships))
	return g, nil
}

// HealthCheck returns the current health status of the backup service.
func (s *BackupService) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastBackup := s.lastBackupTime
	nextBackup := s.nextBackupTime
	s.mu.Unlock()

	backups, err := s.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var diskUsage int64
	for _, b := range backups {
		diskUsage += b.Size
	}

	status := &HealthStatus{
		Status:        "healthy",
		LastBackup:    lastBackup,
		NextBackup:    nextBackup,
		TotalBackups:  len(backups),
		BackupDir:     s.dir,
		DiskSpaceUsed: diskUsage,
	}

	since := s.now().Sub(lastBackup)
	switch {
	case lastBackup.IsZero():
		status.Message = "No backups yet"
	case since > s.interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Backup overdue by %v", since-s.interval)
	default:
		status.Message = fmt.Sprintf("Last backup: %v ago", since.Round(time.Minute))
	}
	return status, nil
}
