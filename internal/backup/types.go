// Package backup writes timestamped JSON snapshots of the knowledge graph,
// verifies them, prunes them with a tiered retention policy and restores
// them into a GraphStore.
package backup

import (
	"log/slog"
	"time"

	"github.com/scrypster/threatgraph/pkg/types"
)

// Source supplies the snapshot to back up. Implemented by
// engine.GraphEngine.
type Source interface {
	Snapshot() *types.Graph
}

// Config holds backup service configuration.
type Config struct {
	// Dir is the directory where snapshots are stored
	Dir string

	// Interval is the duration between scheduled backups (default: 1 hour)
	Interval time.Duration

	// Retention defines how many snapshots to keep at each age tier
	Retention RetentionPolicy

	// Verify re-reads and validates every snapshot after writing it
	Verify bool

	Logger *slog.Logger
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
// - Hourly: backups less than 24 hours old
// - Daily: backups between 1-7 days old
// - Weekly: backups between 7-30 days old
// - Monthly: backups between 30-365 days old
// Anything older is always removed.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result is the outcome of a backup run.
type Result struct {
	Path          string        `json:"path"`
	Duration      time.Duration `json:"duration"`
	Size          int64         `json:"size"`
	Entities      int           `json:"entities"`
	Relationships int           `json:"relationships"`
	Verified      bool          `json:"verified"`
}

// HealthStatus represents the health of the backup service.
type HealthStatus struct {
	// Status is the overall health status: "healthy" or "warning"
	Status  string `json:"status"`
	Message string `json:"message"`

	LastBackup    time.Time `json:"last_backup"`
	NextBackup    time.Time `json:"next_backup"`
	TotalBackups  int       `json:"total_backups"`
	BackupDir     string    `json:"backup_dir"`
	DiskSpaceUsed int64     `json:"disk_space_used"`
}
