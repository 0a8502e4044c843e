package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/pkg/types"
)

type staticSource struct {
	g *types.Graph
}

func (s *staticSource) Snapshot() *types.Graph {
	return s.g.Clone()
}

func sampleGraph() *types.Graph {
	g := types.NewGraph()
	g.Entities = []*types.Entity{
		{ID: "ent:1", Name: "APT28", Type: types.EntityTypeThreatActor, ConfidenceScore: 0.9},
		{ID: "ent:2", Name: "X-Agent", Type: types.EntityTypeMalware, ConfidenceScore: 0.9},
	}
	g.Relationships = []*types.Relationship{
		{Source: "ent:1", Target: "ent:2", Type: types.RelationshipCorrelatedTo, Weight: types.WeightCorrelated},
	}
	g.Reports = []*types.Report{{ID: "rpt:1", SourceID: "r1", EntityIDs: []string{"ent:1", "ent:2"}}}
	g.Normalize()
	return g
}

func newTestService(t *testing.T, g *types.Graph) *BackupService {
	t.Helper()
	svc, err := NewBackupService(&staticSource{g: g}, Config{Dir: t.TempDir(), Verify: true})
	if err != nil {
		t.Fatalf("NewBackupService: %v", err)
	}
	return svc
}

func TestNewBackupServiceValidation(t *testing.T) {
	if _, err := NewBackupService(nil, Config{Dir: t.TempDir()}); err == nil {
		t.Error("expected error without a source")
	}
	if _, err := NewBackupService(&staticSource{g: types.NewGraph()}, Config{}); err == nil {
		t.Error("expected error without a directory")
	}

	svc, err := NewBackupService(&staticSource{g: types.NewGraph()}, Config{Dir: filepath.Join(t.TempDir(), "nested", "backups")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.interval != time.Hour {
		t.Errorf("expected default interval 1h, got %v", svc.interval)
	}
	if svc.retention != DefaultRetention() {
		t.Errorf("expected default retention, got %+v", svc.retention)
	}
	if !exists(svc.dir) {
		t.Error("backup directory was not created")
	}
}

func TestBackupNow(t *testing.T) {
	svc := newTestService(t, sampleGraph())

	result, err := svc.BackupNow(context.Background())
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	if !result.Verified {
		t.Error("expected verified backup")
	}
	if result.Entities != 2 || result.Relationships != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}
	if !strings.HasPrefix(filepath.Base(result.Path), filePrefix) {
		t.Errorf("unexpected file name %s", result.Path)
	}

	g, err := readSnapshot(result.Path)
	if err != nil {
		t.Fatalf("readSnapshot: %v", err)
	}
	if g.Entities[0].Name != "APT28" || len(g.Reports) != 1 {
		t.Errorf("snapshot content mismatch: %+v", g.Entities[0])
	}

	backups, err := svc.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("expected 1 backup, got %d", len(backups))
	}
}

func TestBackupNowCancelledContext(t *testing.T) {
	svc := newTestService(t, sampleGraph())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.BackupNow(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	original := sampleGraph()
	svc := newTestService(t, original)

	result, err := svc.BackupNow(context.Background())
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}

	store := storage.NewInMemoryStore()
	restored, err := svc.Restore(context.Background(), result.Path, store)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(restored.Entities) != 2 {
		t.Errorf("expected 2 restored entities, got %d", len(restored.Entities))
	}

	saved, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if saved.Entities[1].Name != "X-Agent" {
		t.Errorf("unexpected saved entity %q", saved.Entities[1].Name)
	}

	backups, _ := svc.ListBackups()
	if len(backups) != 2 {
		t.Errorf("expected original plus pre-restore backup, got %d", len(backups))
	}
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	svc := newTestService(t, sampleGraph())

	bad := sampleGraph()
	bad.Relationships = append(bad.Relationships, &types.Relationship{Source: "ent:1", Target: "ent:1", Type: "USES"})
	path := filepath.Join(t.TempDir(), snapshotName(time.Now()))
	if err := writeSnapshot(bad, path); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	store := storage.NewInMemoryStore()
	if _, err := svc.Restore(context.Background(), path, store); err == nil {
		t.Fatal("expected error for self-loop snapshot")
	}
	if store.Saves() != 0 {
		t.Error("store must not be written when the snapshot is invalid")
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	svc := newTestService(t, sampleGraph())
	path := filepath.Join(t.TempDir(), "graph-garbage.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Restore(context.Background(), path, storage.NewInMemoryStore()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStartStop(t *testing.T) {
	svc, err := NewBackupService(&staticSource{g: sampleGraph()}, Config{
		Dir:      t.TempDir(),
		Interval: 10 * time.Millisecond,
		Verify:   true,
	})
	if err != nil {
		t.Fatalf("NewBackupService: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		backups, _ := svc.ListBackups()
		if len(backups) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no scheduled backup written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := svc.Restore(context.Background(), "unused", storage.NewInMemoryStore()); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if err := svc.Stop(); err == nil {
		t.Error("expected error stopping a stopped service")
	}
}

func TestHealthCheck(t *testing.T) {
	svc := newTestService(t, sampleGraph())

	status, err := svc.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if status.Status != "healthy" || status.Message != "No backups yet" {
		t.Errorf("unexpected status %+v", status)
	}

	if _, err := svc.BackupNow(context.Background()); err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	status, _ = svc.HealthCheck()
	if status.TotalBackups != 1 || status.DiskSpaceUsed == 0 {
		t.Errorf("unexpected status %+v", status)
	}

	svc.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	status, _ = svc.HealthCheck()
	if status.Status != "warning" {
		t.Errorf("expected overdue warning, got %+v", status)
	}
}
