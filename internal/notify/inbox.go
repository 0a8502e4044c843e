package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/threatgraph/internal/importer"
)

// Inbox subdirectories that receive handled files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// DefaultSettleDelay is how long a file must stay unchanged before it is read.
const DefaultSettleDelay = 300 * time.Millisecond

// InboxConfig configures an InboxWatcher.
type InboxConfig struct {
	// Dir is the watched directory. Created if missing.
	Dir string

	// Ingest commits one parsed report.
	Ingest importer.IngestFunc

	// SettleDelay debounces writes (default: DefaultSettleDelay).
	SettleDelay time.Duration

	Logger *slog.Logger
}

// InboxWatcher ingests report files dropped into a directory. Each file is
// parsed, handed to Ingest, then moved to processed/ or failed/. Files are
// handled one at a time.
type InboxWatcher struct {
	dir    string
	ingest importer.IngestFunc
	settle time.Duration
	logger *slog.Logger

	watcher *fsnotify.Watcher
	work    chan string
	done    chan struct{}
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewInboxWatcher creates an inbox watcher.
func NewInboxWatcher(cfg InboxConfig) (*InboxWatcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("notify: inbox directory is required")
	}
	if cfg.Ingest == nil {
		return nil, fmt.Errorf("notify: inbox ingest function is required")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InboxWatcher{
		dir:     cfg.Dir,
		ingest:  cfg.Ingest,
		settle:  cfg.SettleDelay,
		logger:  cfg.Logger,
		work:    make(chan string, 64),
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Dir returns the watched directory.
func (iw *InboxWatcher) Dir() string {
	return iw.dir
}

// Start queues files already in the inbox and begins watching for new ones.
// Ingestion runs under ctx until Stop is called.
func (iw *InboxWatcher) Start(ctx context.Context) error {
	for _, sub := range []string{"", ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(iw.dir, sub), 0o700); err != nil {
			return fmt.Errorf("notify: create inbox: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(iw.dir); err != nil {
		_ = w.Close()
		return err
	}
	iw.watcher = w

	ctx, iw.cancel = context.WithCancel(ctx)
	go iw.worker(ctx)
	go iw.loop()

	entries, err := os.ReadDir(iw.dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && importer.IsReportFile(entry.Name()) {
				iw.schedule(filepath.Join(iw.dir, entry.Name()))
			}
		}
	}

	iw.logger.Info("notify: watching inbox", "dir", iw.dir)
	return nil
}

// Stop halts the watcher and waits for the file being ingested, if any.
func (iw *InboxWatcher) Stop() {
	if iw.watcher == nil {
		return
	}
	_ = iw.watcher.Close()
	iw.cancel()

	iw.mu.Lock()
	for path, t := range iw.pending {
		t.Stop()
		delete(iw.pending, path)
	}
	iw.mu.Unlock()

	<-iw.done
}

func (iw *InboxWatcher) loop() {
	for {
		select {
		case evt, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(evt.Name) != filepath.Clean(iw.dir) || !importer.IsReportFile(evt.Name) {
				continue
			}
			iw.schedule(evt.Name)
		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.Warn("notify: inbox watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer for path.
func (iw *InboxWatcher) schedule(path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if t, ok := iw.pending[path]; ok {
		t.Reset(iw.settle)
		return
	}
	iw.pending[path] = time.AfterFunc(iw.settle, func() {
		iw.mu.Lock()
		delete(iw.pending, path)
		iw.mu.Unlock()
		select {
		case iw.work <- path:
		case <-iw.done:
		}
	})
}

func (iw *InboxWatcher) worker(ctx context.Context) {
	defer close(iw.done)
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-iw.work:
			iw.process(ctx, path)
		}
	}
}

func (iw *InboxWatcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		iw.logger.Warn("notify: cannot read inbox file", "file", path, "error", err)
		iw.move(path, FailedDir)
		return
	}

	doc, err := importer.ParseReport(data, path)
	if err != nil {
		iw.logger.Warn("notify: cannot parse inbox file", "file", path, "error", err)
		iw.move(path, FailedDir)
		return
	}

	reportID, err := iw.ingest(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return // shutting down; retried on next start
		}
		iw.logger.Error("notify: inbox ingest failed", "file", path, "error", err)
		iw.move(path, FailedDir)
		return
	}

	iw.logger.Info("notify: inbox file ingested", "file", filepath.Base(path), "report_id", reportID)
	iw.move(path, ProcessedDir)
}

// move renames path into sub/, prefixing a timestamp on name collisions.
func (iw *InboxWatcher) move(path, sub string) {
	dest := filepath.Join(iw.dir, sub, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(iw.dir, sub, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, dest); err != nil {
		iw.logger.Warn("notify: cannot move inbox file", "file", path, "dest", dest, "error", err)
	}
}
