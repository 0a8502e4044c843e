// Package notify connects processes that share one data directory. The CLI
// drops event files after it commits to the graph store so a running server
// reloads its snapshot, and the inbox watcher ingests report files dropped
// into a directory.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventGraphCommitted is written after a process commits the graph.
const EventGraphCommitted = "graph.committed"

// EventMaxAge is how long event files stay on disk. Watchers never delete
// the files they read, so every watcher sharing the directory sees every
// event; expired files are pruned by writers and watchers alike.
const EventMaxAge = 10 * time.Minute

const (
	eventExt      = ".event"
	pruneInterval = time.Minute
)

// Event is the payload of an event file.
type Event struct {
	Type     string `json:"type"`
	ReportID string `json:"report_id,omitempty"`
	PID      int    `json:"pid"`
	Time     int64  `json:"time"`
}

// EventWriter writes event files to {dataPath}/events/.
type EventWriter struct {
	dir string
	pid int
}

// NewEventWriter creates a writer for {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events"), pid: os.Getpid()}
}

// Notify writes one event file. The file is renamed into place so watchers
// never read a partial payload.
func (w *EventWriter) Notify(eventType, reportID string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{
		Type:     eventType,
		ReportID: reportID,
		PID:      w.pid,
		Time:     time.Now().UnixNano(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	name := fmt.Sprintf("%d-%d-%s", evt.Time, evt.PID, sanitizeID(reportID))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+eventExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: rename: %w", err)
	}

	pruneEvents(w.dir, time.Now().Add(-EventMaxAge))
	return nil
}

// sanitizeID replaces characters unsafe for file names.
func sanitizeID(id string) string {
	if id == "" {
		return "none"
	}
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(id)
}

// parseEventName splits "<nanos>-<pid>-<id>.event".
func parseEventName(name string) (written time.Time, pid int, ok bool) {
	parts := strings.SplitN(strings.TrimSuffix(name, eventExt), "-", 3)
	if len(parts) != 3 {
		return time.Time{}, 0, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	pid, err = strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, 0, false
	}
	return time.Unix(0, nanos), pid, true
}

// pruneEvents removes event files written before cutoff and returns their
// names. Files without a parseable name are aged by modification time.
func pruneEvents(dir string, cutoff time.Time) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, eventExt) {
			continue
		}
		written, _, ok := parseEventName(name)
		if !ok {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			written = info.ModTime()
		}
		if !written.Before(cutoff) {
			continue
		}
		// Another process may have pruned it already.
		if err := os.Remove(filepath.Join(dir, name)); err == nil || errors.Is(err, fs.ErrNotExist) {
			removed = append(removed, name)
		}
	}
	return removed
}

// EventWatcher watches {dataPath}/events/ and calls back once per event
// file written by another process. Files are left in place for other
// watchers; each watcher remembers what it has already delivered.
type EventWatcher struct {
	dir      string
	self     int
	callback func(Event)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}

	// seen is only touched by Start and then by the loop goroutine.
	seen map[string]struct{}
}

// NewEventWatcher creates a watcher for {dataPath}/events/.
func NewEventWatcher(dataPath string, callback func(Event), logger *slog.Logger) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		dir:      filepath.Join(dataPath, "events"),
		self:     os.Getpid(),
		callback: callback,
		logger:   logger,
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start watches the directory, then delivers event files already present.
// Call Stop to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	// Files created while draining are also queued on w.Events; the seen
	// set drops the duplicates.
	ew.drainExisting()

	go ew.loop()
	ew.logger.Info("notify: watching for graph events", "dir", ew.dir)
	return nil
}

// Stop shuts down the watcher.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, eventExt) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("notify: watcher error", "error", err)
		case <-ticker.C:
			ew.prune(time.Now().Add(-EventMaxAge))
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), eventExt) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

// prune deletes expired event files and forgets them.
func (ew *EventWatcher) prune(cutoff time.Time) {
	for _, name := range pruneEvents(ew.dir, cutoff) {
		delete(ew.seen, name)
	}
}

func (ew *EventWatcher) processFile(path string) {
	name := filepath.Base(path)
	if _, ok := ew.seen[name]; ok {
		return
	}
	if _, pid, ok := parseEventName(name); ok && pid == ew.self {
		ew.seen[name] = struct{}{}
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return // pruned before we got to it
	}
	ew.seen[name] = struct{}{}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.Warn("notify: invalid event file", "file", name, "error", err)
		return
	}
	if event.Type != "" && ew.callback != nil {
		ew.callback(event)
	}
}
