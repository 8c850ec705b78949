package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// DropinDir is the run-relative directory operators drop findings into.
const DropinDir = "dropin"

// Watcher publishes a signal for every file dropped into the run's dropin
// directory. JSON files carry structured signals with evidence refs; anything
// else is ingested as opaque text with severity taken from the filename
// prefix ("info-", "notable-", "critical-"), defaulting to notable.
type Watcher struct {
	bus     *Bus
	runDir  string
	dir     string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	started bool
	done    chan struct{}
}

// NewWatcher creates a watcher over runDir's dropin directory, creating it if
// needed.
func NewWatcher(runDir string, bus *Bus, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(runDir, DropinDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dropin dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching dropin dir: %w", err)
	}
	return &Watcher{bus: bus, runDir: runDir, dir: dir, logger: logger, watcher: fsw, done: make(chan struct{})}, nil
}

// Start consumes filesystem events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.started = true
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				w.ingest(event.Name)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("dropin watcher error", zap.Error(err))
			}
		}
	}()
}

// Close stops watching and waits for the event loop to drain.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

// Ingest publishes a signal for one dropin file. Exposed so the controller
// can sweep the directory for files that landed before the watcher started.
func (w *Watcher) Ingest(path string) { w.ingest(path) }

// dropinFile is the structured form of a JSON dropin.
type dropinFile struct {
	Topic    string         `json:"topic"`
	Content  string         `json:"content"`
	Severity string         `json:"severity"`
	Refs     []evidence.Ref `json:"refs,omitempty"`
}

func (w *Watcher) ingest(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading dropin file", zap.String("path", path), zap.Error(err))
		return
	}
	name := filepath.Base(path)
	severity := SeverityNotable
	switch {
	case strings.HasPrefix(name, "info-"):
		severity = SeverityInfo
	case strings.HasPrefix(name, "critical-"):
		severity = SeverityCritical
	}

	topic := name
	content := string(data)
	var refs []evidence.Ref
	if filepath.Ext(name) == ".json" {
		var df dropinFile
		if err := json.Unmarshal(data, &df); err != nil {
			w.logger.Warn("malformed dropin json, ingesting as text",
				zap.String("path", path), zap.Error(err))
		} else {
			if df.Topic != "" {
				topic = df.Topic
			}
			if df.Content != "" {
				content = df.Content
			}
			switch Severity(df.Severity) {
			case SeverityInfo, SeverityNotable, SeverityCritical:
				severity = Severity(df.Severity)
			}
			refs = w.freezeRefs(df.Refs, path)
		}
	}
	if _, _, err := w.bus.Publish(SourceDropin, topic, content, severity, refs); err != nil {
		w.logger.Warn("publishing dropin signal", zap.String("path", path), zap.Error(err))
	}
}

// freezeRefs validates dropin evidence and freezes content hashes for
// artifact refs that arrived without one. Invalid refs are dropped.
func (w *Watcher) freezeRefs(refs []evidence.Ref, path string) []evidence.Ref {
	if len(refs) == 0 {
		return nil
	}
	valid, dropped, _ := evidence.Filter(refs)
	if dropped > 0 {
		w.logger.Warn("dropping invalid dropin evidence",
			zap.String("path", path), zap.Int("dropped", dropped))
	}
	for i, r := range valid {
		if r.Type == evidence.TypeArtifact && r.Hash == "" {
			valid[i] = evidence.FromArtifactPath(w.runDir, r.ID)
		}
	}
	return valid
}

// Sweep ingests files already present in the dropin directory.
func (w *Watcher) Sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.ingest(filepath.Join(w.dir, e.Name()))
		}
	}
}
