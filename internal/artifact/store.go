// Package artifact provides the run-scoped artifact sandbox: every write and
// read resolves inside the run's artifacts root, and each written artifact is
// recorded in a JSON index with its content hash.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// ErrSandboxEscape is returned for any path whose normalized form resolves
// outside the run's artifacts root.
var ErrSandboxEscape = errors.New("path escapes artifact sandbox")

// maxReadBytes caps Read content so observations stay bounded.
const maxReadBytes = 200_000

// Artifact is one indexed sandbox file.
type Artifact struct {
	ID     string            `json:"id"`
	Path   string            `json:"path"` // run-relative, always under artifacts/
	MIME   string            `json:"mime"`
	SHA256 string            `json:"sha256"`
	Tags   []string          `json:"tags,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Ref returns the frozen evidence reference for the artifact.
func (a Artifact) Ref() evidence.Ref {
	return evidence.Ref{Type: evidence.TypeArtifact, ID: a.Path, Hash: evidence.HashString(a.SHA256)}
}

// Store owns the artifacts directory of a single run.
//
// The single-writer model of the action loop means Store needs no file
// locking; the mutex only guards the in-process index.
type Store struct {
	runDir    string
	artDir    string
	indexPath string
	logger    *zap.Logger

	mu    sync.Mutex
	index []Artifact
}

// NewStore creates (or reopens) the artifact store for runDir.
func NewStore(runDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	artDir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(artDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifacts dir: %w", err)
	}
	s := &Store{
		runDir:    runDir,
		artDir:    artDir,
		indexPath: filepath.Join(artDir, "index.json"),
		logger:    logger,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// RunDir returns the run root the store is sandboxed under.
func (s *Store) RunDir() string { return s.runDir }

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return s.saveIndexLocked()
	}
	if err != nil {
		return fmt.Errorf("reading artifact index: %w", err)
	}
	var idx struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decoding artifact index: %w", err)
	}
	s.index = idx.Artifacts
	return nil
}

func (s *Store) saveIndexLocked() error {
	idx := struct {
		Artifacts []Artifact `json:"artifacts"`
	}{Artifacts: s.index}
	if idx.Artifacts == nil {
		idx.Artifacts = []Artifact{}
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact index: %w", err)
	}
	if err := os.WriteFile(s.indexPath, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact index: %w", err)
	}
	return nil
}

// Resolve normalizes rel into a run-relative artifacts path and its absolute
// location, rejecting anything that escapes the sandbox. A leading
// "artifacts/" is optional on input.
func (s *Store) Resolve(rel string) (runRel string, abs string, err error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrSandboxEscape)
	}
	if filepath.IsAbs(rel) {
		return "", "", fmt.Errorf("%w: absolute path %q", ErrSandboxEscape, rel)
	}
	if !strings.HasPrefix(rel, "artifacts/") && rel != "artifacts" {
		rel = "artifacts/" + rel
	}
	clean := filepath.Clean(rel)
	if clean != "artifacts" && !strings.HasPrefix(clean, "artifacts"+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrSandboxEscape, rel)
	}
	abs = filepath.Join(s.runDir, clean)
	root := s.artDir + string(filepath.Separator)
	if abs != s.artDir && !strings.HasPrefix(abs, root) {
		return "", "", fmt.Errorf("%w: %q", ErrSandboxEscape, rel)
	}
	return filepath.ToSlash(clean), abs, nil
}

// WriteText writes content at rel inside the sandbox and indexes the result.
// Overwriting an existing path is allowed; the index gains a new entry with
// the new hash (history stays in the action log, not the index).
func (s *Store) WriteText(rel, content string, tags []string, meta map[string]string) (Artifact, error) {
	runRel, abs, err := s.Resolve(rel)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return Artifact{}, fmt.Errorf("writing artifact: %w", err)
	}
	digest := evidence.SHA256Bytes([]byte(content))
	art := Artifact{
		ID:     digest[:16],
		Path:   runRel,
		MIME:   "text/plain",
		SHA256: digest,
		Tags:   tags,
		Meta:   meta,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = append(s.index, art)
	if err := s.saveIndexLocked(); err != nil {
		return Artifact{}, err
	}
	s.logger.Debug("artifact written",
		zap.String("path", art.Path),
		zap.String("sha256", art.SHA256),
		zap.Int("size", len(content)),
	)
	return art, nil
}

// Read returns up to maxReadBytes of the artifact at rel plus its current
// content hash.
func (s *Store) Read(rel string) (content string, hash string, err error) {
	runRel, abs, err := s.Resolve(rel)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("reading artifact %s: %w", runRel, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return string(data), evidence.HashString(evidence.SHA256Bytes(data)), nil
}

// GlobRef is Glob returning the match as a frozen evidence reference.
func (s *Store) GlobRef(pattern string) (evidence.Ref, bool) {
	art, ok := s.Glob(pattern)
	if !ok {
		return evidence.Ref{}, false
	}
	return art.Ref(), true
}

// List returns a copy of the index.
func (s *Store) List() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Artifact, len(s.index))
	copy(out, s.index)
	return out
}

// Glob reports whether any artifact matches pattern, checking both the index
// and the filesystem under the run root. Patterns without an "artifacts/"
// prefix are also tried with one, matching how gate conditions name paths.
func (s *Store) Glob(pattern string) (Artifact, bool) {
	patterns := []string{pattern}
	if !strings.HasPrefix(pattern, "artifacts/") {
		patterns = append(patterns, "artifacts/"+pattern)
	}
	for _, art := range s.List() {
		for _, pat := range patterns {
			if ok, err := doublestar.Match(pat, art.Path); err == nil && ok {
				return art, true
			}
		}
	}
	// Fall back to on-disk files written outside the index (e.g. by tests
	// or executors reporting paths only).
	for _, pat := range patterns {
		matches, err := doublestar.Glob(os.DirFS(s.runDir), pat)
		if err != nil || len(matches) == 0 {
			continue
		}
		rel := matches[0]
		info, err := os.Stat(filepath.Join(s.runDir, rel))
		if err != nil || info.IsDir() {
			continue
		}
		ref := evidence.FromArtifactPath(s.runDir, rel)
		digest := strings.TrimPrefix(ref.Hash, "sha256:")
		id := digest
		if len(id) > 16 {
			id = id[:16]
		}
		return Artifact{
			ID:     id,
			Path:   filepath.ToSlash(rel),
			MIME:   "text/plain",
			SHA256: digest,
		}, true
	}
	return Artifact{}, false
}
