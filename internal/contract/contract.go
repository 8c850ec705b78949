// Package contract models contract tests and provides the local test
// executor. The orchestration core consumes results read-only; the gate
// evaluator's tests.pass predicate is answered from persisted result files.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// Status of a contract test.
type Status string

const (
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Kind of a contract test.
type Kind string

const (
	KindSchema Kind = "schema"
	KindUnit   Kind = "unit"
	KindHTTP   Kind = "http"
)

// Test is one contract test result.
type Test struct {
	ID       string             `json:"id"`
	Subject  string             `json:"subject,omitempty"`
	Kind     Kind               `json:"kind"`
	Status   Status             `json:"status"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Evidence []evidence.Ref     `json:"evidence,omitempty"`
}

// Executor runs contract tests by id. The production implementation may be
// remote; LocalRunner below is the in-process one.
type Executor interface {
	Run(ctx context.Context, testIDs []string) ([]Test, error)
}

// ResultsDir is the run-relative directory result files are persisted to.
const ResultsDir = "artifacts/contracts/results"

// testsDir holds the declarative test specs the local runner scans.
const testsDir = "artifacts/contracts/tests"

// spec is the on-disk shape of a declarative contract test.
type spec struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`
	Kind       string            `json:"type"`
	SpecPath   string            `json:"spec_path"`
	Examples   []json.RawMessage `json:"examples"`
	Assertions []assertion       `json:"assertions"`
}

type assertion struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// LocalRunner executes declarative contract tests found under the run's
// contracts directory and persists one result file per test id.
type LocalRunner struct {
	runDir string
	logger *zap.Logger
}

// NewLocalRunner creates a runner for runDir.
func NewLocalRunner(runDir string, logger *zap.Logger) *LocalRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRunner{runDir: runDir, logger: logger}
}

// Run scans artifacts/contracts/tests/**.json, executes every spec found,
// persists results, and returns those matching testIDs (all when empty).
func (r *LocalRunner) Run(ctx context.Context, testIDs []string) ([]Test, error) {
	specs, err := r.scan()
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range testIDs {
		want[id] = true
	}
	var out []Test
	for _, sp := range specs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		t := r.runSpec(sp)
		if err := r.persist(t); err != nil {
			r.logger.Warn("persisting contract result failed",
				zap.String("test_id", t.ID), zap.Error(err))
		}
		if len(want) == 0 || want[t.ID] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *LocalRunner) scan() ([]spec, error) {
	var specs []spec
	matches, err := doublestar.Glob(os.DirFS(r.runDir), testsDir+"/**/*.json")
	if err != nil {
		return nil, fmt.Errorf("scanning contract tests: %w", err)
	}
	flat, err := doublestar.Glob(os.DirFS(r.runDir), testsDir+"/*.json")
	if err == nil {
		matches = append(matches, flat...)
	}
	seen := map[string]bool{}
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		data, err := os.ReadFile(filepath.Join(r.runDir, m))
		if err != nil {
			continue
		}
		// A spec file holds either one object or a list of them.
		var one spec
		if err := json.Unmarshal(data, &one); err == nil && one.ID != "" {
			specs = append(specs, one)
			continue
		}
		var many []spec
		if err := json.Unmarshal(data, &many); err == nil {
			for _, sp := range many {
				if sp.ID != "" {
					specs = append(specs, sp)
				}
			}
		}
	}
	return specs, nil
}

func (r *LocalRunner) runSpec(sp spec) Test {
	t := Test{
		ID:      sp.ID,
		Subject: sp.Subject,
		Kind:    Kind(strings.ToLower(sp.Kind)),
		Status:  StatusFailed,
		Metrics: map[string]float64{},
	}
	switch t.Kind {
	case KindSchema:
		r.runSchema(sp, &t)
	case KindHTTP:
		r.runHTTP(sp, &t)
	case KindUnit:
		r.runUnit(sp, &t)
	default:
		t.Evidence = append(t.Evidence, evidence.Ref{
			Type: evidence.TypeArtifact, ID: sp.SpecPath,
		})
	}
	return t
}

// runSchema parses the candidate OpenAPI document and requires the
// openapi|swagger marker plus a paths section.
func (r *LocalRunner) runSchema(sp spec, t *Test) {
	abs := filepath.Join(r.runDir, sp.SpecPath)
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Evidence = append(t.Evidence, evidence.Ref{Type: evidence.TypeArtifact, ID: sp.SpecPath})
		return
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Metrics["schema_valid"] = 0
		return
	}
	score := 0.0
	_, hasOpenAPI := doc["openapi"]
	if !hasOpenAPI {
		_, hasOpenAPI = doc["swagger"]
	}
	_, hasPaths := doc["paths"]
	_, hasComponents := doc["components"]
	if hasOpenAPI {
		score++
	}
	if hasPaths {
		score++
	}
	if hasComponents {
		score++
	}
	t.Metrics["score"] = score
	if hasOpenAPI && hasPaths {
		t.Metrics["schema_valid"] = 1
		t.Status = StatusPassed
		t.Evidence = append(t.Evidence, evidence.FromArtifactPath(r.runDir, sp.SpecPath))
	} else {
		t.Metrics["schema_valid"] = 0
	}
}

// runHTTP checks every example is valid standalone JSON.
func (r *LocalRunner) runHTTP(sp spec, t *Test) {
	good := 0
	for _, ex := range sp.Examples {
		var v any
		if json.Unmarshal(ex, &v) == nil {
			good++
		}
	}
	t.Metrics["examples_ok"] = float64(good)
	if good == len(sp.Examples) {
		t.Status = StatusPassed
	}
}

// runUnit evaluates file_exists assertions against the sandbox.
func (r *LocalRunner) runUnit(sp spec, t *Test) {
	ok := 0
	for _, a := range sp.Assertions {
		if a.Kind != "file_exists" {
			continue
		}
		candidates := []string{a.Path}
		if !strings.HasPrefix(a.Path, "artifacts/") {
			candidates = append(candidates, "artifacts/"+a.Path)
		}
		for _, c := range candidates {
			if _, err := os.Stat(filepath.Join(r.runDir, c)); err == nil {
				ok++
				t.Evidence = append(t.Evidence, evidence.FromArtifactPath(r.runDir, c))
				break
			}
		}
	}
	t.Metrics["assertions_ok"] = float64(ok)
	t.Metrics["assertions_total"] = float64(len(sp.Assertions))
	if ok == len(sp.Assertions) {
		t.Status = StatusPassed
	}
}

func (r *LocalRunner) persist(t Test) error {
	dir := filepath.Join(r.runDir, filepath.FromSlash(ResultsDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, t.ID+".json"), data, 0o644)
}

// LoadResults reads every persisted result under runDir into a ResultSet.
func LoadResults(runDir string) ResultSet {
	rs := ResultSet{runDir: runDir, byID: map[string]Test{}}
	dir := filepath.Join(runDir, filepath.FromSlash(ResultsDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return rs
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var t Test
		if err := json.Unmarshal(data, &t); err != nil || t.ID == "" {
			continue
		}
		rs.byID[t.ID] = t
	}
	return rs
}

// ResultSet is a read-only view of the latest contract test results.
type ResultSet struct {
	runDir string
	byID   map[string]Test
}

// Passed reports whether the named test passed, and if so returns the frozen
// evidence reference to its persisted result file.
func (rs ResultSet) Passed(id string) (evidence.Ref, bool) {
	t, ok := rs.byID[id]
	if !ok || t.Status != StatusPassed {
		return evidence.Ref{}, false
	}
	rel := ResultsDir + "/" + id + ".json"
	if rs.runDir != "" {
		return evidence.FromArtifactPath(rs.runDir, rel), true
	}
	return evidence.Ref{Type: evidence.TypeArtifact, ID: rel}, true
}

// Statuses returns test id → status for condensed state snapshots.
func (rs ResultSet) Statuses() map[string]Status {
	out := make(map[string]Status, len(rs.byID))
	for id, t := range rs.byID {
		out[id] = t.Status
	}
	return out
}

// All returns every result, for the finalization report.
func (rs ResultSet) All() []Test {
	out := make([]Test, 0, len(rs.byID))
	for _, t := range rs.byID {
		out = append(out, t)
	}
	return out
}
