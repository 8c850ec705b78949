// Package finalize implements the end-of-run pass: evidence verification,
// decision log export, citation indexing, deliverable bundling, and the
// final report. Steps fail independently; one broken step never blocks the
// report that records it broke.
package finalize

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/loom/internal/artifact"
	"github.com/fyrsmithlabs/loom/internal/config"
	"github.com/fyrsmithlabs/loom/internal/contract"
	"github.com/fyrsmithlabs/loom/internal/evidence"
	"github.com/fyrsmithlabs/loom/internal/gate"
	"github.com/fyrsmithlabs/loom/internal/huddle"
	"github.com/fyrsmithlabs/loom/internal/knowledge"
	"github.com/fyrsmithlabs/loom/internal/plan"
)

// DriftKind classifies a verification finding.
type DriftKind string

const (
	// DriftEvidence: a cited artifact changed or vanished since it was
	// frozen.
	DriftEvidence DriftKind = "evidence_drift"

	// DriftContract: a contract test result file no longer matches what a
	// decision or gate recorded.
	DriftContract DriftKind = "contract_drift"

	// DriftSpec: a contract spec under test changed after its result was
	// recorded.
	DriftSpec DriftKind = "spec_drift"
)

// Finding is one drift detection.
type Finding struct {
	Kind    DriftKind    `json:"kind"`
	Ref     evidence.Ref `json:"ref"`
	Details string       `json:"details"`
}

// StepResult records one finalization step's outcome.
type StepResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Err  string `json:"err,omitempty"`
}

// LinterResult is one deliverable lint check.
type LinterResult struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Report is the finalization report persisted at
// artifacts/finalization/report.json.
type Report struct {
	RunID             string                   `json:"run_id"`
	FinalizedAt       time.Time                `json:"finalized_at"`
	Complete          bool                     `json:"complete"`
	Steps             []StepResult             `json:"steps"`
	Drift             []Finding                `json:"drift"`
	Gates             []gate.Evaluation        `json:"gates"`
	Linters           []LinterResult           `json:"linters"`
	Decisions         []huddle.DecisionSummary `json:"decisions"`
	Tests             []contract.Test          `json:"tests"`
	Signals           []knowledge.Signal       `json:"signals"`
	Artifacts         []artifact.Artifact      `json:"artifacts"`
	Plan              plan.Snapshot            `json:"plan"`
	Deliverables      []string                 `json:"deliverables"`
	DecisionLogPath   string                   `json:"decision_log_path,omitempty"`
	CitationIndexPath string                   `json:"citation_index_path,omitempty"`
}

// DefaultDeliverableGlobs selects what ships in the deliverable bundle.
var DefaultDeliverableGlobs = []string{
	"artifacts/backend/**",
	"artifacts/frontend/**",
	"artifacts/contracts/**",
	"artifacts/plans/**",
}

// Options wires the pass to a run's state.
type Options struct {
	RunID            string
	RunDir           string
	Store            *artifact.Store
	Registry         *huddle.Registry
	Bus              *knowledge.Bus
	Graph            *plan.Graph
	Gates            []config.GateConfig
	DeliverableGlobs []string
	Logger           *zap.Logger
}

// Run executes the finalization pass. It always returns a report; the error
// is non-nil only when the report itself could not be written.
func Run(ctx context.Context, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.DeliverableGlobs) == 0 {
		opts.DeliverableGlobs = DefaultDeliverableGlobs
	}
	report := Report{
		RunID:       opts.RunID,
		FinalizedAt: time.Now().UTC(),
		Decisions:   opts.Registry.All(),
		Tests:       contract.LoadResults(opts.RunDir).All(),
		Signals:     opts.Bus.All(),
		Artifacts:   opts.Store.List(),
		Plan:        opts.Graph.Snapshot(),
	}

	step := func(name string, fn func() error) {
		if err := ctx.Err(); err != nil {
			report.Steps = append(report.Steps, StepResult{Name: name, Err: err.Error()})
			return
		}
		res := StepResult{Name: name, OK: true}
		if err := fn(); err != nil {
			res.OK = false
			res.Err = err.Error()
			logger.Warn("finalization step failed", zap.String("step", name), zap.Error(err))
		}
		report.Steps = append(report.Steps, res)
	}

	step("verify_evidence", func() error {
		report.Drift = verifyEvidence(opts.RunDir, report.Decisions, report.Tests)
		return nil
	})
	step("evaluate_gates", func() error {
		report.Gates = evaluateGates(opts, logger)
		return nil
	})
	step("export_decision_log", func() error {
		if err := writeJSON(opts.RunDir, "artifacts/finalization/decision_log.json", report.Decisions); err != nil {
			return err
		}
		if err := writeText(opts.RunDir, "artifacts/finalization/decision_log.md",
			decisionLogMarkdown(opts.RunID, report.Decisions)); err != nil {
			return err
		}
		report.DecisionLogPath = "artifacts/finalization/decision_log.md"
		return nil
	})
	step("build_citation_index", func() error {
		if err := writeJSON(opts.RunDir, "artifacts/finalization/citations.json", citationIndex(report.Decisions)); err != nil {
			return err
		}
		report.CitationIndexPath = "artifacts/finalization/citations.json"
		return nil
	})
	step("bundle_deliverables", func() error {
		files, err := bundleDeliverables(opts.RunDir, opts.DeliverableGlobs)
		report.Deliverables = files
		if err == nil {
			report.Linters = lintDeliverables(opts.RunDir, files)
		}
		return err
	})

	report.Complete = true
	for _, s := range report.Steps {
		if !s.OK {
			report.Complete = false
		}
	}

	// Writing the report is the last step; its failure is the only one that
	// errors the pass.
	if err := writeJSON(opts.RunDir, "artifacts/finalization/report.json", report); err != nil {
		report.Steps = append(report.Steps, StepResult{Name: "write_report", Err: err.Error()})
		report.Complete = false
		return report, fmt.Errorf("writing finalization report: %w", err)
	}
	report.Steps = append(report.Steps, StepResult{Name: "write_report", OK: true})

	logger.Info("run finalized",
		zap.String("run_id", opts.RunID),
		zap.Bool("complete", report.Complete),
		zap.Int("drift_findings", len(report.Drift)),
		zap.Int("deliverables", len(report.Deliverables)),
	)
	return report, nil
}

// verifyEvidence re-hashes every frozen artifact reference and classifies
// mismatches. Rag and external references carry no re-checkable local state
// and are skipped.
func verifyEvidence(runDir string, decisions []huddle.DecisionSummary, tests []contract.Test) []Finding {
	var findings []Finding
	check := func(ref evidence.Ref) {
		if ref.Type != evidence.TypeArtifact || ref.Hash == "" {
			return
		}
		current, ok := evidence.CurrentSHA256(runDir, ref.ID)
		switch {
		case !ok:
			findings = append(findings, Finding{
				Kind: classifyDrift(ref.ID), Ref: ref,
				Details: "cited artifact no longer exists",
			})
		case evidence.HashString(current) != ref.Hash:
			findings = append(findings, Finding{
				Kind: classifyDrift(ref.ID), Ref: ref,
				Details: "cited artifact content changed since it was frozen",
			})
		}
	}
	for _, ds := range decisions {
		for _, ref := range ds.Evidence {
			check(ref)
		}
	}
	for _, t := range tests {
		for _, ref := range t.Evidence {
			check(ref)
		}
	}
	return findings
}

// evaluateGates re-runs every configured stage gate against the run's final
// state, so the report records where the plan actually stood at the end.
func evaluateGates(opts Options, logger *zap.Logger) []gate.Evaluation {
	if len(opts.Gates) == 0 {
		return nil
	}
	evaluator := gate.NewEvaluator(contract.LoadResults(opts.RunDir), opts.Store, logger)
	evals := make([]gate.Evaluation, 0, len(opts.Gates))
	for _, gc := range opts.Gates {
		evals = append(evals, evaluator.Evaluate(gate.StageGate{
			ID:         gc.ID,
			Name:       gc.Name,
			Conditions: gc.Conditions,
			Status:     gate.StatusPending,
		}))
	}
	return evals
}

// lintDeliverables syntax-checks structured deliverables before they ship.
func lintDeliverables(runDir string, files []string) []LinterResult {
	var results []LinterResult
	for _, rel := range files {
		var name string
		var check func([]byte) error
		switch filepath.Ext(rel) {
		case ".json":
			name = "json-syntax"
			check = func(data []byte) error {
				var v any
				return json.Unmarshal(data, &v)
			}
		case ".yaml", ".yml":
			name = "yaml-syntax"
			check = func(data []byte) error {
				var v any
				return yaml.Unmarshal(data, &v)
			}
		default:
			continue
		}
		res := LinterResult{Name: name, Path: rel, OK: true}
		data, err := os.ReadFile(filepath.Join(runDir, rel))
		if err == nil {
			err = check(data)
		}
		if err != nil {
			res.OK = false
			res.Details = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func classifyDrift(path string) DriftKind {
	switch {
	case strings.HasPrefix(path, "artifacts/contracts/results/"):
		return DriftContract
	case strings.HasPrefix(path, "artifacts/contracts/"):
		return DriftSpec
	default:
		return DriftEvidence
	}
}

// decisionLogMarkdown renders the decision log with inline citation markers
// so each claim can be traced back to its frozen evidence.
func decisionLogMarkdown(runID string, decisions []huddle.DecisionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Decision log: %s\n", runID)
	for _, ds := range decisions {
		fmt.Fprintf(&b, "\n## %s\n\n", ds.ID)
		fmt.Fprintf(&b, "- huddle: %s\n", ds.HuddleID)
		if ds.Topic != "" {
			fmt.Fprintf(&b, "- topic: %s\n", ds.Topic)
		}
		if ds.Supersedes != "" {
			fmt.Fprintf(&b, "- supersedes: %s\n", ds.Supersedes)
		}
		fmt.Fprintf(&b, "- decision: %s", ds.Decision)
		for _, ref := range ds.Evidence {
			fmt.Fprintf(&b, " [%s:%s]", ref.Type, ref.ID)
		}
		b.WriteString("\n")
		if ds.Rationale != "" {
			fmt.Fprintf(&b, "- rationale: %s\n", ds.Rationale)
		}
	}
	return b.String()
}

// citationIndex maps each cited evidence id to the decisions citing it.
func citationIndex(decisions []huddle.DecisionSummary) map[string][]string {
	index := map[string][]string{}
	for _, ds := range decisions {
		for _, ref := range ds.Evidence {
			index[ref.ID] = append(index[ref.ID], ds.ID)
		}
	}
	return index
}

// bundleDeliverables zips everything the deliverable globs match into
// artifacts/deliverables/bundle.zip and returns the bundled paths.
func bundleDeliverables(runDir string, globs []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range globs {
		matches, err := doublestar.Glob(os.DirFS(runDir), pattern)
		if err != nil {
			return nil, fmt.Errorf("matching %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			info, err := os.Stat(filepath.Join(runDir, m))
			if err != nil || info.IsDir() {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, nil
	}

	bundleDir := filepath.Join(runDir, "artifacts", "deliverables")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return files, fmt.Errorf("creating deliverables dir: %w", err)
	}
	out, err := os.Create(filepath.Join(bundleDir, "bundle.zip"))
	if err != nil {
		return files, fmt.Errorf("creating bundle: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range files {
		src, err := os.Open(filepath.Join(runDir, rel))
		if err != nil {
			return files, fmt.Errorf("opening %s: %w", rel, err)
		}
		w, err := zw.Create(rel)
		if err != nil {
			src.Close()
			return files, fmt.Errorf("adding %s to bundle: %w", rel, err)
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return files, fmt.Errorf("copying %s: %w", rel, err)
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("closing bundle: %w", err)
	}
	return files, nil
}

func writeText(runDir, rel, content string) error {
	abs := filepath.Join(runDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

func writeJSON(runDir, rel string, v any) error {
	abs := filepath.Join(runDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(rel), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}
