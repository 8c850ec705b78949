package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/loom/internal/config"
	"github.com/fyrsmithlabs/loom/internal/decisionsource"
	"github.com/fyrsmithlabs/loom/internal/executor"
	"github.com/fyrsmithlabs/loom/internal/huddle"
	"github.com/fyrsmithlabs/loom/internal/knowledge"
	"github.com/fyrsmithlabs/loom/internal/runlog"
)

// agreeSpeaker always consents, so dialog huddles settle in one round.
type agreeSpeaker struct{}

func (agreeSpeaker) Speak(context.Context, string, string, []huddle.Turn) (string, error) {
	return "works for me\nAGREE: yes", nil
}

// echoAgent reports success without touching the filesystem.
func echoAgent() executor.Agent {
	return executor.AgentFunc(func(_ context.Context, task executor.Task) (executor.Result, error) {
		return executor.Result{Summary: "done " + task.Segment}, nil
	})
}

func newTestRun(t *testing.T, proposals ...decisionsource.Proposal) *Run {
	t.Helper()
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Run.RootDir = t.TempDir()

	r, err := NewRun(&cfg, Collaborators{
		Source:  decisionsource.NewScripted(proposals...),
		Speaker: agreeSpeaker{},
		Agent:   echoAgent(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// turnRecord is the shape of one operation entry's payload.
type turnRecord struct {
	Params      json.RawMessage `json:"params"`
	Observation Observation     `json:"observation"`
}

// lastObservation reads the observation out of the newest action log entry.
func lastObservation(t *testing.T, runDir string) Observation {
	t.Helper()
	entries, err := runlog.ReadAll(runDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	var rec turnRecord
	require.NoError(t, json.Unmarshal(entries[len(entries)-1].Payload, &rec))
	return rec.Observation
}

func TestStep_WriteAndReadArtifact(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "write_artifact", Args: args(t, map[string]any{
			"path": "backend/app/main.py", "content": "print('ok')\n",
		})},
		decisionsource.Proposal{Tool: "read_artifact", Args: args(t, map[string]any{
			"path": "backend/app/main.py",
		})},
	)
	ctx := context.Background()

	require.NoError(t, r.Controller.Step(ctx))
	require.NoError(t, r.Controller.Step(ctx))

	entries, err := runlog.ReadAll(r.Dir)
	require.NoError(t, err)
	// run_start + one record per turn.
	require.Len(t, entries, 3)
	assert.Equal(t, runlog.TypeRunStart, entries[0].Type)
	assert.Equal(t, "write_artifact", entries[1].Op)
	assert.Equal(t, 1, entries[1].Step)
	assert.Equal(t, 2, entries[2].Step)

	var rec turnRecord
	require.NoError(t, json.Unmarshal(entries[2].Payload, &rec))
	assert.True(t, rec.Observation.OK)
	assert.Equal(t, "print('ok')\n", rec.Observation.Payload["content"])
	assert.JSONEq(t, `{"path":"backend/app/main.py"}`, string(rec.Params))
}

func TestStep_OneRecordPerTurn(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Run.RootDir = t.TempDir()
	cfg.Run.MaxSteps = 5

	proposals := make([]decisionsource.Proposal, 6)
	for i := range proposals {
		proposals[i] = decisionsource.Proposal{
			Tool: "knowledge_query",
			Args: []byte(`{"query":"anything"}`),
		}
	}
	r, err := NewRun(&cfg, Collaborators{
		Source:  decisionsource.NewScripted(proposals...),
		Speaker: agreeSpeaker{},
		Agent:   echoAgent(),
	}, nil)
	require.NoError(t, err)
	defer r.Close()

	err = r.Controller.Run(context.Background())
	require.ErrorIs(t, err, ErrBudgetExceeded)

	entries, rerr := runlog.ReadAll(r.Dir)
	require.NoError(t, rerr)
	var ops []runlog.Entry
	for _, e := range entries {
		if e.Type == runlog.TypeOperation {
			ops = append(ops, e)
		}
	}
	// A budget of five turns yields exactly five operation records, each
	// carrying its turn number.
	require.Len(t, ops, 5)
	for i, e := range ops {
		assert.Equal(t, i+1, e.Step)
		var rec turnRecord
		require.NoError(t, json.Unmarshal(e.Payload, &rec))
		assert.Equal(t, "knowledge_query", rec.Observation.Op)
	}
}

// failingSource errors on every decision without being exhausted.
type failingSource struct{}

func (failingSource) Decide(context.Context, string, string, []decisionsource.ToolDef) (decisionsource.Proposal, error) {
	return decisionsource.Proposal{}, errors.New("model unavailable")
}

func TestStep_DecisionFailureCostsTurnNotRun(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Run.RootDir = t.TempDir()

	r, err := NewRun(&cfg, Collaborators{
		Source:  failingSource{},
		Speaker: agreeSpeaker{},
		Agent:   echoAgent(),
	}, nil)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	// The failed decision consumes the turn and journals a no-op.
	require.NoError(t, r.Controller.Step(ctx))
	assert.Equal(t, 1, r.Controller.Steps())
	assert.False(t, r.Controller.Finalized())

	obs := lastObservation(t, r.Dir)
	assert.Equal(t, "no_op", obs.Op)
	assert.False(t, obs.OK)
	assert.Contains(t, obs.Error, "model unavailable")

	// The loop keeps going on later turns.
	require.NoError(t, r.Controller.Step(ctx))
	assert.Equal(t, 2, r.Controller.Steps())
}

func TestStep_ExhaustedSourceIsFatal(t *testing.T) {
	r := newTestRun(t)

	err := r.Controller.Step(context.Background())
	assert.ErrorIs(t, err, decisionsource.ErrExhausted)
}

func TestStep_SandboxEscapeIsObservedNotFatal(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "write_artifact", Args: args(t, map[string]any{
			"path": "../outside.txt", "content": "x",
		})},
	)

	require.NoError(t, r.Controller.Step(context.Background()))

	obs := lastObservation(t, r.Dir)
	assert.False(t, obs.OK)
	assert.Contains(t, obs.Error, "escapes artifact sandbox")
}

func TestStep_UnknownOperationIsObservedNotFatal(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "deploy_to_prod", Args: args(t, map[string]any{})},
	)

	require.NoError(t, r.Controller.Step(context.Background()))
	assert.Equal(t, 1, r.Controller.Steps())
}

func TestStep_BudgetExceededWithoutAutoFinalize(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Run.RootDir = t.TempDir()
	cfg.Run.MaxSteps = 2

	proposals := []decisionsource.Proposal{
		{Tool: "knowledge_query", Args: []byte(`{"query":"anything at all"}`)},
		{Tool: "knowledge_query", Args: []byte(`{"query":"still searching"}`)},
		{Tool: "knowledge_query", Args: []byte(`{"query":"one too many"}`)},
	}
	r, err := NewRun(&cfg, Collaborators{
		Source:  decisionsource.NewScripted(proposals...),
		Speaker: agreeSpeaker{},
		Agent:   echoAgent(),
	}, nil)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Controller.Step(ctx))
	require.NoError(t, r.Controller.Step(ctx))
	err = r.Controller.Step(ctx)

	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.False(t, r.Controller.Finalized())

	entries, rerr := runlog.ReadAll(r.Dir)
	require.NoError(t, rerr)
	last := entries[len(entries)-1]
	assert.Equal(t, runlog.TypeRunEnd, last.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "budget_exceeded", payload["outcome"])
}

func TestStep_HuddleDecisionInjectionFlow(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "open_huddle", Args: args(t, map[string]any{
			"topic": "REST or GraphQL", "mode": "dialog",
		})},
		decisionsource.Proposal{Tool: "record_decision_summary", Args: args(t, map[string]any{
			"huddle_id": "hd_000001", "decision": "use REST", "rationale": "simpler clients",
			"options": []string{"REST", "GraphQL"}, "risks": []string{"over-fetching"},
		})},
		decisionsource.Proposal{Tool: "inject_summary", Args: args(t, map[string]any{
			"decision_id": "ds_000001",
		})},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Controller.Step(ctx))
	}

	obs := lastObservation(t, r.Dir)
	require.True(t, obs.OK)
	assert.Contains(t, obs.Payload["text"], "[decision ds_000001] use REST")

	// The decision file is persisted with the huddle topic filled in.
	data, err := os.ReadFile(filepath.Join(r.Dir, "artifacts", "decisions", "ds_000001.json"))
	require.NoError(t, err)
	var ds huddle.DecisionSummary
	require.NoError(t, json.Unmarshal(data, &ds))
	assert.Equal(t, "REST or GraphQL", ds.Topic)
	assert.Equal(t, []string{"REST", "GraphQL"}, ds.Options)
	assert.Equal(t, []string{"over-fetching"}, ds.Risks)
}

func TestStep_DecisionWithoutTopicOrDecisionRejected(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "open_huddle", Args: args(t, map[string]any{
			"topic": "storage engine",
		})},
		decisionsource.Proposal{Tool: "record_decision_summary", Args: args(t, map[string]any{
			"huddle_id": "hd_000001", "rationale": "no decision text given",
		})},
	)
	ctx := context.Background()

	require.NoError(t, r.Controller.Step(ctx))
	require.NoError(t, r.Controller.Step(ctx))

	obs := lastObservation(t, r.Dir)
	assert.False(t, obs.OK)
	assert.Contains(t, obs.Error, "missing topic or decision")
}

func TestStep_AdvanceBlockedThenCooldown(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "propose_advance_step", Args: args(t, map[string]any{
			"to_step": "backend_scaffold",
		})},
		decisionsource.Proposal{Tool: "propose_advance_step", Args: args(t, map[string]any{
			"to_step": "backend_scaffold",
		})},
		decisionsource.Proposal{Tool: "propose_advance_step", Args: args(t, map[string]any{
			"to_step": "backend_scaffold",
		})},
	)
	ctx := context.Background()

	// First failure: gates evaluated, no cooldown yet.
	require.NoError(t, r.Controller.Step(ctx))
	obs := lastObservation(t, r.Dir)
	assert.False(t, obs.OK)
	assert.Zero(t, obs.RetryAfterMS)

	// Second consecutive failure trips the cooldown.
	require.NoError(t, r.Controller.Step(ctx))
	obs = lastObservation(t, r.Dir)
	assert.False(t, obs.OK)
	assert.Positive(t, obs.RetryAfterMS)

	// While cooling down, the proposal is rejected without re-evaluating.
	require.NoError(t, r.Controller.Step(ctx))
	obs = lastObservation(t, r.Dir)
	assert.Contains(t, obs.Error, "cooldown")
	assert.Positive(t, obs.RetryAfterMS)
}

func TestStep_GatePassAdvancesPlan(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "write_artifact", Args: args(t, map[string]any{
			"path":    "contracts/tests/api_contract.json",
			"content": `{"id":"api_contract","type":"schema","spec_path":"artifacts/contracts/openapi.yaml"}`,
		})},
		decisionsource.Proposal{Tool: "write_artifact", Args: args(t, map[string]any{
			"path":    "contracts/openapi.yaml",
			"content": "openapi: 3.0.0\npaths:\n  /health:\n    get: {}\n",
		})},
		decisionsource.Proposal{Tool: "run_contract_tests", Args: args(t, map[string]any{})},
		decisionsource.Proposal{Tool: "propose_advance_step", Args: args(t, map[string]any{
			"to_step": "contracts",
		})},
	)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, r.Controller.Step(ctx))
	}

	obs := lastObservation(t, r.Dir)
	assert.True(t, obs.OK, "advance observation: %+v", obs)

	// The plan graph snapshot is saved with the advance edge.
	data, err := os.ReadFile(filepath.Join(r.Dir, "artifacts", "plans", "plan_graph.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "gates_passed")
}

func TestStep_SpawnExecutorsWithinBudget(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "schedule_slice", Args: args(t, map[string]any{
			"segments": []string{"backend_scaffold", "frontend_scaffold"},
		})},
		decisionsource.Proposal{Tool: "spawn_executors", Args: args(t, map[string]any{
			"tasks": []map[string]string{
				{"segment": "backend_scaffold", "instructions": "scaffold api"},
				{"segment": "frontend_scaffold", "instructions": "scaffold ui"},
			},
		})},
		decisionsource.Proposal{Tool: "spawn_executors", Args: args(t, map[string]any{
			"tasks": []map[string]string{
				{"segment": "a"}, {"segment": "b"}, {"segment": "c"}, {"segment": "d"},
			},
		})},
	)
	ctx := context.Background()

	require.NoError(t, r.Controller.Step(ctx))
	require.NoError(t, r.Controller.Step(ctx))
	obs := lastObservation(t, r.Dir)
	assert.True(t, obs.OK)

	// Four tasks exceed the slice budget of three.
	require.NoError(t, r.Controller.Step(ctx))
	obs = lastObservation(t, r.Dir)
	assert.False(t, obs.OK)
	assert.Contains(t, obs.Error, "budget")
}

func TestStep_CriticalSignalMarksReplan(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "knowledge_query", Args: []byte(`{"query":"auth model docs"}`)},
	)
	dropin := filepath.Join(r.Dir, knowledge.DropinDir, "critical-auth.md")
	require.NoError(t, os.WriteFile(dropin, []byte("auth is now SSO"), 0o644))
	r.Watcher().Sweep()

	require.NoError(t, r.Controller.Step(context.Background()))

	// The critical dropin produced a replan edge on the active segment.
	edges := 0
	for _, e := range r.Controller.graph.Snapshot().Edges {
		if e.From == e.To && e.Reason == "knowledge_signal" {
			edges++
		}
	}
	assert.Equal(t, 1, edges)
}

func TestStep_NotableSignalOpensHuddleAndMarksPlan(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "knowledge_query", Args: []byte(`{"query":"rate limits"}`)},
	)
	dropin := filepath.Join(r.Dir, knowledge.DropinDir, "upstream-rate-limits.md")
	require.NoError(t, os.WriteFile(dropin, []byte("upstream api caps at 10 rps"), 0o644))
	r.Watcher().Sweep()

	before := len(r.Controller.graph.Snapshot().Edges)
	require.NoError(t, r.Controller.Step(context.Background()))

	// One notable signal: exactly one opened huddle and one plan edge.
	assert.Equal(t, 1, r.Controller.huddles.OpenCount())
	edges := 0
	for _, e := range r.Controller.graph.Snapshot().Edges {
		if e.Reason == "knowledge_signal" {
			edges++
		}
	}
	assert.Equal(t, 1, edges)
	assert.Equal(t, before+1, len(r.Controller.graph.Snapshot().Edges))
}

func TestStep_InvalidEvidenceIsDroppedWithWarning(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Run.RootDir = t.TempDir()

	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	proposals := []decisionsource.Proposal{
		{Tool: "open_huddle", Args: args(t, map[string]any{"topic": "schema shape"})},
		{Tool: "record_decision_summary", Args: args(t, map[string]any{
			"huddle_id": "hd_000001", "decision": "flat schema", "rationale": "fewer joins",
			"evidence": []map[string]any{
				{"type": "artifact", "id": "contracts/openapi.yaml"},
				{"type": "hearsay", "id": "trust me"},
			},
		})},
	}
	r, err := NewRun(&cfg, Collaborators{
		Source:  decisionsource.NewScripted(proposals...),
		Speaker: agreeSpeaker{},
		Agent:   echoAgent(),
	}, logger)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Controller.Step(ctx))
	require.NoError(t, r.Controller.Step(ctx))

	obs := lastObservation(t, r.Dir)
	require.True(t, obs.OK, "observation: %+v", obs)

	ds, err := r.Controller.registry.Get("ds_000001")
	require.NoError(t, err)
	require.Len(t, ds.Evidence, 1)
	assert.Equal(t, "contracts/openapi.yaml", ds.Evidence[0].ID)

	dropLogs := logs.FilterMessage("dropping invalid evidence refs").All()
	require.Len(t, dropLogs, 1)
	assert.Equal(t, int64(1), dropLogs[0].ContextMap()["dropped"])
}

func TestStep_FinalizeRunEndsLoop(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "finalize_run", Args: args(t, map[string]any{
			"reason": "critical path complete",
		})},
	)
	ctx := context.Background()

	require.NoError(t, r.Controller.Step(ctx))

	assert.True(t, r.Controller.Finalized())
	require.NotNil(t, r.Controller.Report())
	_, err := os.Stat(filepath.Join(r.Dir, "artifacts", "finalization", "report.json"))
	assert.NoError(t, err)

	// Any further turn is rejected.
	assert.ErrorIs(t, r.Controller.Step(ctx), ErrRunFinalized)
}

func TestRun_LoopStopsOnFinalize(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "set_mode", Args: []byte(`{"mode":"tracks"}`)},
		decisionsource.Proposal{Tool: "finalize_run", Args: []byte(`{}`)},
	)

	err := r.Controller.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, r.Controller.Finalized())
	assert.Equal(t, 2, r.Controller.Steps())
}

func TestStep_ContextCancellation(t *testing.T) {
	r := newTestRun(t,
		decisionsource.Proposal{Tool: "set_mode", Args: []byte(`{"mode":"tracks"}`)},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Controller.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Controller.Steps())
}

func TestCooldownExpires(t *testing.T) {
	r := newTestRun(t)
	c := r.Controller
	c.cooldowns["backend_scaffold"] = time.Now().Add(-time.Second)

	obs := c.opProposeAdvance(&ProposeAdvanceStep{ToStep: "backend_scaffold"})

	// Expired cooldown: gates are evaluated again (and fail on empty state).
	assert.False(t, obs.OK)
	assert.NotContains(t, obs.Error, "cooldown")
}
