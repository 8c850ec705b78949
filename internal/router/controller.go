package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/artifact"
	"github.com/fyrsmithlabs/loom/internal/config"
	"github.com/fyrsmithlabs/loom/internal/contract"
	"github.com/fyrsmithlabs/loom/internal/decisionsource"
	"github.com/fyrsmithlabs/loom/internal/evidence"
	"github.com/fyrsmithlabs/loom/internal/executor"
	"github.com/fyrsmithlabs/loom/internal/finalize"
	"github.com/fyrsmithlabs/loom/internal/gate"
	"github.com/fyrsmithlabs/loom/internal/huddle"
	"github.com/fyrsmithlabs/loom/internal/knowledge"
	"github.com/fyrsmithlabs/loom/internal/plan"
	"github.com/fyrsmithlabs/loom/internal/retrieval"
	"github.com/fyrsmithlabs/loom/internal/runlog"
)

var (
	// ErrBudgetExceeded terminates a run that used all its turns without
	// finalizing. The run is not auto-finalized: an exhausted budget is a
	// failure, not a finish.
	ErrBudgetExceeded = errors.New("step budget exceeded")

	// ErrRunFinalized is returned for turns after finalize_run.
	ErrRunFinalized = errors.New("run already finalized")
)

// Searcher answers external_search operations.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one external finding.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Observation is what one turn reports back into the condensed state.
type Observation struct {
	Op           string         `json:"op"`
	OK           bool           `json:"ok"`
	Error        string         `json:"error,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

var (
	turnCounter   metric.Int64Counter
	opCounter     metric.Int64Counter
	turnHistogram metric.Float64Histogram
)

func init() {
	m := otel.Meter("github.com/fyrsmithlabs/loom/internal/router")
	turnCounter, _ = m.Int64Counter("loom.turns",
		metric.WithDescription("Action loop turns taken"))
	opCounter, _ = m.Int64Counter("loom.operations",
		metric.WithDescription("Operations dispatched, by name and outcome"))
	turnHistogram, _ = m.Float64Histogram("loom.turn.duration",
		metric.WithDescription("Turn duration in milliseconds"),
		metric.WithUnit("ms"))
}

// Controller drives the action loop for one run. It is single-threaded: one
// Step at a time, one operation per Step.
type Controller struct {
	cfg    *config.Config
	runID  string
	runDir string
	logger *zap.Logger
	now    func() time.Time

	source    decisionsource.Source
	log       *runlog.Log
	store     *artifact.Store
	graph     *plan.Graph
	huddles   *huddle.Manager
	registry  *huddle.Registry
	bus       *knowledge.Bus
	index     retrieval.Index
	searcher  Searcher
	contracts contract.Executor
	pool      *executor.Pool

	gates map[string]gate.StageGate

	steps        int
	finalized    bool
	scheduled    []string
	gateFailures map[string]int
	cooldowns    map[string]time.Time
	lastReport   *finalize.Report
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Source    decisionsource.Source
	Log       *runlog.Log
	Store     *artifact.Store
	Graph     *plan.Graph
	Huddles   *huddle.Manager
	Registry  *huddle.Registry
	Bus       *knowledge.Bus
	Index     retrieval.Index
	Searcher  Searcher
	Contracts contract.Executor
	Pool      *executor.Pool
	Logger    *zap.Logger
}

// NewController wires a controller for runID living at runDir.
func NewController(cfg *config.Config, runID, runDir string, deps Deps) (*Controller, error) {
	if deps.Source == nil {
		return nil, errors.New("decision source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gates := map[string]gate.StageGate{}
	for _, gc := range cfg.Gates {
		gates[gc.ID] = gate.StageGate{
			ID:         gc.ID,
			Name:       gc.Name,
			Conditions: gc.Conditions,
			Status:     gate.StatusPending,
		}
	}
	return &Controller{
		cfg:          cfg,
		runID:        runID,
		runDir:       runDir,
		logger:       logger,
		now:          time.Now,
		source:       deps.Source,
		log:          deps.Log,
		store:        deps.Store,
		graph:        deps.Graph,
		huddles:      deps.Huddles,
		registry:     deps.Registry,
		bus:          deps.Bus,
		index:        deps.Index,
		searcher:     deps.Searcher,
		contracts:    deps.Contracts,
		pool:         deps.Pool,
		gates:        gates,
		gateFailures: map[string]int{},
		cooldowns:    map[string]time.Time{},
	}, nil
}

// Finalized reports whether finalize_run has completed.
func (c *Controller) Finalized() bool { return c.finalized }

// Steps returns the number of turns taken.
func (c *Controller) Steps() int { return c.steps }

// Report returns the finalization report, nil before finalize_run.
func (c *Controller) Report() *finalize.Report { return c.lastReport }

// Run steps the loop until finalization, budget exhaustion, or a fatal error.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.Step(ctx); err != nil {
			return err
		}
		if c.finalized {
			return nil
		}
	}
}

// Step executes one turn: decide, dispatch, journal. Observation-level
// failures (a failed write, a gate that did not pass) are part of normal
// operation and do not error the turn; only budget exhaustion, a finalized
// run, context cancellation, or a dead decision source do.
func (c *Controller) Step(ctx context.Context) error {
	if c.finalized {
		return ErrRunFinalized
	}
	if c.steps >= c.cfg.Run.MaxSteps {
		_, _ = c.log.Append(runlog.TypeRunEnd, "", c.steps, map[string]any{
			"outcome": "budget_exceeded",
			"steps":   c.steps,
		})
		return fmt.Errorf("%w: %d steps", ErrBudgetExceeded, c.steps)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := c.now()
	c.steps++
	turnCounter.Add(ctx, 1)
	c.absorbSignals()

	state, err := c.condensedState()
	if err != nil {
		return fmt.Errorf("building condensed state: %w", err)
	}
	proposal, err := c.source.Decide(ctx, systemPrompt, state, Manifest())
	if err != nil {
		if errors.Is(err, decisionsource.ErrExhausted) || ctx.Err() != nil {
			return fmt.Errorf("deciding turn %d: %w", c.steps, err)
		}
		// A failed decision costs the turn but not the run.
		c.logger.Warn("decision source failed, no operation this turn",
			zap.Int("step", c.steps), zap.Error(err))
		obs := Observation{Op: "no_op", OK: false, Error: err.Error()}
		c.journal(proposal, obs)
		opCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", obs.Op),
			attribute.Bool("ok", false),
		))
		turnHistogram.Record(ctx, float64(time.Since(start).Milliseconds()))
		return nil
	}

	obs := c.dispatch(ctx, proposal)
	c.journal(proposal, obs)

	opCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", obs.Op),
		attribute.Bool("ok", obs.OK),
	))
	turnHistogram.Record(ctx, float64(time.Since(start).Milliseconds()))
	return nil
}

// journal writes the turn's single action log record: step number, operation,
// decided parameters, and the observation, together.
func (c *Controller) journal(proposal decisionsource.Proposal, obs Observation) {
	if _, err := c.log.Append(runlog.TypeOperation, obs.Op, c.steps, map[string]any{
		"params":      proposal.Args,
		"observation": obs,
	}); err != nil {
		c.logger.Error("journaling turn", zap.Error(err))
	}
}

// dispatch parses and executes one decided operation. The switch is
// exhaustive over the closed operation set.
func (c *Controller) dispatch(ctx context.Context, proposal decisionsource.Proposal) Observation {
	op, err := ParseOperation(proposal.Tool, proposal.Args)
	if err != nil {
		c.logger.Warn("rejected operation",
			zap.String("tool", proposal.Tool),
			zap.Error(err),
		)
		return Observation{Op: proposal.Tool, OK: false, Error: err.Error()}
	}

	switch v := op.(type) {
	case *SetMode:
		return c.opSetMode(v)
	case *OpenHuddle:
		return c.opOpenHuddle(ctx, v)
	case *RecordDecisionSummary:
		return c.opRecordDecision(ctx, v)
	case *InjectSummary:
		return c.opInjectSummary(v)
	case *SpawnExecutors:
		return c.opSpawnExecutors(ctx, v)
	case *ScheduleSlice:
		return c.opScheduleSlice(v)
	case *KnowledgeQuery:
		return c.opKnowledgeQuery(ctx, v)
	case *ExternalSearch:
		return c.opExternalSearch(ctx, v)
	case *RunContractTests:
		return c.opRunContractTests(ctx, v)
	case *ProposeAdvanceStep:
		return c.opProposeAdvance(v)
	case *WriteArtifact:
		return c.opWriteArtifact(v)
	case *ReadArtifact:
		return c.opReadArtifact(v)
	case *FinalizeRun:
		return c.opFinalizeRun(ctx, v)
	default:
		return Observation{Op: proposal.Tool, OK: false, Error: ErrUnknownOperation.Error()}
	}
}

func fail(op string, err error) Observation {
	return Observation{Op: op, OK: false, Error: err.Error()}
}

func (c *Controller) opSetMode(v *SetMode) Observation {
	next, err := plan.ParseMode(v.Mode)
	if err != nil {
		return fail(v.Name(), err)
	}
	prev := plan.Mode(c.cfg.Run.Mode)
	c.graph.SwitchMode(prev, next, "operator decision")
	c.cfg.Run.Mode = string(next)
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"prev": string(prev), "mode": string(next),
	}}
}

func (c *Controller) opOpenHuddle(ctx context.Context, v *OpenHuddle) Observation {
	mode := c.defaultHuddleMode()
	if v.Mode != "" {
		m, err := huddle.ParseMode(v.Mode)
		if err != nil {
			return fail(v.Name(), err)
		}
		mode = m
	}
	h, err := c.huddles.Open(v.Topic, mode, v.Participants)
	if err != nil {
		return fail(v.Name(), err)
	}
	if err := c.huddles.Conduct(ctx, h); err != nil {
		return fail(v.Name(), err)
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"huddle_id":    h.ID,
		"rounds":       h.Rounds,
		"force_closed": h.ForceClosed,
	}}
}

func (c *Controller) opRecordDecision(ctx context.Context, v *RecordDecisionSummary) Observation {
	h, ok := c.huddles.Get(v.HuddleID)
	if !ok {
		return fail(v.Name(), fmt.Errorf("unknown huddle %q", v.HuddleID))
	}
	if h.Phase == huddle.PhaseRequested {
		if err := c.huddles.Conduct(ctx, h); err != nil {
			return fail(v.Name(), err)
		}
	}
	draft := huddle.Draft{
		Topic:     v.Topic,
		Decision:  v.Decision,
		Rationale: v.Rationale,
		Options:   v.Options,
		Risks:     v.Risks,
		Actions:   v.Actions,
		Contracts: v.Contracts,
		Evidence:  c.parseEvidence(v.Name(), v.Evidence),
	}
	var (
		ds  huddle.DecisionSummary
		err error
	)
	if v.Supersedes != "" {
		if draft.Topic == "" {
			draft.Topic = h.Topic
		}
		ds, err = c.registry.Supersede(v.Supersedes, h.ID, draft)
		if err == nil {
			h.SummaryIDs = append(h.SummaryIDs, ds.ID)
		}
	} else {
		ds, err = c.huddles.RecordSummary(h, draft)
	}
	if err != nil {
		return fail(v.Name(), err)
	}
	if !v.KeepOpen {
		if err := c.huddles.Close(h); err != nil {
			return fail(v.Name(), err)
		}
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"decision_id": ds.ID,
		"closed":      !v.KeepOpen,
	}}
}

func (c *Controller) opInjectSummary(v *InjectSummary) Observation {
	ds, err := c.registry.Effective(v.DecisionID)
	if err != nil {
		return fail(v.Name(), err)
	}
	if err := c.registry.MarkInjected(ds.ID); err != nil {
		return fail(v.Name(), err)
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"decision_id": ds.ID,
		"text":        huddle.InjectionText(ds),
	}}
}

func (c *Controller) opSpawnExecutors(ctx context.Context, v *SpawnExecutors) Observation {
	tasks := make([]executor.Task, 0, len(v.Tasks))
	ctxText := c.injectedContext()
	for _, t := range v.Tasks {
		tasks = append(tasks, executor.Task{
			Segment:      t.Segment,
			Instructions: t.Instructions,
			Context:      ctxText,
		})
	}
	results, err := c.pool.Run(ctx, tasks)
	if err != nil {
		return fail(v.Name(), err)
	}
	failed := 0
	payload := make([]map[string]any, len(results))
	for i, r := range results {
		if !r.OK() {
			failed++
		}
		payload[i] = map[string]any{
			"task_id": r.TaskID, "segment": r.Segment,
			"summary": r.Summary, "err": r.Err,
		}
	}
	c.scheduled = nil
	return Observation{Op: v.Name(), OK: failed == 0, Payload: map[string]any{
		"results": payload, "failed": failed,
	}}
}

func (c *Controller) opScheduleSlice(v *ScheduleSlice) Observation {
	if len(v.Segments) == 0 {
		return fail(v.Name(), errors.New("no segments given"))
	}
	if len(v.Segments) > c.pool.Max() {
		return fail(v.Name(), fmt.Errorf("%w: %d segments, budget %d",
			executor.ErrBudget, len(v.Segments), c.pool.Max()))
	}
	c.scheduled = append([]string(nil), v.Segments...)
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"scheduled": c.scheduled,
	}}
}

func (c *Controller) opKnowledgeQuery(ctx context.Context, v *KnowledgeQuery) Observation {
	hits, err := c.index.Query(ctx, v.Query, v.K)
	if err != nil {
		return fail(v.Name(), err)
	}
	refs := make([]evidence.Ref, len(hits))
	payload := make([]map[string]any, len(hits))
	for i, h := range hits {
		refs[i] = h.Ref()
		payload[i] = map[string]any{
			"doc_id": h.Doc.ID, "score": h.Score,
			"content": h.Doc.Content,
		}
	}
	if len(hits) > 0 {
		_, _, err = c.bus.Publish(knowledge.SourceRag, v.Query, fmt.Sprintf("%d hits", len(hits)), knowledge.SeverityInfo, refs)
		if err != nil {
			c.logger.Warn("publishing rag signal", zap.Error(err))
		}
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"hits": payload,
	}}
}

func (c *Controller) opExternalSearch(ctx context.Context, v *ExternalSearch) Observation {
	if c.searcher == nil {
		return fail(v.Name(), errors.New("no external searcher configured"))
	}
	results, err := c.searcher.Search(ctx, v.Query)
	if err != nil {
		return fail(v.Name(), err)
	}
	refs := make([]evidence.Ref, len(results))
	payload := make([]map[string]any, len(results))
	for i, r := range results {
		refs[i] = evidence.FromExternal(r.URL, r.Title)
		payload[i] = map[string]any{"url": r.URL, "title": r.Title, "snippet": r.Snippet}
	}
	if len(results) > 0 {
		_, _, err = c.bus.Publish(knowledge.SourceExternal, v.Query, fmt.Sprintf("%d results", len(results)), knowledge.SeverityInfo, refs)
		if err != nil {
			c.logger.Warn("publishing external signal", zap.Error(err))
		}
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"results": payload,
	}}
}

func (c *Controller) opRunContractTests(ctx context.Context, v *RunContractTests) Observation {
	results, err := c.contracts.Run(ctx, v.TestIDs)
	if err != nil {
		return fail(v.Name(), err)
	}
	passed := 0
	payload := make([]map[string]any, len(results))
	for i, t := range results {
		if t.Status == contract.StatusPassed {
			passed++
		}
		payload[i] = map[string]any{"id": t.ID, "status": string(t.Status)}
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"tests": payload, "passed": passed, "total": len(results),
	}}
}

// opProposeAdvance evaluates the target step's gates and advances only when
// all pass. Repeated failures of the same step trip a cooldown so the loop
// cannot burn its budget re-proposing a dead end.
func (c *Controller) opProposeAdvance(v *ProposeAdvanceStep) Observation {
	gcs := c.cfg.GatesForStep(v.ToStep)
	if len(gcs) == 0 {
		return fail(v.Name(), fmt.Errorf("no gates guard step %q", v.ToStep))
	}
	if until, ok := c.cooldowns[v.ToStep]; ok {
		if remaining := until.Sub(c.now()); remaining > 0 {
			return Observation{
				Op: v.Name(), OK: false,
				Error:        "step in gate-failure cooldown",
				RetryAfterMS: remaining.Milliseconds(),
			}
		}
		delete(c.cooldowns, v.ToStep)
	}

	results := contract.LoadResults(c.runDir)
	evaluator := gate.NewEvaluator(results, c.store, c.logger)
	evals := make([]map[string]any, 0, len(gcs))
	allPassed := true
	for _, gc := range gcs {
		g := c.gates[gc.ID]
		ev := evaluator.Evaluate(g)
		g.Status = ev.Status
		g.LastEvaluated = ev.EvaluatedAt
		c.gates[gc.ID] = g
		if ev.Status != gate.StatusPassed {
			allPassed = false
		}
		evals = append(evals, map[string]any{
			"gate_id":    ev.GateID,
			"status":     string(ev.Status),
			"conditions": ev.CheckedConditions,
			"evidence":   ev.Evidence,
		})
	}

	if !allPassed {
		c.gateFailures[v.ToStep]++
		obs := Observation{Op: v.Name(), OK: false,
			Error:   "stage gates not passed",
			Payload: map[string]any{"gates": evals},
		}
		if c.gateFailures[v.ToStep] >= c.cfg.Run.GateFailureThreshold {
			cooldown := time.Duration(c.cfg.Run.CooldownMS) * time.Millisecond
			c.cooldowns[v.ToStep] = c.now().Add(cooldown)
			obs.RetryAfterMS = cooldown.Milliseconds()
		}
		return obs
	}

	c.gateFailures[v.ToStep] = 0
	if err := c.graph.Advance(v.ToStep, "gates_passed"); err != nil {
		return fail(v.Name(), err)
	}
	if _, err := c.graph.Save(c.runDir); err != nil {
		c.logger.Warn("saving plan graph", zap.Error(err))
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"step":  v.ToStep,
		"gates": evals,
	}}
}

func (c *Controller) opWriteArtifact(v *WriteArtifact) Observation {
	art, err := c.store.WriteText(v.Path, v.Content, v.Tags, nil)
	if err != nil {
		return fail(v.Name(), err)
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"path": art.Path, "sha256": art.SHA256,
	}}
}

func (c *Controller) opReadArtifact(v *ReadArtifact) Observation {
	content, hash, err := c.store.Read(v.Path)
	if err != nil {
		return fail(v.Name(), err)
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"path": v.Path, "content": content, "hash": hash,
	}}
}

func (c *Controller) opFinalizeRun(ctx context.Context, v *FinalizeRun) Observation {
	report, err := finalize.Run(ctx, finalize.Options{
		RunID:            c.runID,
		RunDir:           c.runDir,
		Store:            c.store,
		Registry:         c.registry,
		Bus:              c.bus,
		Graph:            c.graph,
		Gates:            c.cfg.Gates,
		DeliverableGlobs: c.cfg.Run.DeliverableGlobs,
		Logger:           c.logger,
	})
	if err != nil {
		return fail(v.Name(), err)
	}
	c.lastReport = &report
	c.finalized = true
	if _, err := c.log.Append(runlog.TypeRunEnd, v.Name(), c.steps, map[string]any{
		"outcome": "finalized",
		"reason":  v.Reason,
		"steps":   c.steps,
	}); err != nil {
		c.logger.Error("journaling run end", zap.Error(err))
	}
	return Observation{Op: v.Name(), OK: true, Payload: map[string]any{
		"complete": report.Complete,
		"report":   "artifacts/finalization/report.json",
	}}
}

// absorbSignals applies the effect of every signal that arrived since the
// last turn. Each acted-on signal marks exactly one knowledge_signal edge on
// the active segment; a suggest-huddle signal additionally opens one huddle
// on its topic.
func (c *Controller) absorbSignals() {
	for _, sig := range c.bus.Unread() {
		eff := knowledge.EffectFor(sig)
		if eff.Type == knowledge.EffectNone {
			continue
		}
		if err := c.graph.MarkForReplan("knowledge_signal"); err != nil {
			c.logger.Warn("marking replan for signal",
				zap.String("signal_id", sig.ID), zap.Error(err))
			continue
		}
		if eff.Type == knowledge.EffectSuggestHuddle {
			h, err := c.huddles.Open(sig.Topic, c.defaultHuddleMode(), nil)
			if err != nil {
				c.logger.Warn("opening huddle for signal",
					zap.String("signal_id", sig.ID), zap.Error(err))
				continue
			}
			c.logger.Info("signal opened huddle",
				zap.String("signal_id", sig.ID),
				zap.String("huddle_id", h.ID),
			)
			continue
		}
		c.logger.Info("critical signal marked plan for replan",
			zap.String("signal_id", sig.ID),
			zap.String("topic", sig.Topic),
		)
	}
}

// defaultHuddleMode reads the configured huddle mode, falling back to dialog.
func (c *Controller) defaultHuddleMode() huddle.Mode {
	if m, err := huddle.ParseMode(c.cfg.Huddle.Mode); err == nil {
		return m
	}
	return huddle.ModeDialog
}

// parseEvidence decodes an optional evidence list from decided args. Decode
// failures and dropped refs are logged, never silently swallowed.
func (c *Controller) parseEvidence(op string, raw json.RawMessage) []evidence.Ref {
	if len(raw) == 0 {
		return nil
	}
	refs, dropped, err := evidence.ParseList(raw)
	if err != nil {
		c.logger.Warn("discarding undecodable evidence",
			zap.String("op", op), zap.Error(err))
		return nil
	}
	if dropped > 0 {
		c.logger.Warn("dropping invalid evidence refs",
			zap.String("op", op), zap.Int("dropped", dropped))
	}
	return refs
}

// injectedContext concatenates injected decision summaries for executors.
func (c *Controller) injectedContext() string {
	var text string
	for _, ds := range c.registry.All() {
		if !ds.Injected {
			continue
		}
		if text != "" {
			text += "\n\n"
		}
		text += huddle.InjectionText(ds)
	}
	return text
}
