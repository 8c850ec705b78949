package router

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/loom/internal/contract"
)

// systemPrompt frames every decision request. The manifest itself is passed
// as tools, so the prompt only sets the contract.
const systemPrompt = `You orchestrate a software build run. Each turn you pick exactly one
operation from the available tools, based on the condensed run state you are
given. Advance the plan through its stage gates; open a huddle when a design
question blocks progress; finalize the run once the critical path is complete.`

// condensedState renders the compact JSON state the decision source sees.
// It is rebuilt fresh every turn, never accumulated, which keeps the
// decision input bounded regardless of run length.
func (c *Controller) condensedState() (string, error) {
	snap := c.graph.Snapshot()
	segments := make([]map[string]any, len(snap.Segments))
	for i, s := range snap.Segments {
		segments[i] = map[string]any{"id": s.ID, "status": string(s.Status)}
	}

	tests := map[string]string{}
	for id, status := range contract.LoadResults(c.runDir).Statuses() {
		tests[id] = string(status)
	}

	gates := make([]map[string]any, 0, len(c.cfg.Gates))
	for _, gc := range c.cfg.Gates {
		g := c.gates[gc.ID]
		gates = append(gates, map[string]any{
			"id": g.ID, "step": gc.Step, "status": string(g.Status),
		})
	}

	decisions := []map[string]any{}
	for _, ds := range c.registry.Latest(5) {
		decisions = append(decisions, map[string]any{
			"id": ds.ID, "decision": ds.Decision, "injected": ds.Injected,
		})
	}

	signals := []map[string]any{}
	for _, sig := range c.bus.Unread() {
		signals = append(signals, map[string]any{
			"id": sig.ID, "topic": sig.Topic, "severity": string(sig.Severity),
		})
	}
	c.bus.MarkRead()

	state := map[string]any{
		"run_id":          c.runID,
		"goal":            c.cfg.Run.Goal,
		"step":            c.steps,
		"max_steps":       c.cfg.Run.MaxSteps,
		"mode":            c.cfg.Run.Mode,
		"segments":        segments,
		"tests":           tests,
		"gates":           gates,
		"open_huddles":    c.huddles.OpenCount(),
		"decisions":       decisions,
		"unread_signals":  signals,
		"scheduled_slice": c.scheduled,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding condensed state: %w", err)
	}
	return string(data), nil
}
