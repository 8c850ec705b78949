// Package decisionsource supplies the controller's next-operation decisions.
// The production source is the Anthropic Messages API with the operation
// manifest exposed as tools; a scripted source drives tests and replays.
package decisionsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ToolDef describes one operation from the manifest as a model-facing tool.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Proposal is one decided operation invocation.
type Proposal struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// ErrExhausted is returned by scripted sources that ran out of steps.
var ErrExhausted = errors.New("decision source exhausted")

// Source decides the next operation given the condensed run state.
type Source interface {
	Decide(ctx context.Context, system, state string, tools []ToolDef) (Proposal, error)
}

// Scripted replays a fixed sequence of proposals.
type Scripted struct {
	queue []Proposal
	pos   int
}

// NewScripted creates a scripted source.
func NewScripted(proposals ...Proposal) *Scripted {
	return &Scripted{queue: proposals}
}

// Decide pops the next scripted proposal.
func (s *Scripted) Decide(_ context.Context, _, _ string, _ []ToolDef) (Proposal, error) {
	if s.pos >= len(s.queue) {
		return Proposal{}, ErrExhausted
	}
	p := s.queue[s.pos]
	s.pos++
	return p, nil
}

// Remaining returns how many scripted proposals are left.
func (s *Scripted) Remaining() int { return len(s.queue) - s.pos }

// fallbackSource tries primary and falls back on any error.
type fallbackSource struct {
	primary  Source
	fallback Source
	logger   *zap.Logger
}

// WithFallback wraps primary so that a failed decision is retried against
// fallback before surfacing an error.
func WithFallback(primary, fallback Source, logger *zap.Logger) Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackSource{primary: primary, fallback: fallback, logger: logger}
}

func (f *fallbackSource) Decide(ctx context.Context, system, state string, tools []ToolDef) (Proposal, error) {
	p, err := f.primary.Decide(ctx, system, state, tools)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return Proposal{}, ctx.Err()
	}
	f.logger.Warn("primary decision source failed, using fallback", zap.Error(err))
	p, ferr := f.fallback.Decide(ctx, system, state, tools)
	if ferr != nil {
		return Proposal{}, fmt.Errorf("fallback after %v: %w", err, ferr)
	}
	return p, nil
}
