package decisionsource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{ err error }

func (f failingSource) Decide(context.Context, string, string, []ToolDef) (Proposal, error) {
	return Proposal{}, f.err
}

func TestScripted_ReplaysInOrder(t *testing.T) {
	s := NewScripted(
		Proposal{Tool: "set_mode", Args: json.RawMessage(`{"mode":"ladder"}`)},
		Proposal{Tool: "finalize_run", Args: json.RawMessage(`{}`)},
	)

	first, err := s.Decide(context.Background(), "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "set_mode", first.Tool)
	assert.Equal(t, 1, s.Remaining())

	second, err := s.Decide(context.Background(), "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "finalize_run", second.Tool)

	_, err = s.Decide(context.Background(), "", "", nil)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestWithFallback_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := NewScripted(Proposal{Tool: "set_mode"})
	fallback := NewScripted(Proposal{Tool: "finalize_run"})
	src := WithFallback(primary, fallback, nil)

	p, err := src.Decide(context.Background(), "", "", nil)

	require.NoError(t, err)
	assert.Equal(t, "set_mode", p.Tool)
	assert.Equal(t, 1, fallback.Remaining())
}

func TestWithFallback_FallsBackOnError(t *testing.T) {
	fallback := NewScripted(Proposal{Tool: "finalize_run"})
	src := WithFallback(failingSource{err: errors.New("boom")}, fallback, nil)

	p, err := src.Decide(context.Background(), "", "", nil)

	require.NoError(t, err)
	assert.Equal(t, "finalize_run", p.Tool)
}

func TestWithFallback_BothFailing(t *testing.T) {
	src := WithFallback(
		failingSource{err: errors.New("primary down")},
		failingSource{err: errors.New("fallback down")},
		nil,
	)
	_, err := src.Decide(context.Background(), "", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback down")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.True(t, isRetryable(errors.New("connection reset")))
}
