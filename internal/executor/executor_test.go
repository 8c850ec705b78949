package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunReturnsResultsInTaskOrder(t *testing.T) {
	agent := AgentFunc(func(_ context.Context, task Task) (Result, error) {
		return Result{Summary: "did " + task.Segment}, nil
	})
	p := NewPool(agent, 3, nil)

	results, err := p.Run(context.Background(), []Task{
		{ID: "t1", Segment: "backend_scaffold"},
		{ID: "t2", Segment: "frontend_scaffold"},
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, "did backend_scaffold", results[0].Summary)
	assert.Equal(t, "t2", results[1].TaskID)
	assert.True(t, results[0].OK())
}

func TestPool_RunEnforcesBudget(t *testing.T) {
	var calls atomic.Int32
	agent := AgentFunc(func(context.Context, Task) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	})
	p := NewPool(agent, 2, nil)

	_, err := p.Run(context.Background(), []Task{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	assert.ErrorIs(t, err, ErrBudget)
	assert.Equal(t, int32(0), calls.Load())
}

func TestPool_AgentErrorsReportedPerTask(t *testing.T) {
	agent := AgentFunc(func(_ context.Context, task Task) (Result, error) {
		if task.Segment == "bad" {
			return Result{}, errors.New("scaffold failed")
		}
		return Result{Summary: "ok"}, nil
	})
	p := NewPool(agent, 3, nil)

	results, err := p.Run(context.Background(), []Task{
		{ID: "a", Segment: "good"},
		{ID: "b", Segment: "bad"},
	})

	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Equal(t, "scaffold failed", results[1].Err)
}

func TestPool_AssignsTaskIDs(t *testing.T) {
	agent := AgentFunc(func(context.Context, Task) (Result, error) {
		return Result{}, nil
	})
	p := NewPool(agent, 1, nil)

	results, err := p.Run(context.Background(), []Task{{Segment: "x"}})

	require.NoError(t, err)
	assert.NotEmpty(t, results[0].TaskID)
}

func TestPool_EmptyRun(t *testing.T) {
	p := NewPool(AgentFunc(func(context.Context, Task) (Result, error) {
		return Result{}, nil
	}), 3, nil)
	results, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
