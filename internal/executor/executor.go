// Package executor runs slice executors: short-lived workers that carry out
// one segment task each. The controller stays single-threaded; only the
// workers inside one spawn operation run concurrently, bounded by the slice
// budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is one unit of executor work.
type Task struct {
	ID           string `json:"id"`
	Segment      string `json:"segment"`
	Instructions string `json:"instructions"`
	Context      string `json:"context,omitempty"` // injected decision summaries
}

// Result is the outcome of one task.
type Result struct {
	TaskID    string        `json:"task_id"`
	Segment   string        `json:"segment"`
	Summary   string        `json:"summary"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Err       string        `json:"err,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// OK reports whether the task completed without error.
func (r Result) OK() bool { return r.Err == "" }

// Agent executes a single task.
type Agent interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, task Task) (Result, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}

// ErrBudget is returned when a spawn asks for more workers than allowed.
var ErrBudget = errors.New("executor budget exceeded")

// Pool fans tasks out to an agent with bounded concurrency.
type Pool struct {
	agent  Agent
	max    int
	logger *zap.Logger
}

// NewPool creates a pool capped at max concurrent workers (default 3).
func NewPool(agent Agent, max int, logger *zap.Logger) *Pool {
	if max <= 0 {
		max = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{agent: agent, max: max, logger: logger}
}

// Max returns the concurrency cap.
func (p *Pool) Max() int { return p.max }

// Run executes tasks concurrently and returns results in task order. More
// tasks than the cap is a budget error before any work starts: the caller
// sized the slice wrong and should split it.
func (p *Pool) Run(ctx context.Context, tasks []Task) ([]Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if len(tasks) > p.max {
		return nil, fmt.Errorf("%w: %d tasks, budget %d", ErrBudget, len(tasks), p.max)
	}
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = "task_" + uuid.NewString()[:8]
		}
	}

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			start := time.Now()
			res, err := p.agent.Execute(ctx, task)
			res.TaskID = task.ID
			res.Segment = task.Segment
			res.Elapsed = time.Since(start)
			if err != nil {
				res.Err = err.Error()
			}
			results[i] = res
		}(i, task)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	p.logger.Info("executor slice finished",
		zap.Int("tasks", len(tasks)),
		zap.Int("failed", failed),
	)
	return results, nil
}
