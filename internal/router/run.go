package router

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/artifact"
	"github.com/fyrsmithlabs/loom/internal/config"
	"github.com/fyrsmithlabs/loom/internal/contract"
	"github.com/fyrsmithlabs/loom/internal/decisionsource"
	"github.com/fyrsmithlabs/loom/internal/executor"
	"github.com/fyrsmithlabs/loom/internal/huddle"
	"github.com/fyrsmithlabs/loom/internal/knowledge"
	"github.com/fyrsmithlabs/loom/internal/plan"
	"github.com/fyrsmithlabs/loom/internal/retrieval"
	"github.com/fyrsmithlabs/loom/internal/runlog"
)

// Run owns one run directory and its wired controller.
type Run struct {
	ID         string
	Dir        string
	Controller *Controller

	log     *runlog.Log
	watcher *knowledge.Watcher
}

// Collaborators are the pluggable backends of a run. Index defaults to the
// in-memory one; Searcher may be nil, which fails external_search turns.
type Collaborators struct {
	Source   decisionsource.Source
	Speaker  huddle.Speaker
	Agent    executor.Agent
	Index    retrieval.Index
	Searcher Searcher
}

// NewRun creates the run directory under cfg.Run.RootDir and wires every
// subsystem. The caller must Close the run.
func NewRun(cfg *config.Config, collab Collaborators, logger *zap.Logger) (*Run, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collab.Index == nil {
		collab.Index = retrieval.NewMemoryIndex()
	}
	if collab.Agent == nil {
		return nil, fmt.Errorf("executor agent is required")
	}

	runID := fmt.Sprintf("run_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8],
	)
	runDir := filepath.Join(cfg.Run.RootDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))

	log, err := runlog.Open(runDir, logger)
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStore(runDir, logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	mode, err := plan.ParseMode(cfg.Run.Mode)
	if err != nil {
		log.Close()
		return nil, err
	}
	graph := plan.NewGraph(mode, cfg.Run.Steps)
	registry := huddle.NewRegistry(runDir, logger)
	huddles := huddle.NewManager(runDir, collab.Speaker, registry,
		cfg.Run.MaxOpenHuddles, cfg.Huddle.MaxRounds, logger)
	bus := knowledge.NewBus(runDir, logger)
	pool := executor.NewPool(collab.Agent, cfg.Run.MaxSliceExecutors, logger)

	watcher, err := knowledge.NewWatcher(runDir, bus, logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	ctrl, err := NewController(cfg, runID, runDir, Deps{
		Source:    collab.Source,
		Log:       log,
		Store:     store,
		Graph:     graph,
		Huddles:   huddles,
		Registry:  registry,
		Bus:       bus,
		Index:     collab.Index,
		Searcher:  collab.Searcher,
		Contracts: contract.NewLocalRunner(runDir, logger),
		Pool:      pool,
		Logger:    logger,
	})
	if err != nil {
		watcher.Close()
		log.Close()
		return nil, err
	}

	if _, err := log.Append(runlog.TypeRunStart, "", 0, map[string]any{
		"run_id": runID,
		"goal":   cfg.Run.Goal,
		"mode":   cfg.Run.Mode,
		"steps":  cfg.Run.Steps,
	}); err != nil {
		log.Close()
		return nil, err
	}
	return &Run{ID: runID, Dir: runDir, Controller: ctrl, log: log, watcher: watcher}, nil
}

// Watcher returns the dropin watcher for the caller to start.
func (r *Run) Watcher() *knowledge.Watcher { return r.watcher }

// Close releases the run's resources.
func (r *Run) Close() error {
	werr := r.watcher.Close()
	lerr := r.log.Close()
	if werr != nil {
		return werr
	}
	return lerr
}
