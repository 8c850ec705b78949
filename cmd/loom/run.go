package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/config"
	"github.com/fyrsmithlabs/loom/internal/decisionsource"
	"github.com/fyrsmithlabs/loom/internal/executor"
	"github.com/fyrsmithlabs/loom/internal/huddle"
	"github.com/fyrsmithlabs/loom/internal/logging"
	"github.com/fyrsmithlabs/loom/internal/router"
	"github.com/fyrsmithlabs/loom/internal/telemetry"
)

var (
	scriptPath  string
	runMode     string
	runMaxSteps int
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Start an orchestration run",
	Long: `Starts a run: creates the run directory, wires the decision source, and
loops turns until the run is finalized or a budget is hit. The optional goal
argument is surfaced to the decision source every turn.

With --script the run replays a fixed sequence of operations from a JSON file
instead of calling the model. Without it, anthropic.api_key (or
LOOM_ANTHROPIC_API_KEY) must be set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := ""
		if len(args) == 1 {
			goal = args[0]
		}
		return runRun(cmd.Context(), goal)
	},
}

func init() {
	runCmd.Flags().StringVar(&scriptPath, "script", "", "JSON file of scripted operations (replay mode)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: ladder, tracks, or weave")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override the turn budget")
}

func runRun(parent context.Context, goal string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if goal != "" {
		cfg.Run.Goal = goal
	}
	if runMode != "" {
		cfg.Run.Mode = runMode
	}
	if runMaxSteps > 0 {
		cfg.Run.MaxSteps = runMaxSteps
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "loom",
		Insecure:    cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return err
	}
	defer shutdown(context.Background()) //nolint:errcheck

	collab, err := buildCollaborators(cfg, logger)
	if err != nil {
		return err
	}

	run, err := router.NewRun(cfg, collab, logger)
	if err != nil {
		return err
	}
	defer run.Close()
	fmt.Fprintf(os.Stderr, "run %s started in %s\n", run.ID, run.Dir)

	run.Watcher().Start(ctx)
	run.Watcher().Sweep()

	err = run.Controller.Run(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "run %s finalized\n", run.ID)
		return nil
	case errors.Is(err, decisionsource.ErrExhausted):
		fmt.Fprintf(os.Stderr, "run %s: script exhausted before finalize_run\n", run.ID)
		return nil
	case errors.Is(err, router.ErrBudgetExceeded):
		fmt.Fprintf(os.Stderr, "run %s: step budget exhausted\n", run.ID)
		return nil
	case errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "run %s interrupted\n", run.ID)
		return nil
	default:
		return err
	}
}

func buildCollaborators(cfg *config.Config, logger *zap.Logger) (router.Collaborators, error) {
	collab := router.Collaborators{
		Agent: executor.AgentFunc(noteAgent),
	}

	if scriptPath != "" {
		data, err := os.ReadFile(scriptPath)
		if err != nil {
			return router.Collaborators{}, fmt.Errorf("reading script: %w", err)
		}
		var proposals []decisionsource.Proposal
		if err := json.Unmarshal(data, &proposals); err != nil {
			return router.Collaborators{}, fmt.Errorf("decoding script: %w", err)
		}
		collab.Source = decisionsource.NewScripted(proposals...)
		collab.Speaker = agreeSpeaker{}
		return collab, nil
	}

	if cfg.Anthropic.APIKey == "" {
		return router.Collaborators{}, errors.New("anthropic.api_key is required (or pass --script)")
	}
	src, err := decisionsource.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model, logger)
	if err != nil {
		return router.Collaborators{}, err
	}
	collab.Source = src
	collab.Speaker = src
	if cfg.Anthropic.FallbackModel != "" {
		fb, err := decisionsource.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.FallbackModel, logger)
		if err != nil {
			return router.Collaborators{}, err
		}
		collab.Source = decisionsource.WithFallback(src, fb, logger)
	}
	return collab, nil
}

// noteAgent is the built-in executor: it acknowledges the task so scripted and
// dry runs have a working pool without an external worker backend.
func noteAgent(_ context.Context, task executor.Task) (executor.Result, error) {
	return executor.Result{
		Segment: task.Segment,
		Summary: fmt.Sprintf("acknowledged: %s", task.Instructions),
	}, nil
}

// agreeSpeaker stands in for the model during scripted runs: every huddle
// round it agrees, so dialogs converge on the first round.
type agreeSpeaker struct{}

func (agreeSpeaker) Speak(_ context.Context, topic, participant string, _ []huddle.Turn) (string, error) {
	return fmt.Sprintf("%s has no objections on %s.\nAGREE: proceed", participant, topic), nil
}
