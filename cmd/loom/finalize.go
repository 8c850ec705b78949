package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loom/internal/artifact"
	"github.com/fyrsmithlabs/loom/internal/config"
	"github.com/fyrsmithlabs/loom/internal/finalize"
	"github.com/fyrsmithlabs/loom/internal/huddle"
	"github.com/fyrsmithlabs/loom/internal/knowledge"
	"github.com/fyrsmithlabs/loom/internal/logging"
	"github.com/fyrsmithlabs/loom/internal/plan"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize <run-dir>",
	Short: "Run the finalization pass over an existing run directory",
	Long: `Rebuilds run state from disk and executes the finalization pass: evidence
verification, decision log export, citation index, deliverable bundle, and
the final report. Useful when a run ended without finalize_run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFinalize(cmd, args[0])
	},
}

func runFinalize(cmd *cobra.Command, runDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if _, err := os.Stat(runDir); err != nil {
		return fmt.Errorf("run dir: %w", err)
	}
	store, err := artifact.NewStore(runDir, logger)
	if err != nil {
		return err
	}
	graph, err := plan.Load(runDir)
	if err != nil {
		return fmt.Errorf("no plan snapshot, was this a loom run? %w", err)
	}
	bus, err := knowledge.LoadBus(runDir, logger)
	if err != nil {
		return err
	}

	report, err := finalize.Run(cmd.Context(), finalize.Options{
		RunID:    filepath.Base(runDir),
		RunDir:   runDir,
		Store:    store,
		Registry: huddle.LoadRegistry(runDir, logger),
		Bus:      bus,
		Graph:    graph,
		Gates:    cfg.Gates,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("finalized %s: complete=%v drift=%d deliverables=%d\n",
		report.RunID, report.Complete, len(report.Drift), len(report.Deliverables))
	for _, step := range report.Steps {
		status := "ok"
		if !step.OK {
			status = "failed: " + step.Err
		}
		fmt.Printf("  %-22s %s\n", step.Name, status)
	}
	if !report.Complete {
		return fmt.Errorf("finalization incomplete, see %s",
			filepath.Join(runDir, "artifacts", "finalization", "report.json"))
	}
	return nil
}
