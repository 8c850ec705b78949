// Package main implements the loom CLI: an orchestration engine that drives
// a software build run through a plan of stage-gated steps, one operation per
// turn.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Stage-gated orchestration runs",
	Long: `loom drives a software build run through an action loop: each turn the
decision source picks one operation (write an artifact, run contract tests,
open a huddle, advance a step), and stage gates guard every plan advance.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(replayCmd)
}
