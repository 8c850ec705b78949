package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loom/internal/runlog"
)

var replayJSON bool

var replayCmd = &cobra.Command{
	Use:   "replay <run-dir>",
	Short: "Print a run's action log",
	Long: `Reads run.jsonl from the run directory and prints each entry in order.
The log is append-only, so the output is the complete turn-by-turn history
of the run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0])
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print raw JSONL entries")
}

func runReplay(runDir string) error {
	entries, err := runlog.ReadAll(runDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if replayJSON {
			line, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}
		op := e.Op
		if op == "" {
			op = "-"
		}
		step := "-"
		if e.Step > 0 {
			step = fmt.Sprintf("%d", e.Step)
		}
		fmt.Printf("%4d  %3s  %s  %-11s  %-24s  %s\n",
			e.Seq, step, e.TS.Format("15:04:05"), e.Type, op, compactPayload(e.Payload))
	}
	return nil
}

// compactPayload renders a payload on one line, truncated for readability.
func compactPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return string(raw)
	}
	line, err := json.Marshal(buf)
	if err != nil {
		return string(raw)
	}
	const max = 160
	if len(line) > max {
		return string(line[:max]) + "…"
	}
	return string(line)
}
