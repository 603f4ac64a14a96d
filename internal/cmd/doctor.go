package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/qalclaude/qalclaude/cli"
	"github.com/qalclaude/qalclaude/logger"
	"github.com/qalclaude/qalclaude/paths"
	"github.com/qalclaude/qalclaude/process"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the Claude CLI and friends are installed",
	Long: `Check the external tools qalclaude needs and show where it keeps
its config, personas and logs.

Also lists Claude CLI processes left running by a session whose host
died. Pass --kill-orphans to stop them.

Exits non-zero if a required tool is missing.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var doctorKillOrphans bool

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorKillOrphans, "kill-orphans", false, "Kill orphaned Claude CLI processes")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	prereqs := cli.DefaultPrerequisites(cfg.LaunchConfig("").Binary)
	results := cli.CheckAll(cmd.Context(), prereqs)

	out := cmd.OutOrStdout()
	fmt.Fprint(out, cli.FormatCheckResults(results))
	fmt.Fprintln(out)
	printLocations(out, cfg.FilePath())
	fmt.Fprintln(out)
	reportOrphans(cmd.Context(), out, doctorKillOrphans)

	for _, r := range results {
		if r.Prerequisite.Required && !r.Found {
			return fmt.Errorf("%s is required: %w", r.Prerequisite.Name, r.Error)
		}
	}
	return nil
}

func printLocations(w io.Writer, configPath string) {
	fmt.Fprintln(w, "Locations:")
	fmt.Fprintf(w, "  config:   %s\n", configPath)
	if p, err := paths.PersonasFilePath(); err == nil {
		fmt.Fprintf(w, "  personas: %s\n", p)
	}
	if p, err := logger.DefaultLogPath(); err == nil {
		fmt.Fprintf(w, "  log:      %s\n", p)
	}
	layout := "xdg"
	if paths.IsLegacyLayout() {
		layout = "flat"
	}
	fmt.Fprintf(w, "  layout:   %s\n", layout)
}

func reportOrphans(ctx context.Context, w io.Writer, kill bool) {
	orphans, err := process.FindOrphanedClaudeProcesses(ctx)
	if err != nil {
		fmt.Fprintf(w, "Orphaned processes: unknown (%v)\n", err)
		return
	}
	if len(orphans) == 0 {
		fmt.Fprintln(w, "Orphaned processes: none")
		return
	}

	fmt.Fprintf(w, "Orphaned processes: %d\n", len(orphans))
	for _, p := range orphans {
		fmt.Fprintf(w, "  %d  %s\n", p.PID, p.Command)
	}
	if !kill {
		fmt.Fprintln(w, "  run 'qalclaude doctor --kill-orphans' to stop them")
		return
	}
	killed, err := process.CleanupOrphanedProcesses(ctx)
	if err != nil {
		fmt.Fprintf(w, "  cleanup failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "  killed %d\n", killed)
}
