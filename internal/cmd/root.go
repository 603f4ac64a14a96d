// Package cmd provides the CLI commands for the qalclaude binary.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/qalclaude/qalclaude/logger"
)

// Version is set at build time via -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	flagModel            string
	flagPersona          string
	flagPermissionMode   string
	flagCwd              string
	flagConfig           string
	flagDebug            bool
	flagHandshakeTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "qalclaude [flags] [-- claude-args...]",
	Short:   "Chat with the Claude CLI from your terminal",
	Version: Version,
	Long: `qalclaude drives the Claude CLI over its stream-json protocol.

On a terminal it opens an interactive session: type a prompt and press
enter, answer permission requests with y/n, press esc to interrupt a turn
and tab to switch persona. When stdin or stdout is not a terminal it runs
in line mode: every input line is one turn and the assistant's replies are
written to stdout. Permission requests are denied in line mode.

Arguments after -- are passed to the Claude CLI unchanged.

Examples:
  qalclaude
  qalclaude --persona plan
  echo "summarize README.md" | qalclaude --permission-mode plan
  qalclaude -- --max-turns 5`,
	SilenceUsage: true,
	RunE:         runRoot,
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		// Errors already printed by cobra
		return 1
	}
	return 0
}

func init() {
	rootCmd.Flags().StringVar(&flagModel, "model", "", "Model to use (overrides config)")
	rootCmd.Flags().StringVar(&flagPersona, "persona", "", "Persona to start with")
	rootCmd.Flags().StringVar(&flagPermissionMode, "permission-mode", "", "default, plan, acceptEdits or bypassPermissions")
	rootCmd.Flags().StringVar(&flagCwd, "cwd", "", "Working directory for the Claude CLI (default: current directory)")
	rootCmd.Flags().DurationVar(&flagHandshakeTimeout, "handshake-timeout", 0, "How long to wait for the CLI to start (default from config, else 30s)")

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: <config dir>/config.json)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Debug logging and a raw stream log per run")
}
