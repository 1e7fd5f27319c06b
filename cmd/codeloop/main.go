// Package main is the codeloop CLI: it runs coding-agent turns against the
// configured provider and manages the session logs they leave behind.
//
// # Basic Usage
//
// Run one turn in a new session:
//
//	codeloop run "add a --verbose flag to the build script"
//
// Continue the most recent session, or branch from an earlier record:
//
//	codeloop run --session <id> "now update the README"
//	codeloop run --session <id> --resume <record-id> "try a different approach"
//
// Inspect sessions:
//
//	codeloop sessions list
//	codeloop sessions show <id>
//	codeloop sessions fork <id> --at <record-id>
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GROQ_API_KEY, MISTRAL_API_KEY: provider credentials
//   - CODELOOP_PROVIDER, CODELOOP_MODEL, CODELOOP_MODE, CODELOOP_MAX_TURNS,
//     CODELOOP_STATE_DIR, CODELOOP_LOG_LEVEL, CODELOOP_STREAM: override the config file
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	noColor    bool
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var g globalFlags
	rootCmd := &cobra.Command{
		Use:   "codeloop",
		Short: "codeloop - a coding agent for the terminal",
		Long: `codeloop pairs a language model with file, shell and search tools.

Every tool call passes a permission gate (modes: default, auto-edit, plan, yolo)
and every step is appended to a per-project session log that can be resumed or
forked.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML configuration file (default $XDG_CONFIG_HOME/codeloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable coloured log output")

	rootCmd.AddCommand(
		buildRunCmd(&g),
		buildSessionsCmd(&g),
	)
	return rootCmd
}
