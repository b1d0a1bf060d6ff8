// Package cli provides the command-line interface for logview.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oicur0t/logview/internal/cli/commands"
)

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	g := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "logview",
		Short: "Parse and follow 0x1F-delimited log files",
		Long: `logview parses structured log files whose lines hold six fields separated
by the ASCII unit separator (0x1F): timestamp, level, message, source file,
source function and source line.

It can parse a file once, follow it while it grows, and tell whether it was
appended to or replaced since the last run.

Configuration is read from --config (YAML) and LOGVIEW_* environment
variables, e.g. LOGVIEW_ENGINE_BATCH_SIZE=1000.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&g.LogLevel, "log-level", "", "Diagnostic log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&g.LogFormat, "log-format", "", "Diagnostic log format (console|json)")

	rootCmd.AddCommand(commands.NewParseCommand(g))
	rootCmd.AddCommand(commands.NewFollowCommand(g))
	rootCmd.AddCommand(commands.NewDetectCommand(g))
	rootCmd.AddCommand(commands.NewTagsCommand(g))
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}
