package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/oicur0t/logview/internal/engine"
	"github.com/spf13/cobra"
)

// ParseOptions holds command-line options for the parse command.
type ParseOptions struct {
	Output      string
	Offset      int64
	StartLine   int
	MaxLines    int
	Levels      []string
	SummaryOnly bool
}

// NewParseCommand creates the parse command.
func NewParseCommand(g *GlobalOptions) *cobra.Command {
	opts := &ParseOptions{}

	cmd := &cobra.Command{
		Use:   "parse <log-file>",
		Short: "Parse a log file once and print its entries",
		Long: `Parse a 0x1F-delimited log file and print every entry.

Each line holds six fields: timestamp, level, message, source file,
source function and source line. Blank lines are skipped and malformed
lines are counted but never abort the parse.

With --offset or --start-line the file is parsed from that position as an
append, capped at --max-lines lines.

Example:
  logview parse /var/log/app.log
  logview parse -o json --level error --level warn /var/log/app.log
  logview parse --offset 40960 --start-line 812 --max-lines 500 /var/log/app.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, args, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "text", "Output format (text|json|yaml)")
	cmd.Flags().Int64Var(&opts.Offset, "offset", 0, "Byte offset to start an append parse at")
	cmd.Flags().IntVar(&opts.StartLine, "start-line", 1, "Line number of the first line at --offset")
	cmd.Flags().IntVar(&opts.MaxLines, "max-lines", 0, "Line cap for append parses (0 uses engine.max_append_lines)")
	cmd.Flags().StringSliceVarP(&opts.Levels, "level", "l", nil, "Only print entries with these levels")
	cmd.Flags().BoolVar(&opts.SummaryOnly, "summary", false, "Print only the summary")

	return cmd
}

func runParse(cmd *cobra.Command, args []string, g *GlobalOptions, opts *ParseOptions) error {
	logFile := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := g.load()
	if err != nil {
		return err
	}
	defer s.logger.Sync()

	rw, err := newRecordWriter(cmd.OutOrStdout(), opts.Output)
	if err != nil {
		return err
	}

	eng := s.newEngine()
	appendMode := cmd.Flags().Changed("offset") || cmd.Flags().Changed("start-line") || cmd.Flags().Changed("max-lines")

	var out engine.Outcome
	if appendMode {
		out, err = eng.ParseAppend(ctx, logFile, opts.Offset, opts.StartLine, opts.MaxLines)
	} else {
		out, err = eng.ParseFull(ctx, logFile)
	}
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("log file not found: %s", logFile)
		}
		return fmt.Errorf("parse failed: %w", err)
	}

	if !opts.SummaryOnly {
		records := newLevelFilter(s.registry, opts.Levels).apply(out.Records)
		if err := rw.write(records); err != nil {
			return err
		}
		if err := rw.close(); err != nil {
			return err
		}
	}

	printSummary(cmd, logFile, out)
	return nil
}

func printSummary(cmd *cobra.Command, logFile string, out engine.Outcome) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "%s: %d entries from %d lines (%s read, %d malformed, %d blank, %d coerced)\n",
		logFile,
		len(out.Records),
		out.LinesRead,
		humanize.Bytes(uint64(out.BytesConsumed())),
		out.Failed,
		out.Blank,
		out.Coerced)
	if out.Partial {
		fmt.Fprintf(w, "Partial: line limit reached, continue with --offset %d --start-line %d\n",
			out.EndOffset, out.NextLineNumber)
	}
}
