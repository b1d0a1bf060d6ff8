package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/oicur0t/logview/internal/checkpoint"
	"github.com/oicur0t/logview/internal/detector"
	"github.com/oicur0t/logview/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// DetectOptions holds command-line options for the detect command.
type DetectOptions struct {
	Output     string
	Checkpoint string
}

// detectResult is the machine-readable form of a detect run
type detectResult struct {
	File        string             `json:"file" yaml:"file"`
	Change      string             `json:"change" yaml:"change"`
	Saved       bool               `json:"saved" yaml:"saved"`
	Fingerprint models.Fingerprint `json:"fingerprint" yaml:"fingerprint"`
}

// NewDetectCommand creates the detect command.
func NewDetectCommand(g *GlobalOptions) *cobra.Command {
	opts := &DetectOptions{}

	cmd := &cobra.Command{
		Use:   "detect <log-file>",
		Short: "Classify how a log file changed since its saved checkpoint",
		Long: `Compare a log file against the fingerprint saved in the checkpoint
database by a previous follow run and report the change:

  no_change  nothing new since the checkpoint
  append     new lines were added after the saved size
  new_file   the file was truncated, rotated, replaced or never seen

Example:
  logview detect --checkpoint ~/.logview.db /var/log/app.log
  logview detect -o json --checkpoint ~/.logview.db /var/log/app.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, args, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "text", "Output format (text|json|yaml)")
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint", "", "Checkpoint database path (overrides checkpoint.path)")

	return cmd
}

func runDetect(cmd *cobra.Command, args []string, g *GlobalOptions, opts *DetectOptions) error {
	logFile, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path %s: %w", args[0], err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := g.load()
	if err != nil {
		return err
	}
	defer s.logger.Sync()

	cpPath := s.cfg.Checkpoint.Path
	if opts.Checkpoint != "" {
		cpPath = opts.Checkpoint
	}
	if cpPath == "" {
		return fmt.Errorf("detect needs a checkpoint database (--checkpoint or checkpoint.path)")
	}

	store, err := checkpoint.Open(cpPath, s.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fp, ok, err := store.Load(ctx, logFile)
	if err != nil {
		return err
	}

	d := detector.New(s.logger)
	if ok {
		d.Restore(fp)
	}
	result := detectResult{
		File:        logFile,
		Change:      d.Detect(logFile).String(),
		Saved:       ok,
		Fingerprint: fp,
	}

	w := cmd.OutOrStdout()
	switch opts.Output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		fmt.Fprintf(w, "%s: %s\n", result.File, result.Change)
		if !result.Saved {
			fmt.Fprintln(w, "  no checkpoint saved for this file")
			return nil
		}
		fmt.Fprintf(w, "  checkpoint: %s, %d lines, modified %s, first line %s\n",
			humanize.Bytes(uint64(fp.Size)),
			fp.LineCount,
			formatTime(fp.ModTime),
			shortFingerprint(fp.FirstLineHash))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", opts.Output)
	}
}

func shortFingerprint(h string) string {
	switch {
	case h == "":
		return "-"
	case len(h) > 8:
		return h[:8]
	default:
		return h
	}
}
