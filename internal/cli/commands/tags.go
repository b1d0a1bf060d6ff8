package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/oicur0t/logview/internal/engine"
	"github.com/spf13/cobra"
)

// NewTagsCommand creates the tags command.
func NewTagsCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags [log-file]",
		Short: "List level tags and how often each occurs",
		Long: `List the configured level tags with their color and enabled flag.

When a log file is given it is parsed first, so levels seen only in that
file are listed too, along with the number of entries per level.

Example:
  logview tags
  logview tags /var/log/app.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTags(cmd, args, g)
		},
	}

	return cmd
}

func runTags(cmd *cobra.Command, args []string, g *GlobalOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := g.load()
	if err != nil {
		return err
	}
	defer s.logger.Sync()

	var counts map[string]int
	if len(args) == 1 {
		out, err := s.newEngine().ParseFull(ctx, args[0])
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return fmt.Errorf("log file not found: %s", args[0])
			}
			return fmt.Errorf("parse failed: %w", err)
		}
		counts = make(map[string]int)
		for _, r := range out.Records {
			counts[r.Level.String()]++
		}
	}

	name := lipgloss.NewStyle().Width(12)
	dim := lipgloss.NewStyle().Faint(true)

	w := cmd.OutOrStdout()
	for _, tag := range s.registry.Tags() {
		var b strings.Builder
		b.WriteString(name.Foreground(lipgloss.Color(tag.Color)).Render(tag.Name))
		b.WriteString(" ")
		b.WriteString(fmt.Sprintf("%-8s", tag.Color))
		if tag.Enabled {
			b.WriteString(" enabled ")
		} else {
			b.WriteString(dim.Render(" disabled"))
		}
		if counts != nil {
			fmt.Fprintf(&b, " %8d", counts[tag.Name])
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	return nil
}
