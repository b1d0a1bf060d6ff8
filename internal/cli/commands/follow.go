package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/oicur0t/logview/internal/checkpoint"
	"github.com/oicur0t/logview/internal/detector"
	"github.com/oicur0t/logview/internal/tailer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FollowOptions holds command-line options for the follow command.
type FollowOptions struct {
	Output     string
	Resume     bool
	Checkpoint string
	WatchMode  string
	Levels     []string
	Progress   bool
}

// NewFollowCommand creates the follow command.
func NewFollowCommand(g *GlobalOptions) *cobra.Command {
	opts := &FollowOptions{}

	cmd := &cobra.Command{
		Use:   "follow <log-file>",
		Short: "Print a log file and keep printing entries as they are written",
		Long: `Parse a log file in full, then watch it and print new entries as they
are appended.

Truncation, rotation and replacement are detected and trigger a full
reload. Send SIGHUP to force a reload.

With a checkpoint database (--checkpoint or checkpoint.path) the file state
is saved after every parse; --resume continues from the saved state instead
of re-reading the whole file.

Example:
  logview follow /var/log/app.log
  logview follow --checkpoint ~/.logview.db --resume /var/log/app.log
  logview follow --watch-mode poll -o json /mnt/nfs/app.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollow(cmd, args, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "text", "Output format (text|json|yaml)")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "Resume from the saved checkpoint")
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint", "", "Checkpoint database path (overrides checkpoint.path)")
	cmd.Flags().StringVar(&opts.WatchMode, "watch-mode", "", "Notification backend (auto|fsnotify|poll)")
	cmd.Flags().StringSliceVarP(&opts.Levels, "level", "l", nil, "Only print entries with these levels")
	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "Print parse progress to stderr")

	return cmd
}

func runFollow(cmd *cobra.Command, args []string, g *GlobalOptions, opts *FollowOptions) error {
	logFile, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path %s: %w", args[0], err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := g.load()
	if err != nil {
		return err
	}
	defer s.logger.Sync()
	logger := s.logger

	rw, err := newRecordWriter(cmd.OutOrStdout(), opts.Output)
	if err != nil {
		return err
	}
	if opts.Resume && opts.Checkpoint == "" && s.cfg.Checkpoint.Path == "" {
		return fmt.Errorf("--resume needs a checkpoint database (--checkpoint or checkpoint.path)")
	}

	watchCfg := tailer.WatchConfig{
		Mode:         s.cfg.Watch.Mode,
		PollInterval: s.cfg.Watch.PollInterval,
	}
	if opts.WatchMode != "" {
		watchCfg.Mode = opts.WatchMode
	}
	notifier, err := tailer.NewNotifier(logFile, watchCfg, logger)
	if err != nil {
		return err
	}

	var store tailer.CheckpointStore
	cpPath := s.cfg.Checkpoint.Path
	if opts.Checkpoint != "" {
		cpPath = opts.Checkpoint
	}
	if cpPath != "" {
		st, err := checkpoint.Open(cpPath, logger)
		if err != nil {
			notifier.Close()
			return err
		}
		store = st
	}

	monitor := tailer.NewMonitor(tailer.MonitorConfig{
		Path:           logFile,
		MaxAppendLines: s.cfg.Engine.MaxAppendLines,
		RateLimit:      s.cfg.Watch.RateLimit,
		Resume:         opts.Resume,
	}, s.newEngine(), detector.New(logger), notifier, store, logger)
	defer func() {
		if err := monitor.Close(); err != nil {
			logger.Warn("Failed to close monitor", zap.Error(err))
		}
	}()

	sink := &streamSink{
		rw:     rw,
		filter: newLevelFilter(s.registry, opts.Levels),
		status: cmd.ErrOrStderr(),
	}
	batcher := tailer.NewBatcher(s.cfg.Batching.MaxSize, s.cfg.Batching.MaxWait, sink, logger)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("Following file", zap.String("file", logFile), zap.String("watch_mode", watchCfg.Mode))

	relayed := make(chan tailer.Update, 16)
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return monitor.Run(gctx)
	})
	grp.Go(func() error {
		defer close(relayed)
		for u := range monitor.Updates() {
			if opts.Progress {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", u.ChangeType, u.Progress.Status)
			}
			select {
			case relayed <- u:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	grp.Go(func() error {
		return batcher.Run(gctx, relayed)
	})
	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				monitor.Reload()
			}
		}
	})

	err = grp.Wait()
	if cerr := rw.close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("Stopped following", zap.String("file", logFile))
		return nil
	}
	return err
}

// streamSink prints flushed batches as they arrive
type streamSink struct {
	mu     sync.Mutex
	rw     *recordWriter
	filter *levelFilter
	status io.Writer
}

func (s *streamSink) WriteBatch(ctx context.Context, batch tailer.RecordBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.Reset {
		fmt.Fprintf(s.status, "==> %s <==\n", batch.Path)
	}
	return s.rw.write(s.filter.apply(batch.Records))
}
