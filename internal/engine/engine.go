// Package engine parses log files in full or from an append offset, either
// synchronously or on a background worker with batched progress.
//
// At most one parse runs at a time per Engine. Starting a parse cancels the
// running one and waits for it, up to Config.StopTimeout.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/logview/internal/parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Config controls batching and cancellation
type Config struct {
	BatchSize      int
	MaxAppendLines int
	YieldInterval  time.Duration
	StopTimeout    time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:      5000,
		MaxAppendLines: 10000,
		YieldInterval:  10 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAppendLines <= 0 {
		c.MaxAppendLines = def.MaxAppendLines
	}
	if c.YieldInterval == 0 {
		c.YieldInterval = def.YieldInterval
	} else if c.YieldInterval < 0 {
		c.YieldInterval = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	return c
}

// LineParser parses one raw line. *parser.Parser implements it.
type LineParser interface {
	Parse(raw string, lineNumber int) (parser.Result, error)
}

// Engine runs parse tasks
type Engine struct {
	parser LineParser
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	running *atomic.Bool

	mu     sync.Mutex
	active *task
	last   State
}

// New creates an engine
func New(p LineParser, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		parser:  p,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  otel.Tracer("github.com/oicur0t/logview/internal/engine"),
		running: atomic.NewBool(false),
		last:    StateIdle,
	}
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// task is one parse invocation. The stop flag is the only state shared
// between the worker and other goroutines.
type task struct {
	id       string
	stopped  *atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newTask() *task {
	return &task{
		id:      uuid.NewString(),
		stopped: atomic.NewBool(false),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *task) cancel() {
	t.stopped.Store(true)
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *task) cancelled() bool {
	return t.stopped.Load()
}

// begin cancels any running task, waits for it to settle and registers a
// new one
func (e *Engine) begin() (*task, error) {
	for {
		e.mu.Lock()
		prev := e.active
		if prev == nil {
			t := newTask()
			e.active = t
			e.running.Store(true)
			e.mu.Unlock()
			return t, nil
		}
		e.mu.Unlock()

		e.logger.Info("Stopping running parse", zap.String("task", prev.id))
		prev.cancel()

		timer := time.NewTimer(e.cfg.StopTimeout)
		select {
		case <-prev.done:
			timer.Stop()
		case <-timer.C:
			e.logger.Error("Running parse did not stop in time",
				zap.String("task", prev.id),
				zap.Duration("timeout", e.cfg.StopTimeout))
			return nil, ErrBusy
		}
	}
}

func (e *Engine) finish(t *task, state State) {
	e.mu.Lock()
	if e.active == t {
		e.active = nil
		e.running.Store(false)
	}
	e.last = state
	e.mu.Unlock()
	close(t.done)
}

// Stop requests cancellation of the running parse and waits for it to
// settle. It is a no-op when idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	t := e.active
	e.mu.Unlock()
	if t == nil {
		return
	}

	e.logger.Info("Stopping parse", zap.String("task", t.id))
	t.cancel()

	timer := time.NewTimer(e.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		e.logger.Warn("Parse did not stop within timeout",
			zap.String("task", t.id),
			zap.Duration("timeout", e.cfg.StopTimeout))
	}
}

// IsParsing reports whether a parse is in flight
func (e *Engine) IsParsing() bool {
	return e.running.Load()
}

// State returns StateRunning while a parse is in flight and StateIdle otherwise
func (e *Engine) State() State {
	if e.running.Load() {
		return StateRunning
	}
	return StateIdle
}

// LastState returns how the most recent parse ended
func (e *Engine) LastState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// ParseFull parses path from byte 0. It fails with ErrNotFound, *IOError or
// ErrCancelled; malformed lines never fail it.
func (e *Engine) ParseFull(ctx context.Context, path string) (Outcome, error) {
	return e.parseSync(ctx, job{path: path, mode: ModeFull, startLine: 1})
}

// ParseAppend parses path from startOffset, numbering lines from
// startLineNumber, and stops after maxLines lines. maxLines <= 0 uses
// Config.MaxAppendLines.
func (e *Engine) ParseAppend(ctx context.Context, path string, startOffset int64, startLineNumber, maxLines int) (Outcome, error) {
	return e.parseSync(ctx, job{
		path:        path,
		mode:        ModeAppend,
		startOffset: startOffset,
		startLine:   startLineNumber,
		maxLines:    e.appendCap(maxLines),
	})
}

// ParseFullAsync parses path on a background worker and reports through
// onProgress. It never fails directly; errors arrive as "Error: ..." statuses.
// The returned task ID is empty when the previous parse could not be stopped.
func (e *Engine) ParseFullAsync(path string, onProgress ProgressFunc) string {
	return e.parseAsync(job{path: path, mode: ModeFull, startLine: 1}, onProgress)
}

// ParseAppendAsync is the background form of ParseAppend
func (e *Engine) ParseAppendAsync(path string, startOffset int64, startLineNumber int, onProgress ProgressFunc, maxLines int) string {
	return e.parseAsync(job{
		path:        path,
		mode:        ModeAppend,
		startOffset: startOffset,
		startLine:   startLineNumber,
		maxLines:    e.appendCap(maxLines),
	}, onProgress)
}

func (e *Engine) appendCap(maxLines int) int {
	if maxLines <= 0 {
		return e.cfg.MaxAppendLines
	}
	return maxLines
}

func (e *Engine) parseSync(ctx context.Context, j job) (Outcome, error) {
	t, err := e.begin()
	if err != nil {
		return Outcome{}, err
	}

	stopWatch := context.AfterFunc(ctx, t.cancel)
	defer stopWatch()
	if ctx.Err() != nil {
		t.cancel()
	}

	ctx, span := e.startSpan(ctx, t, j)
	out, err := e.scan(t, j, nil)
	if errors.Is(err, ErrCancelled) && ctx.Err() != nil {
		err = errors.Join(ErrCancelled, ctx.Err())
	}
	e.endSpan(span, out, err)
	e.finish(t, stateFor(err))

	return out, err
}

func (e *Engine) parseAsync(j job, onProgress ProgressFunc) string {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	t, err := e.begin()
	if err != nil {
		go onProgress(Progress{
			Path:   j.path,
			Mode:   j.mode,
			Kind:   KindFailed,
			Status: errorStatus(err),
			Err:    err,
		})
		return ""
	}

	go e.runAsync(t, j, onProgress)
	return t.id
}

func (e *Engine) runAsync(t *task, j job, onProgress ProgressFunc) {
	_, span := e.startSpan(context.Background(), t, j)

	deliver := func(p Progress) {
		p.TaskID = t.id
		p.Path = j.path
		p.Mode = j.mode
		onProgress(p)
	}

	out, err := e.scan(t, j, deliver)
	out.Records = capped(out.Records)
	e.endSpan(span, out, err)

	switch {
	case errors.Is(err, ErrCancelled):
		e.logger.Info("Parse cancelled",
			zap.String("task", t.id),
			zap.String("file", j.path),
			zap.Int("entries", len(out.Records)))
		deliver(Progress{
			Kind:    KindCancelled,
			Status:  cancelledStatus,
			Records: out.Records,
			Outcome: out,
			Err:     err,
		})
	case err != nil:
		e.logger.Error("Error in async parsing",
			zap.String("task", t.id),
			zap.String("file", j.path),
			zap.Error(err))
		deliver(Progress{
			Kind:    KindFailed,
			Status:  errorStatus(err),
			Outcome: out,
			Err:     err,
		})
	default:
		kind, status := finalStatus(j.mode, &out, j.maxLines)
		deliver(Progress{
			Kind:    kind,
			Status:  status,
			Records: out.Records,
			Batch:   out.Records[out.delivered:],
			Outcome: out,
		})
	}

	e.finish(t, stateFor(err))
}

func (e *Engine) startSpan(ctx context.Context, t *task, j job) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine.parse_"+j.mode.String(),
		trace.WithAttributes(
			attribute.String("logview.task", t.id),
			attribute.String("logview.file", j.path),
			attribute.Int64("logview.start_offset", j.startOffset),
			attribute.Int("logview.start_line", j.startLine),
		))
}

func (e *Engine) endSpan(span trace.Span, out Outcome, err error) {
	span.SetAttributes(
		attribute.Int("logview.lines_read", out.LinesRead),
		attribute.Int("logview.matched", out.Matched),
		attribute.Int("logview.failed", out.Failed),
		attribute.Bool("logview.partial", out.Partial),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func stateFor(err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case errors.Is(err, ErrCancelled):
		return StateCancelled
	default:
		return StateFailed
	}
}
