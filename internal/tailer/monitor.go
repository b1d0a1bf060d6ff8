package tailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oicur0t/logview/internal/detector"
	"github.com/oicur0t/logview/internal/engine"
	"github.com/oicur0t/logview/pkg/models"
	"github.com/oicur0t/logview/pkg/retry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNotifierClosed is returned by Run when the notifier stops delivering
var ErrNotifierClosed = errors.New("notifier closed")

// Parser is the part of the parse engine the monitor drives
type Parser interface {
	ParseFullAsync(path string, onProgress engine.ProgressFunc) string
	ParseAppendAsync(path string, startOffset int64, startLineNumber int, onProgress engine.ProgressFunc, maxLines int) string
	Stop()
}

// CheckpointStore persists fingerprints between runs
type CheckpointStore interface {
	Load(ctx context.Context, path string) (models.Fingerprint, bool, error)
	Save(ctx context.Context, fp models.Fingerprint) error
}

// Update is one engine delivery tagged with the change that triggered it
type Update struct {
	ChangeType models.ChangeType
	Progress   engine.Progress
}

// MonitorConfig holds monitor settings
type MonitorConfig struct {
	Path           string
	MaxAppendLines int
	RateLimit      float64 // evaluations per second, 0 for unlimited
	Resume         bool
	Wait           retry.Config
	UpdateBuffer   int
}

// Monitor turns file notifications into parses and keeps the detector
// baseline in step with what was parsed
type Monitor struct {
	cfg      MonitorConfig
	parser   Parser
	detector *detector.Detector
	notifier Notifier
	store    CheckpointStore
	limiter  *rate.Limiter
	logger   *zap.Logger

	updates chan Update
	queue   *progressQueue
	reload  chan struct{}
	found   chan struct{}

	// owned by the Run goroutine
	current *parseTask
	dirty   bool
	waiting bool
}

type parseTask struct {
	id     string
	change models.ChangeType
}

// NewMonitor creates a monitor. store may be nil.
func NewMonitor(cfg MonitorConfig, p Parser, d *detector.Detector, n Notifier, store CheckpointStore, logger *zap.Logger) *Monitor {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 16
	}
	if cfg.Wait.InitialWait <= 0 {
		cfg.Wait = retry.DefaultConfig()
	}

	return &Monitor{
		cfg:      cfg,
		parser:   p,
		detector: d,
		notifier: n,
		store:    store,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		updates:  make(chan Update, cfg.UpdateBuffer),
		queue:    newProgressQueue(),
		reload:   make(chan struct{}, 1),
		found:    make(chan struct{}, 1),
	}
}

// Updates returns the channel of engine deliveries. It is closed when Run returns.
func (m *Monitor) Updates() <-chan Update {
	return m.updates
}

// Reload forces a full parse of the file
func (m *Monitor) Reload() {
	select {
	case m.reload <- struct{}{}:
	default:
	}
}

// Run drives the monitor until ctx is done or the notifier closes
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.updates)
	defer m.parser.Stop()

	m.start(ctx)

	var deferred <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-m.notifier.Events():
			if !ok {
				return ErrNotifierClosed
			}
			m.logger.Debug("Notification received",
				zap.String("file", n.Path),
				zap.Stringer("op", n.Op))

			if m.current != nil {
				m.dirty = true
				continue
			}
			if deferred != nil {
				continue
			}
			if d := m.limiter.Reserve().Delay(); d > 0 {
				deferred = time.After(d)
				continue
			}
			m.evaluate(ctx)

		case <-deferred:
			deferred = nil
			if m.current != nil {
				m.dirty = true
				continue
			}
			m.evaluate(ctx)

		case <-m.reload:
			m.logger.Info("Reload requested", zap.String("file", m.cfg.Path))
			m.dirty = false
			m.startFull()

		case <-m.found:
			m.waiting = false
			m.logger.Info("File appeared, reloading", zap.String("file", m.cfg.Path))
			if m.current == nil {
				m.startFull()
			} else {
				m.dirty = true
			}

		case <-m.queue.signal:
			for _, p := range m.queue.drain() {
				if !m.handle(ctx, p) {
					return ctx.Err()
				}
			}
		}
	}
}

func (m *Monitor) start(ctx context.Context) {
	if m.cfg.Resume && m.store != nil {
		fp, ok, err := m.store.Load(ctx, m.cfg.Path)
		switch {
		case err != nil:
			m.logger.Warn("Failed to load checkpoint, starting fresh", zap.Error(err))
		case ok:
			m.detector.Restore(fp)
			m.logger.Info("Resuming from checkpoint",
				zap.String("file", fp.Path),
				zap.Int64("offset", fp.Size),
				zap.Int("lines", fp.LineCount))
			m.evaluate(ctx)
			return
		}
	}
	m.startFull()
}

// evaluate asks the detector what changed and starts the matching parse
func (m *Monitor) evaluate(ctx context.Context) {
	switch change := m.detector.Detect(m.cfg.Path); change {
	case models.NoChange:
		return
	case models.Append:
		m.startAppend()
	default:
		if _, err := os.Stat(m.cfg.Path); errors.Is(err, os.ErrNotExist) {
			m.awaitFile(ctx)
			return
		}
		m.startFull()
	}
}

func (m *Monitor) startFull() {
	id := m.parser.ParseFullAsync(m.cfg.Path, m.queue.push)
	m.current = &parseTask{id: id, change: models.NewFile}
}

func (m *Monitor) startAppend() {
	id := m.parser.ParseAppendAsync(
		m.cfg.Path,
		m.detector.AppendStartOffset(),
		m.detector.NextLineNumber(),
		m.queue.push,
		m.cfg.MaxAppendLines,
	)
	m.current = &parseTask{id: id, change: models.Append}
}

// handle forwards one delivery and settles the baseline on the terminal
// delivery of the current task. It returns false if ctx ended while the
// consumer was not reading.
func (m *Monitor) handle(ctx context.Context, p engine.Progress) bool {
	task := m.current
	isCurrent := task != nil && task.id == p.TaskID

	change := models.NewFile
	if p.Mode == engine.ModeAppend {
		change = models.Append
	}
	p = withoutTail(p)

	select {
	case m.updates <- Update{ChangeType: change, Progress: p}:
	case <-ctx.Done():
		return false
	}

	if !isCurrent || !p.Kind.Terminal() {
		return true
	}
	m.current = nil

	switch p.Kind {
	case engine.KindComplete, engine.KindPartial:
		if err := m.settle(ctx, task.change, p.Outcome); err != nil {
			m.logger.Error("Failed to update file state", zap.String("file", m.cfg.Path), zap.Error(err))
			m.dirty = false
			m.startFull()
			return true
		}
		if p.Kind == engine.KindPartial {
			m.logger.Info("Append hit line limit, continuing",
				zap.String("file", m.cfg.Path),
				zap.Int("next_line", p.Outcome.NextLineNumber))
			m.startAppend()
			return true
		}

	case engine.KindFailed:
		if errors.Is(p.Err, engine.ErrNotFound) {
			m.dirty = false
			m.awaitFile(ctx)
			return true
		}
		if errors.Is(p.Err, engine.ErrBusy) {
			m.dirty = true
		}
	}

	if m.dirty {
		m.dirty = false
		m.evaluate(ctx)
	}
	return true
}

// settle moves the detector baseline to what the parse consumed
func (m *Monitor) settle(ctx context.Context, change models.ChangeType, out engine.Outcome) error {
	lineCount := out.TerminatedLineNumber - 1

	var err error
	if change == models.NewFile {
		err = m.detector.Rebase(m.cfg.Path, out.TerminatedOffset, lineCount, out.ModTime, out.FirstLineHash)
	} else {
		err = m.detector.Update(out.TerminatedOffset, lineCount, out.ModTime)
	}
	if err != nil {
		return err
	}

	if m.store == nil {
		return nil
	}
	fp, ok := m.detector.Fingerprint()
	if !ok {
		return nil
	}
	if err := m.store.Save(ctx, fp); err != nil {
		m.logger.Warn("Failed to save checkpoint", zap.String("file", fp.Path), zap.Error(err))
	}
	return nil
}

// withoutTail drops records parsed from an unterminated last line. The
// baseline stops before that line, so the next append delivers it whole.
func withoutTail(p engine.Progress) engine.Progress {
	cut := p.Outcome.TerminatedLineNumber
	if !p.Kind.Terminal() || cut >= p.Outcome.NextLineNumber {
		return p
	}
	p.Records = beforeLine(p.Records, cut)
	p.Batch = beforeLine(p.Batch, cut)
	p.Outcome.Records = beforeLine(p.Outcome.Records, cut)
	return p
}

func beforeLine(records []models.Record, line int) []models.Record {
	n := len(records)
	for n > 0 && records[n-1].LineNumber >= line {
		n--
	}
	return records[:n:n]
}

// awaitFile polls with backoff until the file exists, then signals found
func (m *Monitor) awaitFile(ctx context.Context) {
	if m.waiting {
		return
	}
	m.waiting = true

	cfg := m.cfg.Wait
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.logger.Debug("Waiting for file",
			zap.String("file", m.cfg.Path),
			zap.Int("attempt", attempt),
			zap.Duration("next", wait))
	}

	m.logger.Warn("File missing, waiting for it to appear", zap.String("file", m.cfg.Path))
	go func() {
		err := retry.Do(ctx, cfg, func() error {
			_, err := os.Stat(m.cfg.Path)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("Gave up waiting for file", zap.String("file", m.cfg.Path), zap.Error(err))
			}
			return
		}
		select {
		case m.found <- struct{}{}:
		default:
		}
	}()
}

// Close releases the notifier and, if it is closable, the checkpoint store
func (m *Monitor) Close() error {
	var err error
	if m.notifier != nil {
		err = multierr.Append(err, m.notifier.Close())
	}
	if c, ok := m.store.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if err != nil {
		return fmt.Errorf("failed to close monitor: %w", err)
	}
	return nil
}

// progressQueue hands engine deliveries to the Run goroutine without ever
// blocking the engine worker
type progressQueue struct {
	mu     sync.Mutex
	items  []engine.Progress
	signal chan struct{}
}

func newProgressQueue() *progressQueue {
	return &progressQueue{signal: make(chan struct{}, 1)}
}

func (q *progressQueue) push(p engine.Progress) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *progressQueue) drain() []engine.Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
