package tailer

import (
	"context"
	"sync"
	"time"

	"github.com/oicur0t/logview/internal/engine"
	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap"
)

// RecordBatch is a group of records handed to a sink. Reset is set on the
// first batch of a new file lifetime; earlier records no longer apply.
type RecordBatch struct {
	Path    string
	Reset   bool
	Records []models.Record
}

// RecordSink receives flushed batches
type RecordSink interface {
	WriteBatch(ctx context.Context, batch RecordBatch) error
}

// Batcher accumulates records from monitor updates and flushes them to a
// sink by size or age. It also keeps every record of the current file
// lifetime for Snapshot.
type Batcher struct {
	maxSize int
	maxWait time.Duration
	logger  *zap.Logger
	sink    RecordSink

	mu       sync.Mutex
	path     string
	pending  []models.Record
	reset    bool
	all      []models.Record
	lastTask string
}

// NewBatcher creates a new record batcher
func NewBatcher(maxSize int, maxWait time.Duration, sink RecordSink, logger *zap.Logger) *Batcher {
	if maxSize <= 0 {
		maxSize = 500
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Batcher{
		maxSize: maxSize,
		maxWait: maxWait,
		logger:  logger,
		sink:    sink,
		pending: make([]models.Record, 0, maxSize),
	}
}

// Run consumes updates until the channel closes or ctx is done, flushing
// whatever is pending before it returns
func (b *Batcher) Run(ctx context.Context, updates <-chan Update) error {
	ticker := time.NewTicker(b.maxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush remaining records before exiting
			if err := b.flush(context.Background()); err != nil {
				b.logger.Error("Failed to flush final batch", zap.Error(err))
			}
			return ctx.Err()

		case u, ok := <-updates:
			if !ok {
				return b.flush(ctx)
			}
			if b.startsLifetime(u) {
				if err := b.flush(ctx); err != nil {
					b.logger.Error("Failed to flush batch before reset", zap.Error(err))
				}
			}
			if b.add(u) {
				if err := b.flush(ctx); err != nil {
					b.logger.Error("Failed to flush batch", zap.Error(err))
				}
				ticker.Reset(b.maxWait)
			}

		case <-ticker.C:
			if err := b.flush(ctx); err != nil {
				b.logger.Error("Failed to flush batch on timer", zap.Error(err))
			}
		}
	}
}

func (b *Batcher) startsLifetime(u Update) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return u.ChangeType == models.NewFile && u.Progress.TaskID != b.lastTask
}

// add records the batch carried by u and reports whether a flush is due
func (b *Batcher) add(u Update) bool {
	p := u.Progress

	b.mu.Lock()
	defer b.mu.Unlock()

	if u.ChangeType == models.NewFile && p.TaskID != b.lastTask {
		b.lastTask = p.TaskID
		b.pending = b.pending[:0]
		b.all = nil
		b.reset = true
		b.path = p.Path
		b.logger.Debug("New file lifetime", zap.String("file", p.Path), zap.String("task", p.TaskID))
	}
	if b.path == "" {
		b.path = p.Path
	}

	if len(p.Batch) > 0 {
		b.pending = append(b.pending, p.Batch...)
		b.all = append(b.all, p.Batch...)
	}

	if p.Kind.Terminal() && p.Kind != engine.KindPartial {
		return len(b.pending) > 0 || b.reset
	}
	return len(b.pending) >= b.maxSize
}

// flush sends the pending records to the sink
func (b *Batcher) flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 && !b.reset {
		b.mu.Unlock()
		return nil
	}

	// Create a copy of the batch for sending
	batch := RecordBatch{
		Path:    b.path,
		Reset:   b.reset,
		Records: make([]models.Record, len(b.pending)),
	}
	copy(batch.Records, b.pending)

	b.pending = b.pending[:0]
	b.reset = false
	b.mu.Unlock()

	b.logger.Debug("Flushing batch",
		zap.Int("size", len(batch.Records)),
		zap.Bool("reset", batch.Reset))

	if err := b.sink.WriteBatch(ctx, batch); err != nil {
		b.logger.Error("Failed to write batch",
			zap.Error(err),
			zap.Int("size", len(batch.Records)))
		return err
	}
	return nil
}

// Snapshot returns a copy of every record seen in the current file lifetime
func (b *Batcher) Snapshot() []models.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Record, len(b.all))
	copy(out, b.all)
	return out
}

// Len returns the number of records in the current file lifetime
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}
