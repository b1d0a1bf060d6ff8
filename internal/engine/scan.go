package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oicur0t/logview/internal/detector"
	"github.com/oicur0t/logview/internal/parser"
	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap"
)

const readBufferSize = 64 * 1024

type job struct {
	path        string
	mode        Mode
	startOffset int64
	startLine   int
	maxLines    int // 0 means unlimited
}

// pending collects one batch. It is merged into the outcome only once the
// batch is complete, so a cancelled parse never exposes half a batch.
type pending struct {
	records []models.Record
	lines   int
	matched int
	failed  int
	blank   int
	coerced int
	bytes   int64
	tail    int64 // bytes of an unterminated last line
}

func (p *pending) commit(out *Outcome) {
	out.Records = append(out.Records, p.records...)
	out.LinesRead += p.lines
	out.Matched += p.matched
	out.Failed += p.failed
	out.Blank += p.blank
	out.Coerced += p.coerced
	out.EndOffset += p.bytes
	out.NextLineNumber += p.lines
	out.TerminatedOffset = out.EndOffset - p.tail
	out.TerminatedLineNumber = out.NextLineNumber
	if p.tail > 0 {
		out.TerminatedLineNumber--
	}
	*p = pending{}
}

// scan reads j.path line by line. deliver is nil for synchronous parses.
func (e *Engine) scan(t *task, j job, deliver func(Progress)) (Outcome, error) {
	out := Outcome{
		StartOffset:          j.startOffset,
		EndOffset:            j.startOffset,
		TerminatedOffset:     j.startOffset,
		TerminatedLineNumber: j.startLine,
		NextLineNumber:       j.startLine,
	}

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, fmt.Errorf("%w: %s", ErrNotFound, j.path)
		}
		return out, &IOError{Op: "open", Path: j.path, Offset: j.startOffset, Line: j.startLine, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return out, &IOError{Op: "stat", Path: j.path, Offset: j.startOffset, Line: j.startLine, Err: err}
	}
	out.ModTime = info.ModTime()
	size := info.Size()

	if j.startOffset > 0 {
		if j.startOffset > size {
			return out, &IOError{
				Op: "seek", Path: j.path, Offset: j.startOffset, Line: j.startLine,
				Err: fmt.Errorf("offset beyond end of file (size %d)", size),
			}
		}
		if _, err := f.Seek(j.startOffset, io.SeekStart); err != nil {
			return out, &IOError{Op: "seek", Path: j.path, Offset: j.startOffset, Line: j.startLine, Err: err}
		}
	}

	total := size - j.startOffset

	e.logger.Info("Starting parse",
		zap.String("file", j.path),
		zap.Stringer("mode", j.mode),
		zap.Int64("offset", j.startOffset),
		zap.Int("start_line", j.startLine),
		zap.Int64("bytes", total))

	if deliver != nil {
		deliver(Progress{Kind: KindRunning, Status: startStatus(j.mode)})
	}

	reader := bufio.NewReaderSize(f, readBufferSize)
	var batch pending
	var firstHash string

	for {
		if t.cancelled() {
			return out, ErrCancelled
		}

		if j.maxLines > 0 && out.LinesRead+batch.lines >= j.maxLines {
			out.Partial = hasCompleteLine(reader)
			break
		}

		line, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return out, &IOError{
				Op: "read", Path: j.path,
				Offset: out.EndOffset + batch.bytes,
				Line:   out.NextLineNumber + batch.lines,
				Err:    readErr,
			}
		}

		if line != "" {
			terminated := strings.HasSuffix(line, "\n")
			// an unterminated tail may still be mid-write; appends leave it
			// for the next notification
			if !terminated && j.mode == ModeAppend {
				break
			}
			if j.mode == ModeFull && terminated && firstHash == "" && strings.TrimSpace(line) != "" {
				firstHash = detector.HashLine(line)
			}
			e.consume(&batch, line, out.NextLineNumber+batch.lines, terminated)
		}

		if readErr == io.EOF {
			break
		}

		if batch.lines >= e.cfg.BatchSize {
			batch.commit(&out)
			if deliver != nil {
				e.deliverBatch(j, &out, total, deliver)
			}
			if !e.yield(t) {
				return out, ErrCancelled
			}
		}
	}

	if t.cancelled() {
		return out, ErrCancelled
	}
	batch.commit(&out)
	if j.mode == ModeFull {
		if firstHash == "" {
			firstHash = detector.HashLine("")
		}
		out.FirstLineHash = firstHash
	}

	e.logger.Info("Parse finished",
		zap.String("file", j.path),
		zap.Stringer("mode", j.mode),
		zap.Int("entries", len(out.Records)),
		zap.Int("lines", out.LinesRead),
		zap.Int("malformed", out.Failed),
		zap.Int("blank", out.Blank),
		zap.Bool("partial", out.Partial))

	return out, nil
}

func (e *Engine) consume(batch *pending, line string, lineNumber int, terminated bool) {
	batch.lines++
	batch.bytes += int64(len(line))
	if !terminated {
		batch.tail = int64(len(line))
	}

	res, err := e.parser.Parse(line, lineNumber)
	switch {
	case errors.Is(err, parser.ErrBlankLine):
		batch.blank++
	case err != nil:
		batch.failed++
	default:
		batch.matched++
		if len(res.Warnings) > 0 {
			batch.coerced++
		}
		batch.records = append(batch.records, res.Record)
	}
}

func (e *Engine) deliverBatch(j job, out *Outcome, total int64, deliver func(Progress)) {
	pct := percent(out.BytesConsumed(), total)
	batch := capped(out.Records[out.delivered:])
	out.delivered = len(out.Records)

	snapshot := *out
	snapshot.Records = capped(out.Records)

	deliver(Progress{
		Kind:    KindRunning,
		Status:  runningStatus(j.mode, pct, out),
		Records: snapshot.Records,
		Batch:   batch,
		Outcome: snapshot,
	})
}

// hasCompleteLine reports whether r still holds a newline-terminated line.
// It consumes input and is only called once reading is over.
func hasCompleteLine(r *bufio.Reader) bool {
	for {
		_, err := r.ReadSlice('\n')
		switch err {
		case nil:
			return true
		case bufio.ErrBufferFull:
			continue
		default:
			return false
		}
	}
}

// yield pauses between batches. It returns false if the task was cancelled
// while waiting.
func (e *Engine) yield(t *task) bool {
	if e.cfg.YieldInterval <= 0 {
		return !t.cancelled()
	}
	timer := time.NewTimer(e.cfg.YieldInterval)
	defer timer.Stop()
	select {
	case <-t.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// capped returns a view whose capacity equals its length so appends by the
// receiver can never write into the engine's backing array
func capped(records []models.Record) []models.Record {
	n := len(records)
	return records[:n:n]
}
