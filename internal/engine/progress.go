package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/oicur0t/logview/pkg/models"
)

var (
	// ErrNotFound is returned when the log file does not exist at the start of a parse
	ErrNotFound = errors.New("log file not found")

	// ErrCancelled is returned when a parse was stopped or superseded
	ErrCancelled = errors.New("parse cancelled")

	// ErrBusy is returned when a running parse did not stop within the stop timeout
	ErrBusy = errors.New("previous parse did not stop in time")
)

// IOError reports a failed file operation with its position in the file
type IOError struct {
	Op     string
	Path   string
	Offset int64
	Line   int
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s at byte %d (line %d): %v", e.Op, e.Path, e.Offset, e.Line, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Mode tells whether a parse starts at byte 0 or at an append offset
type Mode int

const (
	ModeFull Mode = iota
	ModeAppend
)

func (m Mode) String() string {
	if m == ModeAppend {
		return "append"
	}
	return "full"
}

// Kind classifies a progress delivery. Every async parse ends with exactly
// one delivery whose Kind is terminal.
type Kind int

const (
	KindRunning Kind = iota
	KindComplete
	KindPartial
	KindCancelled
	KindFailed
)

// Terminal reports whether no further deliveries follow
func (k Kind) Terminal() bool {
	return k != KindRunning
}

func (k Kind) String() string {
	switch k {
	case KindRunning:
		return "running"
	case KindComplete:
		return "complete"
	case KindPartial:
		return "partial"
	case KindCancelled:
		return "cancelled"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the engine lifecycle state
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome holds the records and counters of one parse
type Outcome struct {
	Records []models.Record

	LinesRead int // physical lines consumed, blank and malformed included
	Matched   int
	Failed    int // malformed lines
	Blank     int
	Coerced   int // records with at least one coerced field

	StartOffset int64
	EndOffset   int64 // byte offset just past the last consumed line

	// TerminatedOffset and TerminatedLineNumber stop before an unterminated
	// last line, which a writer may still be completing. Equal to EndOffset
	// and NextLineNumber when the last line ended with a newline.
	TerminatedOffset     int64
	TerminatedLineNumber int

	NextLineNumber int
	ModTime        time.Time // mtime observed before reading started
	Partial        bool      // stopped at the line cap with complete lines left unread

	// FirstLineHash is detector.HashLine of the first non-blank terminated
	// line, set by full parses only
	FirstLineHash string

	delivered int // records already handed out in running deliveries
}

// BytesConsumed returns the number of bytes read by the parse
func (o Outcome) BytesConsumed() int64 {
	return o.EndOffset - o.StartOffset
}

// Progress is one delivery to an async caller. Records and Batch are never
// mutated by the engine after delivery.
type Progress struct {
	TaskID string
	Path   string
	Mode   Mode
	Kind   Kind
	Status string

	// Records accumulated so far by this parse
	Records []models.Record
	// Batch holds the records added since the previous delivery
	Batch []models.Record

	Outcome Outcome
	Err     error
}

// ProgressFunc receives async deliveries on the worker goroutine
type ProgressFunc func(Progress)

func percent(consumed, total int64) int {
	if total <= 0 {
		return 100
	}
	p := consumed * 100 / total
	if p > 100 {
		p = 100
	}
	return int(p)
}

func runningStatus(mode Mode, pct int, out *Outcome) string {
	if mode == ModeAppend {
		return fmt.Sprintf("Parsing new entries... %d%% (+%d new)", pct, len(out.Records))
	}
	return fmt.Sprintf("Parsing... %d%% (%d lines)", pct, out.LinesRead)
}

func startStatus(mode Mode) string {
	if mode == ModeAppend {
		return "Parsing new entries... 0%"
	}
	return "Starting parse... 0%"
}

func finalStatus(mode Mode, out *Outcome, maxLines int) (Kind, string) {
	if mode == ModeAppend {
		if out.Partial {
			return KindPartial, fmt.Sprintf("Partial: +%d entries (limit: %d lines)", len(out.Records), maxLines)
		}
		return KindComplete, fmt.Sprintf("Complete: +%d new entries", len(out.Records))
	}
	return KindComplete, fmt.Sprintf("Complete: %d entries from %d lines", len(out.Records), out.LinesRead)
}

const cancelledStatus = "Parsing cancelled"

func errorStatus(err error) string {
	return "Error: " + err.Error()
}
