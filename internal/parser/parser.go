// Package parser turns raw log lines into records.
//
// A line carries six fields separated by ASCII 0x1F:
//
//	timestamp<US>level<US>message<US>source file<US>source function<US>source line
//
// ParseLine is pure. Parser wraps it with logging and tag registration.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oicur0t/logview/internal/tags"
	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap"
)

// FieldCount is the number of fields a line must carry
const FieldCount = 6

// ErrBlankLine is returned for empty or whitespace-only lines. Blank lines
// are neither matched nor failed.
var ErrBlankLine = errors.New("blank line")

// ErrMalformedLine matches every *MalformedLineError
var ErrMalformedLine = errors.New("malformed line")

// MalformedLineError reports a line that could not be split into records
type MalformedLineError struct {
	Line    int
	Fields  int
	Content string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("line %d: invalid format (expected %d fields, got %d)", e.Line, FieldCount, e.Fields)
}

// Is makes errors.Is(err, ErrMalformedLine) work
func (e *MalformedLineError) Is(target error) bool {
	return target == ErrMalformedLine
}

// Result is a parsed line plus any non-fatal field coercions
type Result struct {
	Record   models.Record
	Warnings []string
}

// ParseLine splits one raw line into a record. It performs no I/O and has no
// side effects; identical input always yields identical output.
func ParseLine(raw string, lineNumber int) (Result, error) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Result{}, ErrBlankLine
	}

	fields := strings.Split(line, models.FieldSeparator)
	if len(fields) < FieldCount {
		return Result{}, &MalformedLineError{
			Line:    lineNumber,
			Fields:  len(fields),
			Content: truncate(line, 100),
		}
	}

	var res Result
	sourceLineStr := strings.TrimSpace(fields[5])
	sourceLine, err := strconv.Atoi(sourceLineStr)
	if err != nil || sourceLine < 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("line %d: invalid source line %q", lineNumber, sourceLineStr))
		sourceLine = 0
	}

	res.Record = models.Record{
		Timestamp:      fields[0],
		Level:          models.NewLevel(fields[1]),
		Message:        fields[2],
		SourceFile:     strings.TrimSpace(fields[3]),
		SourceFunction: strings.TrimSpace(fields[4]),
		SourceLine:     sourceLine,
		LineNumber:     lineNumber,
	}
	return res, nil
}

// TagRegistry receives every level seen while parsing
type TagRegistry interface {
	EnsureTag(name string) tags.Tag
}

// Parser parses lines and registers their levels
type Parser struct {
	registry TagRegistry
	logger   *zap.Logger
}

// New creates a parser. registry may be nil.
func New(registry TagRegistry, logger *zap.Logger) *Parser {
	return &Parser{
		registry: registry,
		logger:   logger,
	}
}

// Parse parses one line. The returned error is nil, ErrBlankLine or a
// *MalformedLineError; nothing else escapes.
func (p *Parser) Parse(raw string, lineNumber int) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic while parsing line",
				zap.Int("line", lineNumber),
				zap.Any("panic", r))
			res = Result{}
			err = &MalformedLineError{Line: lineNumber, Content: truncate(raw, 100)}
		}
	}()

	res, err = ParseLine(raw, lineNumber)
	if err != nil {
		var malformed *MalformedLineError
		if errors.As(err, &malformed) {
			p.logger.Warn("Skipping malformed line",
				zap.Int("line", lineNumber),
				zap.Int("fields", malformed.Fields))
			p.logger.Debug("Malformed line content",
				zap.Int("line", lineNumber),
				zap.String("content", malformed.Content))
		}
		return res, err
	}

	for _, w := range res.Warnings {
		p.logger.Warn("Coerced field", zap.String("detail", w))
	}

	if p.registry != nil {
		p.registry.EnsureTag(res.Record.Level.String())
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
