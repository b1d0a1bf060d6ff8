package models

import (
	"strconv"
	"strings"
	"time"
)

// FieldSeparator splits the six fields of a log line (ASCII unit separator).
const FieldSeparator = "\x1f"

// UnknownLevel is used when a line carries a blank level field.
const UnknownLevel = "UNKNOWN"

// Level is a log level tag. Levels form an open namespace: any string is a
// valid level once normalized to upper case, so == compares case-insensitively.
type Level struct {
	name string
}

// NewLevel normalizes s into a Level
func NewLevel(s string) Level {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "" {
		name = UnknownLevel
	}
	return Level{name: name}
}

// String returns the normalized level name
func (l Level) String() string {
	if l.name == "" {
		return UnknownLevel
	}
	return l.name
}

// Equal reports whether l and other name the same level
func (l Level) Equal(other Level) bool {
	return l.String() == other.String()
}

// Is reports whether the level matches name, ignoring case
func (l Level) Is(name string) bool {
	return l.Equal(NewLevel(name))
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	*l = NewLevel(string(text))
	return nil
}

// Record is one parsed log line
type Record struct {
	Timestamp      string `json:"timestamp" yaml:"timestamp"`
	Level          Level  `json:"level" yaml:"level"`
	Message        string `json:"message" yaml:"message"`
	SourceFile     string `json:"source_file" yaml:"source_file"`
	SourceFunction string `json:"source_function" yaml:"source_function"`
	SourceLine     int    `json:"source_line" yaml:"source_line"`
	LineNumber     int    `json:"line_number" yaml:"line_number"`
}

// SourceInfo formats the origin as "file:line"
func (r Record) SourceInfo() string {
	return r.SourceFile + ":" + strconv.Itoa(r.SourceLine)
}

// Fingerprint is the last known good state of a watched file
type Fingerprint struct {
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	ModTime       time.Time `json:"mod_time"`
	FirstLineHash string    `json:"first_line_hash"`
	LineCount     int       `json:"line_count"`
}

// ChangeType classifies a file-system notification
type ChangeType int

const (
	NoChange ChangeType = iota
	Append
	NewFile
)

func (c ChangeType) String() string {
	switch c {
	case NoChange:
		return "no_change"
	case Append:
		return "append"
	case NewFile:
		return "new_file"
	default:
		return "unknown"
	}
}
