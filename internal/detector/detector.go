// Package detector classifies file-system notifications for a watched log
// file as no change, append or new file.
//
// The decision uses a fingerprint of size, modification time and a hash of
// the first non-empty line. Hashing only the first line is an approximation:
// a rotation scheme that starts every file with identical boilerplate and
// produces a larger file will be misread as an append.
package detector

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap"
)

// DefaultEpsilon is the modification time tolerance below which two mtimes
// are considered equal
const DefaultEpsilon = time.Millisecond

// ErrSizeRegression is returned by Update when the new size is smaller than
// the baseline. Shrinking is only valid through Rebase after a new file.
var ErrSizeRegression = errors.New("file size cannot decrease without a rebase")

// ErrNotInitialized is returned by Update before any baseline exists
var ErrNotInitialized = errors.New("detector has no baseline")

// Detector tracks the fingerprint of one file
type Detector struct {
	mu          sync.Mutex
	fp          models.Fingerprint
	initialized bool
	epsilon     time.Duration
	logger      *zap.Logger
}

// New creates a detector with no baseline. Until Initialize, Rebase or
// Restore is called every change is reported as NewFile.
func New(logger *zap.Logger) *Detector {
	return &Detector{
		epsilon: DefaultEpsilon,
		logger:  logger,
	}
}

// Initialize stats and hashes path and stores it as the baseline. Call it
// once after a successful full parse.
func (d *Detector) Initialize(path string, lineCount int) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	hash, err := firstLineHash(path)
	if err != nil {
		return fmt.Errorf("failed to hash first line of %s: %w", path, err)
	}
	return d.Rebase(path, info.Size(), lineCount, info.ModTime(), hash)
}

// Rebase replaces the baseline after a new file was parsed in full. size,
// modTime and hash must all describe the content the parse consumed, not
// whatever is on disk now: the file may have been replaced since.
func (d *Detector) Rebase(path string, size int64, lineCount int, modTime time.Time, hash string) error {
	if path == "" {
		return fmt.Errorf("rebase needs a path")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.fp = models.Fingerprint{
		Path:          path,
		Size:          size,
		ModTime:       modTime,
		FirstLineHash: hash,
		LineCount:     lineCount,
	}
	d.initialized = true

	d.logger.Info("Initialized file state",
		zap.String("file", path),
		zap.Int64("size", size),
		zap.Time("mtime", modTime),
		zap.Int("lines", lineCount),
		zap.String("hash", shortHash(hash)))

	return nil
}

// Restore installs a previously saved fingerprint as the baseline
func (d *Detector) Restore(fp models.Fingerprint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fp = fp
	d.initialized = true

	d.logger.Info("Restored file state",
		zap.String("file", fp.Path),
		zap.Int64("size", fp.Size),
		zap.Int("lines", fp.LineCount))
}

// Detect classifies the current state of path against the baseline.
// Checks run cheapest first; any I/O error yields NewFile.
func (d *Detector) Detect(path string) models.ChangeType {
	d.mu.Lock()
	fp := d.fp
	initialized := d.initialized
	d.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("File does not exist", zap.String("file", path))
		} else {
			d.logger.Error("Error detecting change type", zap.String("file", path), zap.Error(err))
		}
		return models.NewFile
	}

	if !initialized || path != fp.Path {
		d.logger.Info("No baseline for file (NEW_FILE)", zap.String("file", path))
		return models.NewFile
	}

	currentSize := info.Size()
	currentMtime := info.ModTime()

	if absDuration(currentMtime.Sub(fp.ModTime)) < d.epsilon {
		d.logger.Debug("Modification time unchanged (NO_CHANGE)",
			zap.String("file", path),
			zap.Time("mtime", currentMtime))
		return models.NoChange
	}

	if currentSize < fp.Size {
		d.logger.Info("File size decreased (NEW_FILE)",
			zap.String("file", path),
			zap.Int64("old_size", fp.Size),
			zap.Int64("new_size", currentSize))
		return models.NewFile
	}

	if currentSize == fp.Size {
		d.logger.Debug("File size unchanged but mtime changed (NO_CHANGE)",
			zap.String("file", path),
			zap.Int64("size", currentSize))
		return models.NoChange
	}

	hash, err := firstLineHash(path)
	if err != nil {
		d.logger.Error("Error reading first line", zap.String("file", path), zap.Error(err))
		return models.NewFile
	}
	if hash != fp.FirstLineHash {
		d.logger.Info("First line changed (NEW_FILE)",
			zap.String("file", path),
			zap.String("old_hash", shortHash(fp.FirstLineHash)),
			zap.String("new_hash", shortHash(hash)))
		return models.NewFile
	}

	d.logger.Info("File appended (APPEND)",
		zap.String("file", path),
		zap.Int64("bytes_added", currentSize-fp.Size))
	return models.Append
}

// Update moves the baseline forward after appended content was consumed.
// A zero newModTime makes Update stat the file for a fresh value.
func (d *Detector) Update(newSize int64, newLineCount int, newModTime time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return ErrNotInitialized
	}
	if newSize < d.fp.Size {
		return fmt.Errorf("%w: %d < %d", ErrSizeRegression, newSize, d.fp.Size)
	}

	if newModTime.IsZero() {
		info, err := os.Stat(d.fp.Path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", d.fp.Path, err)
		}
		newModTime = info.ModTime()
	}

	d.fp.Size = newSize
	d.fp.LineCount = newLineCount
	d.fp.ModTime = newModTime

	d.logger.Debug("Updated file state",
		zap.String("file", d.fp.Path),
		zap.Int64("size", newSize),
		zap.Time("mtime", newModTime),
		zap.Int("lines", newLineCount))

	return nil
}

// AppendStartOffset returns the byte offset where appended content begins
func (d *Detector) AppendStartOffset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fp.Size
}

// NextLineNumber returns the line number of the first appended line
func (d *Detector) NextLineNumber() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fp.LineCount + 1
}

// Fingerprint returns a copy of the baseline and whether one exists
func (d *Detector) Fingerprint() (models.Fingerprint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fp, d.initialized
}

// firstLineHash returns the md5 of the first non-empty, trimmed line. An
// empty file hashes as the empty string.
func firstLineHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			return HashLine(line), nil
		}
		if err == io.EOF {
			return HashLine(""), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// HashLine returns the fingerprint hash of a first line: the hex md5 of the
// line with surrounding whitespace removed
func HashLine(line string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(line)))
	return hex.EncodeToString(sum[:])
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
