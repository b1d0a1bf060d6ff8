package detector

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	setMtime(t, path, mtime)
}

func appendFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	f.Close()
	setMtime(t, path, mtime)
}

func setMtime(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
}

func lines(n int, prefix string) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		b.WriteString(prefix)
		b.WriteString(strings.Repeat("x", 5))
		b.WriteString("\n")
	}
	return b.String()
}

func newInitialized(t *testing.T, content string) (*Detector, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, content, baseTime)

	d := New(zaptest.NewLogger(t))
	if err := d.Initialize(path, strings.Count(content, "\n")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return d, path
}

func TestDetect(t *testing.T) {
	initial := "first line\n" + lines(9, "entry ")

	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
		want   models.ChangeType
	}{
		{
			name:   "spurious notification",
			mutate: func(t *testing.T, path string) {},
			want:   models.NoChange,
		},
		{
			name: "append with new mtime",
			mutate: func(t *testing.T, path string) {
				appendFile(t, path, lines(4, "more "), baseTime.Add(time.Second))
			},
			want: models.Append,
		},
		{
			name: "size changed but mtime unchanged",
			mutate: func(t *testing.T, path string) {
				appendFile(t, path, lines(4, "more "), baseTime)
			},
			want: models.NoChange,
		},
		{
			name: "truncated",
			mutate: func(t *testing.T, path string) {
				writeFile(t, path, "first line\n", baseTime.Add(time.Second))
			},
			want: models.NewFile,
		},
		{
			name: "truncated with older mtime",
			mutate: func(t *testing.T, path string) {
				writeFile(t, path, "first line\n", baseTime.Add(-time.Hour))
			},
			want: models.NewFile,
		},
		{
			name: "metadata only touch",
			mutate: func(t *testing.T, path string) {
				setMtime(t, path, baseTime.Add(time.Minute))
			},
			want: models.NoChange,
		},
		{
			name: "replaced by larger file",
			mutate: func(t *testing.T, path string) {
				writeFile(t, path, "other header\n"+lines(40, "new "), baseTime.Add(time.Second))
			},
			want: models.NewFile,
		},
		{
			name: "deleted",
			mutate: func(t *testing.T, path string) {
				if err := os.Remove(path); err != nil {
					t.Fatal(err)
				}
			},
			want: models.NewFile,
		},
		{
			name: "mtime within epsilon",
			mutate: func(t *testing.T, path string) {
				appendFile(t, path, "tail\n", baseTime.Add(500*time.Microsecond))
			},
			want: models.NoChange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, path := newInitialized(t, initial)
			tt.mutate(t, path)
			if got := d.Detect(path); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectAppendOffsets(t *testing.T) {
	// 10 lines of exactly 10 bytes
	initial := strings.Repeat("abcdefghi\n", 10)
	d, path := newInitialized(t, initial)

	if got := d.AppendStartOffset(); got != 100 {
		t.Fatalf("AppendStartOffset() = %d, want 100", got)
	}

	appendFile(t, path, strings.Repeat("jklmnopqr\n", 4), baseTime.Add(time.Second))
	if got := d.Detect(path); got != models.Append {
		t.Fatalf("Detect() = %v, want Append", got)
	}
	if got := d.AppendStartOffset(); got != 100 {
		t.Errorf("AppendStartOffset() = %d, want 100", got)
	}
	if got := d.NextLineNumber(); got != 11 {
		t.Errorf("NextLineNumber() = %d, want 11", got)
	}
}

func TestDetectShrunkScenario(t *testing.T) {
	d, path := newInitialized(t, strings.Repeat("abcdefghi\n", 10))
	writeFile(t, path, strings.Repeat("abcdefghi\n", 6), baseTime.Add(time.Second))

	if got := d.Detect(path); got != models.NewFile {
		t.Errorf("Detect() = %v, want NewFile", got)
	}
}

func TestDetectLeadingBlankLinesIgnoredByHash(t *testing.T) {
	d, path := newInitialized(t, "\n\n  header\nbody\n")
	appendFile(t, path, "more\n", baseTime.Add(time.Second))

	if got := d.Detect(path); got != models.Append {
		t.Errorf("Detect() = %v, want Append", got)
	}
}

func TestDetectWithoutBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "hello\n", baseTime)

	d := New(zaptest.NewLogger(t))
	if got := d.Detect(path); got != models.NewFile {
		t.Errorf("Detect() = %v, want NewFile", got)
	}
}

func TestDetectDifferentPath(t *testing.T) {
	d, path := newInitialized(t, "hello\n")
	other := filepath.Join(filepath.Dir(path), "other.log")
	writeFile(t, other, "hello\n", baseTime)

	if got := d.Detect(other); got != models.NewFile {
		t.Errorf("Detect() = %v, want NewFile", got)
	}
}

func TestUpdate(t *testing.T) {
	d, path := newInitialized(t, strings.Repeat("abcdefghi\n", 10))
	appendFile(t, path, strings.Repeat("abcdefghi\n", 2), baseTime.Add(time.Second))

	if err := d.Update(120, 12, baseTime.Add(time.Second)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := d.AppendStartOffset(); got != 120 {
		t.Errorf("AppendStartOffset() = %d, want 120", got)
	}
	if got := d.NextLineNumber(); got != 13 {
		t.Errorf("NextLineNumber() = %d, want 13", got)
	}
	if got := d.Detect(path); got != models.NoChange {
		t.Errorf("Detect() after Update = %v, want NoChange", got)
	}
}

func TestUpdateRestatsModTime(t *testing.T) {
	d, path := newInitialized(t, "abcdefghi\n")
	later := baseTime.Add(time.Hour)
	appendFile(t, path, "abcdefghi\n", later)

	if err := d.Update(20, 2, time.Time{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	fp, _ := d.Fingerprint()
	if !fp.ModTime.Equal(later) {
		t.Errorf("ModTime = %v, want %v", fp.ModTime, later)
	}
}

func TestUpdateRejectsShrink(t *testing.T) {
	d, _ := newInitialized(t, strings.Repeat("abcdefghi\n", 10))

	err := d.Update(50, 5, baseTime.Add(time.Second))
	if !errors.Is(err, ErrSizeRegression) {
		t.Fatalf("Update() error = %v, want ErrSizeRegression", err)
	}
	fp, _ := d.Fingerprint()
	if fp.Size != 100 || fp.LineCount != 10 {
		t.Errorf("baseline changed after rejected update: %+v", fp)
	}
}

func TestUpdateWithoutBaseline(t *testing.T) {
	d := New(zaptest.NewLogger(t))
	if err := d.Update(10, 1, baseTime); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Update() error = %v, want ErrNotInitialized", err)
	}
}

func TestRebaseAllowsShrink(t *testing.T) {
	d, path := newInitialized(t, strings.Repeat("abcdefghi\n", 10))
	writeFile(t, path, "fresh\n", baseTime.Add(time.Second))

	if err := d.Rebase(path, 6, 1, baseTime.Add(time.Second), HashLine("fresh\n")); err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	appendFile(t, path, "next\n", baseTime.Add(2*time.Second))
	if got := d.Detect(path); got != models.Append {
		t.Errorf("Detect() = %v, want Append", got)
	}
	if got := d.AppendStartOffset(); got != 6 {
		t.Errorf("AppendStartOffset() = %d, want 6", got)
	}
}

func TestRebaseKeepsHashOfParsedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	parsed := lines(7, "A")
	writeFile(t, path, parsed, baseTime)

	// the file is replaced after the parse finished but before the baseline
	// is stored
	writeFile(t, path, lines(3, "B"), baseTime.Add(time.Second))

	d := New(zaptest.NewLogger(t))
	firstLine := strings.SplitN(parsed, "\n", 2)[0]
	if err := d.Rebase(path, int64(len(parsed)), 7, baseTime, HashLine(firstLine)); err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}

	appendFile(t, path, lines(10, "B"), baseTime.Add(2*time.Second))
	if got := d.Detect(path); got != models.NewFile {
		t.Errorf("Detect() = %v, want NewFile", got)
	}
}

func TestRebaseRequiresPath(t *testing.T) {
	d := New(zaptest.NewLogger(t))
	if err := d.Rebase("", 0, 0, baseTime, HashLine("")); err == nil {
		t.Error("Rebase() expected error for empty path")
	}
}

func TestHashLineIgnoresSurroundingWhitespace(t *testing.T) {
	if HashLine("  first line\r\n") != HashLine("first line") {
		t.Error("HashLine() differs for the same trimmed line")
	}
	if HashLine("first line") == HashLine("second line") {
		t.Error("HashLine() collides for different lines")
	}
}

func TestRestore(t *testing.T) {
	d, path := newInitialized(t, "abcdefghi\n")
	fp, ok := d.Fingerprint()
	if !ok {
		t.Fatal("expected baseline")
	}

	restored := New(zaptest.NewLogger(t))
	restored.Restore(fp)
	appendFile(t, path, "abcdefghi\n", baseTime.Add(time.Second))

	if got := restored.Detect(path); got != models.Append {
		t.Errorf("Detect() = %v, want Append", got)
	}
}

func TestInitializeMissingFile(t *testing.T) {
	d := New(zaptest.NewLogger(t))
	if err := d.Initialize(filepath.Join(t.TempDir(), "missing.log"), 0); err == nil {
		t.Error("Initialize() expected error for missing file")
	}
	if _, ok := d.Fingerprint(); ok {
		t.Error("baseline should not exist after failed Initialize")
	}
}
