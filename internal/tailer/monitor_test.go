package tailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oicur0t/logview/internal/detector"
	"github.com/oicur0t/logview/internal/engine"
	"github.com/oicur0t/logview/internal/parser"
	"github.com/oicur0t/logview/pkg/models"
	"github.com/oicur0t/logview/pkg/retry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type chanNotifier struct {
	ch   chan Notification
	once sync.Once
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{ch: make(chan Notification, 16)}
}

func (n *chanNotifier) Events() <-chan Notification { return n.ch }

func (n *chanNotifier) Close() error {
	n.once.Do(func() { close(n.ch) })
	return nil
}

func (n *chanNotifier) poke(path string) {
	n.ch <- Notification{Path: path, Op: OpWrite, At: time.Now()}
}

type memoryStore struct {
	mu  sync.Mutex
	fps map[string]models.Fingerprint
}

func newMemoryStore() *memoryStore {
	return &memoryStore{fps: make(map[string]models.Fingerprint)}
}

func (s *memoryStore) Load(ctx context.Context, path string) (models.Fingerprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fps[path]
	return fp, ok, nil
}

func (s *memoryStore) Save(ctx context.Context, fp models.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps[fp.Path] = fp
	return nil
}

// logFile writes lines and gives every write a distinct mtime
type logFile struct {
	t     *testing.T
	path  string
	next  int
	clock time.Time
}

func newLogFile(t *testing.T) *logFile {
	return &logFile{
		t:     t,
		path:  filepath.Join(t.TempDir(), "app.log"),
		next:  1,
		clock: time.Now().Add(-time.Hour),
	}
}

func (f *logFile) lines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "2024-01-01 10:00:00\x1fINFO\x1fmessage %d\x1fmain.go\x1fmain\x1f%d\n", f.next, f.next)
		f.next++
	}
	return b.String()
}

func (f *logFile) touch() {
	f.clock = f.clock.Add(time.Second)
	if err := os.Chtimes(f.path, f.clock, f.clock); err != nil {
		f.t.Fatalf("failed to set mtime: %v", err)
	}
}

func (f *logFile) write(n int) {
	f.next = 1
	if err := os.WriteFile(f.path, []byte(f.lines(n)), 0644); err != nil {
		f.t.Fatalf("failed to write: %v", err)
	}
	f.touch()
}

func (f *logFile) append(n int) {
	out, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		f.t.Fatalf("failed to open: %v", err)
	}
	if _, err := out.WriteString(f.lines(n)); err != nil {
		f.t.Fatalf("failed to append: %v", err)
	}
	out.Close()
	f.touch()
}

type monitorHarness struct {
	monitor  *Monitor
	notifier *chanNotifier
	detector *detector.Detector
	cancel   context.CancelFunc
	done     chan error
}

func startMonitor(t *testing.T, path string, cfg MonitorConfig, store CheckpointStore, d *detector.Detector) *monitorHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	eng := engine.New(parser.New(nil, zap.NewNop()), engine.Config{
		BatchSize:     100,
		YieldInterval: time.Microsecond,
	}, logger)
	if d == nil {
		d = detector.New(logger)
	}
	n := newChanNotifier()

	cfg.Path = path
	if cfg.Wait.InitialWait == 0 {
		cfg.Wait = retry.Config{MaxRetries: retry.Forever, InitialWait: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond, Multiplier: 2}
	}

	h := &monitorHarness{
		monitor:  NewMonitor(cfg, eng, d, n, store, logger),
		notifier: n,
		detector: d,
		done:     make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.monitor.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

// next collects updates up to and including the next terminal delivery
func (h *monitorHarness) next(t *testing.T) []Update {
	t.Helper()
	var got []Update
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u, ok := <-h.monitor.Updates():
			if !ok {
				t.Fatal("updates closed")
			}
			got = append(got, u)
			if u.Progress.Kind.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out after %d updates", len(got))
		}
	}
}

func terminal(updates []Update) Update {
	return updates[len(updates)-1]
}

func batched(updates []Update) []models.Record {
	var out []models.Record
	for _, u := range updates {
		out = append(out, u.Progress.Batch...)
	}
	return out
}

func TestMonitorInitialParseAndAppend(t *testing.T) {
	f := newLogFile(t)
	f.write(3)
	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)

	first := terminal(h.next(t))
	if first.ChangeType != models.NewFile || first.Progress.Kind != engine.KindComplete {
		t.Fatalf("initial = %v %v", first.ChangeType, first.Progress.Kind)
	}
	if len(first.Progress.Records) != 3 {
		t.Errorf("initial records = %d, want 3", len(first.Progress.Records))
	}

	f.append(2)
	h.notifier.poke(f.path)

	appended := h.next(t)
	last := terminal(appended)
	if last.ChangeType != models.Append || last.Progress.Status != "Complete: +2 new entries" {
		t.Fatalf("append = %v %q", last.ChangeType, last.Progress.Status)
	}
	recs := batched(appended)
	if len(recs) != 2 || recs[0].LineNumber != 4 || recs[1].LineNumber != 5 {
		t.Errorf("appended records = %+v", recs)
	}

	if got := h.detector.NextLineNumber(); got != 6 {
		t.Errorf("NextLineNumber() = %d, want 6", got)
	}
}

func TestMonitorWaitsForHalfWrittenLine(t *testing.T) {
	f := newLogFile(t)
	complete := f.lines(2)
	third := f.lines(1)
	split := len(third) / 2
	if err := os.WriteFile(f.path, []byte(complete+third[:split]), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	f.touch()

	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)
	initial := h.next(t)
	if recs := batched(initial); len(recs) != 2 || recs[1].LineNumber != 2 {
		t.Fatalf("initial records = %+v", recs)
	}
	if got := len(terminal(initial).Progress.Records); got != 2 {
		t.Errorf("initial Records = %d, want 2", got)
	}
	if got := h.detector.AppendStartOffset(); got != int64(len(complete)) {
		t.Errorf("AppendStartOffset() = %d, want %d", got, len(complete))
	}
	if got := h.detector.NextLineNumber(); got != 3 {
		t.Errorf("NextLineNumber() = %d, want 3", got)
	}

	out, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if _, err := out.WriteString(third[split:] + f.lines(1)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	out.Close()
	f.touch()
	h.notifier.poke(f.path)

	appended := h.next(t)
	last := terminal(appended)
	if last.ChangeType != models.Append || last.Progress.Outcome.Failed != 0 {
		t.Fatalf("append = %v, failed = %d", last.ChangeType, last.Progress.Outcome.Failed)
	}
	recs := batched(appended)
	if len(recs) != 2 || recs[0].Message != "message 3" || recs[0].LineNumber != 3 || recs[1].LineNumber != 4 {
		t.Errorf("appended records = %+v", recs)
	}
}

func TestMonitorDrainsPartialAppends(t *testing.T) {
	f := newLogFile(t)
	f.write(2)
	h := startMonitor(t, f.path, MonitorConfig{MaxAppendLines: 2}, nil, nil)
	h.next(t)

	f.append(5)
	h.notifier.poke(f.path)

	var recs []models.Record
	var kinds []engine.Kind
	for {
		updates := h.next(t)
		recs = append(recs, batched(updates)...)
		kinds = append(kinds, terminal(updates).Progress.Kind)
		if terminal(updates).Progress.Kind != engine.KindPartial {
			break
		}
	}

	want := []engine.Kind{engine.KindPartial, engine.KindPartial, engine.KindComplete}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("terminal kinds = %v, want %v", kinds, want)
	}
	if len(recs) != 5 {
		t.Fatalf("drained records = %d, want 5", len(recs))
	}
	for i, r := range recs {
		if r.LineNumber != 3+i {
			t.Errorf("record %d LineNumber = %d, want %d", i, r.LineNumber, 3+i)
		}
	}
}

func TestMonitorNewFileAfterTruncate(t *testing.T) {
	f := newLogFile(t)
	f.write(10)
	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)
	h.next(t)

	f.write(4)
	h.notifier.poke(f.path)

	last := terminal(h.next(t))
	if last.ChangeType != models.NewFile {
		t.Fatalf("change = %v, want NewFile", last.ChangeType)
	}
	if last.Progress.Status != "Complete: 4 entries from 4 lines" {
		t.Errorf("status = %q", last.Progress.Status)
	}
}

func TestMonitorIgnoresSpuriousNotification(t *testing.T) {
	f := newLogFile(t)
	f.write(3)
	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)
	h.next(t)

	h.notifier.poke(f.path)
	f.append(1)
	h.notifier.poke(f.path)

	last := terminal(h.next(t))
	if last.ChangeType != models.Append || len(last.Progress.Records) != 1 {
		t.Errorf("update = %v with %d records, want one appended record", last.ChangeType, len(last.Progress.Records))
	}
}

func TestMonitorReload(t *testing.T) {
	f := newLogFile(t)
	f.write(3)
	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)
	h.next(t)

	h.monitor.Reload()
	last := terminal(h.next(t))
	if last.ChangeType != models.NewFile || len(last.Progress.Records) != 3 {
		t.Errorf("reload = %v with %d records", last.ChangeType, len(last.Progress.Records))
	}
}

func TestMonitorWaitsForMissingFile(t *testing.T) {
	f := newLogFile(t)
	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)

	failed := terminal(h.next(t))
	if failed.Progress.Kind != engine.KindFailed {
		t.Fatalf("first terminal = %v, want failed", failed.Progress.Kind)
	}

	f.write(2)
	last := terminal(h.next(t))
	if last.Progress.Kind != engine.KindComplete || len(last.Progress.Records) != 2 {
		t.Errorf("after file appeared = %v with %d records", last.Progress.Kind, len(last.Progress.Records))
	}
}

func TestMonitorResumeFromCheckpoint(t *testing.T) {
	f := newLogFile(t)
	f.write(3)
	store := newMemoryStore()

	h := startMonitor(t, f.path, MonitorConfig{}, store, nil)
	h.next(t)
	h.cancel()
	<-h.done
	h.done <- nil

	if _, ok, _ := store.Load(context.Background(), f.path); !ok {
		t.Fatal("checkpoint not saved")
	}

	f.append(2)
	resumed := startMonitor(t, f.path, MonitorConfig{Resume: true}, store, nil)

	updates := resumed.next(t)
	last := terminal(updates)
	if last.ChangeType != models.Append {
		t.Fatalf("resume change = %v, want Append", last.ChangeType)
	}
	recs := batched(updates)
	if len(recs) != 2 || recs[0].LineNumber != 4 {
		t.Errorf("resumed records = %+v", recs)
	}
}

func TestMonitorStopsWhenNotifierCloses(t *testing.T) {
	f := newLogFile(t)
	f.write(1)
	h := startMonitor(t, f.path, MonitorConfig{}, nil, nil)
	h.next(t)

	h.notifier.Close()
	select {
	case err := <-h.done:
		if err != ErrNotifierClosed {
			t.Errorf("Run() error = %v, want ErrNotifierClosed", err)
		}
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitorClose(t *testing.T) {
	n := newChanNotifier()
	m := NewMonitor(MonitorConfig{Path: "x"}, nil, nil, n, nil, zap.NewNop())
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, ok := <-n.Events(); ok {
		t.Error("notifier not closed")
	}
}
