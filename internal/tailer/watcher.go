package tailer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nxadm/tail/watch"
	"go.uber.org/zap"
	"gopkg.in/tomb.v1"
)

// Watch modes
const (
	ModeAuto     = "auto"
	ModeFSNotify = "fsnotify"
	ModePoll     = "poll"
)

const notificationBuffer = 64

// Op describes what the file system reported. It is a hint only; the
// detector decides what actually changed.
type Op int

const (
	OpWrite Op = iota
	OpCreate
	OpRemove
	OpRename
	OpTruncate
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// Notification signals that the watched file may have changed. Notifications
// can be duplicated or spurious.
type Notification struct {
	Path string
	Op   Op
	At   time.Time
}

// Notifier delivers change notifications for one file
type Notifier interface {
	Events() <-chan Notification
	Close() error
}

// WatchConfig selects the notification backend
type WatchConfig struct {
	Mode         string
	PollInterval time.Duration
}

// NewNotifier creates a notifier for path. In auto mode fsnotify is tried
// first and polling is used when it cannot be set up.
func NewNotifier(path string, cfg WatchConfig, logger *zap.Logger) (Notifier, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	switch cfg.Mode {
	case ModeFSNotify:
		return newFSNotifier(abs, logger)
	case ModePoll:
		return newPollNotifier(abs, cfg.PollInterval, logger), nil
	case ModeAuto, "":
		n, err := newFSNotifier(abs, logger)
		if err == nil {
			return n, nil
		}
		logger.Warn("fsnotify unavailable, falling back to polling",
			zap.String("file", abs),
			zap.Error(err))
		return newPollNotifier(abs, cfg.PollInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown watch mode %q", cfg.Mode)
	}
}

// fsNotifier watches the parent directory so the file can be deleted,
// rotated or recreated without losing the watch
type fsNotifier struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan Notification
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  *zap.Logger
}

func newFSNotifier(path string, logger *zap.Logger) (*fsNotifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	n := &fsNotifier{
		path:    path,
		watcher: w,
		events:  make(chan Notification, notificationBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}

	n.wg.Add(1)
	go n.run()

	logger.Info("Watching file with fsnotify", zap.String("file", path), zap.String("dir", dir))
	return n, nil
}

func (n *fsNotifier) run() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return

		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != n.path {
				continue
			}
			op, ok := translate(ev)
			if !ok {
				continue
			}
			emit(n.events, Notification{Path: n.path, Op: op, At: time.Now()}, n.logger)

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn("fsnotify error", zap.String("file", n.path), zap.Error(err))
		}
	}
}

func translate(ev fsnotify.Event) (Op, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		return OpCreate, true
	case ev.Has(fsnotify.Write):
		return OpWrite, true
	case ev.Has(fsnotify.Remove):
		return OpRemove, true
	case ev.Has(fsnotify.Rename):
		return OpRename, true
	default:
		// chmod only
		return 0, false
	}
}

func (n *fsNotifier) Events() <-chan Notification {
	return n.events
}

func (n *fsNotifier) Close() error {
	var err error
	n.once.Do(func() {
		close(n.done)
		err = n.watcher.Close()
		n.wg.Wait()
		close(n.events)
	})
	return err
}

// pollNotifier stats the file on an interval through the tail library's
// polling watcher
type pollNotifier struct {
	path   string
	tomb   tomb.Tomb
	events chan Notification
	once   sync.Once
	logger *zap.Logger
}

func newPollNotifier(path string, interval time.Duration, logger *zap.Logger) *pollNotifier {
	// the tail library keeps the poll interval as package state
	if interval > 0 {
		watch.POLL_DURATION = interval
	}

	n := &pollNotifier{
		path:   path,
		events: make(chan Notification, notificationBuffer),
		logger: logger,
	}
	go n.run()

	logger.Info("Watching file by polling",
		zap.String("file", path),
		zap.Duration("interval", watch.POLL_DURATION))
	return n
}

func (n *pollNotifier) run() {
	defer n.tomb.Done()

	existed := true
	for {
		w := watch.NewPollingFileWatcher(n.path)

		if _, err := os.Stat(n.path); err != nil {
			existed = false
		}
		if err := w.BlockUntilExists(&n.tomb); err != nil {
			if !errors.Is(err, tomb.ErrDying) {
				n.logger.Error("Failed waiting for file", zap.String("file", n.path), zap.Error(err))
			}
			return
		}
		if !existed {
			emit(n.events, Notification{Path: n.path, Op: OpCreate, At: time.Now()}, n.logger)
			existed = true
		}

		var size int64
		if info, err := os.Stat(n.path); err == nil {
			size = info.Size()
		}

		changes, err := w.ChangeEvents(&n.tomb, size)
		if err != nil {
			n.logger.Warn("Failed to start polling", zap.String("file", n.path), zap.Error(err))
			existed = false
			continue
		}

		if !n.forward(changes) {
			return
		}
		existed = false
	}
}

// forward relays poll events until the file is deleted. It returns false
// once the notifier is closing.
func (n *pollNotifier) forward(changes *watch.FileChanges) bool {
	for {
		select {
		case <-n.tomb.Dying():
			return false
		case <-changes.Modified:
			emit(n.events, Notification{Path: n.path, Op: OpWrite, At: time.Now()}, n.logger)
		case <-changes.Truncated:
			emit(n.events, Notification{Path: n.path, Op: OpTruncate, At: time.Now()}, n.logger)
		case <-changes.Deleted:
			emit(n.events, Notification{Path: n.path, Op: OpRemove, At: time.Now()}, n.logger)
			return true
		}
	}
}

func (n *pollNotifier) Events() <-chan Notification {
	return n.events
}

func (n *pollNotifier) Close() error {
	n.once.Do(func() {
		n.tomb.Kill(nil)
		n.tomb.Wait()
		close(n.events)
	})
	return nil
}

// emit never blocks. A full buffer already holds a pending notification and
// the consumer re-reads the file state anyway.
func emit(ch chan<- Notification, n Notification, logger *zap.Logger) {
	select {
	case ch <- n:
	default:
		logger.Debug("Notification buffer full, coalescing",
			zap.String("file", n.Path),
			zap.Stringer("op", n.Op))
	}
}
