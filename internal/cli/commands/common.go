package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oicur0t/logview/internal/config"
	"github.com/oicur0t/logview/internal/engine"
	"github.com/oicur0t/logview/internal/logging"
	"github.com/oicur0t/logview/internal/parser"
	"github.com/oicur0t/logview/internal/tags"
	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GlobalOptions holds the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// session is what a command needs after configuration is loaded
type session struct {
	cfg      *config.ViewerConfig
	logger   *zap.Logger
	registry *tags.Registry
}

func (g *GlobalOptions) load() (*session, error) {
	cfg, err := config.LoadViewerConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.LogFormat = g.LogFormat
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &session{
		cfg:      cfg,
		logger:   logger,
		registry: tags.NewRegistry(cfg.Tags, logger),
	}, nil
}

func (s *session) engineConfig() engine.Config {
	yield := s.cfg.Engine.YieldInterval
	if yield == 0 {
		// the engine reads zero as "use the default"
		yield = -1
	}
	return engine.Config{
		BatchSize:      s.cfg.Engine.BatchSize,
		MaxAppendLines: s.cfg.Engine.MaxAppendLines,
		YieldInterval:  yield,
		StopTimeout:    s.cfg.Engine.StopTimeout,
	}
}

func (s *session) newEngine() *engine.Engine {
	return engine.New(parser.New(s.registry, s.logger), s.engineConfig(), s.logger)
}

// levelFilter keeps records whose level tag is enabled and, when only is
// non-empty, whose level is listed
type levelFilter struct {
	registry *tags.Registry
	only     map[string]bool
}

func newLevelFilter(registry *tags.Registry, only []string) *levelFilter {
	f := &levelFilter{registry: registry}
	if len(only) > 0 {
		f.only = make(map[string]bool, len(only))
		for _, name := range only {
			f.only[models.NewLevel(name).String()] = true
		}
	}
	return f
}

func (f *levelFilter) keep(r models.Record) bool {
	level := r.Level.String()
	if f.only != nil && !f.only[level] {
		return false
	}
	if tag, ok := f.registry.Lookup(level); ok && !tag.Enabled {
		return false
	}
	return true
}

func (f *levelFilter) apply(records []models.Record) []models.Record {
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if f.keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// recordWriter renders records as text lines, JSON lines or YAML documents
type recordWriter struct {
	w       io.Writer
	format  string
	jsonEnc *json.Encoder
	yamlEnc *yaml.Encoder
}

func newRecordWriter(w io.Writer, format string) (*recordWriter, error) {
	rw := &recordWriter{w: w, format: format}
	switch format {
	case "text":
	case "json":
		rw.jsonEnc = json.NewEncoder(w)
	case "yaml":
		rw.yamlEnc = yaml.NewEncoder(w)
		rw.yamlEnc.SetIndent(2)
	default:
		return nil, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
	return rw, nil
}

func (rw *recordWriter) write(records []models.Record) error {
	for _, r := range records {
		var err error
		switch rw.format {
		case "json":
			err = rw.jsonEnc.Encode(r)
		case "yaml":
			err = rw.yamlEnc.Encode(r)
		default:
			_, err = fmt.Fprintln(rw.w, formatRecord(r))
		}
		if err != nil {
			return fmt.Errorf("failed to write record %d: %w", r.LineNumber, err)
		}
	}
	return nil
}

func (rw *recordWriter) close() error {
	if rw.yamlEnc != nil {
		return rw.yamlEnc.Close()
	}
	return nil
}

func formatRecord(r models.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d  %s  %-7s %s", r.LineNumber, r.Timestamp, r.Level.String(), r.Message)
	if r.SourceFile != "" {
		fmt.Fprintf(&b, "  (%s", r.SourceInfo())
		if r.SourceFunction != "" {
			fmt.Fprintf(&b, " %s", r.SourceFunction)
		}
		b.WriteString(")")
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05.000")
}
