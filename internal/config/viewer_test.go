package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logview.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadViewerConfigDefaults(t *testing.T) {
	cfg, err := LoadViewerConfig("")
	if err != nil {
		t.Fatalf("LoadViewerConfig() error = %v", err)
	}

	if cfg.Engine.BatchSize != 5000 || cfg.Engine.MaxAppendLines != 10000 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.YieldInterval != 10*time.Millisecond || cfg.Engine.StopTimeout != 2*time.Second {
		t.Errorf("engine timings = %+v", cfg.Engine)
	}
	if cfg.Watch.Mode != "auto" {
		t.Errorf("watch.mode = %q, want auto", cfg.Watch.Mode)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("logging = %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.Tags) != 0 {
		t.Errorf("tags = %+v, want none", cfg.Tags)
	}
}

func TestLoadViewerConfigFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  batch_size: 1000
  yield_interval: 0s
watch:
  mode: poll
  poll_interval: 100ms
batching:
  max_wait: 250ms
checkpoint:
  path: /tmp/logview.db
tags:
  - name: trace
    color: "#AAAAAA"
    enabled: true
    order: 0
  - name: fatal
    color: "#FF00FF"
    enabled: false
    order: 1
log_format: json
`)

	cfg, err := LoadViewerConfig(path)
	if err != nil {
		t.Fatalf("LoadViewerConfig() error = %v", err)
	}

	if cfg.Engine.BatchSize != 1000 || cfg.Engine.YieldInterval != 0 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.MaxAppendLines != 10000 {
		t.Errorf("default not kept: max_append_lines = %d", cfg.Engine.MaxAppendLines)
	}
	if cfg.Watch.Mode != "poll" || cfg.Watch.PollInterval != 100*time.Millisecond {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if cfg.Batching.MaxWait != 250*time.Millisecond {
		t.Errorf("batching = %+v", cfg.Batching)
	}
	if cfg.Checkpoint.Path != "/tmp/logview.db" {
		t.Errorf("checkpoint = %+v", cfg.Checkpoint)
	}
	if len(cfg.Tags) != 2 || cfg.Tags[0].Name != "trace" || cfg.Tags[1].Enabled {
		t.Errorf("tags = %+v", cfg.Tags)
	}
}

func TestLoadViewerConfigEnv(t *testing.T) {
	t.Setenv("LOGVIEW_ENGINE_BATCH_SIZE", "250")
	t.Setenv("LOGVIEW_WATCH_MODE", "fsnotify")
	t.Setenv("LOGVIEW_LOG_LEVEL", "debug")

	cfg, err := LoadViewerConfig("")
	if err != nil {
		t.Fatalf("LoadViewerConfig() error = %v", err)
	}
	if cfg.Engine.BatchSize != 250 {
		t.Errorf("batch_size = %d, want 250", cfg.Engine.BatchSize)
	}
	if cfg.Watch.Mode != "fsnotify" {
		t.Errorf("watch.mode = %q, want fsnotify", cfg.Watch.Mode)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadViewerConfigMissingFile(t *testing.T) {
	if _, err := LoadViewerConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadViewerConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "zero batch size",
			content: "engine:\n  batch_size: 0\n",
			wantErr: "engine.batch_size",
		},
		{
			name:    "unknown watch mode",
			content: "watch:\n  mode: inotify\n",
			wantErr: "watch.mode",
		},
		{
			name:    "negative rate limit",
			content: "watch:\n  rate_limit: -1\n",
			wantErr: "watch.rate_limit",
		},
		{
			name:    "unknown log format",
			content: "log_format: xml\n",
			wantErr: "log_format",
		},
		{
			name:    "tag without name",
			content: "tags:\n  - color: \"#000000\"\n",
			wantErr: "tags[0].name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadViewerConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
