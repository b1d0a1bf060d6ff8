// Package tags holds the registry of log level tags discovered while parsing.
package tags

import (
	"sort"
	"strings"
	"sync"

	"github.com/oicur0t/logview/pkg/models"
	"go.uber.org/zap"
)

// DefaultColor is assigned to tags first seen in a log file
const DefaultColor = "#808080"

// Tag is display metadata for one level name
type Tag struct {
	Name    string `mapstructure:"name" json:"name" yaml:"name"`
	Color   string `mapstructure:"color" json:"color" yaml:"color"`
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Order   int    `mapstructure:"order" json:"order" yaml:"order"`
}

// Defaults returns the built-in tag set
func Defaults() []Tag {
	return []Tag{
		{Name: "DEBUG", Color: "#00FFFF", Enabled: true, Order: 0},
		{Name: "INFO", Color: "#00FF00", Enabled: true, Order: 1},
		{Name: "WARN", Color: "#FFFF00", Enabled: true, Order: 2},
		{Name: "ERROR", Color: "#FF0000", Enabled: true, Order: 3},
		{Name: "HEADER", Color: "#0000FF", Enabled: true, Order: 4},
		{Name: "FOOTER", Color: "#0000FF", Enabled: true, Order: 5},
	}
}

// Registry maps level names to tags. Keys are case-insensitive.
type Registry struct {
	mu     sync.RWMutex
	tags   map[string]Tag
	logger *zap.Logger
}

// NewRegistry creates a registry seeded with the given tags, or with
// Defaults when seed is empty
func NewRegistry(seed []Tag, logger *zap.Logger) *Registry {
	if len(seed) == 0 {
		seed = Defaults()
	}
	r := &Registry{
		tags:   make(map[string]Tag, len(seed)),
		logger: logger,
	}
	for _, t := range seed {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		key := normalize(t.Name)
		t.Name = key
		if t.Color == "" {
			t.Color = DefaultColor
		}
		r.tags[key] = t
	}
	return r
}

// EnsureTag returns the tag for name, creating it with the default color
// if it does not exist yet
func (r *Registry) EnsureTag(name string) Tag {
	key := normalize(name)

	r.mu.RLock()
	t, ok := r.tags[key]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have created it between the two locks
	if t, ok := r.tags[key]; ok {
		return t
	}

	t = Tag{
		Name:    key,
		Color:   DefaultColor,
		Enabled: true,
		Order:   len(r.tags),
	}
	r.tags[key] = t

	r.logger.Info("Registered new tag",
		zap.String("tag", key),
		zap.String("color", t.Color))

	return t
}

// Lookup returns the tag for name if present
func (r *Registry) Lookup(name string) (Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tags[normalize(name)]
	return t, ok
}

// Tags returns all tags sorted by display order
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	out := make([]Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered tags
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tags)
}

func normalize(name string) string {
	return models.NewLevel(name).String()
}
