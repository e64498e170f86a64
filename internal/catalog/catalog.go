// Package catalog provides the registry of node types a graph may use.
//
// A built-in catalog is embedded at compile time and is always available. A
// remote Source may replace it at runtime; any failure to load the remote set
// leaves the built-in set in place, so validation never depends on a remote
// service being reachable.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinYAML []byte

// Entry describes one node type.
type Entry struct {
	Type          string   `yaml:"type" json:"type"`
	Category      string   `yaml:"category" json:"category"`
	Label         string   `yaml:"label" json:"label"`
	Outputs       []string `yaml:"outputs" json:"outputs"`
	RequiredProps []string `yaml:"requiredProps" json:"requiredProps"`
	Contexts      []string `yaml:"contexts" json:"contexts"`
	Version       int      `yaml:"version" json:"version"`
	Deprecated    bool     `yaml:"deprecated" json:"deprecated"`
	Advanced      bool     `yaml:"advanced" json:"advanced"`
}

// Conditional reports whether the node type branches on true/false.
func (e Entry) Conditional() bool {
	var hasTrue, hasFalse bool
	for _, o := range e.Outputs {
		switch strings.ToLower(o) {
		case "true":
			hasTrue = true
		case "false":
			hasFalse = true
		}
	}
	return hasTrue && hasFalse
}

// document is the serialized catalog shape shared by the embedded YAML and
// remote sources.
type document struct {
	Version int     `yaml:"version" json:"version"`
	Nodes   []Entry `yaml:"nodes" json:"nodes"`
}

// Source loads a catalog from outside the binary.
type Source interface {
	Load(ctx context.Context) ([]Entry, error)
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	remote  bool

	builtin map[string]Entry
	source  Source
	logger  *slog.Logger
}

// New returns a catalog seeded with the built-in entries. source may be nil.
func New(source Source, logger *slog.Logger) (*Catalog, error) {
	builtin, err := Builtin()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx := index(builtin)
	return &Catalog{
		entries: idx,
		builtin: idx,
		source:  source,
		logger:  logger,
	}, nil
}

// MustBuiltin returns a catalog holding only the built-in entries.
// Panics if the embedded YAML is malformed, which is a build defect.
func MustBuiltin() *Catalog {
	c, err := New(nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Builtin parses the embedded catalog.
func Builtin() ([]Entry, error) {
	var doc document
	if err := yaml.Unmarshal(builtinYAML, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse built-in catalog: %w", err)
	}
	return doc.Nodes, nil
}

// Refresh reloads entries from the remote source. On error, or when the
// remote set is empty, the built-in entries are used. The returned error is
// informational; the catalog stays usable either way.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	entries, err := c.source.Load(ctx)
	if err == nil && len(entries) == 0 {
		err = fmt.Errorf("remote catalog is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.entries = c.builtin
		c.remote = false
		c.logger.Warn("node catalog falling back to built-in set", "error", err)
		return err
	}
	c.entries = index(entries)
	c.remote = true
	c.logger.Info("node catalog loaded from remote source", "types", len(c.entries))
	return nil
}

// Remote reports whether entries currently come from the remote source.
func (c *Catalog) Remote() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// Lookup returns the entry for a node type (case-insensitive).
func (c *Catalog) Lookup(nodeType string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[strings.ToLower(strings.TrimSpace(nodeType))]
	return e, ok
}

// Supported reports whether the node type is in the catalog.
func (c *Catalog) Supported(nodeType string) bool {
	_, ok := c.Lookup(nodeType)
	return ok
}

// Entries returns all entries sorted by type.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func index(entries []Entry) map[string]Entry {
	idx := make(map[string]Entry, len(entries))
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Type))
		if key == "" {
			continue
		}
		idx[key] = e
	}
	return idx
}
