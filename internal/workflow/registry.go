package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry holds the validated workflow templates, keyed by name. Loaded
// once at startup; Reload swaps the whole set atomically so a bad directory
// never leaves a half-updated catalog behind.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *zap.Logger
}

// Entry is one loaded template plus bookkeeping about where it came from.
type Entry struct {
	Template    *Template
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Summary is the lightweight listing row for operators.
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Sequence    int      `json:"sequence_length"`
	Groups      int      `json:"parallel_groups"`
	Triggers    []string `json:"triggers,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
}

// NewRegistry constructs an empty template registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logger.Named("templates"),
	}
}

// Register validates and adds one template. Duplicate names are rejected;
// use Reload for wholesale replacement.
func (r *Registry) Register(tpl *Template) error {
	if err := Validate(tpl); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tpl.Name]; exists {
		return fmt.Errorf("duplicate template '%s'", tpl.Name)
	}
	r.entries[tpl.Name] = Entry{Template: tpl, LoadedAt: time.Now().UTC()}
	r.logger.Info("Registered workflow template",
		zap.String("template", tpl.Name),
		zap.Int("sequence_length", len(tpl.Sequence)),
	)
	return nil
}

// Get returns the entry for a template name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(name)]
	return e, ok
}

// Names returns all template names sorted for deterministic iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns sorted summaries of every loaded template.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Summary{
			Name:        name,
			Description: e.Template.Description,
			Sequence:    len(e.Template.Sequence),
			Groups:      len(e.Template.ParallelGroups),
			Triggers:    e.Template.Triggers,
			ContentHash: e.ContentHash,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of loaded templates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LoadDirectory loads every YAML template under root into the registry.
// Individual file failures are collected rather than aborting the walk, so
// one broken template does not hide the rest.
func (r *Registry) LoadDirectory(root string) error {
	loaded, failures := loadDir(root)
	if failures != nil {
		return failures
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range loaded {
		if _, exists := r.entries[name]; exists {
			return &LoadError{Failures: []string{fmt.Sprintf("%s: duplicate template '%s'", e.SourcePath, name)}}
		}
	}
	for name, e := range loaded {
		r.entries[name] = e
		r.logger.Info("Loaded workflow template",
			zap.String("template", name),
			zap.String("path", e.SourcePath),
		)
	}
	return nil
}

// Reload replaces the whole catalog with the directory contents. On any
// failure the current catalog is kept untouched.
func (r *Registry) Reload(root string) error {
	loaded, failures := loadDir(root)
	if failures != nil {
		return failures
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = loaded
	r.logger.Info("Reloaded workflow templates", zap.Int("count", len(loaded)))
	return nil
}

func loadDir(root string) (map[string]Entry, *LoadError) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &LoadError{Failures: []string{fmt.Sprintf("stat template directory %s: %v", root, err)}}
	}
	if !info.IsDir() {
		return nil, &LoadError{Failures: []string{fmt.Sprintf("template path %s is not a directory", root)}}
	}

	loaded := make(map[string]Entry)
	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		e, err := loadFile(path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if prev, exists := loaded[e.Template.Name]; exists {
			failures = append(failures, fmt.Sprintf("%s: template '%s' already defined in %s", path, e.Template.Name, prev.SourcePath))
			return nil
		}
		loaded[e.Template.Name] = e
		return nil
	}
	if err := filepath.WalkDir(root, walkFn); err != nil {
		failures = append(failures, fmt.Sprintf("walk %s: %v", root, err))
	}
	if len(failures) > 0 {
		return nil, &LoadError{Failures: failures}
	}
	return loaded, nil
}

func loadFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("read file: %w", err)
	}
	tpl, err := DecodeTemplate(bytes.NewReader(data))
	if err != nil {
		return Entry{}, err
	}
	hash := sha256.Sum256(data)
	return Entry{
		Template:    tpl,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}, nil
}

// DecodeTemplate parses and validates a single template definition.
// Unknown YAML fields are rejected so typos fail loudly.
func DecodeTemplate(r io.Reader) (*Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var tpl Template
	if err := dec.Decode(&tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	for i, trig := range tpl.Triggers {
		tpl.Triggers[i] = strings.ToLower(strings.TrimSpace(trig))
	}
	if err := Validate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadError aggregates template loading failures across a directory walk.
type LoadError struct {
	Failures []string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Failures) == 0 {
		return "template load failed"
	}
	return fmt.Sprintf("%d template(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}
