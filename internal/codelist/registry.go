package codelist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// Registry maps codelist names to loaded concepts. It is filled at start-up,
// frozen, and only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	concepts map[string]*domain.Concept
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{concepts: make(map[string]*domain.Concept)}
}

// Register adds a concept under its name.
func (r *Registry) Register(c *domain.Concept) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("codelist registry is frozen, cannot register %q", c.Name)
	}
	if _, exists := r.concepts[c.Name]; exists {
		return fmt.Errorf("codelist %q is already registered", c.Name)
	}
	r.concepts[c.Name] = c
	return nil
}

// Freeze rejects any further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the named concept.
func (r *Registry) Get(name string) (*domain.Concept, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.concepts[name]
	return c, ok
}

// MustGet is Get for names known to be registered.
func (r *Registry) MustGet(name string) *domain.Concept {
	c, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("codelist %q is not registered", name))
	}
	return c
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.concepts))
	for name := range r.concepts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered concepts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.concepts)
}

// Manifest lists the codelists a study needs.
type Manifest struct {
	Codelists []Entry `yaml:"codelists"`
}

// Entry is one manifest item. Exactly one of File, Combine or Filter is set.
// Combine and Filter refer to entries listed earlier in the manifest.
type Entry struct {
	Name           string   `yaml:"name"`
	File           string   `yaml:"file,omitempty"`
	System         string   `yaml:"system,omitempty"`
	Column         string   `yaml:"column,omitempty"`
	CategoryColumn string   `yaml:"category_column,omitempty"`
	Combine        []string `yaml:"combine,omitempty"`
	Filter         *Filter  `yaml:"filter,omitempty"`
}

// Filter derives a codelist from the categories of another.
type Filter struct {
	From       string   `yaml:"from"`
	Categories []string `yaml:"categories"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse codelist manifest: %w", err)
	}
	if len(m.Codelists) == 0 {
		return nil, fmt.Errorf("codelist manifest lists no codelists")
	}
	return &m, nil
}

// LoadManifest reads the manifest at path and loads every entry into a frozen
// registry. Relative file paths resolve against dir, or against the
// manifest's own directory when dir is empty.
func LoadManifest(path, dir string, logger *logrus.Logger) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read codelist manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = filepath.Dir(path)
	}
	return m.Load(dir, logger)
}

// Load builds a frozen registry from the manifest entries in order.
func (m *Manifest) Load(dir string, logger *logrus.Logger) (*Registry, error) {
	reg := NewRegistry()

	for i, e := range m.Codelists {
		concept, err := m.loadEntry(reg, dir, e)
		if err != nil {
			return nil, fmt.Errorf("codelist manifest entry %d (%s): %w", i+1, e.Name, err)
		}
		if err := reg.Register(concept); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"codelist":   concept.Name,
			"system":     concept.System,
			"codes":      concept.Len(),
			"categories": concept.HasCategories(),
		}).Debug("Loaded codelist")
	}

	reg.Freeze()
	logger.WithField("codelists", reg.Len()).Info("Codelist registry loaded")
	return reg, nil
}

func (m *Manifest) loadEntry(reg *Registry, dir string, e Entry) (*domain.Concept, error) {
	if e.Name == "" {
		return nil, &domain.MalformedCodelistError{Reason: "manifest entry has no name"}
	}

	set := 0
	for _, present := range []bool{e.File != "", len(e.Combine) > 0, e.Filter != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, &domain.MalformedCodelistError{Codelist: e.Name, Reason: "exactly one of file, combine or filter must be given"}
	}

	switch {
	case e.File != "":
		path := e.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		column := e.Column
		if column == "" {
			column = "code"
		}
		return LoadFile(e.Name, path, domain.CodingSystem(e.System), column, e.CategoryColumn)

	case len(e.Combine) > 0:
		parts := make([]*domain.Concept, 0, len(e.Combine))
		for _, name := range e.Combine {
			c, ok := reg.Get(name)
			if !ok {
				return nil, fmt.Errorf("%w: %s", domain.ErrUnknownConcept, name)
			}
			parts = append(parts, c)
		}
		return Combine(e.Name, parts...)

	default:
		from, ok := reg.Get(e.Filter.From)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownConcept, e.Filter.From)
		}
		return FilterByCategory(e.Name, from, e.Filter.Categories...)
	}
}
