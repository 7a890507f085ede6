// internal/pipeline/catalog.go
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Step is one stage of a pipeline. Transform mutates the state in place.
type Step interface {
	Transform(ctx context.Context, s *State, h *Handler) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, s *State, h *Handler) error

// Transform implements Step.
func (f StepFunc) Transform(ctx context.Context, s *State, h *Handler) error {
	return f(ctx, s, h)
}

// Params are a step's constructor parameters. Values arrive from JSON or
// YAML, so numbers are often strings and every accessor parses leniently.
type Params map[string]any

// String returns the parameter as text, def when unset or empty.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s := Stringify(v)
	if s == "" {
		return def
	}
	return s
}

// Int parses the parameter as an integer.
func (p Params) Int(key string, def int) (int, error) {
	s := p.String(key, "")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def, InvalidParameter(key, s)
	}
	return n, nil
}

// Float parses the parameter as a float.
func (p Params) Float(key string, def float64) (float64, error) {
	s := p.String(key, "")
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def, InvalidParameter(key, s)
	}
	return f, nil
}

// Bool parses the parameter as a boolean.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	b, err := strconv.ParseBool(Stringify(v))
	if err != nil {
		return def
	}
	return b
}

// Parameter describes one constructor parameter for UI generation.
type Parameter struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Type            string   `json:"type"`
	EnforceLimit    bool     `json:"enforce-limit"`
	Required        bool     `json:"required"`
	SupportedValues []string `json:"supported-values,omitempty"`
	Default         any      `json:"default,omitempty"`
}

// Info is the read-only introspection contract of a step type.
type Info struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Category    string               `json:"category"`
	Description string               `json:"description,omitempty"`
	Parameters  map[string]Parameter `json:"parameters"`
}

// Factory builds a step from its parameters.
type Factory func(params Params) (Step, error)

type catalogEntry struct {
	info    Info
	factory Factory
}

// Catalog is the static step id registry populated at startup.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]catalogEntry)}
}

// Register adds a step type. Ids must be unique.
func (c *Catalog) Register(info Info, factory Factory) error {
	if info.ID == "" {
		return fmt.Errorf("register step: empty id")
	}
	if factory == nil {
		return fmt.Errorf("register step %s: nil factory", info.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[info.ID]; exists {
		return fmt.Errorf("register step %s: already registered", info.ID)
	}
	if info.Parameters == nil {
		info.Parameters = map[string]Parameter{}
	}
	c.entries[info.ID] = catalogEntry{info: info, factory: factory}
	return nil
}

// MustRegister is Register that panics on error.
func (c *Catalog) MustRegister(info Info, factory Factory) {
	if err := c.Register(info, factory); err != nil {
		panic(err)
	}
}

// Lookup returns a step type's info.
func (c *Catalog) Lookup(id string) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.info, ok
}

// Infos returns every registered step type sorted by id.
func (c *Catalog) Infos() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build instantiates the step id with params.
func (c *Catalog) Build(id string, params Params) (Step, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if params == nil {
		params = Params{}
	}
	return e.factory(params)
}
