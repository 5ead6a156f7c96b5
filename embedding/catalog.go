package embedding

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Model describes a registered embedding model.
type Model struct {
	Name       string
	Dimensions int
	// MaxBatchTexts bounds the number of texts per provider request.
	MaxBatchTexts int
}

// Catalog holds the models that may be referenced by index definitions.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewCatalog creates a catalog containing the given models.
func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		c.Register(m)
	}
	return c
}

// DefaultCatalog returns a catalog with the hosted models.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Model{Name: "voyage-3-large", Dimensions: 1024, MaxBatchTexts: 1000},
		Model{Name: "voyage-3.5", Dimensions: 1024, MaxBatchTexts: 1000},
		Model{Name: "voyage-3.5-lite", Dimensions: 1024, MaxBatchTexts: 1000},
		Model{Name: "voyage-code-3", Dimensions: 1024, MaxBatchTexts: 1000},
	)
}

// Register adds or replaces a model. Names are case-insensitive.
func (c *Catalog) Register(m Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[strings.ToLower(m.Name)] = m
}

// Lookup returns the model registered under name.
func (c *Catalog) Lookup(name string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[strings.ToLower(name)]
	if !ok {
		return Model{}, fmt.Errorf("embedding model %q is not registered", name)
	}
	return m, nil
}

// Names returns the registered model names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for _, m := range c.models {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}
