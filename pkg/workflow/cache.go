package workflow

import (
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
)

// DefaultCacheSize bounds the compiled graph cache.
const DefaultCacheSize = 256

// Compiler caches compiled graphs by definition ID. Definition rows are
// immutable once registered (a new version is a new row), so entries
// never need invalidation, only eviction.
type Compiler struct {
	cache *lru.Cache[uuid.UUID, *CompiledGraph]
}

// NewCompiler builds a compiler with an LRU of the given size.
func NewCompiler(size int) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uuid.UUID, *CompiledGraph](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create graph cache")
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns the compiled graph for a stored definition, parsing
// and compiling its document on a cache miss.
func (c *Compiler) Compile(def *models.WorkflowDefinition) (*CompiledGraph, error) {
	if graph, ok := c.cache.Get(def.ID); ok {
		return graph, nil
	}
	spec, err := ParseJSON(def.Document)
	if err != nil {
		return nil, errors.Wrapf(err, "stored definition %s failed to parse", def.ID)
	}
	graph, err := Compile(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "stored definition %s failed to compile", def.ID)
	}
	c.cache.Add(def.ID, graph)
	return graph, nil
}

// Purge drops every cached graph.
func (c *Compiler) Purge() { c.cache.Purge() }
