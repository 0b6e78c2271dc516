package testutil

import (
	"fmt"
	"sync"
)

// CountingGenerator generates ids "<prefix>-1", "<prefix>-2", ...
//
// Unlike engine.FixedGenerator, which hands out a fixed list, it never runs
// out. The same scenario with the same prefix produces byte-identical action
// logs, which golden traces rely on.
//
// Implements engine.IDGenerator. Safe for concurrent use.
type CountingGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewCountingGenerator creates a generator. An empty prefix means "id".
func NewCountingGenerator(prefix string) *CountingGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &CountingGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *CountingGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the count.
func (g *CountingGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
