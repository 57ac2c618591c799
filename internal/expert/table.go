package expert

import (
	"fmt"
	"sort"
	"sync"
)

// Table is the set of registered experts available to a dispatcher. It is
// safe for concurrent reads; registration is expected to happen once at
// startup, but Register/Remove are still synchronized so admin endpoints
// can mutate the table at runtime without racing Get/IDs.
type Table struct {
	mu      sync.RWMutex
	experts map[string]*Expert
}

// NewTable creates an empty expert table.
func NewTable() *Table {
	return &Table{experts: make(map[string]*Expert)}
}

// Register adds or replaces an expert in the table.
func (t *Table) Register(e *Expert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.experts[e.ID()] = e
}

// Remove deletes an expert from the table.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.experts, id)
}

// Get returns the expert registered under id, or false if none is.
func (t *Table) Get(id string) (*Expert, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.experts[id]
	return e, ok
}

// MustGet returns the expert registered under id, panicking if missing.
// A missing expert_id after a router has returned it is an invariant
// violation (§4.8) — routers must only ever return registered ids — so
// failing loudly here surfaces a routing bug immediately rather than
// propagating a nil dereference deeper into the call stack.
func (t *Table) MustGet(id string) *Expert {
	e, ok := t.Get(id)
	if !ok {
		panic(fmt.Sprintf("expert table: router returned unregistered expert id %q", id))
	}
	return e
}

// IDs returns all registered expert ids in sorted order (for deterministic
// iteration by routers that need registration order — sorted is the closest
// stable substitute since the map itself has none).
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.experts))
	for id := range t.experts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered experts.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.experts)
}
