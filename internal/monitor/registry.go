package monitor

import (
	"sort"
	"sync"
	"time"
)

// ContextRegistry tracks live execution contexts so memory pressure can
// release the least recently used ones. Each context carries a release
// callback that frees whatever the owner holds for it.
type ContextRegistry struct {
	mu       sync.Mutex
	contexts map[string]*contextEntry
}

type contextEntry struct {
	id       string
	lastUsed time.Time
	release  func()
}

// NewContextRegistry creates an empty registry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{contexts: make(map[string]*contextEntry)}
}

// Register adds a context. release may be nil. Re-registering an existing ID
// replaces its release callback and marks it used.
func (r *ContextRegistry) Register(id string, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[id] = &contextEntry{id: id, lastUsed: time.Now(), release: release}
}

// Touch marks a context as recently used.
func (r *ContextRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.contexts[id]; ok {
		e.lastUsed = time.Now()
	}
}

// Release removes a context and runs its callback. Unknown IDs are ignored.
func (r *ContextRegistry) Release(id string) {
	r.mu.Lock()
	e, ok := r.contexts[id]
	delete(r.contexts, id)
	r.mu.Unlock()
	if ok && e.release != nil {
		e.release()
	}
}

// Len returns the number of registered contexts.
func (r *ContextRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// IDs returns the registered context IDs, most recently used first.
func (r *ContextRegistry) IDs() []string {
	r.mu.Lock()
	entries := make([]*contextEntry, 0, len(r.contexts))
	for _, e := range r.contexts {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].lastUsed.After(entries[j].lastUsed) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// TrimTo evicts least recently used contexts until at most n remain,
// running each evicted context's release callback. Returns the number
// evicted.
func (r *ContextRegistry) TrimTo(n int) int {
	if n < 0 {
		n = 0
	}

	r.mu.Lock()
	if len(r.contexts) <= n {
		r.mu.Unlock()
		return 0
	}
	entries := make([]*contextEntry, 0, len(r.contexts))
	for _, e := range r.contexts {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastUsed.Before(entries[j].lastUsed) })
	evicted := entries[:len(entries)-n]
	for _, e := range evicted {
		delete(r.contexts, e.id)
	}
	r.mu.Unlock()

	// Callbacks run outside the lock; they may re-enter the registry.
	for _, e := range evicted {
		if e.release != nil {
			e.release()
		}
	}
	return len(evicted)
}
