package staging

import "sync"

// NameRegistry is the mutex-guarded usedNames set scoped to one staging
// directory (spec §4.6, §5): entries are only ever added, never removed,
// within a run.
type NameRegistry struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewNameRegistry returns an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{used: map[string]bool{}}
}

// Reserve atomically resolves a collision for candidate against the
// registry and marks the winning name as used, returning it.
func (r *NameRegistry) Reserve(candidate string, resolve func(candidate string, used map[string]bool) string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := resolve(candidate, r.used)
	r.used[name] = true
	return name
}
