package data_mover

import "sync"

// RedirectionTable maps an original path to the staged copy that serves it.
type RedirectionTable struct {
	mu    sync.RWMutex
	paths map[string]string
}

// NewRedirectionTable creates an empty table.
func NewRedirectionTable() *RedirectionTable {
	return &RedirectionTable{paths: make(map[string]string)}
}

// Lookup returns the staged path for original, if any.
func (rt *RedirectionTable) Lookup(original string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	staged, ok := rt.paths[original]
	return staged, ok
}

// Resolve returns the staged path when one exists and original otherwise.
func (rt *RedirectionTable) Resolve(original string) string {
	if staged, ok := rt.Lookup(original); ok {
		return staged
	}
	return original
}

func (rt *RedirectionTable) record(original, staged string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.paths[original] = staged
}

// remove deletes the entry and returns the staged path it held.
func (rt *RedirectionTable) remove(original string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	staged, ok := rt.paths[original]
	if ok {
		delete(rt.paths, original)
	}
	return staged, ok
}

// Len returns the number of redirected paths.
func (rt *RedirectionTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	return len(rt.paths)
}
