package adapter

import (
	"sort"
	"sync"
)

var (
	mu       sync.RWMutex
	adapters = make(map[string]Adapter)
)

// Register adds an adapter to the registry, replacing any previous
// registration under the same name.
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[a.Name()] = a
}

// Get returns an adapter by provider tag, or nil if not registered.
func Get(name string) Adapter {
	mu.RLock()
	defer mu.RUnlock()
	return adapters[name]
}

// Names returns the registered provider tags, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(adapters))
	for name := range adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every registered adapter in name order.
func All() []Adapter {
	out := make([]Adapter, 0)
	for _, name := range Names() {
		if a := Get(name); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Clear empties the registry. For testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	adapters = make(map[string]Adapter)
}
