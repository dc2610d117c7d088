package projection

import (
	"fmt"
	"sort"
	"sync"
)

// registry holds the projections a deployment exposes to the replay CLI,
// keyed by Name().
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Projection)
)

// Register makes a projection available for lookup by name. Registering two
// projections under the same name is a wiring bug and returns an error.
func Register(p Projection) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := p.Name()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("projection already registered: %s", name)
	}
	registry[name] = p
	return nil
}

// Lookup returns the projection registered under name.
func Lookup(name string) (Projection, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names returns the registered projection names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
