package catalogstore

import (
	"strings"
	"sync"
)

// SnapshotBackendFactory builds a backend from a full DSN.
type SnapshotBackendFactory func(dsn string) (SnapshotBackend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotBackendFactory
}{
	factories: map[string]SnapshotBackendFactory{},
}

// RegisterSnapshotBackendFactory installs a factory for a DSN scheme,
// overriding any built-in handling for that scheme.
func RegisterSnapshotBackendFactory(scheme string, factory SnapshotBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupSnapshotBackendFactory(scheme string) (SnapshotBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
