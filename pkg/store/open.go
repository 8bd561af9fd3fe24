package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BackendConfig carries the connection settings a backend may need.
// Each backend reads only its own fields.
type BackendConfig struct {
	MongoURI    string
	MongoDB     string
	PostgresDSN string
}

// OpenFunc opens a ready-to-use store for one backend.
type OpenFunc func(ctx context.Context, cfg BackendConfig) (EventStore, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]OpenFunc)
)

// RegisterBackend makes a backend available to Open under the given name,
// following the database/sql driver registration convention. Backend
// packages call it from init; importing a backend is enabling it.
func RegisterBackend(name string, open OpenFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if open == nil {
		panic("store: RegisterBackend with nil OpenFunc")
	}
	if _, dup := backends[name]; dup {
		panic("store: RegisterBackend called twice for backend " + name)
	}
	backends[name] = open
}

// Backends returns the names of the registered backends, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the named backend. The name must match a registered
// backend, which means the backend's package must be imported.
func Open(ctx context.Context, name string, cfg BackendConfig) (EventStore, error) {
	backendsMu.RLock()
	open, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown campaign store backend %q (registered: %v)", name, Backends())
	}
	return open(ctx, cfg)
}
