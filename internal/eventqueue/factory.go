package eventqueue

import (
	"net/url"
	"strings"
	"sync"

	"github.com/elderdiet/activitysync/internal/storage"
)

type Factory func(dsn string, capacity int) (Queue, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory installs a queue backend for a custom DSN scheme.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildFromDSN selects a queue backend: a bare path or file:// for a JSON
// snapshot, memory:// for process memory, sqlite:// or postgres:// for SQL.
func BuildFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryQueue(capacity), nil
	}
	if parsed, err := url.Parse(dsn); err == nil {
		if factory, ok := lookupFactory(parsed.Scheme); ok {
			return factory(dsn, capacity)
		}
	}
	target, err := storage.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case storage.SchemeMemory:
		return NewInMemoryQueue(capacity), nil
	case storage.SchemeSQLite, storage.SchemePostgres:
		return NewSQLQueue(target, defaultQueueKey, capacity)
	default:
		return NewFileQueue(target.Path, capacity)
	}
}
