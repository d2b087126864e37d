// Package cachestore implements the named response stores behind the caching
// strategies. Stores live in a single badger database, one key namespace per
// store, so enumerating and garbage-collecting whole generations is cheap.
package cachestore

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/routina/offline-gateway/internal/logger"
	"log/slog"
)

// keySep separates the namespace segments inside badger keys. Store names and
// request keys never contain a NUL byte.
const keySep = "\x00"

const keyRoot = "cache" + keySep

// Options configures the store manager.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all stores in memory. Used by tests and ephemeral deploys.
	InMemory bool
}

// Manager opens and owns the named stores.
type Manager struct {
	db     *badger.DB
	logger *logger.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager opens the backing database and returns the manager.
func NewManager(opts Options, log *logger.Logger) (*Manager, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log.WithComponent("cachestore"),
		stores: make(map[string]*Store),
	}, nil
}

// Open returns the store with the given name, creating it on first use.
// Repeated calls with the same name return the same handle.
func (m *Manager) Open(name string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	if store, ok := m.stores[name]; ok {
		return store
	}

	store := &Store{
		name:   name,
		db:     m.db,
		logger: m.logger,
	}
	m.stores[name] = store
	return store
}

// StoreNames enumerates the names of every store that has at least one entry,
// opened by this process or left behind by a previous generation.
func (m *Manager) StoreNames() ([]string, error) {
	seen := map[string]struct{}{}

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyRoot)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyRoot)
			if i := strings.Index(rest, keySep); i > 0 {
				seen[rest[:i]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate stores: %w", err)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteStoresNotIn removes every store whose name is absent from the
// allow-list and returns the deleted names. This is how stale cache
// generations are garbage-collected on activation.
func (m *Manager) DeleteStoresNotIn(allowList []string) ([]string, error) {
	allowed := make(map[string]struct{}, len(allowList))
	for _, name := range allowList {
		allowed[name] = struct{}{}
	}

	names, err := m.StoreNames()
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range names {
		if _, ok := allowed[name]; ok {
			continue
		}
		if err := m.db.DropPrefix([]byte(keyRoot + name + keySep)); err != nil {
			return deleted, fmt.Errorf("failed to drop store %q: %w", name, err)
		}
		deleted = append(deleted, name)
		m.logger.Info("deleted stale cache store", slog.String("store", name))

		m.mu.Lock()
		delete(m.stores, name)
		m.mu.Unlock()
	}

	return deleted, nil
}

// Close releases the backing database.
func (m *Manager) Close() error {
	return m.db.Close()
}
