// Package store defines the persistence collaborator boundary. The kernel
// never assumes a specific engine; it only requires append-only durability
// for the audit table. Implementations here cover in-memory (tests), JSONL
// files (CLI, air-gapped verification), and SQLite.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrTableNotFound is returned when querying a table with no entries.
	ErrTableNotFound = errors.New("store: table not found")
	// ErrDuplicateKey is returned on an attempt to overwrite an existing key.
	// Audit tables are append-only; overwrites are mutation attempts.
	ErrDuplicateKey = errors.New("store: duplicate key (append-only table)")
)

// Filter selects entries within a table. Zero value matches everything.
type Filter struct {
	KeyPrefix string
	Limit     int
}

// Store is the key/value persistence contract.
// Put must reject overwrites of existing keys: every table is append-only.
type Store interface {
	Put(ctx context.Context, table, key string, value []byte) error
	Query(ctx context.Context, table string, filter Filter) ([][]byte, error)
}

// MemoryStore is an in-process Store used by tests and the demo wiring.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
	order  map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string][]byte),
		order:  make(map[string][]string),
	}
}

func (m *MemoryStore) Put(_ context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte)
		m.tables[table] = t
	}
	if _, exists := t[key]; exists {
		return ErrDuplicateKey
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	t[key] = stored
	m.order[table] = append(m.order[table], key)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, table string, filter Filter) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[table]
	if !ok {
		return nil, ErrTableNotFound
	}

	keys := make([]string, len(m.order[table]))
	copy(keys, m.order[table])
	sort.Strings(keys)

	var out [][]byte
	for _, k := range keys {
		if filter.KeyPrefix != "" && !strings.HasPrefix(k, filter.KeyPrefix) {
			continue
		}
		out = append(out, t[k])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of entries in a table. Test helper.
func (m *MemoryStore) Len(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}
