package trustscore

import (
	"context"
	"sync"

	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for tests and single-node demos.
type MemoryStore struct {
	locks    *syncutil.KeyLock
	mu       sync.RWMutex
	accounts map[pda.PublicKey][]byte
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewKeyLock(),
		accounts: make(map[pda.PublicKey][]byte),
	}
}

func (m *MemoryStore) Get(ctx context.Context, addr pda.PublicKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.accounts[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, addr pda.PublicKey, fn UpsertFunc) error {
	unlock, err := m.locks.Lock(ctx, addr[:])
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	var current []byte
	if data, ok := m.accounts[addr]; ok {
		current = append([]byte(nil), data...)
	}
	m.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.accounts[addr] = append([]byte(nil), next...)
	m.mu.Unlock()
	return nil
}

// Len returns the number of allocated accounts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}
