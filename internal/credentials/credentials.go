// Package credentials persists the opaque protocol auth state of each
// instance. Logout and instance removal erase it; disconnects never do.
package credentials

import (
	"context"
	"sync"
)

// Store keeps one credential blob per instance. Load returns nil, nil when
// nothing is stored. Delete of a missing blob is not an error.
type Store interface {
	Load(ctx context.Context, instanceID string) ([]byte, error)
	Save(ctx context.Context, instanceID string, blob []byte) error
	Delete(ctx context.Context, instanceID string) error
}

type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, instanceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[instanceID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStore) Save(_ context.Context, instanceID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[instanceID] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, instanceID)
	return nil
}
