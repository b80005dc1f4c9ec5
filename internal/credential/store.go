// Package credential persists the opaque per-identity credential blob.
package credential

import (
	"errors"
	"sync"

	"github.com/danmuck/pairctl/internal/identity"
)

var (
	ErrSealed   = errors.New("credential: blob is sealed and no identity is configured")
	ErrMismatch = errors.New("credential: envelope identity mismatch")
)

// OpError records the operation and path that failed.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return "credential: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[identity.Identity][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[identity.Identity][]byte)}
}

func (m *MemoryStore) Load(id identity.Identity) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *MemoryStore) Save(id identity.Identity, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) Wipe(id identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}
