// Package payload provides offloaded storage for resource version payloads.
// The version store holds only a key; the bytes live behind the Store
// interface so large payloads can be pushed to an external blob or column
// store without changing the relational schema.
package payload

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPayloadNotFound indicates no payload is stored under the key.
	ErrPayloadNotFound = errors.New("payload not found")

	// ErrPayload wraps any offload-store failure. A write must roll back
	// its whole transaction when payload storage fails so that no version
	// record points at missing bytes.
	ErrPayload = errors.New("payload store failure")
)

// Store is the offload collaborator contract.
type Store interface {
	Store(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store used in tests and single-node
// deployments without an external blob backend.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Store saves a copy of data under key.
func (s *MemoryStore) Store(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = cp
	return nil
}

// Read returns a copy of the payload stored under key.
func (s *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the payload stored under key. Deleting a missing key is
// not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, key)
	return nil
}
