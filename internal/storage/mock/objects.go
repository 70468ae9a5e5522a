package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/your-org/gatepass/internal/storage"
)

// ObjectStore is an in-memory stand-in for storage.MinIOStore.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Error injection
	PutError error
	GetError error
	// PutDelay slows every upload down.
	PutDelay time.Duration
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

func (m *ObjectStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if m.PutDelay > 0 {
		time.Sleep(m.PutDelay)
	}
	if m.PutError != nil {
		return m.PutError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = slices.Clone(data)
	return nil
}

func (m *ObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(data), nil
}

func (m *ObjectStore) DeleteObjects(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *ObjectStore) Ping(ctx context.Context) error { return nil }

// Has reports whether key was stored.
func (m *ObjectStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *ObjectStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
