package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	now     func() time.Time
	objects map[string]Object
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:  prefix,
		now:     time.Now,
		objects: make(map[string]Object),
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, payload []byte, contentType string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	obj := Object{
		Key:          key,
		Data:         append([]byte(nil), payload...),
		ContentType:  contentType,
		LastModified: m.now().UTC(),
	}

	m.mu.Lock()
	m.objects[withPrefix(m.prefix, key)] = obj
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[withPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, nil
}

// Keys lists stored keys without the prefix, in no particular order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.objects))
	for _, obj := range m.objects {
		out = append(out, obj.Key)
	}
	return out
}
