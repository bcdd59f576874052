package bridge

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Store is the backend of the injected key/value service. Every call is
// confined to one namespace; the bridge uses the plugin id.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) (bool, error)
	// List returns the keys starting with prefix in ascending order.
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (s *MemoryStore) Put(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	ns[key] = slices.Clone(value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.data[namespace]
	if _, ok := ns[key]; !ok {
		return false, nil
	}
	delete(ns, key)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, namespace, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []string{}
	for k := range s.data[namespace] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
