package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStorage keeps cache stores in process memory. Entries never expire;
// a store only goes away when it is deleted.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
	active string
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: map[string]*memoryStore{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("empty store name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[name]
	if !ok {
		st = &memoryStore{name: name, items: cache.New(cache.NoExpiration, 0)}
		s.stores[name] = st
	}
	return st, nil
}

func (s *MemoryStorage) Lookup(_ context.Context, name string) (Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return st, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.stores))
	for name := range s.stores {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	st, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	st.mu.Lock()
	st.deleted = true
	st.items.Flush()
	st.mu.Unlock()
	return true, nil
}

func (s *MemoryStorage) ActiveGeneration(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *MemoryStorage) SetActiveGeneration(_ context.Context, name string) error {
	s.mu.Lock()
	s.active = name
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

type memoryStore struct {
	name  string
	items *cache.Cache

	mu      sync.Mutex
	deleted bool
}

func (st *memoryStore) Name() string { return st.name }

func (st *memoryStore) Match(_ context.Context, key string) (*Response, bool, error) {
	v, ok := st.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(storedEntry).response(), true, nil
}

func (st *memoryStore) Put(ctx context.Context, key string, resp *Response) error {
	return st.PutAll(ctx, map[string]*Response{key: resp})
}

func (st *memoryStore) PutAll(_ context.Context, entries map[string]*Response) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, st.name)
	}
	now := time.Now().Unix()
	for key, resp := range entries {
		st.items.Set(key, newStoredEntry(resp, now), cache.NoExpiration)
	}
	return nil
}

func (st *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	if _, ok := st.items.Get(key); !ok {
		return false, nil
	}
	st.items.Delete(key)
	return true, nil
}

func (st *memoryStore) Keys(_ context.Context) ([]string, error) {
	items := st.items.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (st *memoryStore) Size() int64 {
	var total int64
	for _, it := range st.items.Items() {
		total += int64(len(it.Object.(storedEntry).Body))
	}
	return total
}
