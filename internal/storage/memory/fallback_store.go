package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
)

const defaultMaxEntries = 4096

// FallbackStore keeps fallback bookkeeping in process memory. The least
// recently used keys are evicted past maxEntries and entries older than ttl
// are treated as missing.
type FallbackStore struct {
	mu      sync.Mutex
	entries map[string]*fallbackEntry
	lru     *list.List

	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type fallbackEntry struct {
	state domain.FallbackState
	elem  *list.Element
}

type FallbackStoreOption func(*FallbackStore)

func WithMaxEntries(n int) FallbackStoreOption {
	return func(s *FallbackStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

func WithTTL(ttl time.Duration) FallbackStoreOption {
	return func(s *FallbackStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewFallbackStore(opts ...FallbackStoreOption) *FallbackStore {
	s := &FallbackStore{
		entries:    make(map[string]*fallbackEntry),
		lru:        list.New(),
		maxEntries: defaultMaxEntries,
		ttl:        6 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FallbackStore) Get(_ context.Context, key domain.PlaybackKey) (domain.FallbackState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := key.String()
	item, ok := s.entries[name]
	if !ok {
		return domain.FallbackState{}, domain.ErrNotFound
	}
	if s.ttl > 0 && s.now().Sub(item.state.UpdatedAt) > s.ttl {
		s.lru.Remove(item.elem)
		delete(s.entries, name)
		return domain.FallbackState{}, domain.ErrNotFound
	}
	s.lru.MoveToFront(item.elem)
	return cloneState(item.state), nil
}

func (s *FallbackStore) Save(_ context.Context, state domain.FallbackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := state.Key.String()
	if item, ok := s.entries[name]; ok {
		item.state = cloneState(state)
		s.lru.MoveToFront(item.elem)
		return nil
	}
	item := &fallbackEntry{state: cloneState(state)}
	item.elem = s.lru.PushFront(name)
	s.entries[name] = item
	s.evictLocked()
	return nil
}

func (s *FallbackStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *FallbackStore) evictLocked() {
	for len(s.entries) > s.maxEntries {
		back := s.lru.Back()
		if back == nil {
			return
		}
		name, _ := back.Value.(string)
		s.lru.Remove(back)
		delete(s.entries, name)
	}
}

func cloneState(st domain.FallbackState) domain.FallbackState {
	st.Tried = append([]string(nil), st.Tried...)
	return st
}

var _ ports.FallbackStore = (*FallbackStore)(nil)
