package tiercache

import (
	"context"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU store. The LRU enforces maxTTL; shorter
// lifetimes are enforced per entry on read.
type MemoryStore struct {
	lru       *expirable.LRU[string, *Entry]
	maxSize   int
	now       func() time.Time
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewMemoryStore creates a store holding at most maxSize entries for at most maxTTL.
func NewMemoryStore(maxSize int, maxTTL time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}

	s := &MemoryStore{
		maxSize: maxSize,
		now:     time.Now,
	}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(string, *Entry) {
		s.evictions.Add(1)
	}, maxTTL)

	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	entry, ok := s.lru.Get(key)
	if !ok {
		s.misses.Add(1)
		return nil, false
	}

	if entry.Expired(s.now()) {
		s.lru.Remove(key)
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	return entry, true
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	entry.ExpiresAt = s.now().Add(ttl)
	s.lru.Add(key, entry)
}

func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge(context.Context) {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() Stats {
	return Stats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
