package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const DefaultCleanupInterval = 10 * time.Minute

// MemoryStore keeps idempotency state in process. Used when Redis is not
// configured; replays only work against the same instance.
type MemoryStore struct {
	cache *gocache.Cache
}

type memEntry struct {
	resp *Response
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Reserve relies on Add failing for an existing unexpired key.
func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, *Response, error) {
	if err := s.cache.Add(key, memEntry{}, ttl); err == nil {
		return true, nil, nil
	}
	v, found := s.cache.Get(key)
	if !found {
		return false, nil, nil
	}
	entry, _ := v.(memEntry)
	if entry.resp == nil {
		return false, nil, nil
	}
	resp := *entry.resp
	resp.Body = append([]byte(nil), entry.resp.Body...)
	return false, &resp, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, resp Response, ttl time.Duration) error {
	resp.Body = append([]byte(nil), resp.Body...)
	s.cache.Set(key, memEntry{resp: &resp}, ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
