package tiercache

import (
	"context"
	"net/http"
	"time"
)

// Entry is a stored storage response. Body is nil for HEAD responses.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// Expired reports whether the entry is past its lifetime at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Stats contains store-level statistics.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Store abstracts the cache backend.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
	Stats() Stats
}

// Key builds the cache key of a storage request.
func Key(method, url string) string {
	return method + " " + url
}
