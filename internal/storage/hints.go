package storage

import "time"

// StatusTTL caches responses whose status lies in [From, To] for TTL.
type StatusTTL struct {
	From int
	To   int
	TTL  time.Duration
}

// CacheHints tell the storage tier how long to keep a response.
// CacheEverything caches regardless of the backend's own Cache-Control.
type CacheHints struct {
	TTLByStatus     []StatusTTL
	CacheEverything bool
}

// DefaultCacheHints keeps tiles for a day, absences for two minutes and
// never keeps server errors.
func DefaultCacheHints() CacheHints {
	return CacheHints{
		TTLByStatus: []StatusTTL{
			{From: 200, To: 299, TTL: 86400 * time.Second},
			{From: 404, To: 404, TTL: 120 * time.Second},
			{From: 500, To: 599, TTL: 0},
		},
		CacheEverything: true,
	}
}

// Enabled reports whether any status range is configured.
func (h CacheHints) Enabled() bool {
	return len(h.TTLByStatus) > 0
}

// TTLFor returns the lifetime of the first range containing status, or zero.
func (h CacheHints) TTLFor(status int) time.Duration {
	for _, r := range h.TTLByStatus {
		if status >= r.From && status <= r.To {
			return r.TTL
		}
	}
	return 0
}

// MaxTTL returns the longest configured lifetime.
func (h CacheHints) MaxTTL() time.Duration {
	var longest time.Duration
	for _, r := range h.TTLByStatus {
		if r.TTL > longest {
			longest = r.TTL
		}
	}
	return longest
}
