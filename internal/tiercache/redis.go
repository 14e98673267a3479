package tiercache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 100 * time.Millisecond

func init() {
	gob.Register(http.Header{})
}

// RedisStore shares entries between proxy instances. Redis failures are
// logged and treated as misses; they never fail a request.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisStore creates a store whose keys are prefixed with prefix, e.g. "tiles:".
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Redis cache get failed, treating as miss", slog.Any("err", err))
		}
		s.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		s.logger.Warn("Redis cache decode failed, treating as miss", slog.Any("err", err))
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	return &entry, true
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	entry.ExpiresAt = time.Now().Add(ttl)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		s.logger.Warn("Redis cache encode failed", slog.Any("err", err))
		return
	}

	// The write outlives a cancelled client request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err(); err != nil {
		s.logger.Warn("Redis cache set failed", slog.Any("err", err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		s.logger.Warn("Redis cache delete failed", slog.Any("err", err))
	}
}

// Purge removes every key under the store prefix.
func (s *RedisStore) Purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			s.logger.Warn("Redis cache scan failed", slog.Any("err", err))
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				s.logger.Warn("Redis cache bulk delete failed", slog.Any("err", err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats reports hit and miss counters only; sizing Redis would need a scan.
func (s *RedisStore) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
}
