package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the Redis-backed Store implementation, used when
// config.Config.RedisURL is set so cache contents survive process
// restarts and can be shared across promptlab instances. It is
// grounded on the gateway's redisclient.Client (thin *redis.Client
// wrapper) and caching.Engine's namespaced key convention, generalized
// here to any JSON-marshalable V; keys are stored as given, not hashed.
//
// Bounding and eviction are approximated with a sorted set recording
// an eviction score per key (last-access time for LRU, insertion time
// for FIFO, access count for LFU) alongside one plain string key per
// entry holding its JSON payload; Redis itself has no notion of our
// three policies, so RedisStore reconstructs them with a best-effort
// two-round-trip SET/ZADD pair per write rather than a single atomic
// operation. That is an
// acceptable trade for a cache substrate: a rare double-eviction race
// under concurrent writers loses at most one extra entry, never
// correctness of reads.
type RedisStore[V any] struct {
	rdb        *redis.Client
	policy     Policy
	maxSize    int
	defaultTTL time.Duration
	namespace  string
	ctx        context.Context

	hits, misses, evictions uint64
}

type redisEnvelope[V any] struct {
	Value        V         `json:"value"`
	InsertedAt   time.Time `json:"inserted_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	AccessCount  int64     `json:"access_count"`
}

// RedisOption configures a RedisStore at construction.
type RedisOption[V any] func(*RedisStore[V])

func RedisWithPolicy[V any](p Policy) RedisOption[V] {
	return func(s *RedisStore[V]) { s.policy = p }
}

func RedisWithMaxSize[V any](n int) RedisOption[V] {
	return func(s *RedisStore[V]) { s.maxSize = n }
}

func RedisWithDefaultTTL[V any](d time.Duration) RedisOption[V] {
	return func(s *RedisStore[V]) { s.defaultTTL = d }
}

// NewRedisStore constructs a RedisStore scoped to namespace (keys are
// stored under "<namespace>:entry:<key>" with an order index at
// "<namespace>:order").
func NewRedisStore[V any](rdb *redis.Client, namespace string, opts ...RedisOption[V]) *RedisStore[V] {
	s := &RedisStore[V]{
		rdb:       rdb,
		policy:    LRU,
		namespace: namespace,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore[V]) entryKey(key string) string { return s.namespace + ":entry:" + key }
func (s *RedisStore[V]) orderKey() string            { return s.namespace + ":order" }

func (s *RedisStore[V]) Get(key string) (V, bool) {
	var zero V
	raw, err := s.rdb.Get(s.ctx, s.entryKey(key)).Bytes()
	if err != nil {
		s.misses++
		return zero, false
	}

	var env redisEnvelope[V]
	if err := json.Unmarshal(raw, &env); err != nil {
		s.misses++
		return zero, false
	}

	now := time.Now()
	env.LastAccessAt = now
	env.AccessCount++
	s.persist(key, env, s.ttl(key))

	if s.policy == LRU {
		s.rdb.ZAdd(s.ctx, s.orderKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
	} else if s.policy == LFU {
		s.rdb.ZAdd(s.ctx, s.orderKey(), redis.Z{Score: float64(env.AccessCount), Member: key})
	}

	s.hits++
	return env.Value, true
}

func (s *RedisStore[V]) Set(key string, value V, ttlOverride ...time.Duration) {
	ttl := s.defaultTTL
	if len(ttlOverride) > 0 {
		ttl = ttlOverride[0]
	}

	now := time.Now()
	env := redisEnvelope[V]{Value: value, InsertedAt: now, LastAccessAt: now}

	if s.maxSize > 0 {
		if size, err := s.rdb.ZCard(s.ctx, s.orderKey()).Result(); err == nil && size >= int64(s.maxSize) {
			if exists, _ := s.rdb.Exists(s.ctx, s.entryKey(key)).Result(); exists == 0 {
				s.evictOne()
			}
		}
	}

	s.persist(key, env, ttl)

	score := float64(now.UnixNano())
	if s.policy == FIFO {
		// FIFO orders strictly by insertion time, which is what score
		// already is; no special case needed beyond not updating it
		// on subsequent Get (handled in Get itself).
	}
	if s.policy == LFU {
		score = 0
	}
	s.rdb.ZAdd(s.ctx, s.orderKey(), redis.Z{Score: score, Member: key})
}

func (s *RedisStore[V]) persist(key string, env redisEnvelope[V], ttl time.Duration) {
	buf, err := json.Marshal(env)
	if err != nil {
		return
	}
	var expiration time.Duration
	if ttl > 0 {
		expiration = ttl
	}
	s.rdb.Set(s.ctx, s.entryKey(key), buf, expiration)
}

func (s *RedisStore[V]) ttl(key string) time.Duration {
	d, err := s.rdb.TTL(s.ctx, s.entryKey(key)).Result()
	if err != nil || d < 0 {
		return s.defaultTTL
	}
	return d
}

func (s *RedisStore[V]) evictOne() {
	// FIFO/LRU evict the lowest score (oldest timestamp); LFU evicts
	// the lowest access count, which is also the lowest score since
	// Set/Get store AccessCount directly as the LFU score.
	members, err := s.rdb.ZRangeWithScores(s.ctx, s.orderKey(), 0, 0).Result()
	if err != nil || len(members) == 0 {
		return
	}
	victim, ok := members[0].Member.(string)
	if !ok {
		return
	}
	s.rdb.Del(s.ctx, s.entryKey(victim))
	s.rdb.ZRem(s.ctx, s.orderKey(), victim)
	s.evictions++
}

func (s *RedisStore[V]) Delete(key string) bool {
	n, err := s.rdb.Del(s.ctx, s.entryKey(key)).Result()
	s.rdb.ZRem(s.ctx, s.orderKey(), key)
	return err == nil && n > 0
}

func (s *RedisStore[V]) Clear() {
	members, err := s.rdb.ZRange(s.ctx, s.orderKey(), 0, -1).Result()
	if err == nil {
		for _, m := range members {
			s.rdb.Del(s.ctx, s.entryKey(m))
		}
	}
	s.rdb.Del(s.ctx, s.orderKey())
	s.hits, s.misses, s.evictions = 0, 0, 0
}

func (s *RedisStore[V]) Stats() Stats {
	size, _ := s.rdb.ZCard(s.ctx, s.orderKey()).Result()
	total := s.hits + s.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Size:      int(size),
		HitRate:   hitRate,
	}
}
