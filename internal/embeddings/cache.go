package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache defines query-embedding cache operations.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// CanonicalQuery normalizes a query for cache keying: trim, lowercase,
// collapse internal whitespace.
func CanonicalQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// MakeKey derives a cache key from model and canonicalized text.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

// LocalLRU is a bounded in-process LRU with per-entry TTL. Expired entries
// are never returned.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

// NewLocalLRU creates an LRU holding at most capacity entries.
func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 500
	}
	return &LocalLRU{
		cap:  capacity,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
	}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

// Len returns the current number of entries, expired ones included.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache is an optional second cache tier shared across restarts.
// Vectors are stored as little-endian float32 blobs.
type RedisCache struct {
	cli *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr string) (*RedisCache, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: cli}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	v, err := DecodeVector(b)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.cli.Set(ctx, key, EncodeVector(v), ttl).Err()
}

// Close releases the Redis connection.
func (r *RedisCache) Close() error { return r.cli.Close() }

// TieredCache consults the local LRU first and falls back to Redis,
// refilling the LRU on a second-tier hit.
type TieredCache struct {
	lru    *LocalLRU
	second Cache
	ttl    time.Duration
}

// NewTieredCache composes an LRU with an optional second tier (nil is fine).
func NewTieredCache(lru *LocalLRU, second Cache, ttl time.Duration) *TieredCache {
	return &TieredCache{lru: lru, second: second, ttl: ttl}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := t.lru.Get(ctx, key); ok {
		return v, true
	}
	if t.second != nil {
		if v, ok := t.second.Get(ctx, key); ok {
			t.lru.Set(ctx, key, v, t.ttl)
			return v, true
		}
	}
	return nil, false
}

func (t *TieredCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	t.lru.Set(ctx, key, v, ttl)
	if t.second != nil {
		t.second.Set(ctx, key, v, ttl)
	}
}
