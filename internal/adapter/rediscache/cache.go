// Package rediscache keeps computed embeddings in Redis so re-ingesting the
// same transcript, or re-asking the same question, skips the provider.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"tubeqa/internal/llm"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to addr and pings it once.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// CachedEmbedder consults the cache before delegating to next. Cache
// failures are logged and never fail the call.
type CachedEmbedder struct {
	next      llm.Embedder
	cache     Cache
	namespace string
	ttl       time.Duration
}

func NewCachedEmbedder(next llm.Embedder, cache Cache, namespace string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, namespace: namespace, ttl: ttl}
}

func (e *CachedEmbedder) Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.namespace + ":" + hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.lookup(ctx, text); ok {
		return v, nil
	}
	v, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.store(ctx, text, v)
	return v, nil
}

func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := e.lookup(ctx, t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := llm.EmbedAll(ctx, e.next, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		out[missingIdx[j]] = v
		e.store(ctx, missing[j], v)
	}
	return out, nil
}

func (e *CachedEmbedder) lookup(ctx context.Context, text string) ([]float32, bool) {
	b, ok, err := e.cache.Get(ctx, e.Key(text))
	if err != nil {
		slog.WarnContext(ctx, "embedding cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	v, err := decode(b)
	if err != nil {
		slog.WarnContext(ctx, "embedding cache entry unreadable", "error", err)
		return nil, false
	}
	return v, true
}

func (e *CachedEmbedder) store(ctx context.Context, text string, v []float32) {
	if err := e.cache.Set(ctx, e.Key(text), encode(v), e.ttl); err != nil {
		slog.WarnContext(ctx, "embedding cache write failed", "error", err)
	}
}

func encode(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decode(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("bad vector encoding of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
