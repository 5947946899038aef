package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// CachedEmbeddingProvider wraps any EmbeddingProvider with a Redis
// cache keyed by a hash of the input text, avoiding repeat embedding
// calls for text already seen. Vectors are serialized as raw
// little-endian float32 bytes, the same wire format the teacher's Redis
// episodic store uses for its own embeddings.
type CachedEmbeddingProvider struct {
	inner  EmbeddingProvider
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedEmbeddingProvider wraps inner with a Redis cache. ttl <= 0
// means cached entries never expire.
func NewCachedEmbeddingProvider(inner EmbeddingProvider, client *redis.Client, ttl time.Duration) *CachedEmbeddingProvider {
	return &CachedEmbeddingProvider{inner: inner, client: client, ttl: ttl, prefix: "kg:embedding:"}
}

func (c *CachedEmbeddingProvider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return deserializeEmbedding(cached)
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("extract: redis get: %w", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	encoded, err := serializeEmbedding(vec)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		return nil, fmt.Errorf("extract: redis set: %w", err)
	}
	return vec, nil
}

func (c *CachedEmbeddingProvider) Dimensions() int { return c.inner.Dimensions() }

func serializeEmbedding(embedding []float32) ([]byte, error) {
	if embedding == nil {
		return nil, fmt.Errorf("extract: embedding is nil")
	}
	out := make([]byte, len(embedding)*4)
	for i, val := range embedding {
		bits := math.Float32bits(val)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out, nil
}

func deserializeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("extract: embedding byte length %d not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
