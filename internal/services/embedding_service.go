package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"tutormemory/internal/memerr"
)

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder. baseURL may be empty for the default endpoint.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }
func (e *OpenAIEmbedder) Model() string   { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, memerr.New(memerr.EmbeddingFailure, "embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, memerr.Newf(memerr.EmbeddingFailure, "embed", "no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

// HashEmbedder is a deterministic local embedder based on feature hashing of
// word and character trigram features. Used when no embedding API is configured.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a local embedder
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }
func (e *HashEmbedder) Model() string   { return fmt.Sprintf("feature-hash-%d", e.dimensions) }

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, memerr.New(memerr.EmbeddingFailure, "embed", err)
	}

	vec := make([]float32, e.dimensions)
	for token := range tokenSet(text) {
		e.add(vec, "w:"+token, 1.0)
		padded := "^" + token + "$"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			e.add(vec, "c:"+string(runes[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (e *HashEmbedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(len(vec)))
	if h&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// CachedEmbedder memoizes embeddings by content hash and coalesces concurrent
// requests for the same text
type CachedEmbedder struct {
	inner  Embedder
	cache  *ristretto.Cache
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEmbedder wraps an embedder with a bounded in-memory cache
func NewCachedEmbedder(inner Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: c}, nil
}

func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }
func (e *CachedEmbedder) Model() string   { return e.inner.Model() }

func (e *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.inner.Model() + "\x00" + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if v, found := e.cache.Get(key); found {
		if vec, ok := v.([]float32); ok {
			e.hits.Add(1)
			GetMetrics().CacheLookups.WithLabelValues("embedding", "hit").Inc()
			return vec, nil
		}
	}
	e.misses.Add(1)
	GetMetrics().CacheLookups.WithLabelValues("embedding", "miss").Inc()

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		vec, err := e.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, vec, int64(len(vec)*4))
		return vec, nil
	})
	if err != nil {
		if memerr.KindOf(err) == memerr.KindUnknown {
			err = memerr.New(memerr.EmbeddingFailure, "embed", err)
		}
		return nil, err
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, memerr.New(memerr.EmbeddingFailure, "embed", errors.New("unexpected cached value"))
	}
	return vec, nil
}

// Wait blocks until pending cache writes are visible
func (e *CachedEmbedder) Wait() {
	e.cache.Wait()
}

// Stats returns cache hits and misses since start
func (e *CachedEmbedder) Stats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}

// Close releases the cache
func (e *CachedEmbedder) Close() {
	e.cache.Close()
}
