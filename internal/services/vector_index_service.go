package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"tutormemory/internal/health"
	"tutormemory/internal/memerr"
)

// VectorMatch is one similarity hit. Similarity is normalized to [0, 1].
type VectorMatch struct {
	ID         string
	Similarity float64
	Metadata   map[string]string
}

// VectorIndex is per-user similarity search over entry embeddings
type VectorIndex interface {
	Upsert(ctx context.Context, userID, id string, vector []float32, metadata map[string]string) error
	Search(ctx context.Context, userID string, query []float32, topK int, filter map[string]string) ([]VectorMatch, error)
	Delete(ctx context.Context, userID string, ids ...string) error
	DeleteUser(ctx context.Context, userID string) error
	Ping(ctx context.Context) error
}

// DistanceConvention is what a vector backend reports for a pair of vectors
type DistanceConvention int

const (
	// CosineSimilarityRaw is cosine similarity in [-1, 1], higher is closer (chromem-go)
	CosineSimilarityRaw DistanceConvention = iota
	// CosineDistance is 1 - cosine similarity, in [0, 2], lower is closer
	CosineDistance
)

// SimilarityFromCosineDistance maps a [0, 2] cosine distance to [0, 1]:
// 0 -> 1 (identical), 1 -> 0.5 (orthogonal), 2 -> 0 (opposite).
func SimilarityFromCosineDistance(distance float64) float64 {
	return clamp01(1 - distance/2)
}

// NormalizeSimilarity converts a backend score to [0, 1] similarity
func NormalizeSimilarity(raw float64, convention DistanceConvention) float64 {
	switch convention {
	case CosineDistance:
		return SimilarityFromCosineDistance(raw)
	default:
		// similarity s is distance 1 - s
		return SimilarityFromCosineDistance(1 - raw)
	}
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Metadata keys written with every vector
const (
	vectorMetaUser        = "user_id"
	vectorMetaKind        = "kind"
	vectorMetaCategory    = "category"
	vectorMetaSubcategory = "subcategory"
	vectorMetaTopic       = "topic"
)

// ChromemIndex is an embedded vector index with one collection per user
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemIndex creates an in-memory index, or a persistent one when path is set
func NewChromemIndex(path string, compress bool) (*ChromemIndex, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector index at %s: %w", path, err)
		}
		log.Printf("✅ [VECTOR] Opened persistent vector index at %s", path)
	}

	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(userID string) string {
	return "memories_" + userID
}

// collection returns the user's collection, creating it on first use
func (x *ChromemIndex) collection(userID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, exists := x.collections[userID]
	x.mu.RUnlock()
	if exists {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if col, exists := x.collections[userID]; exists {
		return col, nil
	}

	// Embeddings are always supplied, so no embedding func is configured
	col, err := x.db.GetOrCreateCollection(collectionName(userID), map[string]string{vectorMetaUser: userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[userID] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, userID, id string, vector []float32, metadata map[string]string) error {
	if userID == "" || id == "" {
		return memerr.Newf(memerr.InvalidMemoryContent, "vector upsert", "user and id are required")
	}
	col, err := x.collection(userID)
	if err != nil {
		return memerr.Unavailable(health.DepVectorIndex, "vector upsert", err)
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[vectorMetaUser] = userID

	// AddDocument replaces an existing document with the same ID
	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: vector,
		Metadata:  meta,
		Content:   id,
	})
	if err != nil {
		return memerr.Unavailable(health.DepVectorIndex, "vector upsert", err)
	}
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, userID string, query []float32, topK int, filter map[string]string) ([]VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	col, err := x.collection(userID)
	if err != nil {
		return nil, memerr.Unavailable(health.DepVectorIndex, "vector search", err)
	}

	where := map[string]string{vectorMetaUser: userID}
	for k, v := range filter {
		if v != "" {
			where[k] = v
		}
	}

	// chromem-go requires nResults <= the number of matching documents
	limit := topK
	if count := col.Count(); count < limit {
		limit = count
	}
	var results []chromem.Result
	for ; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, query, limit, where, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, memerr.Unavailable(health.DepVectorIndex, "vector search", err)
		}
	}
	if limit < 1 {
		return nil, nil
	}

	matches := make([]VectorMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, VectorMatch{
			ID:         r.ID,
			Similarity: NormalizeSimilarity(float64(r.Similarity), CosineSimilarityRaw),
			Metadata:   r.Metadata,
		})
	}
	return matches, nil
}

func (x *ChromemIndex) Delete(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := x.collection(userID)
	if err != nil {
		return memerr.Unavailable(health.DepVectorIndex, "vector delete", err)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return memerr.Unavailable(health.DepVectorIndex, "vector delete", err)
	}
	return nil
}

func (x *ChromemIndex) DeleteUser(_ context.Context, userID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.collections, userID)
	if err := x.db.DeleteCollection(collectionName(userID)); err != nil {
		return memerr.Unavailable(health.DepVectorIndex, "vector delete user", err)
	}
	return nil
}

// Ping always succeeds for the embedded index
func (x *ChromemIndex) Ping(context.Context) error {
	return nil
}

// Count returns the number of vectors stored for a user
func (x *ChromemIndex) Count(userID string) int {
	col, err := x.collection(userID)
	if err != nil {
		return 0
	}
	return col.Count()
}

func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
