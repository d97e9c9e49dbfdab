// Package vectorstore defines the vector collection contract both retrievers
// search over, plus an in-process reference implementation.
//
// # Why Vectorstore Exists
//
// The engine maintains two collections per site area: one of per-table
// summaries and one of guideline chunks. The retrievers only need
// approximate-nearest-neighbour search plus a document count (for the
// idempotent-ingestion check), so that is the whole contract; a hosted vector
// index can be swapped in behind it without touching the retrieval loop.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrCollectionMissing is returned when a named collection has never
	// been created. The self-RAG loop degrades this to an empty context with
	// a warning, it is not fatal.
	ErrCollectionMissing = errors.New("vectorstore: collection missing")

	// ErrBackendUnavailable marks an unreachable backing index.
	ErrBackendUnavailable = errors.New("vectorstore: backend unavailable")
)

// Document is one stored entry: its text, provenance metadata, and vector.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
	Vector   []float64
}

// Hit is one search result.
type Hit struct {
	Document
	Score float64
}

// Collection is a searchable set of embedded documents.
type Collection interface {
	// Add appends documents. Ingestion assigns ids; Add does not dedupe.
	Add(ctx context.Context, docs []Document) error

	// Search returns the top-k documents by similarity to the query vector,
	// optionally filtered by exact metadata matches, best first.
	Search(ctx context.Context, query []float64, k int, filter map[string]string) ([]Hit, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)
}

// Registry hands out named collections. Names follow the
// "<site_area>_<kind>" convention, e.g. "PD_summaries", "PD_guidelines".
type Registry interface {
	// Get returns an existing collection or ErrCollectionMissing.
	Get(ctx context.Context, name string) (Collection, error)

	// GetOrCreate returns the named collection, creating it when absent.
	GetOrCreate(ctx context.Context, name string) (Collection, error)

	// Drop removes a collection so ingestion can rebuild it.
	Drop(ctx context.Context, name string) error
}

// CollectionName builds the canonical collection name.
func CollectionName(siteArea, kind string) string {
	return fmt.Sprintf("%s_%s", siteArea, kind)
}

// --- In-process reference implementation ---

// MemRegistry is a thread-safe in-process Registry.
type MemRegistry struct {
	mu          sync.Mutex
	collections map[string]*MemCollection
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{collections: make(map[string]*MemCollection)}
}

// Get implements Registry.
func (r *MemRegistry) Get(ctx context.Context, name string) (Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionMissing, name)
	}
	return c, nil
}

// GetOrCreate implements Registry.
func (r *MemRegistry) GetOrCreate(ctx context.Context, name string) (Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[name]
	if !ok {
		c = &MemCollection{}
		r.collections[name] = c
	}
	return c, nil
}

// Drop implements Registry.
func (r *MemRegistry) Drop(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, name)
	return nil
}

// MemCollection is an in-memory Collection using exact cosine similarity.
// Collections here hold one summary per logical table or a few hundred
// guideline chunks, so a linear scan is the honest implementation.
type MemCollection struct {
	mu   sync.RWMutex
	docs []Document
}

// Add implements Collection.
func (c *MemCollection) Add(ctx context.Context, docs []Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, docs...)
	return nil
}

// Count implements Collection.
func (c *MemCollection) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs), nil
}

// Search implements Collection.
func (c *MemCollection) Search(ctx context.Context, query []float64, k int, filter map[string]string) ([]Hit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := make([]Hit, 0, len(c.docs))
	for _, d := range c.docs {
		if !matches(d.Metadata, filter) {
			continue
		}
		hits = append(hits, Hit{Document: d, Score: Cosine(query, d.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func matches(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// Cosine computes cosine similarity; mismatched or zero vectors score zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
