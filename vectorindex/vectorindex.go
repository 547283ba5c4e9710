// Package vectorindex is a per-namespace approximate nearest-neighbor
// index over asset embeddings (spec.md §4.7), wrapping github.com/coder/
// hnsw. The interface shape (Add/Search/Delete/Count, a Config struct
// with M/EfConstruction/EfSearch) follows the corpus' own
// VectorStore/VectorStoreConfig convention.
package vectorindex

import (
	"math"
	"sync"

	"github.com/coder/hnsw"

	"aifs.dev/engine/aifserr"
)

// Metric names the supported distance functions (spec.md §4.7).
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
	MetricManhattan Metric = "manhattan"
	MetricHamming   Metric = "hamming"
)

// Config tunes one namespace's HNSW graph.
type Config struct {
	Dimension      int
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultConfig returns sensible HNSW defaults for a given dimension and
// metric (mirrors the corpus' DefaultVectorStoreConfig).
func DefaultConfig(dimension int, metric Metric) Config {
	return Config{
		Dimension:      dimension,
		Metric:         metric,
		M:              16,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

func distanceFunc(m Metric) (func(a, b []float32) float32, error) {
	switch m {
	case MetricCosine:
		return cosineDistance, nil
	case MetricEuclidean:
		return euclideanDistance, nil
	case MetricDot:
		return dotDistance, nil
	case MetricManhattan:
		return manhattanDistance, nil
	case MetricHamming:
		return hammingDistance, nil
	default:
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument, "vectorindex: unknown metric %q", m)
	}
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(sqrt32(na)*sqrt32(nb))
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sqrt32(sum)
}

func dotDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot // HNSW minimizes distance; higher dot product means closer.
}

func manhattanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func hammingDistance(a, b []float32) float32 {
	var diff float32
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return diff
}

func sqrt32(v float32) float32 {
	if v <= 0 {
		return 0
	}
	return float32(math.Sqrt(float64(v)))
}

// Result is one ranked match from Search.
type Result struct {
	AssetID  string
	Distance float32
	Metadata map[string]string
}

// entry tracks an inserted vector's filterable metadata alongside its
// HNSW node, since metadata-equality filtering (spec.md §9's resolved
// Open Question) happens after the ANN pass and before the k-limit.
type entry struct {
	vector   []float32
	metadata map[string]string
}

// Namespace is one namespace's ANN index. Its dimension is pinned by the
// first successful Add call.
type Namespace struct {
	mu       sync.RWMutex
	cfg      Config
	dist     func(a, b []float32) float32
	graph    *hnsw.Graph[string]
	entries  map[string]entry
	pinnedOK bool
}

// NewNamespace creates an empty namespace index. Dimension is pinned on
// first insert if cfg.Dimension is 0.
func NewNamespace(cfg Config) (*Namespace, error) {
	dist, err := distanceFunc(cfg.Metric)
	if err != nil {
		return nil, err
	}
	g := hnsw.NewGraph[string]()
	if cfg.M > 0 {
		g.M = cfg.M
	}
	if cfg.EfSearch > 0 {
		g.EfSearch = cfg.EfSearch
	}
	g.Distance = dist
	return &Namespace{
		cfg:      cfg,
		dist:     dist,
		graph:    g,
		entries:  make(map[string]entry),
		pinnedOK: cfg.Dimension > 0,
	}, nil
}

// Add inserts or replaces assetID's vector. The namespace's dimension is
// pinned on the first call; subsequent calls with a mismatched length are
// rejected (spec.md §4.7 invariant).
func (n *Namespace) Add(assetID string, vector []float32, metadata map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.pinnedOK {
		n.cfg.Dimension = len(vector)
		n.pinnedOK = true
	} else if len(vector) != n.cfg.Dimension {
		return aifserr.Newf(aifserr.CodeFailedPrecondition,
			"vectorindex: vector has dimension %d, namespace is pinned to %d", len(vector), n.cfg.Dimension)
	}

	if _, exists := n.entries[assetID]; exists {
		n.graph.Delete(assetID)
	}
	n.graph.Add(hnsw.MakeNode(assetID, vector))
	n.entries[assetID] = entry{vector: append([]float32(nil), vector...), metadata: metadata}
	return nil
}

// Delete removes assetID from the index.
func (n *Namespace) Delete(assetID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.graph.Delete(assetID)
	delete(n.entries, assetID)
}

// Dimension returns the namespace's pinned dimension, or 0 if unpinned.
func (n *Namespace) Dimension() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.Dimension
}

// Count returns the number of vectors currently indexed.
func (n *Namespace) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.entries)
}

// VisibilityFilter, when non-nil, is consulted before scoring to drop
// hidden assets out of search results.
type VisibilityFilter func(assetID string) bool

// Search returns up to k nearest neighbors of query, restricted to
// entries whose metadata matches every key/value in filter (equality
// only, applied before the k cutoff) and for which visible (if non-nil)
// returns true.
func (n *Namespace) Search(query []float32, k int, filter map[string]string, visible VisibilityFilter) ([]Result, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.pinnedOK && len(query) != n.cfg.Dimension {
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument,
			"vectorindex: query has dimension %d, namespace is pinned to %d", len(query), n.cfg.Dimension)
	}
	if k <= 0 {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "vectorindex: k must be positive")
	}

	// Over-fetch from the ANN graph since post-filtering may drop hits,
	// then apply filters and truncate to k.
	fetch := k * 4
	if fetch < k+16 {
		fetch = k + 16
	}
	if fetch > len(n.entries) {
		fetch = len(n.entries)
	}
	if fetch == 0 {
		return nil, nil
	}

	nodes := n.graph.Search(query, fetch)
	results := make([]Result, 0, k)
	for _, node := range nodes {
		e, ok := n.entries[node.Key]
		if !ok {
			continue
		}
		if visible != nil && !visible(node.Key) {
			continue
		}
		if !matchesFilter(e.metadata, filter) {
			continue
		}
		results = append(results, Result{
			AssetID:  node.Key,
			Distance: n.dist(query, e.vector),
			Metadata: e.metadata,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Index owns one Namespace per namespace string, the top-level type
// wired into the engine (spec.md §4.7).
type Index struct {
	mu         sync.Mutex
	namespaces map[string]*Namespace
}

// NewIndex creates an empty multi-namespace index.
func NewIndex() *Index {
	return &Index{namespaces: make(map[string]*Namespace)}
}

// Namespace returns (creating if necessary) the namespace index for ns,
// using cfg only on first creation.
func (idx *Index) Namespace(ns string, cfg Config) (*Namespace, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if n, ok := idx.namespaces[ns]; ok {
		return n, nil
	}
	n, err := NewNamespace(cfg)
	if err != nil {
		return nil, err
	}
	idx.namespaces[ns] = n
	return n, nil
}
