package vector

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
)

type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return m, nil
	case "":
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("%w: unknown similarity metric %q", apperr.ErrInvalidConfig, s)
	}
}

// Filter restricts a query to chunks matching every set field.
type Filter struct {
	DocumentIDs []string          `json:"document_ids,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (f *Filter) Match(c corpus.Chunk) bool {
	if f == nil {
		return true
	}
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, c.DocumentID) {
		return false
	}
	for k, v := range f.Metadata {
		if c.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Scored is a chunk ranked against a query vector. Higher is closer.
type Scored struct {
	Chunk corpus.Chunk `json:"chunk"`
	Score float64      `json:"score"`
}

type entry struct {
	chunk corpus.Chunk
	norm  float64
}

// state is immutable once published.
type state struct {
	entries []entry
	ids     map[string]struct{}
	dim     int
}

// Index is an in-memory nearest neighbour index over chunk embeddings.
//
// Readers load the current state without locking. Writers serialize on mu,
// build a new state and publish it with a single atomic store, so a query
// never observes a partially applied batch.
type Index struct {
	id     string
	metric Metric

	mu    sync.Mutex
	state atomic.Pointer[state]
}

func NewIndex(id string, metric Metric) *Index {
	if id == "" {
		id = uuid.NewString()
	}
	if metric == "" {
		metric = MetricCosine
	}
	ix := &Index{id: id, metric: metric}
	ix.state.Store(&state{ids: map[string]struct{}{}})
	return ix
}

func (ix *Index) ID() string     { return ix.id }
func (ix *Index) Metric() Metric { return ix.metric }
func (ix *Index) Len() int       { return len(ix.state.Load().entries) }
func (ix *Index) Dimension() int { return ix.state.Load().dim }

func (ix *Index) Contains(chunkID string) bool {
	_, ok := ix.state.Load().ids[chunkID]
	return ok
}

// DocumentIDs lists indexed documents in insertion order.
func (ix *Index) DocumentIDs() []string {
	st := ix.state.Load()
	seen := map[string]struct{}{}
	var out []string
	for _, e := range st.entries {
		if _, ok := seen[e.chunk.DocumentID]; ok {
			continue
		}
		seen[e.chunk.DocumentID] = struct{}{}
		out = append(out, e.chunk.DocumentID)
	}
	return out
}

// Chunks returns every indexed chunk in insertion order.
func (ix *Index) Chunks() []corpus.Chunk {
	st := ix.state.Load()
	out := make([]corpus.Chunk, len(st.entries))
	for i, e := range st.entries {
		out[i] = e.chunk
	}
	return out
}

// Add appends a batch of embedded chunks. The batch is applied entirely or
// not at all.
func (ix *Index) Add(ctx context.Context, chunks ...corpus.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.state.Load()
	dim := cur.dim
	if dim == 0 {
		dim = len(chunks[0].Embedding)
	}

	added := make(map[string]struct{}, len(chunks))
	next := make([]entry, 0, len(cur.entries)+len(chunks))
	next = append(next, cur.entries...)

	for _, c := range chunks {
		id := c.ID()
		if len(c.Embedding) == 0 {
			return fmt.Errorf("add %s: %w: chunk has no embedding", id, apperr.ErrDimensionMismatch)
		}
		if len(c.Embedding) != dim {
			return fmt.Errorf("add %s: %w: got %d, index has %d", id, apperr.ErrDimensionMismatch, len(c.Embedding), dim)
		}
		if _, ok := cur.ids[id]; ok {
			return fmt.Errorf("add %s: %w", id, apperr.ErrDuplicateChunk)
		}
		if _, ok := added[id]; ok {
			return fmt.Errorf("add %s: %w", id, apperr.ErrDuplicateChunk)
		}
		added[id] = struct{}{}
		next = append(next, entry{chunk: c, norm: norm(c.Embedding)})
	}

	ids := make(map[string]struct{}, len(cur.ids)+len(added))
	for id := range cur.ids {
		ids[id] = struct{}{}
	}
	for id := range added {
		ids[id] = struct{}{}
	}

	ix.state.Store(&state{entries: next, ids: ids, dim: dim})
	return nil
}

// Replace swaps the whole content of the index for chunks.
func (ix *Index) Replace(chunks []corpus.Chunk) error {
	fresh := NewIndex(ix.id, ix.metric)
	if err := fresh.Add(context.Background(), chunks...); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.state.Store(fresh.state.Load())
	return nil
}

// Compact rebuilds the index storage without spare capacity.
func (ix *Index) Compact() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.state.Load()
	ix.state.Store(&state{
		entries: slices.Clip(slices.Clone(cur.entries)),
		ids:     cur.ids,
		dim:     cur.dim,
	})
}

// Query ranks chunks matching filter against vec and returns the best k.
// Scores are non-increasing; equal scores keep insertion order.
func (ix *Index) Query(ctx context.Context, vec []float32, k int, filter *Filter) ([]Scored, error) {
	st := ix.state.Load()
	if len(st.entries) == 0 {
		return nil, apperr.ErrIndexEmpty
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", apperr.ErrInvalidConfig, k)
	}
	if len(vec) != st.dim {
		return nil, fmt.Errorf("query: %w: got %d, index has %d", apperr.ErrDimensionMismatch, len(vec), st.dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qn := norm(vec)
	results := make([]Scored, 0, min(k, len(st.entries)))
	for _, e := range st.entries {
		if !filter.Match(e.chunk) {
			continue
		}
		results = append(results, Scored{Chunk: e.chunk, Score: ix.score(vec, qn, e)})
	}

	slices.SortStableFunc(results, func(a, b Scored) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (ix *Index) score(q []float32, qn float64, e entry) float64 {
	switch ix.metric {
	case MetricDot:
		return dot(q, e.chunk.Embedding)
	case MetricEuclidean:
		return -euclidean(q, e.chunk.Embedding)
	default:
		if qn == 0 || e.norm == 0 {
			return 0
		}
		return dot(q, e.chunk.Embedding) / (qn * e.norm)
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(a []float32) float64 {
	return math.Sqrt(dot(a, a))
}

func euclidean(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return math.Sqrt(s)
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}
