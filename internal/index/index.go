// Package index provides the in-process vector index at the heart of the
// retrieval engine.
//
// The index holds embedded chunks and answers k-nearest-neighbour queries
// under cosine similarity. It only ever grows during normal operation;
// trimming is an explicit policy decision applied through Compact. Batch
// inserts are atomic: either every chunk in the batch becomes searchable or
// none does, so a half-ingested correction can never be retrieved.
//
// Concurrency: Insert serialises writers; Search only takes the read lock
// and traverses committed state, so readers never block each other. No lock
// is ever held across I/O: embedding happens before Insert is called and
// persistence snapshots the state up front.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/clickatell/clickybot/internal/log"
)

var (
	// ErrDimensionMismatch indicates a chunk embedding whose dimension does
	// not match the index.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyChunk indicates a chunk with no text. The chunker never emits
	// these; seeing one means a caller bug.
	ErrEmptyChunk = errors.New("empty chunk text")

	// ErrCorrupt indicates persisted index state that cannot be read back.
	ErrCorrupt = errors.New("corrupt index state")

	// ErrModelMismatch indicates persisted state embedded with a different
	// model. Vectors from different embedders are not comparable; the load
	// is refused rather than silently mixing spaces.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrNotFound indicates no persisted index exists at the location.
	ErrNotFound = errors.New("no persisted index")
)

// Source tags where a chunk came from.
type Source string

const (
	// SourceCorpus marks chunks built from the reference corpus.
	SourceCorpus Source = "corpus"

	// SourceFeedback marks chunks built from reviewer corrections.
	SourceFeedback Source = "feedback"
)

// Chunk is the atomic unit of retrieval: a bounded segment of text paired
// with its embedding. Chunks are immutable once inserted; the index owns
// them from that point on.
type Chunk struct {
	// ID is an opaque identifier assigned at creation time.
	ID string

	// Seq is the insertion sequence number, assigned by the index. It is
	// the tie-breaker for equal similarity scores and fixes result order
	// across restarts.
	Seq int

	// Text is the chunk content.
	Text string

	// Embedding is the fixed-dimension vector for Text.
	Embedding []float32

	// Source records whether the chunk came from the corpus or from
	// reviewer feedback.
	Source Source
}

// Result is a single search hit.
type Result struct {
	Chunk      Chunk
	Similarity float64
}

// Index is the long-lived, append-mostly vector index.
// Safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	dim    int
	model  string
	chunks []Chunk
	mags   []float64 // precomputed embedding magnitudes, parallel to chunks
	nextSq int
	attrs  map[string]string
	logger log.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the index logger. Default: discard.
func WithLogger(l log.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// New creates an empty index for vectors of the given dimension, embedded by
// the given model. The model identity travels with persisted state so a
// provider swap is caught at load time.
func New(dimension int, model string, opts ...Option) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dimension)
	}

	ix := &Index{
		dim:    dimension,
		model:  model,
		logger: log.NewNop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Dimension reports the embedding dimension.
func (ix *Index) Dimension() int { return ix.dim }

// Model reports the embedding model identity the index was built with.
func (ix *Index) Model() string { return ix.model }

// Len reports the number of chunks currently searchable.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks)
}

// Attr returns the named bookkeeping attribute, or "" when unset. Attributes
// travel with persisted state; callers use them to carry small markers (such
// as how much of an external log a snapshot has consumed) across restarts.
func (ix *Index) Attr(key string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.attrs[key]
}

// SetAttr records a bookkeeping attribute. It is included in the next Persist.
func (ix *Index) SetAttr(key, value string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.attrs == nil {
		ix.attrs = make(map[string]string)
	}
	ix.attrs[key] = value
}

// CountBySource reports how many chunks carry the given source tag.
func (ix *Index) CountBySource(src Source) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for i := range ix.chunks {
		if ix.chunks[i].Source == src {
			n++
		}
	}
	return n
}

// Insert appends a batch of chunks to the searchable structure.
//
// The whole batch is validated before any mutation, and sequence numbers are
// assigned under the write lock, so the batch is atomic: a validation error
// leaves the index exactly as it was. Callers must not reuse the chunks'
// embedding slices afterwards; the index owns them.
func (ix *Index) Insert(chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// Validate everything up front: all-or-nothing per call.
	for i := range chunks {
		if chunks[i].Text == "" {
			return fmt.Errorf("%w: batch position %d", ErrEmptyChunk, i)
		}
		if len(chunks[i].Embedding) != ix.dim {
			return fmt.Errorf("%w: batch position %d has dimension %d, index wants %d",
				ErrDimensionMismatch, i, len(chunks[i].Embedding), ix.dim)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i := range chunks {
		c := chunks[i]
		c.Seq = ix.nextSq
		ix.nextSq++
		ix.chunks = append(ix.chunks, c)
		ix.mags = append(ix.mags, magnitude(c.Embedding))
	}

	ix.logger.Debug("inserted chunks", "count", len(chunks), "total", len(ix.chunks))
	return nil
}

// Search returns up to k chunks ranked by cosine similarity to query,
// best first. Equal scores rank by insertion order, earlier first, which
// keeps repeated queries deterministic against an unchanged index.
//
// k <= 0, an empty index, or a zero query vector return nil without error.
// A query of the wrong dimension is an error.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index wants %d",
			ErrDimensionMismatch, len(query), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	qm := magnitude(query)
	if qm == 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.chunks) == 0 {
		return nil, nil
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, 0, len(ix.chunks))
	for i := range ix.chunks {
		if ix.mags[i] == 0 {
			continue
		}
		s := dot(query, ix.chunks[i].Embedding) / (qm * ix.mags[i])
		scores = append(scores, scored{idx: i, score: s})
	}

	sort.Slice(scores, func(a, b int) bool {
		if scores[a].score != scores[b].score {
			return scores[a].score > scores[b].score
		}
		return ix.chunks[scores[a].idx].Seq < ix.chunks[scores[b].idx].Seq
	})

	if k > len(scores) {
		k = len(scores)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = Result{
			Chunk:      ix.chunks[scores[i].idx],
			Similarity: scores[i].score,
		}
	}
	return out, nil
}

// Chunks returns a snapshot copy of all chunks in insertion order.
// Embedding slices are shared; treat them as read-only.
func (ix *Index) Chunks() []Chunk {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Chunk, len(ix.chunks))
	copy(out, ix.chunks)
	return out
}

// Compact applies an eviction policy to the chunk set and reports how many
// chunks were dropped. The default deployment uses KeepAll, which makes this
// a no-op; the hook exists so unbounded feedback growth is a configuration
// choice rather than an accident.
func (ix *Index) Compact(policy EvictionPolicy) int {
	if policy == nil {
		return 0
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := policy.Evict(ix.chunks)
	dropped := len(ix.chunks) - len(kept)
	if dropped <= 0 {
		return 0
	}

	chunks := make([]Chunk, len(kept))
	copy(chunks, kept)
	mags := make([]float64, len(chunks))
	for i := range chunks {
		mags[i] = magnitude(chunks[i].Embedding)
	}
	ix.chunks = chunks
	ix.mags = mags

	ix.logger.Info("compacted index", "dropped", dropped, "remaining", len(chunks))
	return dropped
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func magnitude(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
