// Package embed maps text to fixed-dimension vectors.
//
// The engine only depends on the Embedder interface; the concrete OpenAI
// implementation lives in openai.go. Embedding is the one network-bound step
// on the ingestion path, so every call carries a bounded timeout and failures
// surface as recoverable ErrEmbedding errors that callers may retry.
package embed

import (
	"context"
	"errors"
	"math"
)

// ErrEmbedding wraps any failure of the external embedding service.
// It is recoverable: callers may retry, and no index state is mutated
// before embedding succeeds.
var ErrEmbedding = errors.New("embedding service error")

// Embedder converts text into fixed-dimension vectors.
//
// Implementations must return one vector per input text, in input order, and
// must keep the dimension stable for the lifetime of the process. A failed
// call returns no vectors at all, never a partial batch.
type Embedder interface {
	// Embed returns one vector per input text, same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the vector dimension produced by this embedder.
	Dimension() int

	// Model reports the embedding model identity. Persisted indexes record
	// it and refuse to load under a different embedder.
	Model() string
}

// Normalize scales v to unit length in place and returns it.
// Zero vectors are returned unchanged. With unit vectors the dot product
// equals cosine similarity, which keeps the search hot loop to one pass.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
