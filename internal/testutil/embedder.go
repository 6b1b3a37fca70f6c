// Package testutil provides deterministic fakes shared by package tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/clickatell/clickybot/internal/embed"
)

// MockEmbedder produces deterministic embedding vectors without any
// network access. The same text always embeds to the same vector, and
// explicit vectors can be registered to control exact cosine similarity
// between test inputs.
//
// Thread-safe for concurrent use.
type MockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
	calls   int
}

// NewMockEmbedder creates a mock embedder with the given vector dimensions.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		vectors: make(map[string][]float32),
		dim:     dim,
	}
}

// SetVector registers an explicit vector for a given text.
// Use this to control exact cosine similarity between test inputs.
func (e *MockEmbedder) SetVector(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vec
}

// Calls returns how many Embed calls the mock has served.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := e.vectors[text]; ok {
			out[i] = append([]float32(nil), v...)
			continue
		}
		out[i] = deterministicVector(text, e.dim)
	}
	return out, nil
}

func (e *MockEmbedder) Dimension() int { return e.dim }

func (e *MockEmbedder) Model() string { return "mock-embedder" }

var _ embed.Embedder = (*MockEmbedder)(nil)

// deterministicVector generates a normalized vector from text using
// SHA-256. The same text always produces the same vector.
func deterministicVector(text string, dim int) []float32 {
	hash := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx%32],
			hash[(idx+1)%32],
			hash[(idx+2)%32],
			hash[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}
	return embed.Normalize(vec)
}
