package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
	}{
		{"simple", []float32{3, 4}},
		{"already unit", []float32{1, 0, 0}},
		{"negative components", []float32{-2, 2, -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Normalize(append([]float32(nil), tt.in...))

			var sum float64
			for _, x := range v {
				sum += float64(x) * float64(x)
			}
			assert.InDelta(t, 1.0, sum, 1e-6, "normalized vector is not unit length")
		})
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	v := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, v)
}

// embeddingsHandler builds a fake OpenAI embeddings endpoint returning one
// dim-length vector per input, optionally with data entries out of order.
func embeddingsHandler(t *testing.T, dim int, shuffle bool) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]datum, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			// Distinct direction per input so tests can tell them apart.
			vec[i%dim] = float32(i + 1)
			data[i] = datum{Object: "embedding", Index: i, Embedding: vec}
		}
		if shuffle && len(data) > 1 {
			data[0], data[len(data)-1] = data[len(data)-1], data[0]
		}

		resp := map[string]any{
			"object": "list",
			"data":   data,
			"model":  "test-model",
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

// newTestEmbedder wires an OpenAI embedder at the fake server.
func newTestEmbedder(srv *httptest.Server) *OpenAI {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	client := openai.NewClientWithConfig(cfg)

	return NewOpenAI("test-key", "text-embedding-3-small",
		WithClient(client),
		WithRateLimit(0))
}

func TestOpenAI_Embed(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 1536, false))
	defer srv.Close()

	e := newTestEmbedder(srv)
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	for i, v := range vecs {
		assert.Len(t, v, 1536)
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "vector %d not normalized", i)
	}
	// Distinct inputs got distinct directions.
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestOpenAI_Embed_RestoresBatchOrder(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 1536, true))
	defer srv.Close()

	e := newTestEmbedder(srv)
	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// Input i was embedded along axis i regardless of response order.
	for i, v := range vecs {
		assert.InDelta(t, 1.0, float64(v[i]), 1e-6, "vector %d misplaced", i)
	}
}

func TestOpenAI_Embed_EmptyBatch(t *testing.T) {
	e := NewOpenAI("test-key", "text-embedding-3-small")
	vecs, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOpenAI_Embed_EmptyText(t *testing.T) {
	e := NewOpenAI("test-key", "text-embedding-3-small")
	_, err := e.Embed(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestOpenAI_Embed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limit"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := newTestEmbedder(srv)
	_, err := e.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestOpenAI_Embed_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 8, false))
	defer srv.Close()

	e := newTestEmbedder(srv)
	_, err := e.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestOpenAI_ModelMetadata(t *testing.T) {
	e := NewOpenAI("test-key", "text-embedding-3-large")
	assert.Equal(t, 3072, e.Dimension())
	assert.Equal(t, "text-embedding-3-large", e.Model())

	unknown := NewOpenAI("test-key", "some-future-model")
	assert.Equal(t, DefaultDimension, unknown.Dimension())
}
