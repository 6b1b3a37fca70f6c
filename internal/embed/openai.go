package embed

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/clickatell/clickybot/internal/log"
)

// Known output dimensions per OpenAI embedding model.
// Unknown models fall back to DefaultDimension.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DefaultDimension is assumed for models not listed in modelDimensions.
const DefaultDimension = 1536

// OpenAI implements Embedder against the OpenAI embeddings API.
//
// Calls are rate limited and bounded by a per-call timeout. OpenAI is safe
// for concurrent use.
type OpenAI struct {
	client  *openai.Client
	model   string
	dim     int
	timeout time.Duration
	limiter *rate.Limiter
	logger  log.Logger
}

// OpenAIOption configures an OpenAI embedder.
type OpenAIOption func(*OpenAI)

// WithTimeout bounds each embedding call. Default: 30s.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAI) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRateLimit throttles embedding calls to n per second.
// n <= 0 disables throttling.
func WithRateLimit(n int) OpenAIOption {
	return func(o *OpenAI) {
		if n > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(n), n)
		} else {
			o.limiter = nil
		}
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l log.Logger) OpenAIOption {
	return func(o *OpenAI) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClient replaces the API client. Used by tests to point at a fake
// server via openai.ClientConfig.BaseURL.
func WithClient(c *openai.Client) OpenAIOption {
	return func(o *OpenAI) {
		if c != nil {
			o.client = c
		}
	}
}

// NewOpenAI creates an OpenAI embedder for the given model.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	dim, ok := modelDimensions[model]
	if !ok {
		dim = DefaultDimension
	}

	o := &OpenAI{
		client:  openai.NewClient(apiKey),
		model:   model,
		dim:     dim,
		timeout: 30 * time.Second,
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  log.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Embed embeds all texts in a single batch request. Vectors come back in
// input order and are L2-normalised. On any failure no vectors are returned,
// so callers can never half-ingest a batch.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: empty text at position %d", ErrEmbedding, i)
		}
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrEmbedding, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			ErrEmbedding, len(resp.Data), len(texts))
	}

	// The API may return data out of order; Index is authoritative.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbedding, d.Index)
		}
		if len(d.Embedding) != o.dim {
			return nil, fmt.Errorf("%w: model %s returned dimension %d, expected %d",
				ErrEmbedding, o.model, len(d.Embedding), o.dim)
		}
		v := make([]float32, len(d.Embedding))
		copy(v, d.Embedding)
		out[d.Index] = Normalize(v)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("%w: missing embedding for text %d", ErrEmbedding, i)
		}
	}

	o.logger.Debug("embedded batch",
		"texts", len(texts),
		"model", o.model,
		"duration", time.Since(start))

	return out, nil
}

// Dimension reports the vector dimension for the configured model.
func (o *OpenAI) Dimension() int { return o.dim }

// Model reports the embedding model identity.
func (o *OpenAI) Model() string { return o.model }
