package chat

import (
	"context"
	"fmt"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clickatell/clickybot/internal/log"
)

// OpenAI implements Generator against the OpenAI chat completions API,
// with retry on transient failures. Safe for concurrent use.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	retry       RetryConfig
	logger      log.Logger
}

// OpenAIOption configures an OpenAI generator.
type OpenAIOption func(*OpenAI)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) OpenAIOption {
	return func(o *OpenAI) { o.temperature = t }
}

// WithMaxTokens caps the response length. 0 means the API default.
func WithMaxTokens(n int) OpenAIOption {
	return func(o *OpenAI) {
		if n >= 0 {
			o.maxTokens = n
		}
	}
}

// WithTimeout bounds each generation call, retries included per attempt.
// Default: 60s.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAI) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry replaces the retry configuration.
func WithRetry(cfg RetryConfig) OpenAIOption {
	return func(o *OpenAI) { o.retry = cfg }
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

// NewOpenAI creates an OpenAI generator for the given chat model.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		client:      openai.NewClient(apiKey),
		model:       model,
		temperature: 1.0,
		timeout:     60 * time.Second,
		retry:       DefaultRetryConfig(),
		logger:      log.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate produces an answer for the request. Transient API failures are
// retried with exponential backoff; anything that still fails surfaces as
// ErrGeneration.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	if req.Question == "" {
		return "", fmt.Errorf("%w: empty question", ErrGeneration)
	}

	messages := o.buildMessages(req)

	answer, err := withRetry(ctx, o.retry, o.logger, func(ctx context.Context) (string, error) {
		return o.complete(ctx, messages)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	o.logger.Debug("generated answer",
		"model", o.model,
		"context_chunks", len(req.Chunks),
		"transcript_turns", len(req.Transcript))
	return answer, nil
}

func (o *OpenAI) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// The client omits a zero temperature from the request, which would
	// hand the choice back to the API default. Send the smallest positive
	// float32 instead; the API treats it as zero.
	temperature := o.temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildMessages lays out the conversation: persona first, then remembered
// turns, then the retrieved context and the question as the final user
// message.
func (o *OpenAI) buildMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, 2*len(req.Transcript)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})

	for _, turn := range req.Transcript {
		messages = append(messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Question,
			},
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Answer,
			},
		)
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s",
			contextBlock(req.Chunks), req.Question),
	})
	return messages
}

var _ Generator = (*OpenAI)(nil)
