package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/clickatell/clickybot/internal/chat"
)

// MockGenerator returns canned answers keyed by substrings of the question.
// The fallback answer is returned when no pattern matches. Thread-safe.
type MockGenerator struct {
	mu       sync.Mutex
	rules    []generatorRule
	fallback string
	calls    []chat.Request
	err      error
}

type generatorRule struct {
	pattern string
	answer  string
}

// NewMockGenerator creates a mock generator with the given fallback answer.
func NewMockGenerator(fallback string) *MockGenerator {
	return &MockGenerator{fallback: fallback}
}

// AddAnswer registers a pattern-answer pair. When a question contains the
// pattern (case-insensitive), the answer is returned. First match wins.
func (g *MockGenerator) AddAnswer(pattern, answer string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, generatorRule{
		pattern: strings.ToLower(pattern),
		answer:  answer,
	})
}

// Fail makes every subsequent Generate call return err.
func (g *MockGenerator) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Calls returns a copy of all recorded requests.
func (g *MockGenerator) Calls() []chat.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]chat.Request, len(g.calls))
	copy(cp, g.calls)
	return cp
}

func (g *MockGenerator) Generate(_ context.Context, req chat.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)

	if g.err != nil {
		return "", g.err
	}

	question := strings.ToLower(req.Question)
	for _, rule := range g.rules {
		if strings.Contains(question, rule.pattern) {
			return rule.answer, nil
		}
	}
	return g.fallback, nil
}

var _ chat.Generator = (*MockGenerator)(nil)
