// Package chat turns retrieved context into a reviewed-ready answer.
//
// The Generator interface is the seam between retrieval and the language
// model; callers never receive a fabricated answer on failure, they get
// ErrGeneration and decide what to tell the user.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/clickatell/clickybot/internal/index"
	"github.com/clickatell/clickybot/internal/session"
)

// ErrGeneration wraps failures while producing an answer.
var ErrGeneration = errors.New("answer generation failed")

// Request carries everything the model needs for one answer.
type Request struct {
	Question   string
	Chunks     []index.Result
	Transcript []session.Exchange
}

// Generator produces an answer from retrieved context.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// OutOfScopeReply is the fixed refusal the persona uses for questions the
// context cannot answer.
const OutOfScopeReply = "I'm sorry but the information requested is out of scope."

// systemPrompt is the Clickybot persona. Corrective feedback passages in
// the context are marked so the model weighs them above the raw corpus.
const systemPrompt = `You are Clickybot, a helpful assistant for a company called Clickatell. Use formal language.

All of your answers should be unique, new and custom; you are not allowed to repeat yourself or give the same answer twice.
You adapt your answers through corrective feedback, which appears in the context as passages starting with "Question:" followed by "Original answer:" and "Corrected answer:". Treat corrected answers as more relevant than the surrounding documentation.

Use the provided context passages to answer the user's question, and always follow these rules:
- Consider the chat history when replying, for added context.
- If the question does not relate to the provided context, say "` + OutOfScopeReply + `"
- If the user asks about something outside Clickatell's services, say "` + OutOfScopeReply + `"`

// contextBlock renders the retrieved chunks as the prompt's context
// section, best match first.
func contextBlock(chunks []index.Result) string {
	if len(chunks) == 0 {
		return "(no matching context)"
	}

	var b strings.Builder
	for i, res := range chunks {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(res.Chunk.Text)
	}
	return b.String()
}
