// Package session tracks one reviewer-mediated conversation: each question
// is embedded and retrieved against the index, then the session waits for
// the reviewed answer before accepting the next question.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clickatell/clickybot/internal/embed"
	"github.com/clickatell/clickybot/internal/index"
	"github.com/clickatell/clickybot/internal/log"
)

// ErrAwaitingReview indicates a question arrived while the previous answer
// is still under review. The caller retries after Resolve, it is not queued.
var ErrAwaitingReview = errors.New("previous answer awaiting review")

// DefaultTranscriptCap bounds conversation memory; oldest turns drop first.
const DefaultTranscriptCap = 50

// DefaultTopK is how many chunks a question retrieves when the caller does
// not say otherwise.
const DefaultTopK = 4

// State is the session's position in the review cycle.
type State int

const (
	// StateIdle means the session accepts a new question.
	StateIdle State = iota

	// StateAwaitingReview means an answer is out for review and new
	// questions are rejected until Resolve is called.
	StateAwaitingReview
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReview:
		return "awaiting_review"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Exchange is one completed question/answer turn.
type Exchange struct {
	Question string
	Answer   string
}

// RetrievalResult is what Ask hands to the answer generator: the question
// and its ranked context chunks.
type RetrievalResult struct {
	Question string
	Chunks   []index.Result
}

// Session is safe for concurrent use; the state machine serialises the
// ask/resolve cycle.
type Session struct {
	id     uuid.UUID
	idx    *index.Index
	emb    embed.Embedder
	logger log.Logger

	mu            sync.Mutex
	state         State
	transcript    []Exchange
	transcriptCap int
}

// Option configures a Session.
type Option func(*Session)

// WithTranscriptCap overrides the bound on remembered turns. Non-positive
// values are ignored.
func WithTranscriptCap(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.transcriptCap = n
		}
	}
}

// WithLogger sets the session's logger.
func WithLogger(l log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(idx *index.Index, emb embed.Embedder, opts ...Option) *Session {
	s := &Session{
		id:            uuid.New(),
		idx:           idx,
		emb:           emb,
		logger:        log.NewNop(),
		state:         StateIdle,
		transcriptCap: DefaultTranscriptCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current review-cycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ask embeds the question, retrieves its k most similar chunks and moves
// the session to StateAwaitingReview. k <= 0 means DefaultTopK. While a
// previous answer is under review Ask fails with ErrAwaitingReview and the
// session is left unchanged.
func (s *Session) Ask(ctx context.Context, question string, k int) (*RetrievalResult, error) {
	if question == "" {
		return nil, errors.New("ask: empty question")
	}
	if k <= 0 {
		k = DefaultTopK
	}

	s.mu.Lock()
	if s.state == StateAwaitingReview {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrAwaitingReview, s.id)
	}
	s.state = StateAwaitingReview
	s.mu.Unlock()

	result, err := s.retrieve(ctx, question, k)
	if err != nil {
		// A failed retrieval produced no answer to review.
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return nil, err
	}

	s.logger.Debug("retrieved context",
		"session", s.id, "chunks", len(result.Chunks))
	return result, nil
}

func (s *Session) retrieve(ctx context.Context, question string, k int) (*RetrievalResult, error) {
	vectors, err := s.emb.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	results, err := s.idx.Search(vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	return &RetrievalResult{Question: question, Chunks: results}, nil
}

// Resolve records the reviewed answer for the pending question and returns
// the session to StateIdle. Resolving an idle session is a no-op so callers
// need not track state across retrieval failures.
func (s *Session) Resolve(question, finalAnswer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingReview {
		return
	}
	s.state = StateIdle

	s.transcript = append(s.transcript, Exchange{
		Question: question,
		Answer:   finalAnswer,
	})
	if over := len(s.transcript) - s.transcriptCap; over > 0 {
		s.transcript = append([]Exchange(nil), s.transcript[over:]...)
	}
}

// Cancel abandons the pending review without remembering the turn, for
// when generation failed and no answer ever reached the reviewer. Idle
// sessions are unaffected.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAwaitingReview {
		s.state = StateIdle
	}
}

// Transcript returns a copy of the remembered turns, oldest first.
func (s *Session) Transcript() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Exchange, len(s.transcript))
	copy(out, s.transcript)
	return out
}
