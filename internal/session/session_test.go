package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clickatell/clickybot/internal/index"
	"github.com/clickatell/clickybot/internal/session"
	"github.com/clickatell/clickybot/internal/testutil"
)

func newTestSession(t *testing.T, opts ...session.Option) (*session.Session, *testutil.MockEmbedder) {
	t.Helper()

	emb := testutil.NewMockEmbedder(4)
	idx, err := index.New(emb.Dimension(), emb.Model())
	require.NoError(t, err)

	texts := []string{
		"Clickatell offers SMS messaging APIs.",
		"WhatsApp integration runs through Connect.",
		"Billing questions go to the finance portal.",
	}
	vectors, err := emb.Embed(context.Background(), texts)
	require.NoError(t, err)

	chunks := make([]index.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = index.Chunk{
			ID:        fmt.Sprintf("c%d", i),
			Text:      text,
			Embedding: vectors[i],
			Source:    index.SourceCorpus,
		}
	}
	require.NoError(t, idx.Insert(chunks))

	return session.New(idx, emb, opts...), emb
}

func TestAsk_RetrievesAndTransitions(t *testing.T) {
	s, _ := newTestSession(t)
	assert.Equal(t, session.StateIdle, s.State())

	result, err := s.Ask(context.Background(), "How do I send SMS?", 2)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "How do I send SMS?", result.Question)
	assert.Len(t, result.Chunks, 2)
	assert.Equal(t, session.StateAwaitingReview, s.State())
}

func TestAsk_RejectedWhileAwaitingReview(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Ask(ctx, "first question", 1)
	require.NoError(t, err)

	_, err = s.Ask(ctx, "second question", 1)
	assert.ErrorIs(t, err, session.ErrAwaitingReview)
	assert.Equal(t, session.StateAwaitingReview, s.State(), "rejection leaves the pending review in place")

	s.Resolve("first question", "reviewed answer")
	_, err = s.Ask(ctx, "second question", 1)
	assert.NoError(t, err, "resolve unblocks the next question")
}

func TestAsk_EmptyQuestion(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Ask(context.Background(), "", 1)
	assert.Error(t, err)
	assert.Equal(t, session.StateIdle, s.State())
}

func TestAsk_DefaultTopK(t *testing.T) {
	s, _ := newTestSession(t)

	result, err := s.Ask(context.Background(), "channels?", 0)
	require.NoError(t, err)
	assert.Len(t, result.Chunks, 3, "k defaults cover the whole small index")
}

func TestAsk_EmbedFailureReturnsToIdle(t *testing.T) {
	emb := testutil.NewMockEmbedder(4)
	idx, err := index.New(8, emb.Model()) // dimension mismatch forces a search error
	require.NoError(t, err)
	s := session.New(idx, emb)

	_, err = s.Ask(context.Background(), "anything", 1)
	require.Error(t, err)
	assert.Equal(t, session.StateIdle, s.State(), "failed retrieval must not lock the session")
}

func TestResolve_AppendsTranscript(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q := fmt.Sprintf("question %d", i)
		_, err := s.Ask(ctx, q, 1)
		require.NoError(t, err)
		s.Resolve(q, fmt.Sprintf("answer %d", i))
	}

	transcript := s.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, session.Exchange{Question: "question 0", Answer: "answer 0"}, transcript[0])
	assert.Equal(t, session.Exchange{Question: "question 2", Answer: "answer 2"}, transcript[2])
}

func TestCancel_UnblocksWithoutTranscript(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Ask(ctx, "q", 1)
	require.NoError(t, err)

	s.Cancel()
	assert.Equal(t, session.StateIdle, s.State())
	assert.Empty(t, s.Transcript())

	_, err = s.Ask(ctx, "next", 1)
	assert.NoError(t, err)
}

func TestResolve_IdleIsNoop(t *testing.T) {
	s, _ := newTestSession(t)
	s.Resolve("never asked", "never answered")
	assert.Empty(t, s.Transcript())
	assert.Equal(t, session.StateIdle, s.State())
}

func TestTranscript_BoundedOldestDropped(t *testing.T) {
	s, _ := newTestSession(t, session.WithTranscriptCap(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q := fmt.Sprintf("question %d", i)
		_, err := s.Ask(ctx, q, 1)
		require.NoError(t, err)
		s.Resolve(q, fmt.Sprintf("answer %d", i))
	}

	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "question 3", transcript[0].Question)
	assert.Equal(t, "question 4", transcript[1].Question)
}

func TestTranscript_ReturnsCopy(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Ask(ctx, "q", 1)
	require.NoError(t, err)
	s.Resolve("q", "a")

	got := s.Transcript()
	got[0].Answer = "mutated"
	assert.Equal(t, "a", s.Transcript()[0].Answer)
}

func TestAsk_ConcurrentOnlyOneWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _ := newTestSession(t)
	ctx := context.Background()

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Ask(ctx, fmt.Sprintf("question %d", i), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			default:
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "exactly one concurrent Ask may win the review slot")
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, session.StateAwaitingReview, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", session.StateIdle.String())
	assert.Equal(t, "awaiting_review", session.StateAwaitingReview.String())
}
