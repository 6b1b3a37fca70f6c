package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickatell/clickybot/internal/chunk"
	"github.com/clickatell/clickybot/internal/index"
	"github.com/clickatell/clickybot/internal/testutil"
)

const corpusText = "Clickatell provides messaging APIs for SMS and WhatsApp.\n" +
	"Customers integrate through the Connect platform."

type managerFixture struct {
	mgr *Manager
	emb *testutil.MockEmbedder
	cfg BootstrapConfig
}

func newManagerFixture(t *testing.T, corpus string) managerFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := BootstrapConfig{
		CorpusPath:      filepath.Join(dir, "clickatell_data.txt"),
		IndexPath:       filepath.Join(dir, "clickatell_data.db"),
		FeedbackLogPath: filepath.Join(dir, "agent_feedback.jsonl"),
	}
	if corpus != "" {
		require.NoError(t, os.WriteFile(cfg.CorpusPath, []byte(corpus), 0o600))
	}

	emb := testutil.NewMockEmbedder(8)
	mgr := New(emb, chunk.New(2000, 200))
	return managerFixture{mgr: mgr, emb: emb, cfg: cfg}
}

func TestBootstrap_BuildsFromCorpus(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	idx, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	require.NotNil(t, idx)

	assert.Equal(t, 1, idx.CountBySource(index.SourceCorpus))
	assert.Equal(t, 0, idx.CountBySource(index.SourceFeedback))

	// A fresh build persists immediately.
	_, err = os.Stat(f.cfg.IndexPath)
	assert.NoError(t, err)
}

func TestBootstrap_NoCorpusNoIndex(t *testing.T) {
	f := newManagerFixture(t, "")

	_, err := f.mgr.Bootstrap(context.Background(), f.cfg)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Nil(t, f.mgr.Index())
}

func TestBootstrap_LoadsPersistedIndex(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	_, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	buildCalls := f.emb.Calls()

	// Second bootstrap must load the snapshot, not re-embed the corpus.
	second := New(f.emb, chunk.New(2000, 200))
	idx, err := second.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.CountBySource(index.SourceCorpus))
	assert.Equal(t, buildCalls, f.emb.Calls())
}

func TestBootstrap_CorruptIndexIsFatal(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	require.NoError(t, os.WriteFile(f.cfg.IndexPath, []byte("not sqlite"), 0o600))

	_, err := f.mgr.Bootstrap(context.Background(), f.cfg)
	assert.ErrorIs(t, err, index.ErrCorrupt)
}

func TestBootstrap_ReplaysCorrectionsOnFreshBuild(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	fl := NewFeedbackLog(f.cfg.FeedbackLogPath, nil)
	require.NoError(t, fl.Append(ctx, Record{
		Question: "accepted", Answer: "fine",
	}))
	require.NoError(t, fl.Append(ctx, Record{
		Question:   "Does Clickatell support RCS?",
		Answer:     "No.",
		Correction: "Yes, RCS is supported through Connect.",
	}))

	idx, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.CountBySource(index.SourceCorpus))
	assert.Equal(t, 1, idx.CountBySource(index.SourceFeedback),
		"only corrected records become chunks")
}

func TestBootstrap_LoadedSnapshotReplaysNothingTwice(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	_, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	require.NoError(t, f.mgr.IngestFeedback(ctx, Record{
		Question: "q", Answer: "a", Correction: "c",
	}))

	second := New(f.emb, chunk.New(2000, 200))
	idx, err := second.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.CountBySource(index.SourceFeedback),
		"persisted feedback chunks must not be ingested twice")
}

func TestBootstrap_LoadedSnapshotReplaysLogTail(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	_, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)

	// A correction that reached the log but never made it into the
	// snapshot, as when the process dies between append and persist.
	fl := NewFeedbackLog(f.cfg.FeedbackLogPath, nil)
	require.NoError(t, fl.Append(ctx, Record{
		Question:   "Does Clickatell support RCS?",
		Answer:     "No.",
		Correction: "Yes, RCS is supported through Connect.",
	}))

	second := New(f.emb, chunk.New(2000, 200))
	idx, err := second.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.CountBySource(index.SourceFeedback),
		"a correction missing from the snapshot is recovered from the log")

	// The recovered state is persisted, so a further restart sees a
	// fully caught-up snapshot and replays nothing.
	third := New(f.emb, chunk.New(2000, 200))
	idx, err = third.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.CountBySource(index.SourceFeedback))
}

func TestIngestFeedback_AcceptedRecordOnlyLogged(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	idx, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	before := idx.Len()

	require.NoError(t, f.mgr.IngestFeedback(ctx, Record{
		Question: "How do I get API keys?",
		Answer:   "From the portal.",
	}))

	assert.Equal(t, before, idx.Len(), "accepted answers do not grow the index")

	records, err := NewFeedbackLog(f.cfg.FeedbackLogPath, nil).Read()
	require.NoError(t, err)
	assert.Len(t, records, 1, "accepted answers are still logged for audit")
}

func TestIngestFeedback_CorrectionGrowsIndexInsertOnly(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	ctx := context.Background()

	idx, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)
	corpusBefore := idx.CountBySource(index.SourceCorpus)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.mgr.IngestFeedback(ctx, Record{
			Question:   "q",
			Answer:     "wrong",
			Correction: "right",
		}))
		assert.Equal(t, i+1, idx.CountBySource(index.SourceFeedback))
		assert.Equal(t, corpusBefore, idx.CountBySource(index.SourceCorpus),
			"corrections never rewrite corpus chunks")
	}
}

func TestIngestFeedback_RequiresBootstrap(t *testing.T) {
	f := newManagerFixture(t, corpusText)
	err := f.mgr.IngestFeedback(context.Background(), Record{Question: "q", Answer: "a"})
	assert.ErrorIs(t, err, ErrIngest)
}

func TestIngestFeedback_AppliesEvictionPolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := BootstrapConfig{
		CorpusPath:      filepath.Join(dir, "data.txt"),
		IndexPath:       filepath.Join(dir, "data.db"),
		FeedbackLogPath: filepath.Join(dir, "feedback.jsonl"),
	}
	require.NoError(t, os.WriteFile(cfg.CorpusPath, []byte(corpusText), 0o600))

	emb := testutil.NewMockEmbedder(8)
	mgr := New(emb, chunk.New(2000, 200),
		WithEvictionPolicy(index.MaxChunks{Limit: 2}))
	ctx := context.Background()

	idx, err := mgr.Bootstrap(ctx, cfg)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, mgr.IngestFeedback(ctx, Record{
			Question: "q", Answer: "a", Correction: "c",
		}))
	}
	assert.Equal(t, 2, idx.Len(), "eviction caps total chunks")
	assert.Equal(t, 1, idx.CountBySource(index.SourceCorpus),
		"corpus chunks survive eviction")
}

// The retrieval/feedback loop end to end: a question the corpus answers
// wrong gets corrected by a reviewer, and the correction outranks the
// stale corpus text for the same question afterwards.
func TestFeedbackLoop_CorrectionOutranksStaleCorpus(t *testing.T) {
	staleCorpus := "Clickatell supports the SMS and WhatsApp channels."
	f := newManagerFixture(t, staleCorpus)
	ctx := context.Background()

	question := "Which channels does Clickatell support?"
	rec := Record{
		Question:   question,
		Answer:     "Clickatell supports SMS and WhatsApp.",
		Correction: "Clickatell supports SMS, WhatsApp and RCS.",
	}

	// Pin similarities: the corrected passage is closest to the question.
	f.emb.SetVector(question, []float32{1, 0, 0, 0, 0, 0, 0, 0})
	f.emb.SetVector(staleCorpus, []float32{0.8, 0.6, 0, 0, 0, 0, 0, 0})
	f.emb.SetVector(rec.Passage(), []float32{0.99, 0.141, 0, 0, 0, 0, 0, 0})

	idx, err := f.mgr.Bootstrap(ctx, f.cfg)
	require.NoError(t, err)

	qvec, err := f.emb.Embed(ctx, []string{question})
	require.NoError(t, err)

	results, err := idx.Search(qvec[0], 4)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, staleCorpus, results[0].Chunk.Text)

	require.NoError(t, f.mgr.IngestFeedback(ctx, rec))

	results, err = idx.Search(qvec[0], 4)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, index.SourceFeedback, results[0].Chunk.Source)
	assert.Contains(t, results[0].Chunk.Text, "RCS")
	assert.Equal(t, staleCorpus, results[1].Chunk.Text)
}
