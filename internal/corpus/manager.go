// Package corpus owns the lifecycle of the retrievable knowledge base:
// bootstrapping the vector index from the raw corpus file or a persisted
// snapshot, and folding reviewed agent feedback back into it.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/clickatell/clickybot/internal/chunk"
	"github.com/clickatell/clickybot/internal/embed"
	"github.com/clickatell/clickybot/internal/index"
	"github.com/clickatell/clickybot/internal/log"
)

// ErrNoData means neither a corpus file nor a persisted index exists, so
// there is nothing to answer from. Startup treats this as fatal.
var ErrNoData = errors.New("no corpus file or persisted index")

// attrFeedbackRecords is the index attribute recording how many feedback log
// records the index has consumed. Persisted with the snapshot, it lets a
// restart replay only the log tail written after the last persist.
const attrFeedbackRecords = "feedback_records"

// BootstrapConfig names the three files the manager works with.
type BootstrapConfig struct {
	CorpusPath      string
	IndexPath       string
	FeedbackLogPath string
}

// Manager builds and maintains the index. It is not safe for concurrent
// use during Bootstrap; after Bootstrap the underlying index handles its
// own locking and IngestFeedback may be called from the serving path.
type Manager struct {
	emb      embed.Embedder
	splitter *chunk.Splitter
	logger   log.Logger
	policy   index.EvictionPolicy

	feedback     *FeedbackLog
	feedbackSeen int
	idx          *index.Index
	indexPath    string
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvictionPolicy sets the policy applied after each feedback ingest.
func WithEvictionPolicy(p index.EvictionPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(emb embed.Embedder, splitter *chunk.Splitter, opts ...Option) *Manager {
	m := &Manager{
		emb:      emb,
		splitter: splitter,
		logger:   log.NewNop(),
		policy:   index.KeepAll{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Index returns the live index. Nil before a successful Bootstrap.
func (m *Manager) Index() *index.Index { return m.idx }

// Bootstrap prepares the index: a persisted snapshot is loaded when one
// exists, otherwise the index is built from the corpus file. Either way the
// feedback log is replayed afterwards; a loaded snapshot only takes the log
// tail written after it was persisted, so a correction that reached the log
// but died before the persist completed is recovered on the next start.
// When neither file exists Bootstrap fails with ErrNoData.
//
// A corrupt snapshot or one built under a different embedding model is an
// error, not a trigger for a silent rebuild; the operator decides whether
// to delete the file.
func (m *Manager) Bootstrap(ctx context.Context, cfg BootstrapConfig) (*index.Index, error) {
	m.indexPath = cfg.IndexPath
	m.feedback = NewFeedbackLog(cfg.FeedbackLogPath, m.logger)

	loaded, err := index.Load(ctx, cfg.IndexPath, m.emb.Model(), index.WithLogger(m.logger))
	switch {
	case err == nil:
		m.idx = loaded
		replayed, err := m.replayFeedback(ctx)
		if err != nil {
			m.idx = nil
			return nil, err
		}
		if replayed > 0 {
			if err := m.PersistIndex(ctx); err != nil {
				m.idx = nil
				return nil, err
			}
		}
		m.logger.Info("loaded persisted index",
			"path", cfg.IndexPath,
			"chunks", m.idx.Len(),
			"feedback_chunks", m.idx.CountBySource(index.SourceFeedback),
			"replayed", replayed)
		return m.idx, nil
	case errors.Is(err, index.ErrNotFound):
		// Fall through to a fresh build.
	default:
		return nil, err
	}

	raw, err := os.ReadFile(cfg.CorpusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: tried %s and %s",
				ErrNoData, cfg.IndexPath, cfg.CorpusPath)
		}
		return nil, fmt.Errorf("reading corpus %s: %w", cfg.CorpusPath, err)
	}

	idx, err := index.New(m.emb.Dimension(), m.emb.Model(), index.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}
	m.idx = idx

	texts := m.splitter.Split(string(raw))
	if err := m.embedAndInsert(ctx, texts, index.SourceCorpus); err != nil {
		m.idx = nil
		return nil, fmt.Errorf("indexing corpus %s: %w", cfg.CorpusPath, err)
	}
	m.logger.Info("built index from corpus",
		"path", cfg.CorpusPath, "chunks", idx.Len())

	if _, err := m.replayFeedback(ctx); err != nil {
		m.idx = nil
		return nil, err
	}

	if err := m.PersistIndex(ctx); err != nil {
		m.idx = nil
		return nil, err
	}
	return m.idx, nil
}

// replayFeedback ingests the log records the index has not consumed yet. The
// consumed count travels with the persisted snapshot, so records already
// folded in are never applied twice: a fresh build starts from zero and a
// loaded snapshot starts from wherever its last persist left off.
func (m *Manager) replayFeedback(ctx context.Context) (int, error) {
	records, err := m.feedback.Read()
	if err != nil {
		return 0, err
	}

	skip, _ := strconv.Atoi(m.idx.Attr(attrFeedbackRecords))
	if skip < 0 {
		skip = 0
	}
	if skip > len(records) {
		// The log was truncated behind our back; the snapshot already
		// holds everything it saw, so there is no tail to replay.
		skip = len(records)
	}

	replayed := 0
	for _, rec := range records[skip:] {
		if !rec.HasCorrection() {
			continue
		}
		texts := m.splitter.Split(rec.Passage())
		if err := m.embedAndInsert(ctx, texts, index.SourceFeedback); err != nil {
			return 0, fmt.Errorf("replaying feedback: %w", err)
		}
		replayed++
	}
	m.feedbackSeen = len(records)
	m.idx.SetAttr(attrFeedbackRecords, strconv.Itoa(m.feedbackSeen))

	if replayed > 0 {
		m.logger.Info("replayed feedback corrections", "records", replayed)
	}
	return replayed, nil
}

// IngestFeedback appends the record to the feedback log, and when the
// reviewer corrected the answer, folds the correction into the index and
// persists it. The log append comes first: a correction that fails to
// index is still recoverable by a rebuild.
func (m *Manager) IngestFeedback(ctx context.Context, rec Record) error {
	if m.idx == nil {
		return fmt.Errorf("%w: manager not bootstrapped", ErrIngest)
	}

	if err := m.feedback.Append(ctx, rec); err != nil {
		return err
	}
	m.feedbackSeen++
	m.idx.SetAttr(attrFeedbackRecords, strconv.Itoa(m.feedbackSeen))

	if !rec.HasCorrection() {
		return nil
	}

	texts := m.splitter.Split(rec.Passage())
	if err := m.embedAndInsert(ctx, texts, index.SourceFeedback); err != nil {
		return fmt.Errorf("%w: %v", ErrIngest, err)
	}

	if dropped := m.idx.Compact(m.policy); dropped > 0 {
		m.logger.Info("evicted chunks after ingest", "dropped", dropped)
	}

	if err := m.PersistIndex(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrIngest, err)
	}

	m.logger.Info("ingested correction",
		"question_len", len(rec.Question),
		"feedback_chunks", m.idx.CountBySource(index.SourceFeedback))
	return nil
}

// PersistIndex writes the live index to the configured path.
func (m *Manager) PersistIndex(ctx context.Context) error {
	if m.idx == nil {
		return errors.New("persist: manager not bootstrapped")
	}
	return m.idx.Persist(ctx, m.indexPath)
}

func (m *Manager) embedAndInsert(ctx context.Context, texts []string, src index.Source) error {
	if len(texts) == 0 {
		return nil
	}

	vectors, err := m.emb.Embed(ctx, texts)
	if err != nil {
		return err
	}

	chunks := make([]index.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = index.Chunk{
			ID:        uuid.NewString(),
			Text:      text,
			Embedding: vectors[i],
			Source:    src,
		}
	}
	return m.idx.Insert(chunks)
}
