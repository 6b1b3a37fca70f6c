package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/clickatell/clickybot/internal/chat"
	"github.com/clickatell/clickybot/internal/chunk"
	"github.com/clickatell/clickybot/internal/config"
	"github.com/clickatell/clickybot/internal/corpus"
	"github.com/clickatell/clickybot/internal/embed"
	"github.com/clickatell/clickybot/internal/index"
	"github.com/clickatell/clickybot/internal/log"
	"github.com/clickatell/clickybot/internal/session"
)

// app holds the wired components every command works with.
type app struct {
	cfg    *config.Config
	logger log.Logger
	emb    embed.Embedder
	mgr    *corpus.Manager
	idx    *index.Index
	gen    chat.Generator
}

// buildApp loads configuration, bootstraps the index and wires the
// generation client.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	embedder := embed.NewOpenAI(cfg.OpenAIAPIKey, cfg.EmbedderModel,
		embed.WithTimeout(timeout),
		embed.WithRateLimit(cfg.EmbedRatePerSecond),
		embed.WithLogger(logger))

	splitter := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap)

	mgr := corpus.New(embedder, splitter,
		corpus.WithLogger(logger),
		corpus.WithEvictionPolicy(evictionPolicy(cfg)))

	idx, err := mgr.Bootstrap(ctx, corpus.BootstrapConfig{
		CorpusPath:      cfg.CorpusPath,
		IndexPath:       cfg.IndexPath,
		FeedbackLogPath: cfg.FeedbackLogPath,
	})
	if err != nil {
		return nil, err
	}

	gen := chat.NewOpenAI(cfg.OpenAIAPIKey, cfg.ModelName,
		chat.WithTemperature(cfg.Temperature),
		chat.WithMaxTokens(cfg.MaxTokens),
		chat.WithTimeout(timeout),
		chat.WithLogger(logger))

	return &app{
		cfg:    cfg,
		logger: logger,
		emb:    embedder,
		mgr:    mgr,
		idx:    idx,
		gen:    gen,
	}, nil
}

func evictionPolicy(cfg *config.Config) index.EvictionPolicy {
	if cfg.EvictionPolicy == config.EvictionMaxChunks {
		return index.MaxChunks{Limit: cfg.MaxChunks}
	}
	return index.KeepAll{}
}

// newSession starts a retrieval session over the bootstrapped index.
func (a *app) newSession() *session.Session {
	return session.New(a.idx, a.emb,
		session.WithTranscriptCap(a.cfg.MaxTranscriptTurns),
		session.WithLogger(a.logger))
}
