package main

import (
	"context"
	"fmt"
	"os/exec"

	"leaveamark.com/rag-server/internal/blob"
	"leaveamark.com/rag-server/internal/chunker"
	"leaveamark.com/rag-server/internal/config"
	"leaveamark.com/rag-server/internal/core"
	"leaveamark.com/rag-server/internal/embedding"
	"leaveamark.com/rag-server/internal/extract"
	"leaveamark.com/rag-server/internal/lock"
	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
)

const seedLockKey = "rag-server:seed-lock"

// provider is an LLM backend that can both embed and generate.
type provider interface {
	embedding.Embedder
	core.Generator
}

// app holds the wired services shared by every command.
type app struct {
	cfg *config.Config
	log *logger.Logger

	store  store.Store
	ingest *core.IngestService
	chat   *core.ChatService
	seed   *core.SeedService

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	s, err := openStore(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	blobs, err := openBlobs(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	if c, ok := blobs.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	locker, closeLocker, err := openLocker(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeLocker)

	llm, err := openProvider(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	if c, ok := llm.(interface{ Close() }); ok {
		a.closers = append(a.closers, func() error { c.Close(); return nil })
	}

	if _, err := exec.LookPath(cfg.PDFToTextPath); err != nil {
		a.log.Warn("pdftotext not found, PDF uploads will fail", "path", cfg.PDFToTextPath, "install", extract.InstallInstructions())
	}
	extractor := extract.New(extract.WithPDFToText(cfg.PDFToTextPath))

	embedder := embedding.NewClient(llm, embedding.DefaultOptions(), a.log.With("component", "embedding"))

	a.ingest = core.NewIngestService(s, blobs, extractor, embedder, core.IngestOptions{
		Chunking: chunker.Options{TargetSize: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		Pacing:   cfg.EmbedPacing,
		Timeout:  cfg.IngestTimeout,
	}, a.log)

	retriever := core.NewFallbackRetriever(
		core.NewIndexedRetriever(s, a.log),
		core.NewBruteForceRetriever(s, a.log),
		a.log,
	)
	search := core.NewSearchService(embedder, retriever, a.log)
	a.chat = core.NewChatService(search, llm, a.log)
	a.seed = core.NewSeedService(s, a.ingest, locker, a.log)
	return nil
}

// Close waits for background ingestions and releases resources in reverse
// order of acquisition.
func (a *app) Close() {
	if a.ingest != nil {
		a.ingest.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Failed to close resource", "error", err)
		}
	}
	a.log.Sync()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.EmbeddingDim, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		return s, nil
	}
}

func openBlobs(ctx context.Context, cfg *config.Config, log *logger.Logger) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BlobGCS:
		g, err := blob.NewGCS(ctx, cfg.GCSBucket, "", log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCS blob store: %w", err)
		}
		return g, nil
	default:
		l, err := blob.NewLocal(cfg.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize blob directory: %w", err)
		}
		return l, nil
	}
}

// openLocker returns a Redis lease when REDIS_URL is set, otherwise a
// process-local lock.
func openLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (lock.Locker, func() error, error) {
	if cfg.RedisURL == "" {
		log.Debug("REDIS_URL not set, seed lock is process-local")
		return lock.NewLocal(), func() error { return nil }, nil
	}
	l, client, err := lock.NewRedisFromURL(ctx, cfg.RedisURL, seedLockKey, cfg.SeedLockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize redis seed lock: %w", err)
	}
	return l, client.Close, nil
}

func openProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (provider, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		p, err := core.NewOpenAIService(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, cfg.EmbeddingModel, cfg.EmbeddingDim, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		p, err := core.NewLLMService(ctx, cfg.GeminiAPIKey, cfg.ChatModel, cfg.EmbeddingModel, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
