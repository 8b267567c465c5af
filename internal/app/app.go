// Package app wires storage, embedding, search, indexing and digest
// components from configuration for the command binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bull/paper-digest/internal/chunking"
	"github.com/bull/paper-digest/internal/config"
	"github.com/bull/paper-digest/internal/digest"
	"github.com/bull/paper-digest/internal/embedding"
	"github.com/bull/paper-digest/internal/indexer"
	"github.com/bull/paper-digest/internal/metadata"
	"github.com/bull/paper-digest/internal/ranking"
	"github.com/bull/paper-digest/internal/search"
	"github.com/bull/paper-digest/internal/storage"
)

// App holds the wired components. Close releases both stores.
type App struct {
	Config   *config.Config
	Catalog  *storage.SQLiteStorage
	Vectors  storage.VectorRepository
	Provider embedding.Provider
	Engine   *search.Engine
	Pipeline *indexer.Pipeline
	Digests  *digest.Builder
	Logger   *slog.Logger
}

// Open validates cfg and connects every component. The SQLite catalog is
// always opened; it doubles as the vector repository unless cfg selects
// Qdrant.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	var vectors storage.VectorRepository = catalog
	if cfg.VectorBackend == config.BackendQdrant {
		logger.Info("Connecting to Qdrant", "host", cfg.QdrantHost, "port", cfg.QdrantPort)
		q, err := storage.NewQdrantStorage(ctx, cfg.QdrantHost, cfg.QdrantPort)
		if err != nil {
			catalog.Close()
			return nil, fmt.Errorf("connect to qdrant: %w", err)
		}
		vectors = q
	}

	provider, err := embedding.NewProvider(cfg, logger)
	if err != nil {
		closeAll(catalog, vectors)
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}

	var summarizer indexer.Summarizer
	if cfg.OpenAIAPIKey != "" {
		client, err := embedding.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIRPS)
		if err != nil {
			closeAll(catalog, vectors)
			return nil, err
		}
		summarizer = metadata.NewGenerator(client.Client(), cfg.SummaryModel, 0, logger)
	}

	window := time.Duration(cfg.DigestWindowDays) * 24 * time.Hour

	return &App{
		Config:   cfg,
		Catalog:  catalog,
		Vectors:  vectors,
		Provider: provider,
		Engine:   search.NewEngine(provider, vectors, logger),
		Pipeline: indexer.NewPipeline(catalog, vectors, chunking.NewChunker(), provider, summarizer, logger),
		Digests:  digest.NewBuilder(catalog, ranking.NewRanker(cfg.Keywords), window, cfg.DigestMaxPapers, logger),
		Logger:   logger,
	}, nil
}

// chunkCounter is implemented by vector backends that keep chunks outside
// the catalog.
type chunkCounter interface {
	CountChunks(ctx context.Context) (uint64, error)
}

// Stats returns catalog counts. TotalChunks comes from the vector backend
// when it is not the catalog.
func (a *App) Stats(ctx context.Context) (*storage.Stats, error) {
	stats, err := a.Catalog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if counter, ok := a.Vectors.(chunkCounter); ok {
		n, err := counter.CountChunks(ctx)
		if err != nil {
			return nil, err
		}
		stats.TotalChunks = int(n)
	}
	return stats, nil
}

// LastRun returns the most recent embedding run, or nil.
func (a *App) LastRun(ctx context.Context) (*storage.PipelineRun, error) {
	return a.Catalog.LastRun(ctx)
}

// Close releases the vector repository and the catalog.
func (a *App) Close() error {
	return closeAll(a.Catalog, a.Vectors)
}

func closeAll(catalog *storage.SQLiteStorage, vectors storage.VectorRepository) error {
	var vecErr error
	if vectors != storage.VectorRepository(catalog) {
		vecErr = vectors.Close()
	}
	if err := catalog.Close(); err != nil {
		return err
	}
	return vecErr
}
