// Package indexer runs the batch stages that fill the vector store: chunk
// embedding and paper summarization.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bull/paper-digest/internal/chunking"
	"github.com/bull/paper-digest/internal/embedding"
	"github.com/bull/paper-digest/internal/storage"
)

// ErrNoSummarizer is returned by SummarizePending when no Summarizer was configured.
var ErrNoSummarizer = errors.New("no summarizer configured")

// Catalog is the relational side of storage the pipeline reads work from and
// reports progress to.
type Catalog interface {
	PendingEmbedding(ctx context.Context, limit int) ([]*storage.Document, error)
	MarkEmbedded(ctx context.Context, id string, embedded bool) error
	PendingSummarization(ctx context.Context, limit int) ([]*storage.Document, error)
	SaveSummary(ctx context.Context, id string, summary map[string]any) error
	RecordRun(ctx context.Context, run *storage.PipelineRun) error
}

// Summarizer produces the structured summary mapping of a paper.
type Summarizer interface {
	Summarize(ctx context.Context, doc *storage.Document) (map[string]any, error)
}

// batchEmbedder is implemented by providers that can embed many texts per call.
type batchEmbedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// BatchResult contains statistics about an embedding batch.
type BatchResult struct {
	RunID        string
	Total        int
	Succeeded    int
	Failed       []FailedDoc
	ChunksStored int
	ChunksFailed int
	Provenance   string
	Status       string
	Duration     time.Duration
}

// SummaryResult contains statistics about a summarization batch.
type SummaryResult struct {
	Total     int
	Succeeded int
	Failed    []FailedDoc
	Duration  time.Duration
}

// FailedDoc represents a paper that was not fully processed.
type FailedDoc struct {
	ID     string
	Reason string
}

// Pipeline embeds and summarizes pending papers.
type Pipeline struct {
	catalog    Catalog
	vectors    storage.VectorRepository
	chunker    *chunking.Chunker
	provider   embedding.Provider
	summarizer Summarizer
	logger     *slog.Logger
}

// NewPipeline creates a pipeline. vectors may be the same store as catalog.
// summarizer may be nil when summaries are not generated.
func NewPipeline(
	catalog Catalog,
	vectors storage.VectorRepository,
	chunker *chunking.Chunker,
	provider embedding.Provider,
	summarizer Summarizer,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		catalog:    catalog,
		vectors:    vectors,
		chunker:    chunker,
		provider:   provider,
		summarizer: summarizer,
		logger:     logger,
	}
}

// EmbedPending embeds up to limit parsed papers that have no embeddings yet.
// Failures are isolated per chunk and reported in the result; a paper is
// marked embedded only when every one of its chunks was stored. The run is
// recorded in the catalog.
func (p *Pipeline) EmbedPending(ctx context.Context, limit int) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{
		RunID:      uuid.NewString(),
		Provenance: p.provider.Provenance(),
	}

	docs, err := p.catalog.PendingEmbedding(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending papers: %w", err)
	}
	result.Total = len(docs)
	p.logger.Info("Starting embedding batch", "run_id", result.RunID, "papers", len(docs), "provenance", result.Provenance)

	var runErr error
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		stored, failed, err := p.embedDocument(ctx, doc)
		result.ChunksStored += stored
		result.ChunksFailed += failed
		if err != nil {
			p.logger.Warn("Failed to embed paper", "id", doc.ID, "error", err)
			result.Failed = append(result.Failed, FailedDoc{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}

	result.Duration = time.Since(start)
	result.Status = runStatus(result, runErr)
	p.recordRun(ctx, start, result, runErr)

	p.logger.Info("Embedding batch complete",
		"run_id", result.RunID,
		"status", result.Status,
		"successful", result.Succeeded,
		"failed", len(result.Failed),
		"chunks_stored", result.ChunksStored,
		"chunks_failed", result.ChunksFailed,
		"duration", result.Duration,
	)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// embedDocument replaces the chunks of one paper. It returns the number of
// chunks stored and failed.
func (p *Pipeline) embedDocument(ctx context.Context, doc *storage.Document) (int, int, error) {
	chunks, err := p.chunker.ChunkPaper(doc)
	if err != nil {
		return 0, 0, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return 0, 0, errors.New("no text to embed")
	}
	p.logger.Debug("Chunked paper", "id", doc.ID, "chunks", len(chunks))

	// Mirrors the paper into the vector store so hits can be hydrated.
	if err := p.vectors.UpsertDocument(ctx, doc); err != nil {
		return 0, 0, fmt.Errorf("store paper: %w", err)
	}
	if err := p.vectors.DeleteChunks(ctx, doc.ID); err != nil {
		return 0, 0, fmt.Errorf("delete old chunks: %w", err)
	}

	vectors := p.embedChunks(ctx, chunks)
	provenance := p.provider.Provenance()

	stored, failed := 0, 0
	for i, chunk := range chunks {
		if vectors[i] == nil {
			failed++
			continue
		}
		chunk.Embedding = vectors[i]
		chunk.Provenance = provenance
		if err := p.vectors.StoreChunk(ctx, chunk); err != nil {
			p.logger.Warn("Failed to store chunk", "id", doc.ID, "chunk", chunk.Index, "error", err)
			failed++
			continue
		}
		stored++
	}

	if failed > 0 {
		return stored, failed, fmt.Errorf("%d of %d chunks failed", failed, len(chunks))
	}
	if err := p.catalog.MarkEmbedded(ctx, doc.ID, true); err != nil {
		return stored, failed, fmt.Errorf("mark embedded: %w", err)
	}
	p.logger.Info("Embedded paper", "id", doc.ID, "chunks", stored)
	return stored, failed, nil
}

// embedChunks returns one vector per chunk; nil marks a chunk that could not
// be embedded. Batch-capable providers get one call, falling back to
// per-chunk calls when the batch fails.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []storage.Chunk) [][]float32 {
	out := make([][]float32, len(chunks))

	if b, ok := p.provider.(batchEmbedder); ok {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := b.GenerateEmbeddings(ctx, texts)
		if err == nil && len(vecs) == len(chunks) {
			return vecs
		}
		p.logger.Warn("Batch embedding failed, retrying chunk by chunk", "error", err)
	}

	for i, c := range chunks {
		vec, err := p.provider.Embed(ctx, c.Text)
		if err != nil {
			p.logger.Warn("Failed to embed chunk", "id", c.DocumentID, "chunk", c.Index, "error", err)
			continue
		}
		out[i] = vec
	}
	return out
}

func runStatus(result *BatchResult, runErr error) string {
	switch {
	case runErr != nil && result.Succeeded == 0:
		return storage.RunStatusFailed
	case runErr != nil:
		return storage.RunStatusPartial
	case len(result.Failed) == 0:
		return storage.RunStatusSuccess
	case result.Succeeded > 0:
		return storage.RunStatusPartial
	default:
		return storage.RunStatusFailed
	}
}

func (p *Pipeline) recordRun(ctx context.Context, start time.Time, result *BatchResult, runErr error) {
	run := &storage.PipelineRun{
		ID:             result.RunID,
		StartedAt:      start,
		EndedAt:        start.Add(result.Duration),
		PapersTotal:    result.Total,
		PapersEmbedded: result.Succeeded,
		ChunksStored:   result.ChunksStored,
		ChunksFailed:   result.ChunksFailed,
		Status:         result.Status,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	} else if len(result.Failed) > 0 {
		run.Error = fmt.Sprintf("%d papers failed", len(result.Failed))
	}

	// The batch may have been cancelled; the record should still land.
	if err := p.catalog.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		p.logger.Warn("Failed to record pipeline run", "run_id", run.ID, "error", err)
	}
}

// SummarizePending generates structured summaries for up to limit papers
// that have full text but no summary.
func (p *Pipeline) SummarizePending(ctx context.Context, limit int) (*SummaryResult, error) {
	if p.summarizer == nil {
		return nil, ErrNoSummarizer
	}

	start := time.Now()
	result := &SummaryResult{}

	docs, err := p.catalog.PendingSummarization(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list papers to summarize: %w", err)
	}
	result.Total = len(docs)

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		summary, err := p.summarizer.Summarize(ctx, doc)
		if err == nil {
			err = p.catalog.SaveSummary(ctx, doc.ID, summary)
		}
		if err != nil {
			p.logger.Warn("Failed to summarize paper", "id", doc.ID, "error", err)
			result.Failed = append(result.Failed, FailedDoc{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}

	result.Duration = time.Since(start)
	p.logger.Info("Summarization complete",
		"successful", result.Succeeded,
		"failed", len(result.Failed),
		"duration", result.Duration,
	)
	return result, nil
}
