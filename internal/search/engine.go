// Package search answers similarity queries over the stored chunk vectors.
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/bull/paper-digest/internal/embedding"
	"github.com/bull/paper-digest/internal/storage"
)

// ErrSearchUnavailable means no query vector could be produced. It is distinct
// from an empty result.
var ErrSearchUnavailable = errors.New("search unavailable")

// ExcerptLength is the maximum rune length of abstract and chunk excerpts.
const ExcerptLength = 200

// Store is the read side of storage.VectorRepository used by the engine.
type Store interface {
	Vectors(ctx context.Context) iter.Seq2[storage.Chunk, error]
	GetDocument(ctx context.Context, id string) (*storage.Document, error)
}

// Result is one matching document, represented by its best chunk.
type Result struct {
	DocumentID    string    `json:"document_id"`
	Title         string    `json:"title"`
	Abstract      string    `json:"abstract"`
	PublishedDate time.Time `json:"published_date"`
	Similarity    float64   `json:"similarity"`
	ChunkIndex    int       `json:"chunk_index"`
	ChunkType     string    `json:"chunk_type"`
	ChunkExcerpt  string    `json:"chunk_excerpt"`
}

// Engine ranks stored chunks against a query by cosine similarity.
type Engine struct {
	provider embedding.Provider
	store    Store
	logger   *slog.Logger
}

// NewEngine creates a search engine. The provider must be the one that
// produced the corpus; chunks with another provenance are skipped.
func NewEngine(provider embedding.Provider, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		store:    store,
		logger:   logger,
	}
}

type scoredChunk struct {
	chunk storage.Chunk
	score float64
}

// Search returns at most maxResults documents ordered by descending
// similarity, each represented by its single best-matching chunk. Ties keep
// the order in which chunks were read. An empty corpus gives an empty result.
func (e *Engine) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	results := []Result{}
	if maxResults <= 0 {
		return results, nil
	}

	queryVec, err := e.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrSearchUnavailable, err)
	}
	if len(queryVec) != storage.VectorDimension {
		return nil, fmt.Errorf("%w: %w: query has %d dimensions, expected %d",
			ErrSearchUnavailable, storage.ErrDimensionMismatch, len(queryVec), storage.VectorDimension)
	}

	scored, err := e.scoreAll(ctx, queryVec)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(scored, func(a, b scoredChunk) int {
		return cmp.Compare(b.score, a.score)
	})

	seen := make(map[string]bool)
	for _, sc := range scored {
		if len(results) >= maxResults {
			break
		}
		docID := sc.chunk.DocumentID
		if seen[docID] {
			continue
		}
		seen[docID] = true

		doc, err := e.store.GetDocument(ctx, docID)
		if errors.Is(err, storage.ErrDocumentNotFound) {
			e.logger.Warn("Skipping hit for unknown document", "document_id", docID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hydrating %s: %w", docID, err)
		}

		results = append(results, Result{
			DocumentID:    doc.ID,
			Title:         doc.Title,
			Abstract:      Excerpt(doc.Abstract, ExcerptLength),
			PublishedDate: doc.PublishedDate,
			Similarity:    sc.score,
			ChunkIndex:    sc.chunk.Index,
			ChunkType:     sc.chunk.Type,
			ChunkExcerpt:  Excerpt(sc.chunk.Text, ExcerptLength),
		})
	}

	return results, nil
}

// scoreAll streams the corpus and scores every usable chunk.
func (e *Engine) scoreAll(ctx context.Context, queryVec []float32) ([]scoredChunk, error) {
	provenance := e.provider.Provenance()
	var scored []scoredChunk
	var malformed, foreign int

	for chunk, err := range e.store.Vectors(ctx) {
		if errors.Is(err, storage.ErrMalformedVector) {
			malformed++
			e.logger.Debug("Skipping malformed vector", "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading vectors: %w", err)
		}
		if chunk.Provenance != "" && chunk.Provenance != provenance {
			foreign++
			continue
		}

		scored = append(scored, scoredChunk{
			chunk: storage.Chunk{
				DocumentID: chunk.DocumentID,
				Index:      chunk.Index,
				Text:       chunk.Text,
				Type:       chunk.Type,
			},
			score: CosineSimilarity(queryVec, chunk.Embedding),
		})
	}

	if malformed > 0 {
		e.logger.Warn("Skipped malformed stored vectors", "count", malformed)
	}
	if foreign > 0 {
		e.logger.Warn("Skipped chunks embedded by a different provider",
			"count", foreign,
			"active_provenance", provenance,
		)
	}
	return scored, nil
}

// Excerpt truncates s to at most n runes, appending "..." when cut.
func Excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
