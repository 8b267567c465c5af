package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/paper-digest/internal/digest"
	"github.com/bull/paper-digest/internal/search"
	"github.com/bull/paper-digest/internal/storage"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 20
)

// Searcher answers similarity queries.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]search.Result, error)
}

// DocumentGetter loads a paper by ID.
type DocumentGetter interface {
	GetDocument(ctx context.Context, id string) (*storage.Document, error)
}

// DigestBuilder builds a ranked digest for a preference list.
type DigestBuilder interface {
	Build(ctx context.Context, preferences []string, now time.Time) (*digest.Digest, error)
}

// StatusSource reports catalog statistics.
type StatusSource interface {
	Stats(ctx context.Context) (*storage.Stats, error)
	LastRun(ctx context.Context) (*storage.PipelineRun, error)
}

// makeSearchHandler creates the search_papers tool handler.
func makeSearchHandler(engine Searcher) func(
	context.Context, *mcp.CallToolRequest, SearchPapersInput,
) (*mcp.CallToolResult, SearchPapersOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchPapersInput) (
		*mcp.CallToolResult, SearchPapersOutput, error,
	) {
		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = defaultMaxResults
		}
		maxResults = min(maxResults, maxMaxResults)

		results, err := engine.Search(ctx, input.Query, maxResults)
		if err != nil {
			if errors.Is(err, search.ErrSearchUnavailable) {
				return nil, SearchPapersOutput{}, fmt.Errorf("search unavailable: %w", err)
			}
			return nil, SearchPapersOutput{}, fmt.Errorf("search failed: %w", err)
		}

		if len(results) == 0 {
			return nil, SearchPapersOutput{
				Results: []search.Result{},
				Message: "No matching papers found. Run the embed command if the index is empty.",
			}, nil
		}
		return nil, SearchPapersOutput{Results: results}, nil
	}
}

// makeGetPaperHandler creates the get_paper tool handler.
func makeGetPaperHandler(docs DocumentGetter) func(
	context.Context, *mcp.CallToolRequest, GetPaperInput,
) (*mcp.CallToolResult, GetPaperOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetPaperInput) (
		*mcp.CallToolResult, GetPaperOutput, error,
	) {
		doc, err := docs.GetDocument(ctx, input.ID)
		if err != nil {
			if errors.Is(err, storage.ErrDocumentNotFound) {
				return nil, GetPaperOutput{Found: false, ID: input.ID}, nil
			}
			return nil, GetPaperOutput{}, fmt.Errorf("failed to fetch paper: %w", err)
		}

		out := GetPaperOutput{
			Found:      true,
			ID:         doc.ID,
			Title:      doc.Title,
			Abstract:   doc.Abstract,
			Authors:    doc.Authors,
			Categories: doc.Categories,
			PDFURL:     doc.PDFURL,
			Summary:    doc.Summary,
			Embedded:   doc.Flags.Embedded,
			Summarized: doc.Flags.Summarized,
		}
		if !doc.PublishedDate.IsZero() {
			published := doc.PublishedDate
			out.PublishedDate = &published
		}
		return nil, out, nil
	}
}

// makeRankHandler creates the rank_papers tool handler.
func makeRankHandler(builder DigestBuilder, now func() time.Time) func(
	context.Context, *mcp.CallToolRequest, RankPapersInput,
) (*mcp.CallToolResult, RankPapersOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RankPapersInput) (
		*mcp.CallToolResult, RankPapersOutput, error,
	) {
		d, err := builder.Build(ctx, input.Preferences, now())
		if err != nil {
			return nil, RankPapersOutput{}, fmt.Errorf("failed to rank papers: %w", err)
		}
		out := RankPapersOutput{Digest: d}
		if d.Empty() {
			out.Message = "No processed papers were published in the digest window."
		}
		return nil, out, nil
	}
}

// makeStatusHandler creates the get_index_status tool handler.
func makeStatusHandler(status StatusSource, provenance string) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		stats, err := status.Stats(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("storage_error: failed to read stats: %w", err)
		}
		run, err := status.LastRun(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("storage_error: failed to read last run: %w", err)
		}

		out := StatusOutput{
			TotalPapers:      stats.TotalPapers,
			ProcessedPapers:  stats.ProcessedPapers,
			EmbeddedPapers:   stats.EmbeddedPapers,
			SummarizedPapers: stats.SummarizedPapers,
			TotalChunks:      stats.TotalChunks,
			Provenance:       provenance,
		}
		if run != nil {
			out.LastRunAt = run.StartedAt.Format(time.RFC3339)
			out.LastRunStatus = run.Status
			out.LastRunError = run.Error
		}
		if pending := stats.ProcessedPapers - stats.EmbeddedPapers; pending > 0 {
			out.PendingWarning = fmt.Sprintf("%d parsed papers have no embeddings yet.", pending)
		}
		return nil, out, nil
	}
}
