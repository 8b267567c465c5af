// Package mcp exposes paper search, lookup and digest ranking as MCP tools.
package mcp

import (
	"time"

	"github.com/bull/paper-digest/internal/digest"
	"github.com/bull/paper-digest/internal/search"
)

// SearchPapersInput defines the input parameters for the search_papers tool.
type SearchPapersInput struct {
	// Query is the natural-language search query.
	Query string `json:"query" jsonschema:"the natural-language query to match against paper chunks"`
	// MaxResults is the maximum number of papers to return.
	MaxResults int `json:"max_results,omitempty" jsonschema:"maximum number of papers to return (1-20, default 5)"`
}

// SearchPapersOutput contains the search results.
type SearchPapersOutput struct {
	// Results holds one entry per paper, best match first.
	Results []search.Result `json:"results"`
	// Message provides informational context (e.g., "No matching papers found").
	Message string `json:"message,omitempty"`
}

// GetPaperInput defines the input parameters for the get_paper tool.
type GetPaperInput struct {
	// ID is the paper identifier (e.g. an arXiv id).
	ID string `json:"id" jsonschema:"the paper identifier, for example 2501.01234"`
}

// GetPaperOutput contains the retrieved paper.
type GetPaperOutput struct {
	Found         bool           `json:"found"`
	ID            string         `json:"id"`
	Title         string         `json:"title,omitempty"`
	Abstract      string         `json:"abstract,omitempty"`
	Authors       []string       `json:"authors,omitempty"`
	Categories    []string       `json:"categories,omitempty"`
	PDFURL        string         `json:"pdf_url,omitempty"`
	PublishedDate *time.Time     `json:"published_date,omitempty"`
	Summary       map[string]any `json:"summary,omitempty"`
	Embedded      bool           `json:"embedded"`
	Summarized    bool           `json:"summarized"`
}

// RankPapersInput defines the input parameters for the rank_papers tool.
type RankPapersInput struct {
	// Preferences are the keywords to rank by.
	Preferences []string `json:"preferences,omitempty" jsonschema:"keywords to rank recent papers by; empty keeps publication order"`
}

// RankPapersOutput is a digest preview.
type RankPapersOutput struct {
	Digest  *digest.Digest `json:"digest"`
	Message string         `json:"message,omitempty"`
}

// StatusInput defines the input parameters for the get_index_status tool.
// This tool takes no parameters.
type StatusInput struct{}

// StatusOutput reports catalog counts and the last embedding run.
type StatusOutput struct {
	TotalPapers      int    `json:"total_papers"`
	ProcessedPapers  int    `json:"processed_papers"`
	EmbeddedPapers   int    `json:"embedded_papers"`
	SummarizedPapers int    `json:"summarized_papers"`
	TotalChunks      int    `json:"total_chunks"`
	Provenance       string `json:"provenance"`
	LastRunAt        string `json:"last_run_at,omitempty"`
	LastRunStatus    string `json:"last_run_status,omitempty"`
	LastRunError     string `json:"last_run_error,omitempty"`
	// PendingWarning is set when parsed papers are still waiting for embeddings.
	PendingWarning string `json:"pending_warning,omitempty"`
}
