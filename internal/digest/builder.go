// Package digest assembles preference-ranked paper digests as plain data.
// Rendering and delivery happen elsewhere.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bull/paper-digest/internal/metadata"
	"github.com/bull/paper-digest/internal/ranking"
	"github.com/bull/paper-digest/internal/storage"
)

const (
	DefaultWindow    = 7 * 24 * time.Hour
	DefaultMaxPapers = 5

	noInsight = "No key insights provided."
)

// Source supplies the papers eligible for a digest window.
type Source interface {
	PapersForDigest(ctx context.Context, start, end time.Time) ([]*storage.Document, error)
}

// Entry is one paper in a digest.
type Entry struct {
	DocumentID    string    `json:"document_id"`
	Title         string    `json:"title"`
	Authors       []string  `json:"authors"`
	PDFURL        string    `json:"pdf_url"`
	PublishedDate time.Time `json:"published_date"`
	Score         int       `json:"score"`
	Percentage    int       `json:"percentage"`
	KeyInsight    string    `json:"key_insight"`
}

// Digest is the ranked selection for one preference list.
type Digest struct {
	Preferences []string  `json:"preferences"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Entries     []Entry   `json:"entries"`
}

// Empty reports whether the window had no eligible papers.
func (d *Digest) Empty() bool {
	return len(d.Entries) == 0
}

// SubscriberDigest pairs a digest with its recipient.
type SubscriberDigest struct {
	Email  string  `json:"email"`
	Digest *Digest `json:"digest"`
}

// Builder selects and ranks papers for digests.
type Builder struct {
	source    Source
	ranker    *ranking.Ranker
	window    time.Duration
	maxPapers int
	logger    *slog.Logger
}

// NewBuilder creates a digest builder. Non-positive window or maxPapers
// select the defaults.
func NewBuilder(source Source, ranker *ranking.Ranker, window time.Duration, maxPapers int, logger *slog.Logger) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxPapers <= 0 {
		maxPapers = DefaultMaxPapers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		source:    source,
		ranker:    ranker,
		window:    window,
		maxPapers: maxPapers,
		logger:    logger,
	}
}

// Build ranks the processed, summarized papers published in the window
// ending at now and keeps the top entries. An empty window gives an empty
// digest, not an error.
func (b *Builder) Build(ctx context.Context, preferences []string, now time.Time) (*Digest, error) {
	start := now.Add(-b.window)
	docs, err := b.source.PapersForDigest(ctx, start, now)
	if err != nil {
		return nil, fmt.Errorf("load digest papers: %w", err)
	}

	d := &Digest{
		Preferences: preferences,
		WindowStart: start,
		WindowEnd:   now,
		Entries:     []Entry{},
	}

	ranked := b.ranker.Rank(docs, preferences)
	if len(ranked) > b.maxPapers {
		ranked = ranked[:b.maxPapers]
	}
	for _, r := range ranked {
		d.Entries = append(d.Entries, Entry{
			DocumentID:    r.Document.ID,
			Title:         r.Document.Title,
			Authors:       r.Document.Authors,
			PDFURL:        r.Document.PDFURL,
			PublishedDate: r.Document.PublishedDate,
			Score:         r.Score,
			Percentage:    b.ranker.DisplayPercentage(r.Score),
			KeyInsight:    keyInsight(r.Document),
		})
	}

	b.logger.Debug("Built digest", "candidates", len(docs), "entries", len(d.Entries))
	return d, nil
}

// BuildAll builds one digest per active subscriber. A failure for one
// subscriber stops the run since every digest reads the same window.
func (b *Builder) BuildAll(ctx context.Context, subscribers []storage.Subscriber, now time.Time) ([]SubscriberDigest, error) {
	out := make([]SubscriberDigest, 0, len(subscribers))
	for _, sub := range subscribers {
		if !sub.Active {
			continue
		}
		d, err := b.Build(ctx, sub.Preferences, now)
		if err != nil {
			return nil, fmt.Errorf("digest for %s: %w", sub.Email, err)
		}
		out = append(out, SubscriberDigest{Email: sub.Email, Digest: d})
	}

	b.logger.Info("Built digests", "subscribers", len(out))
	return out, nil
}

func keyInsight(doc *storage.Document) string {
	if s, ok := doc.Summary[metadata.KeyInsights].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	if strings.TrimSpace(doc.Abstract) != "" {
		return doc.Abstract
	}
	return noInsight
}
