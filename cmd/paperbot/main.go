// Package main provides the paperbot CLI for embedding, searching and
// digesting research papers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/paper-digest/internal/app"
	"github.com/bull/paper-digest/internal/config"
	"github.com/bull/paper-digest/internal/digest"
	"github.com/bull/paper-digest/internal/search"
	"github.com/bull/paper-digest/internal/storage"
)

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "paperbot",
	Short: "Research paper embedding, search and digest tool",
	Long: `CLI tool for managing the paper index and preference-ranked digests.

Environment variables:
  DATABASE_PATH       SQLite catalog path (default: ./data/ragbot.db)
  VECTOR_BACKEND      sqlite or qdrant (default: sqlite)
  QDRANT_HOST         Qdrant hostname (default: localhost)
  QDRANT_PORT         Qdrant gRPC port (default: 6334)
  EMBEDDING_PROVIDER  auto, model or hash (default: auto)
  OPENAI_API_KEY      enables model embeddings and summaries
  DIGEST_KEYWORDS     comma separated preference vocabulary`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(importCmd(), embedCmd(), summarizeCmd(), searchCmd(), digestCmd(),
		subscribeCmd(), unsubscribeCmd(), statusCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withApp opens the wired components for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// paperRecord is the import format produced by the ingestion side.
type paperRecord struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Abstract      string            `json:"abstract"`
	Authors       []string          `json:"authors"`
	Categories    []string          `json:"categories"`
	PDFURL        string            `json:"pdf_url"`
	PublishedDate time.Time         `json:"published_date"`
	FullText      string            `json:"full_text"`
	Sections      map[string]string `json:"sections"`
}

func (r paperRecord) document() *storage.Document {
	return &storage.Document{
		ID:            r.ID,
		Title:         r.Title,
		Abstract:      r.Abstract,
		Authors:       r.Authors,
		Categories:    r.Categories,
		PDFURL:        r.PDFURL,
		PublishedDate: r.PublishedDate,
		FullText:      r.FullText,
		Sections:      r.Sections,
		Flags: storage.Flags{
			PDFDownloaded: r.FullText != "",
			Parsed:        true,
		},
	}
}

// readPapers decodes a JSON array of paper records.
func readPapers(r io.Reader) ([]paperRecord, error) {
	var records []paperRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode papers: %w", err)
	}
	for i, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			return nil, fmt.Errorf("paper %d has no id", i)
		}
	}
	return records, nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <papers.json>",
		Short: "Upsert parsed papers from a JSON array (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			records, err := readPapers(in)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, rec := range records {
					if err := a.Catalog.UpsertDocument(ctx, rec.document()); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d papers\n", len(records))
				return nil
			})
		},
	}
}

func embedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed parsed papers that have no vectors yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if limit <= 0 {
					limit = a.Config.EmbedBatchLimit
				}
				result, err := a.Pipeline.EmbedPending(ctx, limit)
				if err != nil && result == nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if perr := printJSON(out, result); perr != nil {
						return perr
					}
					return err
				}

				fmt.Fprintln(out, "Embedding complete!")
				fmt.Fprintf(out, "  Papers: %d/%d\n", result.Succeeded, result.Total)
				fmt.Fprintf(out, "  Chunks: %d stored, %d failed\n", result.ChunksStored, result.ChunksFailed)
				fmt.Fprintf(out, "  Provenance: %s\n", result.Provenance)
				fmt.Fprintf(out, "  Status: %s\n", result.Status)
				fmt.Fprintf(out, "  Duration: %s\n", result.Duration.Round(time.Millisecond))
				if len(result.Failed) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Failed papers:")
					for _, f := range result.Failed {
						fmt.Fprintf(out, "  - %s: %s\n", f.ID, f.Reason)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum papers to embed (default EMBED_BATCH_LIMIT)")
	return cmd
}

func summarizeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Generate structured summaries for papers with full text",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Pipeline.SummarizePending(ctx, limit)
				if err != nil && result == nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if perr := printJSON(out, result); perr != nil {
						return perr
					}
					return err
				}
				fmt.Fprintf(out, "Summarized %d/%d papers in %s\n",
					result.Succeeded, result.Total, result.Duration.Round(time.Millisecond))
				for _, f := range result.Failed {
					fmt.Fprintf(out, "  - %s: %s\n", f.ID, f.Reason)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum papers to summarize")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		maxResults int
		keyword    bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search papers by similarity (or by keyword with --keyword)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if keyword {
					docs, err := a.Catalog.KeywordSearch(ctx, query, maxResults)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(out, docs)
					}
					for i, d := range docs {
						fmt.Fprintf(out, "%d. [%s] %s\n", i+1, d.ID, d.Title)
					}
					if len(docs) == 0 {
						fmt.Fprintln(out, "No matching papers found.")
					}
					return nil
				}

				results, err := a.Engine.Search(ctx, query, maxResults)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, results)
				}
				printResults(out, results)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&maxResults, "max", "n", 5, "maximum papers to return")
	cmd.Flags().BoolVar(&keyword, "keyword", false, "match title and abstract text instead of vectors")
	return cmd
}

func printResults(w io.Writer, results []search.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching papers found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. [%s] %s (%.3f)\n", i+1, r.DocumentID, r.Title, r.Similarity)
		fmt.Fprintf(w, "   %s: %s\n", r.ChunkType, r.ChunkExcerpt)
	}
}

func digestCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Build preference-ranked digests for active subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC()
				var digests []digest.SubscriberDigest
				if email != "" {
					sub, err := a.Catalog.Subscriber(ctx, email)
					if err != nil {
						return err
					}
					d, err := a.Digests.Build(ctx, sub.Preferences, now)
					if err != nil {
						return err
					}
					digests = append(digests, digest.SubscriberDigest{Email: sub.Email, Digest: d})
				} else {
					subs, err := a.Catalog.ActiveSubscribers(ctx)
					if err != nil {
						return err
					}
					if digests, err = a.Digests.BuildAll(ctx, subs, now); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, digests)
				}
				for _, sd := range digests {
					printDigest(out, sd)
				}
				if len(digests) == 0 {
					fmt.Fprintln(out, "No active subscribers.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "build the digest for one subscriber")
	return cmd
}

func printDigest(w io.Writer, sd digest.SubscriberDigest) {
	d := sd.Digest
	fmt.Fprintf(w, "%s (%s)\n", sd.Email, strings.Join(d.Preferences, ", "))
	if d.Empty() {
		fmt.Fprintln(w, "  No new papers this week.")
		return
	}
	for i, e := range d.Entries {
		fmt.Fprintf(w, "  %d. %s [%d%%]\n", i+1, e.Title, e.Percentage)
		fmt.Fprintf(w, "     %s\n", e.KeyInsight)
	}
}

func subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <email> <keyword>...",
		Short: "Subscribe an email with keyword preferences (replaces existing ones)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.SetPreferences(ctx, args[0], args[1:]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s\n", args[0])
				return nil
			})
		},
	}
}

func unsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <email>",
		Short: "Stop digests for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.Unsubscribe(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed %s\n", args[0])
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog counts and the last embedding run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Stats(ctx)
				if err != nil {
					return err
				}
				run, err := a.Catalog.LastRun(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, map[string]any{
						"stats":      stats,
						"last_run":   run,
						"backend":    a.Config.VectorBackend,
						"provenance": a.Provider.Provenance(),
					})
				}
				fmt.Fprintf(out, "Backend:    %s\n", a.Config.VectorBackend)
				fmt.Fprintf(out, "Provenance: %s\n", a.Provider.Provenance())
				fmt.Fprintf(out, "Papers:     %d total, %d parsed, %d embedded, %d summarized\n",
					stats.TotalPapers, stats.ProcessedPapers, stats.EmbeddedPapers, stats.SummarizedPapers)
				fmt.Fprintf(out, "Chunks:     %d\n", stats.TotalChunks)
				if run != nil {
					fmt.Fprintf(out, "Last run:   %s %s (%d/%d papers)\n",
						run.StartedAt.Format(time.RFC3339), run.Status, run.PapersEmbedded, run.PapersTotal)
				}
				return nil
			})
		},
	}
}
