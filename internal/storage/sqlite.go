package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bull/paper-digest/internal/storage/migrations"
)

// timeLayout keeps stored timestamps lexicographically ordered.
const timeLayout = "2006-01-02T15:04:05Z"

// SQLiteStorage is the relational catalog: papers and their flags, chunk
// vectors, subscribers and pipeline runs.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

var _ VectorRepository = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (creating if needed) the database at path and runs
// pending migrations.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStorage{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Health pings the database.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStorageFailure, err)
	}
	return nil
}

// migrate applies every *.up.sql file newer than the recorded version.
func (s *SQLiteStorage) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, formatTime(time.Now())); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}

	return nil
}

// ==================== Documents ====================

const paperColumns = `id, title, abstract, authors, categories, pdf_url, published_date,
	full_text, sections, summary, pdf_downloaded, processed, embedding_created,
	summary_generated, fetched_at`

// UpsertDocument stores or replaces a paper, including its flags.
func (s *SQLiteStorage) UpsertDocument(ctx context.Context, doc *Document) error {
	authors, err := marshalJSON(doc.Authors, "[]")
	if err != nil {
		return fmt.Errorf("%w: marshalling authors: %v", ErrStorageFailure, err)
	}
	categories, err := marshalJSON(doc.Categories, "[]")
	if err != nil {
		return fmt.Errorf("%w: marshalling categories: %v", ErrStorageFailure, err)
	}
	sections, err := marshalJSON(doc.Sections, "{}")
	if err != nil {
		return fmt.Errorf("%w: marshalling sections: %v", ErrStorageFailure, err)
	}
	summary, err := marshalJSON(doc.Summary, "{}")
	if err != nil {
		return fmt.Errorf("%w: marshalling summary: %v", ErrStorageFailure, err)
	}

	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO papers (`+paperColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			abstract = excluded.abstract,
			authors = excluded.authors,
			categories = excluded.categories,
			pdf_url = excluded.pdf_url,
			published_date = excluded.published_date,
			full_text = excluded.full_text,
			sections = excluded.sections,
			summary = excluded.summary,
			pdf_downloaded = excluded.pdf_downloaded,
			processed = excluded.processed,
			embedding_created = excluded.embedding_created,
			summary_generated = excluded.summary_generated
	`, doc.ID, doc.Title, doc.Abstract, authors, categories, doc.PDFURL,
		nullTime(doc.PublishedDate), doc.FullText, sections, summary,
		doc.Flags.PDFDownloaded, doc.Flags.Parsed, doc.Flags.Embedded, doc.Flags.Summarized,
		formatTime(doc.FetchedAt))
	if err != nil {
		return fmt.Errorf("%w: saving paper %s: %v", ErrStorageFailure, doc.ID, err)
	}
	return nil
}

// GetDocument retrieves a paper by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paperColumns+` FROM papers WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return doc, nil
}

// PendingEmbedding returns parsed papers that have no embeddings yet.
func (s *SQLiteStorage) PendingEmbedding(ctx context.Context, limit int) ([]*Document, error) {
	return s.queryDocuments(ctx, `
		SELECT `+paperColumns+` FROM papers
		WHERE processed = 1 AND embedding_created = 0
		ORDER BY fetched_at, id
		LIMIT ?`, limit)
}

// PendingSummarization returns papers with full text but no summary.
func (s *SQLiteStorage) PendingSummarization(ctx context.Context, limit int) ([]*Document, error) {
	return s.queryDocuments(ctx, `
		SELECT `+paperColumns+` FROM papers
		WHERE full_text <> '' AND summary_generated = 0
		ORDER BY fetched_at, id
		LIMIT ?`, limit)
}

// PapersForDigest returns processed and summarized papers published in
// [start, end], newest first.
func (s *SQLiteStorage) PapersForDigest(ctx context.Context, start, end time.Time) ([]*Document, error) {
	return s.queryDocuments(ctx, `
		SELECT `+paperColumns+` FROM papers
		WHERE published_date BETWEEN ? AND ?
		  AND processed = 1
		  AND summary_generated = 1
		ORDER BY published_date DESC, id`, formatTime(start), formatTime(end))
}

// KeywordSearch is a plain substring search over title and abstract, newest
// first. It works without any embeddings.
func (s *SQLiteStorage) KeywordSearch(ctx context.Context, query string, limit int) ([]*Document, error) {
	like := "%" + escapeLike(query) + "%"
	return s.queryDocuments(ctx, `
		SELECT `+paperColumns+` FROM papers
		WHERE title LIKE ? ESCAPE '\' OR abstract LIKE ? ESCAPE '\'
		ORDER BY published_date DESC, id
		LIMIT ?`, like, like, limit)
}

// MarkEmbedded sets the embedded flag of a paper.
func (s *SQLiteStorage) MarkEmbedded(ctx context.Context, id string, embedded bool) error {
	return s.updateFlag(ctx, `UPDATE papers SET embedding_created = ? WHERE id = ?`, embedded, id)
}

// SaveSummary stores a structured summary and sets the summarized flag.
func (s *SQLiteStorage) SaveSummary(ctx context.Context, id string, summary map[string]any) error {
	data, err := marshalJSON(summary, "{}")
	if err != nil {
		return fmt.Errorf("%w: marshalling summary: %v", ErrStorageFailure, err)
	}
	return s.updateFlag(ctx, `UPDATE papers SET summary = ?, summary_generated = 1 WHERE id = ?`, data, id)
}

func (s *SQLiteStorage) updateFlag(ctx context.Context, query string, value any, id string) error {
	res, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("%w: updating paper %s: %v", ErrStorageFailure, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// Stats counts papers per stage and stored chunks.
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(processed), 0),
			COALESCE(SUM(embedding_created), 0),
			COALESCE(SUM(summary_generated), 0)
		FROM papers`).Scan(&st.TotalPapers, &st.ProcessedPapers, &st.EmbeddedPapers, &st.SummarizedPapers)
	if err != nil {
		return nil, fmt.Errorf("%w: counting papers: %v", ErrStorageFailure, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&st.TotalChunks); err != nil {
		return nil, fmt.Errorf("%w: counting chunks: %v", ErrStorageFailure, err)
	}
	return &st, nil
}

func (s *SQLiteStorage) queryDocuments(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying papers: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var docs []*Document //nolint:prealloc // size unknown from query
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning paper: %v", ErrStorageFailure, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating papers: %v", ErrStorageFailure, err)
	}
	return docs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var authors, categories, sections, summary, fetched string
	var published sql.NullString
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Abstract, &authors, &categories, &doc.PDFURL,
		&published, &doc.FullText, &sections, &summary,
		&doc.Flags.PDFDownloaded, &doc.Flags.Parsed, &doc.Flags.Embedded, &doc.Flags.Summarized,
		&fetched); err != nil {
		return nil, err
	}

	// Unparseable JSON columns degrade to empty values.
	if json.Unmarshal([]byte(authors), &doc.Authors) != nil {
		doc.Authors = nil
	}
	if json.Unmarshal([]byte(categories), &doc.Categories) != nil {
		doc.Categories = nil
	}
	if json.Unmarshal([]byte(sections), &doc.Sections) != nil {
		doc.Sections = nil
	}
	if json.Unmarshal([]byte(summary), &doc.Summary) != nil {
		doc.Summary = nil
	}
	if published.Valid {
		doc.PublishedDate = parseTime(published.String)
	}
	doc.FetchedAt = parseTime(fetched)
	return &doc, nil
}

// ==================== Chunks ====================

// StoreChunk writes a single chunk row; a failure leaves other rows untouched.
func (s *SQLiteStorage) StoreChunk(ctx context.Context, chunk Chunk) error {
	if err := checkDimension(chunk.Embedding); err != nil {
		return fmt.Errorf("%w: chunk %s#%d: %w", ErrStorageFailure, chunk.DocumentID, chunk.Index, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (paper_id, chunk_index, chunk_text, chunk_type, embedding, dimension, provenance)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(paper_id, chunk_index) DO UPDATE SET
			chunk_text = excluded.chunk_text,
			chunk_type = excluded.chunk_type,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			provenance = excluded.provenance
	`, chunk.DocumentID, chunk.Index, chunk.Text, chunk.Type,
		EncodeEmbedding(chunk.Embedding), len(chunk.Embedding), chunk.Provenance)
	if err != nil {
		return fmt.Errorf("%w: saving chunk %s#%d: %v", ErrStorageFailure, chunk.DocumentID, chunk.Index, err)
	}
	return nil
}

// DeleteChunks removes all chunks of a paper.
func (s *SQLiteStorage) DeleteChunks(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE paper_id = ?`, documentID); err != nil {
		return fmt.Errorf("%w: deleting chunks of %s: %v", ErrStorageFailure, documentID, err)
	}
	return nil
}

// Chunks returns the chunks of one paper ordered by index.
func (s *SQLiteStorage) Chunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT paper_id, chunk_index, chunk_text, chunk_type, embedding, provenance
		FROM embeddings WHERE paper_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying chunks: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating chunks: %v", ErrStorageFailure, err)
	}
	return chunks, nil
}

// Vectors streams every chunk row; rows are decoded one at a time.
func (s *SQLiteStorage) Vectors(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT paper_id, chunk_index, chunk_text, chunk_type, embedding, provenance
			FROM embeddings ORDER BY rowid`)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("%w: querying vectors: %v", ErrStorageFailure, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil && !errors.Is(err, ErrMalformedVector) {
				yield(Chunk{}, err)
				return
			}
			if !yield(c, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Chunk{}, fmt.Errorf("%w: iterating vectors: %v", ErrStorageFailure, err))
		}
	}
}

// scanChunk returns the chunk with a nil Embedding and an ErrMalformedVector
// error when the stored blob is unusable.
func scanChunk(row scanner) (Chunk, error) {
	var c Chunk
	var blob []byte
	if err := row.Scan(&c.DocumentID, &c.Index, &c.Text, &c.Type, &blob, &c.Provenance); err != nil {
		return Chunk{}, fmt.Errorf("%w: scanning chunk: %v", ErrStorageFailure, err)
	}
	vec, err := DecodeEmbedding(blob)
	if err != nil {
		return c, fmt.Errorf("chunk %s#%d: %w", c.DocumentID, c.Index, err)
	}
	c.Embedding = vec
	return c, nil
}

// ==================== Subscribers ====================

// SetPreferences creates or reactivates a subscriber and replaces their
// keywords wholesale. Keywords are trimmed and deduplicated case-insensitively.
func (s *SQLiteStorage) SetPreferences(ctx context.Context, email string, keywords []string) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: %q is not an email address", ErrInvalidSubscriber, email)
	}

	prefs, err := json.Marshal(NormalizeKeywords(keywords))
	if err != nil {
		return fmt.Errorf("%w: marshalling preferences: %v", ErrStorageFailure, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscribers (email, preferences, is_active, joined_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(email) DO UPDATE SET
			preferences = excluded.preferences,
			is_active = 1
	`, email, string(prefs), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: saving subscriber: %v", ErrStorageFailure, err)
	}
	return nil
}

// Unsubscribe deactivates a subscriber, keeping their preferences.
func (s *SQLiteStorage) Unsubscribe(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscribers SET is_active = 0 WHERE email = ?`, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("%w: unsubscribing: %v", ErrStorageFailure, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s is not subscribed", ErrInvalidSubscriber, email)
	}
	return nil
}

// ActiveSubscribers returns every active subscriber ordered by email.
func (s *SQLiteStorage) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, preferences, is_active, joined_at
		FROM subscribers WHERE is_active = 1 ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying subscribers: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		var prefs, joined string
		if err := rows.Scan(&sub.Email, &prefs, &sub.Active, &joined); err != nil {
			return nil, fmt.Errorf("%w: scanning subscriber: %v", ErrStorageFailure, err)
		}
		if json.Unmarshal([]byte(prefs), &sub.Preferences) != nil {
			sub.Preferences = nil
		}
		sub.JoinedAt = parseTime(joined)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating subscribers: %v", ErrStorageFailure, err)
	}
	return subs, nil
}

// Subscriber returns one subscriber, active or not.
func (s *SQLiteStorage) Subscriber(ctx context.Context, email string) (*Subscriber, error) {
	var sub Subscriber
	var prefs, joined string
	err := s.db.QueryRowContext(ctx, `
		SELECT email, preferences, is_active, joined_at
		FROM subscribers WHERE email = ?`, strings.TrimSpace(email)).Scan(&sub.Email, &prefs, &sub.Active, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not subscribed", ErrInvalidSubscriber, email)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading subscriber: %v", ErrStorageFailure, err)
	}
	if json.Unmarshal([]byte(prefs), &sub.Preferences) != nil {
		sub.Preferences = nil
	}
	sub.JoinedAt = parseTime(joined)
	return &sub, nil
}

// NormalizeKeywords trims keywords and drops blanks and case-insensitive
// duplicates, keeping the first spelling.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		key := strings.ToLower(k)
		if k == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, k)
	}
	return out
}

// ==================== Pipeline runs ====================

// RecordRun stores a finished pipeline run.
func (s *SQLiteStorage) RecordRun(ctx context.Context, run *PipelineRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, started_at, ended_at, papers_total, papers_embedded,
			chunks_stored, chunks_failed, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, formatTime(run.StartedAt), nullTime(run.EndedAt), run.PapersTotal, run.PapersEmbedded,
		run.ChunksStored, run.ChunksFailed, run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("%w: saving pipeline run: %v", ErrStorageFailure, err)
	}
	return nil
}

// LastRun returns the most recent pipeline run, or nil when none was recorded.
func (s *SQLiteStorage) LastRun(ctx context.Context) (*PipelineRun, error) {
	var run PipelineRun
	var started string
	var ended sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, papers_total, papers_embedded, chunks_stored,
			chunks_failed, status, error
		FROM pipeline_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(
		&run.ID, &started, &ended, &run.PapersTotal, &run.PapersEmbedded, &run.ChunksStored,
		&run.ChunksFailed, &run.Status, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading last run: %v", ErrStorageFailure, err)
	}
	run.StartedAt = parseTime(started)
	if ended.Valid {
		run.EndedAt = parseTime(ended.String)
	}
	return &run, nil
}

// ==================== helpers ====================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
