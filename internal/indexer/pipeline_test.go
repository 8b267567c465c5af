package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/paper-digest/internal/chunking"
	"github.com/bull/paper-digest/internal/embedding"
	"github.com/bull/paper-digest/internal/storage"
)

// flakyStore fails StoreChunk for one (document, index) pair.
type flakyStore struct {
	*storage.SQLiteStorage
	failDoc   string
	failIndex int
}

func (s *flakyStore) StoreChunk(ctx context.Context, c storage.Chunk) error {
	if c.DocumentID == s.failDoc && c.Index == s.failIndex {
		return storage.ErrStorageFailure
	}
	return s.SQLiteStorage.StoreChunk(ctx, c)
}

type fakeSummarizer struct {
	fail map[string]bool
}

func (f *fakeSummarizer) Summarize(_ context.Context, doc *storage.Document) (map[string]any, error) {
	if f.fail[doc.ID] {
		return nil, errors.New("model unavailable")
	}
	return map[string]any{"key_insights": "insight for " + doc.ID}, nil
}

func newTestStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPapers(t *testing.T, s *storage.SQLiteStorage, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.UpsertDocument(context.Background(), &storage.Document{
			ID:       id,
			Title:    "Paper " + id,
			Abstract: "Retrieval augmented generation with LLM " + id,
			FullText: "# Intro\n\nBody of " + id,
			Flags:    storage.Flags{Parsed: true},
		}))
	}
}

func TestPipeline_EmbedPending(t *testing.T) {
	s := newTestStore(t)
	seedPapers(t, s, "a", "b")
	provider := embedding.NewFeatureHashEmbedder()
	p := NewPipeline(s, s, chunking.NewChunker(), provider, nil, nil)
	ctx := context.Background()

	result, err := p.EmbedPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 6, result.ChunksStored) // title, abstract, body per paper
	assert.Equal(t, storage.RunStatusSuccess, result.Status)
	assert.Equal(t, embedding.ProvenanceFeatureHash, result.Provenance)

	for _, id := range []string{"a", "b"} {
		doc, err := s.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.True(t, doc.Flags.Embedded, id)

		chunks, err := s.Chunks(ctx, id)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.Len(t, c.Embedding, storage.VectorDimension)
			assert.Equal(t, embedding.ProvenanceFeatureHash, c.Provenance)
		}
	}

	run, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, result.RunID, run.ID)
	assert.Equal(t, 6, run.ChunksStored)

	// Nothing left to do.
	result, err = p.EmbedPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
	assert.Equal(t, storage.RunStatusSuccess, result.Status)
}

func TestPipeline_EmbedPending_IsolatesChunkFailures(t *testing.T) {
	s := newTestStore(t)
	seedPapers(t, s, "good", "bad")
	vectors := &flakyStore{SQLiteStorage: s, failDoc: "bad", failIndex: 1}
	p := NewPipeline(s, vectors, chunking.NewChunker(), embedding.NewFeatureHashEmbedder(), nil, nil)
	ctx := context.Background()

	result, err := p.EmbedPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "bad", result.Failed[0].ID)
	assert.Equal(t, 5, result.ChunksStored)
	assert.Equal(t, 1, result.ChunksFailed)
	assert.Equal(t, storage.RunStatusPartial, result.Status)

	good, err := s.GetDocument(ctx, "good")
	require.NoError(t, err)
	assert.True(t, good.Flags.Embedded)

	bad, err := s.GetDocument(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, bad.Flags.Embedded)

	// The other chunks of the failed paper are still stored.
	chunks, err := s.Chunks(ctx, "bad")
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestPipeline_EmbedPending_ReplacesOldChunks(t *testing.T) {
	s := newTestStore(t)
	seedPapers(t, s, "a")
	ctx := context.Background()

	stale := make([]float32, storage.VectorDimension)
	stale[0] = 1
	for i := range 5 {
		require.NoError(t, s.StoreChunk(ctx, storage.Chunk{DocumentID: "a", Index: i, Text: "stale", Embedding: stale}))
	}

	p := NewPipeline(s, s, chunking.NewChunker(), embedding.NewFeatureHashEmbedder(), nil, nil)
	_, err := p.EmbedPending(ctx, 10)
	require.NoError(t, err)

	chunks, err := s.Chunks(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.NotEqual(t, "stale", c.Text)
	}
}

func TestPipeline_EmbedPending_Cancelled(t *testing.T) {
	s := newTestStore(t)
	seedPapers(t, s, "a")
	p := NewPipeline(s, s, chunking.NewChunker(), embedding.NewFeatureHashEmbedder(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.EmbedPending(ctx, 10)
	assert.Error(t, err)

	doc, err := s.GetDocument(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, doc.Flags.Embedded)
}

func TestPipeline_SummarizePending(t *testing.T) {
	s := newTestStore(t)
	seedPapers(t, s, "a", "b")
	p := NewPipeline(s, s, chunking.NewChunker(), embedding.NewFeatureHashEmbedder(),
		&fakeSummarizer{fail: map[string]bool{"b": true}}, nil)
	ctx := context.Background()

	result, err := p.SummarizePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "b", result.Failed[0].ID)

	doc, err := s.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.True(t, doc.Flags.Summarized)
	assert.Equal(t, "insight for a", doc.Summary["key_insights"])
}

func TestPipeline_SummarizePending_NoSummarizer(t *testing.T) {
	s := newTestStore(t)
	p := NewPipeline(s, s, chunking.NewChunker(), embedding.NewFeatureHashEmbedder(), nil, nil)

	_, err := p.SummarizePending(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNoSummarizer)
}
