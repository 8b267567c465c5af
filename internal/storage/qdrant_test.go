//go:build integration

package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running Qdrant: go test -tags integration ./internal/storage/...
func newTestQdrant(t *testing.T) *QdrantStorage {
	t.Helper()
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p, err := strconv.Atoi(os.Getenv("QDRANT_PORT")); err == nil {
		port = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewQdrantStorage(ctx, host, port)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQdrantStorage_DocumentRoundTrip(t *testing.T) {
	s := newTestQdrant(t)
	ctx := context.Background()

	doc := &Document{
		ID:            "it-2501.00001",
		Title:         "Integration Paper",
		Abstract:      "abstract",
		Authors:       []string{"A"},
		PublishedDate: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		Summary:       map[string]any{"key_insights": "insight"},
		Flags:         Flags{Parsed: true},
	}
	require.NoError(t, s.UpsertDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.Authors, got.Authors)
	assert.Equal(t, "insight", got.Summary["key_insights"])
	assert.True(t, got.Flags.Parsed)

	_, err = s.GetDocument(ctx, "it-missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestQdrantStorage_ChunksOverwriteAndDelete(t *testing.T) {
	s := newTestQdrant(t)
	ctx := context.Background()
	docID := "it-2501.00002"
	require.NoError(t, s.DeleteChunks(ctx, docID))

	require.NoError(t, s.StoreChunk(ctx, Chunk{DocumentID: docID, Index: 0, Text: "first", Embedding: testVector(1)}))
	require.NoError(t, s.StoreChunk(ctx, Chunk{DocumentID: docID, Index: 0, Text: "second", Embedding: testVector(2)}))

	var texts []string
	for c, err := range s.Vectors(ctx) {
		require.NoError(t, err)
		if c.DocumentID == docID {
			texts = append(texts, c.Text)
			assert.Len(t, c.Embedding, VectorDimension)
		}
	}
	assert.Equal(t, []string{"second"}, texts)

	require.NoError(t, s.DeleteChunks(ctx, docID))
	for c, err := range s.Vectors(ctx) {
		require.NoError(t, err)
		assert.NotEqual(t, docID, c.DocumentID)
	}
}
