package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/paper-digest/internal/config"
	"github.com/bull/paper-digest/internal/ranking"
	"github.com/bull/paper-digest/internal/storage"
)

type fakeSource struct {
	docs       []*storage.Document
	err        error
	start, end time.Time
}

func (f *fakeSource) PapersForDigest(_ context.Context, start, end time.Time) ([]*storage.Document, error) {
	f.start, f.end = start, end
	return f.docs, f.err
}

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newBuilder(src Source, maxPapers int) *Builder {
	return NewBuilder(src, ranking.NewRanker(config.DefaultKeywords), 0, maxPapers, nil)
}

func TestBuild_RanksAndTruncates(t *testing.T) {
	src := &fakeSource{docs: []*storage.Document{
		{ID: "plain", Title: "Vision transformers", Abstract: "pixels"},
		{ID: "both", Title: "RAG for LLM agents", Summary: map[string]any{"key_insights": "Agents retrieve better"}},
		{ID: "one", Title: "Scaling RAG"},
	}}

	d, err := newBuilder(src, 2).Build(context.Background(), []string{"RAG", "LLM"}, now)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-7*24*time.Hour), src.start)
	assert.Equal(t, now, src.end)

	require.Len(t, d.Entries, 2)
	assert.Equal(t, "both", d.Entries[0].DocumentID)
	assert.Equal(t, 2, d.Entries[0].Score)
	assert.Equal(t, 33, d.Entries[0].Percentage)
	assert.Equal(t, "Agents retrieve better", d.Entries[0].KeyInsight)

	assert.Equal(t, "one", d.Entries[1].DocumentID)
	assert.Equal(t, 1, d.Entries[1].Score)
	assert.Equal(t, noInsight, d.Entries[1].KeyInsight)
}

func TestBuild_KeyInsightFallsBackToAbstract(t *testing.T) {
	src := &fakeSource{docs: []*storage.Document{{ID: "a", Abstract: "The abstract."}}}

	d, err := newBuilder(src, 5).Build(context.Background(), nil, now)
	require.NoError(t, err)
	require.Len(t, d.Entries, 1)
	assert.Equal(t, "The abstract.", d.Entries[0].KeyInsight)
	assert.Equal(t, 0, d.Entries[0].Percentage)
}

func TestBuild_EmptyWindow(t *testing.T) {
	d, err := newBuilder(&fakeSource{}, 5).Build(context.Background(), []string{"rag"}, now)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.NotNil(t, d.Entries)
}

func TestBuild_SourceError(t *testing.T) {
	_, err := newBuilder(&fakeSource{err: storage.ErrStorageFailure}, 5).Build(context.Background(), nil, now)
	assert.True(t, errors.Is(err, storage.ErrStorageFailure))
}

func TestBuildAll_SkipsInactive(t *testing.T) {
	src := &fakeSource{docs: []*storage.Document{
		{ID: "rag", Title: "RAG"},
		{ID: "kg", Title: "Knowledge Graph"},
	}}
	subs := []storage.Subscriber{
		{Email: "a@example.com", Preferences: []string{"knowledge graph"}, Active: true},
		{Email: "gone@example.com", Preferences: []string{"rag"}, Active: false},
		{Email: "b@example.com", Preferences: []string{"rag"}, Active: true},
	}

	out, err := newBuilder(src, 5).BuildAll(context.Background(), subs, now)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a@example.com", out[0].Email)
	assert.Equal(t, "kg", out[0].Digest.Entries[0].DocumentID)
	assert.Equal(t, "b@example.com", out[1].Email)
	assert.Equal(t, "rag", out[1].Digest.Entries[0].DocumentID)
}
