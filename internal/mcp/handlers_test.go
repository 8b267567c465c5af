package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/paper-digest/internal/digest"
	"github.com/bull/paper-digest/internal/search"
	"github.com/bull/paper-digest/internal/storage"
)

type fakeSearcher struct {
	results []search.Result
	err     error
	gotMax  int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, maxResults int) ([]search.Result, error) {
	f.gotMax = maxResults
	return f.results, f.err
}

type fakeDocs map[string]*storage.Document

func (f fakeDocs) GetDocument(_ context.Context, id string) (*storage.Document, error) {
	if d, ok := f[id]; ok {
		return d, nil
	}
	return nil, storage.ErrDocumentNotFound
}

type fakeDigest struct {
	d   *digest.Digest
	now time.Time
}

func (f *fakeDigest) Build(_ context.Context, prefs []string, now time.Time) (*digest.Digest, error) {
	f.now = now
	f.d.Preferences = prefs
	return f.d, nil
}

type fakeStatus struct {
	stats *storage.Stats
	run   *storage.PipelineRun
}

func (f *fakeStatus) Stats(context.Context) (*storage.Stats, error) { return f.stats, nil }

func (f *fakeStatus) LastRun(context.Context) (*storage.PipelineRun, error) { return f.run, nil }

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

func TestSearchHandler(t *testing.T) {
	s := &fakeSearcher{results: []search.Result{{DocumentID: "a", Similarity: 0.9}}}
	h := makeSearchHandler(s)

	_, out, err := h(context.Background(), nil, SearchPapersInput{Query: "rag"})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxResults, s.gotMax)
	require.Len(t, out.Results, 1)
	assert.Empty(t, out.Message)

	_, _, err = h(context.Background(), nil, SearchPapersInput{Query: "rag", MaxResults: 100})
	require.NoError(t, err)
	assert.Equal(t, maxMaxResults, s.gotMax)
}

func TestSearchHandler_EmptyAndUnavailable(t *testing.T) {
	_, out, err := makeSearchHandler(&fakeSearcher{})(context.Background(), nil, SearchPapersInput{Query: "x"})
	require.NoError(t, err)
	assert.NotNil(t, out.Results)
	assert.NotEmpty(t, out.Message)

	_, _, err = makeSearchHandler(&fakeSearcher{err: search.ErrSearchUnavailable})(context.Background(), nil, SearchPapersInput{Query: "x"})
	assert.ErrorIs(t, err, search.ErrSearchUnavailable)
}

func TestGetPaperHandler(t *testing.T) {
	published := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	docs := fakeDocs{"a": {ID: "a", Title: "A", PublishedDate: published, Flags: storage.Flags{Embedded: true}}}
	h := makeGetPaperHandler(docs)

	_, out, err := h(context.Background(), nil, GetPaperInput{ID: "a"})
	require.NoError(t, err)
	assert.True(t, out.Found)
	assert.Equal(t, "A", out.Title)
	require.NotNil(t, out.PublishedDate)
	assert.True(t, out.PublishedDate.Equal(published))
	assert.True(t, out.Embedded)

	_, out, err = h(context.Background(), nil, GetPaperInput{ID: "missing"})
	require.NoError(t, err)
	assert.False(t, out.Found)
	assert.Equal(t, "missing", out.ID)
}

func TestRankHandler(t *testing.T) {
	fixed := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	b := &fakeDigest{d: &digest.Digest{Entries: []digest.Entry{}}}
	h := makeRankHandler(b, func() time.Time { return fixed })

	_, out, err := h(context.Background(), nil, RankPapersInput{Preferences: []string{"rag"}})
	require.NoError(t, err)
	assert.Equal(t, fixed, b.now)
	assert.Equal(t, []string{"rag"}, out.Digest.Preferences)
	assert.NotEmpty(t, out.Message)
}

func TestStatusHandler(t *testing.T) {
	started := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	st := &fakeStatus{
		stats: &storage.Stats{TotalPapers: 4, ProcessedPapers: 3, EmbeddedPapers: 1, TotalChunks: 9},
		run:   &storage.PipelineRun{StartedAt: started, Status: storage.RunStatusPartial},
	}

	_, out, err := makeStatusHandler(st, "feature-hash")(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.Equal(t, 4, out.TotalPapers)
	assert.Equal(t, 9, out.TotalChunks)
	assert.Equal(t, "feature-hash", out.Provenance)
	assert.Equal(t, "2025-06-01T08:00:00Z", out.LastRunAt)
	assert.Equal(t, storage.RunStatusPartial, out.LastRunStatus)
	assert.Contains(t, out.PendingWarning, "2 parsed papers")

	st.run = nil
	st.stats = &storage.Stats{}
	_, out, err = makeStatusHandler(st, "feature-hash")(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.Empty(t, out.LastRunAt)
	assert.Empty(t, out.PendingWarning)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(fakeHealth{}, "sqlite")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "sqlite", resp.Backend)

	rec = httptest.NewRecorder()
	NewHealthHandler(fakeHealth{err: errors.New("down")}, "qdrant")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "disconnected", resp.Storage)
}

func TestNewServer_RegistersTools(t *testing.T) {
	s := NewServer(&Config{
		Search:     &fakeSearcher{},
		Documents:  fakeDocs{},
		Digest:     &fakeDigest{d: &digest.Digest{}},
		Status:     &fakeStatus{stats: &storage.Stats{}},
		Provenance: "feature-hash",
	})
	assert.NotNil(t, s.MCPServer())
}
