package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// DefaultModel is used when no model name is configured.
	DefaultModel = "text-embedding-3-small"

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	DefaultBatchSize = 100

	// ProvenanceModelPrefix prefixes the model name in a model-backed provenance tag.
	ProvenanceModelPrefix = "model:"
)

// ModelEmbedder generates embeddings with a pretrained model served behind an
// OpenAI-compatible embeddings API. Requests are batched and retried with
// exponential backoff on rate limit errors. Output is cut to Dimension.
type ModelEmbedder struct {
	client    *Client
	model     string
	batchSize int
}

// NewModelEmbedder creates a model-backed embedder. If batchSize is 0,
// DefaultBatchSize is used; an empty model selects DefaultModel.
func NewModelEmbedder(client *Client, model string, batchSize int) *ModelEmbedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if model == "" {
		model = DefaultModel
	}
	return &ModelEmbedder{
		client:    client,
		model:     model,
		batchSize: batchSize,
	}
}

// Provenance returns "model:<name>".
func (e *ModelEmbedder) Provenance() string {
	return ProvenanceModelPrefix + e.model
}

// Embed generates the embedding of a single text.
func (e *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GenerateEmbeddings generates embeddings for the given texts, preserving order.
// Blank texts are not sent to the model and map to the zero vector.
func (e *ModelEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var pending []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, Dimension)
			continue
		}
		pending = append(pending, i)
	}

	// Process in batches
	for i := 0; i < len(pending); i += e.batchSize {
		end := min(i+e.batchSize, len(pending))
		idx := pending[i:end]

		batch := make([]string, len(idx))
		for j, k := range idx {
			batch[j] = texts[k]
		}

		embeddings, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d-%d: %v", ErrEmbeddingFailure, i, end, err)
		}
		if len(embeddings) != len(batch) {
			return nil, fmt.Errorf("%w: model returned %d vectors for %d texts",
				ErrEmbeddingFailure, len(embeddings), len(batch))
		}
		for j, k := range idx {
			vec, err := fitDimension(embeddings[j])
			if err != nil {
				return nil, err
			}
			out[k] = vec
		}
	}

	return out, nil
}

// embedBatchWithRetry generates embeddings for a single batch with retry logic.
// Retries with exponential backoff on rate limit errors (HTTP 429).
// Other errors are treated as permanent and fail immediately.
func (e *ModelEmbedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	}
	// Only the text-embedding-3 family accepts a reduced output size.
	if strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openai.Int(Dimension)
	}

	operation := func() error {
		resp, err := e.client.client.Embeddings.New(ctx, params)
		if err != nil {
			if isRateLimitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		embeddings = make([][]float32, len(resp.Data))
		for _, data := range resp.Data {
			if data.Index < 0 || int(data.Index) >= len(embeddings) {
				return backoff.Permanent(fmt.Errorf("embedding index %d out of range", data.Index))
			}
			embeddings[data.Index] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return embeddings, err
}

// fitDimension truncates a model vector to Dimension. Shorter vectors cannot
// be compared with the rest of the corpus and are rejected.
func fitDimension(vec []float32) ([]float32, error) {
	if len(vec) < Dimension {
		return nil, fmt.Errorf("%w: model returned %d dimensions, expected at least %d",
			ErrEmbeddingFailure, len(vec), Dimension)
	}
	return vec[:Dimension:Dimension], nil
}

// isRateLimitError checks if the error is a rate limit error (HTTP 429).
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 converts []float64 to []float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
