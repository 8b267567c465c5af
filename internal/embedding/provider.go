// Package embedding turns text into fixed-length vectors.
//
// Two strategies implement Provider: ModelEmbedder delegates to a pretrained
// model behind an OpenAI-compatible API, FeatureHashEmbedder builds a
// deterministic feature vector locally. The strategy is chosen once by
// NewProvider and stays fixed for the process lifetime.
package embedding

import (
	"context"
	"log/slog"

	"github.com/bull/paper-digest/internal/config"
)

// Dimension is the length of every stored and query vector.
// This matches storage.VectorDimension (384).
const Dimension = 384

// Provider converts text into a vector of length Dimension.
// Embed is deterministic for identical input.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Provenance names the strategy that produced the vectors; it is stored
	// alongside every chunk.
	Provenance() string
}

// NewProvider selects the embedding strategy from configuration and logs the
// decision. The model path is used when configured explicitly, or in auto mode
// when an API key is present.
func NewProvider(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.UseModel() {
		p := NewFeatureHashEmbedder()
		logger.Info("Embedding provider selected",
			"kind", "feature-hash",
			"provenance", p.Provenance(),
			"dimension", Dimension,
			"reason", fallbackReason(cfg),
		)
		return p, nil
	}

	client, err := NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIRPS)
	if err != nil {
		return nil, err
	}
	p := NewModelEmbedder(client, cfg.EmbeddingModel, 0)
	logger.Info("Embedding provider selected",
		"kind", "model",
		"provenance", p.Provenance(),
		"dimension", Dimension,
	)
	return p, nil
}

func fallbackReason(cfg *config.Config) string {
	if cfg.EmbeddingProvider == config.ProviderHash {
		return "configured"
	}
	return "no model credentials"
}
