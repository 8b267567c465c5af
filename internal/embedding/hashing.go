package embedding

import (
	"context"
	"strings"
	"unicode/utf8"
)

// ProvenanceFeatureHash tags vectors produced by FeatureHashEmbedder.
const ProvenanceFeatureHash = "feature-hash"

// Divisors applied to the word and character counts.
const (
	wordCountScale = 100.0
	charCountScale = 1000.0
)

// DefaultHashKeywords is the vocabulary whose presence becomes one binary feature each.
var DefaultHashKeywords = []string{"rag", "llm", "embedding", "retrieval", "transformer", "attention"}

// FeatureHashEmbedder builds vectors from surface features of the text:
// 26 letter frequencies, word and character counts, keyword presence, then
// zero padding up to Dimension. It is a degraded-mode embedding that keeps
// search working without a model; it carries no real semantics.
type FeatureHashEmbedder struct {
	keywords []string
}

// NewFeatureHashEmbedder creates a fallback embedder with DefaultHashKeywords.
func NewFeatureHashEmbedder() *FeatureHashEmbedder {
	kw := make([]string, len(DefaultHashKeywords))
	for i, k := range DefaultHashKeywords {
		kw[i] = strings.ToLower(k)
	}
	return &FeatureHashEmbedder{keywords: kw}
}

// Embed never fails.
func (e *FeatureHashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

// Provenance returns ProvenanceFeatureHash.
func (e *FeatureHashEmbedder) Provenance() string {
	return ProvenanceFeatureHash
}

func (e *FeatureHashEmbedder) vector(text string) []float32 {
	vec := make([]float32, Dimension)
	lower := strings.ToLower(text)

	length := utf8.RuneCountInString(lower)
	if length > 0 {
		var counts [26]int
		for _, r := range lower {
			if r >= 'a' && r <= 'z' {
				counts[r-'a']++
			}
		}
		for i, c := range counts {
			vec[i] = float32(float64(c) / float64(length))
		}
	}

	pos := len("abcdefghijklmnopqrstuvwxyz")
	vec[pos] = float32(float64(len(strings.Fields(lower))) / wordCountScale)
	vec[pos+1] = float32(float64(utf8.RuneCountInString(text)) / charCountScale)
	pos += 2

	for _, kw := range e.keywords {
		if pos >= Dimension {
			break
		}
		if strings.Contains(lower, kw) {
			vec[pos] = 1
		}
		pos++
	}

	return vec
}
