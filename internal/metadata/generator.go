// Package metadata produces structured paper summaries with a chat model.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/bull/paper-digest/internal/storage"
)

// DefaultMaxTokens is the maximum content length before truncation (in tokens).
const DefaultMaxTokens = 16000

// DefaultModel is used when no summary model is configured.
const DefaultModel = "gpt-4o"

// Summary keys stored in storage.Document.Summary.
const (
	KeyInsights    = "key_insights"
	KeyMethodology = "methodology"
	KeyResults     = "results"
)

var ErrSummaryFailed = errors.New("summary generation failed")

// PaperSummary is the structured summary of one paper.
type PaperSummary struct {
	KeyInsights string `json:"key_insights"`
	Methodology string `json:"methodology"`
	Results     string `json:"results"`
}

// Map converts the summary into the document's summary mapping.
func (s *PaperSummary) Map() map[string]any {
	return map[string]any{
		KeyInsights:    s.KeyInsights,
		KeyMethodology: s.Methodology,
		KeyResults:     s.Results,
	}
}

// Generator summarizes papers with an OpenAI chat model.
type Generator struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewGenerator creates a summary generator. An empty model selects
// DefaultModel; maxTokens <= 0 selects DefaultMaxTokens.
func NewGenerator(client *openai.Client, model string, maxTokens int, logger *slog.Logger) *Generator {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Summarize returns the structured summary of a paper as a summary mapping.
func (g *Generator) Summarize(ctx context.Context, doc *storage.Document) (map[string]any, error) {
	s, err := g.GenerateSummary(ctx, doc)
	if err != nil {
		return nil, err
	}
	return s.Map(), nil
}

// GenerateSummary asks the model for key insights, methodology and results.
func (g *Generator) GenerateSummary(ctx context.Context, doc *storage.Document) (*PaperSummary, error) {
	content := doc.FullText
	if strings.TrimSpace(content) == "" {
		content = doc.Abstract
	}
	truncated := g.truncateContent(content)

	prompt := fmt.Sprintf(`Summarize this research paper for a weekly digest. Provide:
1. key_insights: the single most important finding, in one or two sentences
2. methodology: how the authors approached the problem, in one sentence
3. results: the headline quantitative or qualitative result, in one sentence

Title: %s

Paper content:
%s

Respond in JSON format:
{"key_insights": "...", "methodology": "...", "results": "..."}`, doc.Title, truncated)

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(g.model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	var resp *openai.ChatCompletion
	operation := func() error {
		var err error
		resp, err = g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("%w: chat completion: %v", ErrSummaryFailed, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrSummaryFailed)
	}

	var summary PaperSummary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &summary); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrSummaryFailed, err)
	}
	return &summary, nil
}

// truncateContent truncates content to fit within token limits.
// Uses rough estimate of 4 characters per token.
func (g *Generator) truncateContent(content string) string {
	maxChars := g.maxTokens * 4
	if len(content) <= maxChars {
		return content
	}

	g.logger.Warn("Truncating paper content",
		"from_chars", len(content),
		"to_chars", maxChars,
		"estimated_tokens", g.maxTokens,
	)

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
