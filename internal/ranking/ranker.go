// Package ranking scores papers against a subscriber's keyword preferences.
package ranking

import (
	"cmp"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/bull/paper-digest/internal/storage"
)

// Ranked is a document with its preference score.
type Ranked struct {
	Document *storage.Document
	Score    int
}

// Ranker counts preference keywords present in a paper. Vocabulary is the
// curated keyword list; its size is the maximum attainable score.
type Ranker struct {
	vocabulary []string
}

// NewRanker creates a ranker over the given vocabulary.
func NewRanker(vocabulary []string) *Ranker {
	return &Ranker{vocabulary: storage.NormalizeKeywords(vocabulary)}
}

// MaxScore is the vocabulary size.
func (r *Ranker) MaxScore() int {
	return len(r.vocabulary)
}

// Rank scores every document and returns them by descending score. Documents
// with equal scores keep their input order, and unmatched documents stay in
// the output with score 0.
func (r *Ranker) Rank(docs []*storage.Document, preferences []string) []Ranked {
	prefs := distinctLower(preferences)

	ranked := make([]Ranked, len(docs))
	for i, doc := range docs {
		ranked[i] = Ranked{Document: doc, Score: Score(doc, prefs)}
	}

	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return ranked
}

// DisplayPercentage maps a score onto 0..100 relative to MaxScore.
func (r *Ranker) DisplayPercentage(score int) int {
	k := r.MaxScore()
	if k == 0 {
		return 0
	}
	return min(100, int(math.Round(100*float64(score)/float64(k))))
}

// Score counts how many of the (already lower-cased, distinct) preferences
// occur as substrings of the document's text.
func Score(doc *storage.Document, preferences []string) int {
	haystack := Haystack(doc)
	score := 0
	for _, p := range preferences {
		if strings.Contains(haystack, p) {
			score++
		}
	}
	return score
}

// Haystack is the lower-cased title, abstract and string-valued summary
// entries. Non-string summary values are ignored.
func Haystack(doc *storage.Document) string {
	var b strings.Builder
	b.WriteString(doc.Title)
	b.WriteByte(' ')
	b.WriteString(doc.Abstract)

	// Map order is random; sort keys so the haystack is reproducible.
	keys := make([]string, 0, len(doc.Summary))
	for k := range doc.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if text, ok := doc.Summary[k].(string); ok {
			b.WriteByte(' ')
			b.WriteString(text)
		}
	}
	return strings.ToLower(b.String())
}

func distinctLower(preferences []string) []string {
	seen := make(map[string]bool, len(preferences))
	out := make([]string, 0, len(preferences))
	for _, p := range preferences {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
