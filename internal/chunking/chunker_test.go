package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bull/paper-digest/internal/storage"
)

// TestSplitMarkdown_BasicHeaders tests splitting with H1 and multiple H2s.
func TestSplitMarkdown_BasicHeaders(t *testing.T) {
	input := `# Method

Overview of the method.

## Training

Training details here.

## Evaluation

Evaluation details here.
`

	sections, err := NewChunker().SplitMarkdown([]byte(input))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}

	expected := []Section{
		{HeaderPath: "# Method", Content: "Overview of the method."},
		{HeaderPath: "# Method > ## Training", Content: "Training details here."},
		{HeaderPath: "# Method > ## Evaluation", Content: "Evaluation details here."},
	}
	if len(sections) != len(expected) {
		t.Fatalf("Expected %d sections, got %d: %+v", len(expected), len(sections), sections)
	}
	for i, want := range expected {
		if sections[i] != want {
			t.Errorf("Section %d: expected %+v, got %+v", i, want, sections[i])
		}
	}
}

// TestSplitMarkdown_NoOverlap verifies a parent heading does not swallow its children.
func TestSplitMarkdown_NoOverlap(t *testing.T) {
	input := `# First

First content.

## First Child

Child content.

# Second

Second content.
`

	sections, err := NewChunker().SplitMarkdown([]byte(input))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}
	if len(sections) != 3 {
		t.Fatalf("Expected 3 sections, got %d", len(sections))
	}
	if strings.Contains(sections[0].Content, "Child content") {
		t.Errorf("First section contains child content: %q", sections[0].Content)
	}
	if strings.Contains(sections[1].Content, "#") {
		t.Errorf("Child section leaks heading markers: %q", sections[1].Content)
	}
	if sections[2].HeaderPath != "# Second" {
		t.Errorf("Expected '# Second', got %q", sections[2].HeaderPath)
	}
}

// TestSplitMarkdown_SetextHeadings verifies underline markers stay out of section content.
func TestSplitMarkdown_SetextHeadings(t *testing.T) {
	input := "Intro\n=====\n\nBody text here.\n\nMethod\n------\n\nWe train.\n"

	sections, err := NewChunker().SplitMarkdown([]byte(input))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}

	expected := []Section{
		{HeaderPath: "# Intro", Content: "Body text here."},
		{HeaderPath: "# Intro > ## Method", Content: "We train."},
	}
	if len(sections) != len(expected) {
		t.Fatalf("Expected %d sections, got %d: %+v", len(expected), len(sections), sections)
	}
	for i, want := range expected {
		if sections[i] != want {
			t.Errorf("Section %d: expected %+v, got %+v", i, want, sections[i])
		}
		if strings.Contains(sections[i].Content, "===") || strings.Contains(sections[i].Content, "---") {
			t.Errorf("Section %d content kept the underline: %q", i, sections[i].Content)
		}
	}
}

// TestSplitMarkdown_H3StaysInside tests that H3 is not a split boundary.
func TestSplitMarkdown_H3StaysInside(t *testing.T) {
	input := `# Results

Summary.

## Ablations

Table follows.

### Details

- Item 1
- Item 2
`

	sections, err := NewChunker().SplitMarkdown([]byte(input))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d", len(sections))
	}
	if !strings.Contains(sections[1].Content, "### Details") || !strings.Contains(sections[1].Content, "Item 2") {
		t.Errorf("Ablations section missing H3 subsection: %q", sections[1].Content)
	}
}

// TestSplitMarkdown_PreambleAndPlainText tests text outside headings.
func TestSplitMarkdown_PreambleAndPlainText(t *testing.T) {
	sections, err := NewChunker().SplitMarkdown([]byte("Just plain text.\n\nMore text.\n"))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}
	if len(sections) != 1 || sections[0].HeaderPath != "" {
		t.Fatalf("Expected one headerless section, got %+v", sections)
	}

	sections, err = NewChunker().SplitMarkdown([]byte("Preamble line.\n\n# Intro\n\nIntro text.\n"))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d", len(sections))
	}
	if sections[0].Content != "Preamble line." || sections[0].HeaderPath != "" {
		t.Errorf("Unexpected preamble section: %+v", sections[0])
	}
	if sections[1].Text() != "# Intro\n\nIntro text." {
		t.Errorf("Unexpected section text: %q", sections[1].Text())
	}
}

// TestSplitMarkdown_EmptySections tests that headings without content are dropped.
func TestSplitMarkdown_EmptySections(t *testing.T) {
	input := `# Title

## Empty Section

## Another Section

Some content here.
`

	sections, err := NewChunker().SplitMarkdown([]byte(input))
	if err != nil {
		t.Fatalf("SplitMarkdown failed: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("Expected 1 section, got %d: %+v", len(sections), sections)
	}
	if sections[0].HeaderPath != "# Title > ## Another Section" {
		t.Errorf("Unexpected header path %q", sections[0].HeaderPath)
	}
}

// TestChunkPaper_Order tests chunk order, types and indexes.
func TestChunkPaper_Order(t *testing.T) {
	doc := &storage.Document{
		ID:       "2501.00001",
		Title:    "Graph RAG",
		Abstract: "We combine graphs and retrieval.",
		Sections: map[string]string{
			"Results":      "It works.",
			"Introduction": "Motivation.",
			"Empty":        "   ",
		},
		FullText: "# Ignored\n\nBody that duplicates sections.",
	}

	chunks, err := NewChunker().ChunkPaper(doc)
	if err != nil {
		t.Fatalf("ChunkPaper failed: %v", err)
	}

	wantTypes := []string{
		storage.ChunkTypeTitle,
		storage.ChunkTypeAbstract,
		storage.ChunkTypeSection,
		storage.ChunkTypeSection,
	}
	if len(chunks) != len(wantTypes) {
		t.Fatalf("Expected %d chunks, got %d", len(wantTypes), len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("Chunk %d has index %d", i, c.Index)
		}
		if c.DocumentID != doc.ID {
			t.Errorf("Chunk %d has document %q", i, c.DocumentID)
		}
		if c.Type != wantTypes[i] {
			t.Errorf("Chunk %d: expected type %q, got %q", i, wantTypes[i], c.Type)
		}
	}
	if !strings.HasPrefix(chunks[2].Text, "Introduction") || !strings.HasPrefix(chunks[3].Text, "Results") {
		t.Errorf("Sections not sorted by name: %q, %q", chunks[2].Text, chunks[3].Text)
	}
}

// TestChunkPaper_BodyFallback tests body chunks when no named sections exist.
func TestChunkPaper_BodyFallback(t *testing.T) {
	doc := &storage.Document{
		ID:       "x",
		Title:    "T",
		FullText: "# Intro\n\nHello.\n\n## Setup\n\nWorld.\n",
	}

	chunks, err := NewChunker().ChunkPaper(doc)
	if err != nil {
		t.Fatalf("ChunkPaper failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Type != storage.ChunkTypeBody || chunks[1].Text != "# Intro\n\nHello." {
		t.Errorf("Unexpected body chunk: %+v", chunks[1])
	}
	if chunks[2].Text != "# Intro > ## Setup\n\nWorld." {
		t.Errorf("Unexpected body chunk: %q", chunks[2].Text)
	}
}

// TestChunkPaper_SplitsLongText tests the word-boundary length limit.
func TestChunkPaper_SplitsLongText(t *testing.T) {
	doc := &storage.Document{
		ID:       "long",
		Abstract: strings.Repeat("word ", 100),
	}

	chunks, err := NewChunkerWithLimit(50).ChunkPaper(doc)
	if err != nil {
		t.Fatalf("ChunkPaper failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Expected abstract to be split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c.Text); n > 50 {
			t.Errorf("Chunk %d has %d runes", i, n)
		}
		if strings.HasPrefix(c.Text, " ") || strings.HasSuffix(c.Text, " ") {
			t.Errorf("Chunk %d not cut at a word boundary: %q", i, c.Text)
		}
		if c.Index != i {
			t.Errorf("Chunk %d has index %d", i, c.Index)
		}
	}
}

// TestSplitWords_LongWord tests that a single over-long word is cut.
func TestSplitWords_LongWord(t *testing.T) {
	pieces := splitWords("ab "+strings.Repeat("x", 12)+" cd", 5)
	want := []string{"ab", "xxxxx", "xxxxx", "xx cd"}
	if len(pieces) != len(want) {
		t.Fatalf("Expected %v, got %v", want, pieces)
	}
	for i := range want {
		if pieces[i] != want[i] {
			t.Errorf("Piece %d: expected %q, got %q", i, want[i], pieces[i])
		}
	}
}

// TestChunkPaper_Empty tests a paper with no text.
func TestChunkPaper_Empty(t *testing.T) {
	chunks, err := NewChunker().ChunkPaper(&storage.Document{ID: "empty"})
	if err != nil {
		t.Fatalf("ChunkPaper failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("Expected no chunks, got %d", len(chunks))
	}
}
