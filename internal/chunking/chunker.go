// Package chunking turns parsed papers into the chunk records that get embedded.
package chunking

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"

	"github.com/bull/paper-digest/internal/storage"
)

// DefaultMaxChars is the longest chunk, in runes, produced by NewChunker.
const DefaultMaxChars = 1200

// Section is a markdown region between two H1/H2 headings.
type Section struct {
	HeaderPath string // Hierarchy: "# Method > ## Training"
	Content    string // Content without the heading line
}

// Text returns the content with its header path prepended.
func (s Section) Text() string {
	if s.HeaderPath == "" {
		return s.Content
	}
	return s.HeaderPath + "\n\n" + s.Content
}

// Chunker splits papers into title, abstract, section and body chunks.
type Chunker struct {
	parser   goldmark.Markdown
	maxChars int
}

// NewChunker creates a chunker with DefaultMaxChars.
func NewChunker() *Chunker {
	return NewChunkerWithLimit(DefaultMaxChars)
}

// NewChunkerWithLimit creates a chunker whose chunks hold at most maxChars runes.
func NewChunkerWithLimit(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Chunker{
		parser:   md,
		maxChars: maxChars,
	}
}

// ChunkPaper returns the chunks of a paper with consecutive indexes from 0:
// the title, the abstract, then one chunk per named section sorted by name.
// Papers without named sections fall back to body chunks cut from the
// markdown full text. Blank parts are skipped; over-long parts are split on
// word boundaries.
func (c *Chunker) ChunkPaper(doc *storage.Document) ([]storage.Chunk, error) {
	var chunks []storage.Chunk
	add := func(body, chunkType string) {
		for _, piece := range splitWords(body, c.maxChars) {
			chunks = append(chunks, storage.Chunk{
				DocumentID: doc.ID,
				Index:      len(chunks),
				Text:       piece,
				Type:       chunkType,
			})
		}
	}

	add(strings.TrimSpace(doc.Title), storage.ChunkTypeTitle)
	add(strings.TrimSpace(doc.Abstract), storage.ChunkTypeAbstract)

	names := make([]string, 0, len(doc.Sections))
	for name, body := range doc.Sections {
		if strings.TrimSpace(body) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		add(name+"\n\n"+strings.TrimSpace(doc.Sections[name]), storage.ChunkTypeSection)
	}

	if len(names) == 0 && strings.TrimSpace(doc.FullText) != "" {
		sections, err := c.SplitMarkdown([]byte(doc.FullText))
		if err != nil {
			return nil, fmt.Errorf("splitting full text of %s: %w", doc.ID, err)
		}
		for _, s := range sections {
			add(s.Text(), storage.ChunkTypeBody)
		}
	}

	return chunks, nil
}

// SplitMarkdown splits markdown at H1 and H2 headings. Text before the first
// heading becomes a section with an empty header path. Headings without
// content are dropped.
func (c *Chunker) SplitMarkdown(source []byte) ([]Section, error) {
	doc := c.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	var headings []heading
	flatten(tree.Items, nil, &headings)

	var nodes []ast.Node
	var paths []string
	for _, h := range headings {
		node := findHeaderByID(doc, h.id)
		if node == nil || node.Lines().Len() == 0 {
			continue
		}
		nodes = append(nodes, node)
		paths = append(paths, h.path)
	}

	if len(nodes) == 0 {
		if content := strings.TrimSpace(string(source)); content != "" {
			return []Section{{Content: content}}, nil
		}
		return nil, nil
	}

	var sections []Section
	if pre := strings.TrimSpace(string(source[:lineStart(source, nodes[0].Lines().At(0).Start)])); pre != "" {
		sections = append(sections, Section{Content: pre})
	}

	for i, node := range nodes {
		start := headingEnd(source, node)
		end := len(source)
		if i+1 < len(nodes) {
			end = lineStart(source, nodes[i+1].Lines().At(0).Start)
		}
		if start > end {
			start = end
		}

		content := strings.TrimSpace(string(source[start:end]))
		if content == "" {
			continue
		}
		sections = append(sections, Section{HeaderPath: paths[i], Content: content})
	}

	return sections, nil
}

type heading struct {
	id   string
	path string
}

// flatten walks the TOC depth-first, which is document order.
func flatten(items toc.Items, ancestors []string, out *[]heading) {
	for _, item := range items {
		current := append(append([]string(nil), ancestors...), string(item.Title))
		*out = append(*out, heading{id: string(item.ID), path: formatHeaderPath(current)})
		if len(item.Items) > 0 {
			flatten(item.Items, current, out)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Method", "Training"] -> "# Method > ## Training"
func formatHeaderPath(path []string) string {
	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = strings.Repeat("#", i+1) + " " + segment
	}
	return strings.Join(parts, " > ")
}

// findHeaderByID locates a heading node by its auto-generated ID.
func findHeaderByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			headingID, ok := n.AttributeString("id")
			if b, isBytes := headingID.([]byte); ok && isBytes && string(b) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// headingEnd returns the offset of the first line after a heading. For setext
// headings that is the line after the "===" or "---" underline.
func headingEnd(source []byte, node ast.Node) int {
	lines := node.Lines()
	first := lines.At(0)
	end := lineEnd(source, lines.At(lines.Len()-1).Stop)

	if isATX(source[lineStart(source, first.Start):lineEnd(source, first.Start)]) {
		return end
	}
	next := bytes.TrimSpace(source[end:lineEnd(source, end)])
	if len(next) > 0 && (isRun(next, '=') || isRun(next, '-')) {
		return lineEnd(source, end)
	}
	return end
}

// isATX reports whether line opens with 1-6 '#' followed by a space, a tab
// or the end of the line.
func isATX(line []byte) bool {
	line = bytes.TrimLeft(line, " ")
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 {
		return false
	}
	return n == len(line) || line[n] == ' ' || line[n] == '\t' || line[n] == '\n' || line[n] == '\r'
}

func isRun(b []byte, c byte) bool {
	for _, x := range b {
		if x != c {
			return false
		}
	}
	return true
}

func lineStart(source []byte, pos int) int {
	return bytes.LastIndexByte(source[:pos], '\n') + 1
}

func lineEnd(source []byte, pos int) int {
	if i := bytes.IndexByte(source[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(source)
}

// splitWords cuts s into pieces of at most maxChars runes at whitespace.
// A single word longer than maxChars is cut mid-word.
func splitWords(s string, maxChars int) []string {
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return []string{s}
	}

	var pieces []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(s) {
		runes := []rune(word)
		for len(runes) > maxChars {
			flush()
			pieces = append(pieces, string(runes[:maxChars]))
			runes = runes[maxChars:]
		}
		if len(runes) == 0 {
			continue
		}
		if curLen > 0 && curLen+1+len(runes) > maxChars {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(string(runes))
		curLen += len(runes)
	}
	flush()
	return pieces
}
