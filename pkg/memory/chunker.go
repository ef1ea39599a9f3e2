package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Chunk is a unit of indexable text with line-range provenance.
type Chunk struct {
	Text      string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive
	Hash      string
	Tokens    int
}

// Chunker splits markdown into overlapping chunks measured in tokens.
// The same configuration reproduces the same split.
type Chunker struct {
	encoder *tiktoken.Tiktoken
	parser  goldmark.Markdown
	tokens  int
	overlap int
}

// NewChunker creates a chunker targeting chunks of approximately tokens
// with overlap tokens carried between adjacent chunks.
func NewChunker(tokens, overlap int) (*Chunker, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", tokens)
	}
	if overlap < 0 || overlap >= tokens {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", tokens, overlap)
	}

	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}

	return &Chunker{
		encoder: encoder,
		parser:  goldmark.New(goldmark.WithExtensions(extension.Table)),
		tokens:  tokens,
		overlap: overlap,
	}, nil
}

// CountTokens returns the token count of text.
func (c *Chunker) CountTokens(s string) int {
	return len(c.encoder.Encode(s, nil, nil))
}

// Split splits content into chunks. Whitespace-only chunks are dropped.
func (c *Chunker) Split(content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	headings := c.headingLines(content)

	var chunks []Chunk
	var cur []string
	curStart := 1
	curTokens := 0

	flush := func(endLine int) {
		chunk := makeChunk(cur, curStart, endLine, curTokens)
		if chunk != nil {
			chunks = append(chunks, *chunk)
		}

		// Carry trailing lines up to the overlap budget into the next chunk.
		keep, keepTokens := c.overlapTail(cur)
		curStart = endLine + 1 - len(keep)
		cur = keep
		curTokens = keepTokens
	}

	for i, line := range lines {
		lineNo := i + 1
		lineTokens := c.CountTokens(line)

		// A heading makes a preferred break point once the chunk is half full.
		if len(cur) > 0 && headings[lineNo] && curTokens >= c.tokens/2 {
			flush(lineNo - 1)
		} else if len(cur) > 0 && curTokens+lineTokens > c.tokens {
			flush(lineNo - 1)
		}

		cur = append(cur, line)
		curTokens += lineTokens
	}

	if chunk := makeChunk(cur, curStart, len(lines), curTokens); chunk != nil {
		chunks = append(chunks, *chunk)
	}

	return chunks
}

func makeChunk(lines []string, startLine, endLine, tokens int) *Chunk {
	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &Chunk{
		Text:      text,
		StartLine: startLine,
		EndLine:   endLine,
		Hash:      hashText(text),
		Tokens:    tokens,
	}
}

// overlapTail returns the trailing lines whose cumulative token count fits the
// overlap budget, along with that count.
func (c *Chunker) overlapTail(lines []string) ([]string, int) {
	if c.overlap == 0 || len(lines) == 0 {
		return nil, 0
	}

	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		t := c.CountTokens(lines[i])
		if total+t > c.overlap {
			break
		}
		total += t
		start = i
	}
	if start == len(lines) {
		return nil, 0
	}

	tail := make([]string, len(lines)-start)
	copy(tail, lines[start:])
	return tail, total
}

// headingLines returns the set of 1-based line numbers that begin a markdown
// heading, derived from the goldmark AST.
func (c *Chunker) headingLines(content string) map[int]bool {
	source := []byte(content)
	doc := c.parser.Parser().Parse(text.NewReader(source))

	// Precompute byte offset of each line start.
	lineStarts := []int{0}
	for i, b := range source {
		if b == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}
	lineOf := func(offset int) int {
		lo, hi := 0, len(lineStarts)-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if lineStarts[mid] <= offset {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		return lo + 1
	}

	headings := make(map[int]bool)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok {
			if seg := heading.Lines(); seg.Len() > 0 {
				headings[lineOf(seg.At(0).Start)] = true
			}
		}
		return ast.WalkContinue, nil
	})
	return headings
}

// ClipToLimit truncates a chunk to at most limit tokens, preserving its line
// range and recomputing the hash when clipped.
func (c *Chunker) ClipToLimit(chunk Chunk, limit int) Chunk {
	if limit <= 0 || chunk.Tokens <= limit {
		return chunk
	}

	ids := c.encoder.Encode(chunk.Text, nil, nil)
	if len(ids) <= limit {
		return chunk
	}

	clipped := c.encoder.Decode(ids[:limit])
	chunk.Text = clipped
	chunk.Tokens = limit
	chunk.Hash = hashText(clipped)
	return chunk
}

// ApplyLineMap translates chunk line numbers through a rendered-line to
// original-line map. lineMap[i] is the 1-based original line for rendered
// line i+1. Lines beyond the map are left unchanged.
func ApplyLineMap(chunks []Chunk, lineMap []int) []Chunk {
	if len(lineMap) == 0 {
		return chunks
	}
	mapped := make([]Chunk, len(chunks))
	for i, ch := range chunks {
		if ch.StartLine >= 1 && ch.StartLine <= len(lineMap) {
			ch.StartLine = lineMap[ch.StartLine-1]
		}
		if ch.EndLine >= 1 && ch.EndLine <= len(lineMap) {
			ch.EndLine = lineMap[ch.EndLine-1]
		}
		mapped[i] = ch
	}
	return mapped
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives the stable chunk id from its identifying tuple.
func ChunkID(source Source, path string, startLine, endLine int, chunkHash, model string) string {
	key := fmt.Sprintf("%s:%s:%d:%d:%s:%s", source, path, startLine, endLine, chunkHash, model)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
