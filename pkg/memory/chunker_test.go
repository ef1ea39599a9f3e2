package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_EmptyInput(t *testing.T) {
	c, err := NewChunker(128, 16)
	require.NoError(t, err)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t\n  "))
}

func TestChunker_SingleChunk(t *testing.T) {
	c, err := NewChunker(128, 16)
	require.NoError(t, err)

	chunks := c.Split("# Title\n\nA short document.\n")
	require.Len(t, chunks, 1)

	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 4, chunks[0].EndLine)
	assert.NotEmpty(t, chunks[0].Hash)
	assert.Greater(t, chunks[0].Tokens, 0)
}

func TestChunker_Deterministic(t *testing.T) {
	c, err := NewChunker(64, 8)
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "line %d with some repeated filler words here\n", i)
	}
	content := b.String()

	first := c.Split(content)
	second := c.Split(content)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i])
	}
	assert.Greater(t, len(first), 1)
}

func TestChunker_LineRangesCoverContent(t *testing.T) {
	c, err := NewChunker(64, 8)
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 80; i++ {
		fmt.Fprintf(&b, "content line number %d\n", i)
	}
	chunks := c.Split(b.String())
	require.NotEmpty(t, chunks)

	assert.Equal(t, 1, chunks[0].StartLine)
	for i, ch := range chunks {
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine, "chunk %d", i)
		if i > 0 {
			// Overlap means a chunk may start before the previous one ended,
			// but never before it started.
			assert.Greater(t, ch.StartLine, chunks[i-1].StartLine)
		}
	}
}

func TestChunker_OverlapCarriesText(t *testing.T) {
	withOverlap, err := NewChunker(64, 16)
	require.NoError(t, err)
	noOverlap, err := NewChunker(64, 0)
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "alpha beta gamma delta line %d\n", i)
	}
	content := b.String()

	a := withOverlap.Split(content)
	bChunks := noOverlap.Split(content)
	require.Greater(t, len(a), 1)
	require.Greater(t, len(bChunks), 1)

	// With overlap the second chunk starts before the first one's end.
	assert.LessOrEqual(t, a[1].StartLine, a[0].EndLine)
	// Without overlap chunks are disjoint.
	assert.Equal(t, bChunks[0].EndLine+1, bChunks[1].StartLine)
}

func TestChunker_ClipToLimit(t *testing.T) {
	c, err := NewChunker(4096, 0)
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "word%d ", i)
	}
	chunk := Chunk{Text: b.String(), StartLine: 1, EndLine: 1}
	chunk.Tokens = c.CountTokens(chunk.Text)
	require.Greater(t, chunk.Tokens, 100)

	clipped := c.ClipToLimit(chunk, 100)
	assert.Equal(t, 100, clipped.Tokens)
	assert.LessOrEqual(t, c.CountTokens(clipped.Text), 100)
	assert.NotEqual(t, chunk.Hash, clipped.Hash)
	assert.Equal(t, 1, clipped.StartLine)

	// Under the limit nothing changes.
	small := Chunk{Text: "short", Tokens: 1, Hash: hashText("short")}
	assert.Equal(t, small, c.ClipToLimit(small, 100))
}

func TestChunker_HeadingPreferredBreak(t *testing.T) {
	c, err := NewChunker(64, 0)
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "intro paragraph line %d\n", i)
	}
	b.WriteString("# Second Section\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "second section line %d\n", i)
	}

	chunks := c.Split(b.String())
	require.Greater(t, len(chunks), 1)

	var headingStarts bool
	for _, ch := range chunks {
		if strings.HasPrefix(ch.Text, "# Second Section") {
			headingStarts = true
		}
	}
	assert.True(t, headingStarts, "expected a chunk to start at the heading")
}

func TestApplyLineMap(t *testing.T) {
	chunks := []Chunk{
		{Text: "a", StartLine: 1, EndLine: 2},
		{Text: "b", StartLine: 2, EndLine: 3},
	}
	// Rendered lines 1..3 came from transcript lines 4, 4, 9.
	mapped := ApplyLineMap(chunks, []int{4, 4, 9})

	assert.Equal(t, 4, mapped[0].StartLine)
	assert.Equal(t, 4, mapped[0].EndLine)
	assert.Equal(t, 4, mapped[1].StartLine)
	assert.Equal(t, 9, mapped[1].EndLine)

	// Empty map leaves chunks untouched.
	assert.Equal(t, chunks, ApplyLineMap(chunks, nil))
}

func TestChunkID_Deterministic(t *testing.T) {
	a := ChunkID(SourceMemory, "notes.md", 1, 10, "abc", "model-1")
	b := ChunkID(SourceMemory, "notes.md", 1, 10, "abc", "model-1")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, ChunkID(SourceSessions, "notes.md", 1, 10, "abc", "model-1"))
	assert.NotEqual(t, a, ChunkID(SourceMemory, "notes.md", 1, 10, "abc", "model-2"))
	assert.NotEqual(t, a, ChunkID(SourceMemory, "other.md", 1, 10, "abc", "model-1"))
}
