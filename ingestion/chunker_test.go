package ingestion_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adya9/web-whisper/ingestion"
)

func TestSplitRespectsSize(t *testing.T) {
	c := ingestion.Chunker{Size: 120, Overlap: 20, MinLength: 1}
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)

	chunks := c.Split(text)

	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 120)
	}
}

func TestSplitReconstructsInput(t *testing.T) {
	c := ingestion.Chunker{Size: 80, Overlap: 16, MinLength: 1}
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	// Each chunk repeats the last 16 runes of its predecessor, so trimming
	// the overlap and joining reproduces the input exactly.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0])
	for _, chunk := range chunks[1:] {
		runes := []rune(chunk)
		require.Greater(t, len(runes), 16)
		rebuilt.WriteString(string(runes[16:]))
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplitPrefersParagraphBreak(t *testing.T) {
	c := ingestion.Chunker{Size: 50, Overlap: 5, MinLength: 1}
	first := "this is the first paragraph of text.\n\n"
	text := first + "the second paragraph keeps going for quite a while longer."

	chunks := c.Split(text)

	require.NotEmpty(t, chunks)
	assert.Equal(t, first, chunks[0])
}

func TestSplitFallsBackToSentenceBoundary(t *testing.T) {
	c := ingestion.Chunker{Size: 40, Overlap: 5, MinLength: 1}
	text := "Alpha beta gamma delta. Epsilon zeta eta theta. Iota kappa lambda mu."

	chunks := c.Split(text)

	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0], "delta."), "got %q", chunks[0])
}

func TestSplitDropsShortPieces(t *testing.T) {
	c := ingestion.NewChunker()

	assert.Empty(t, c.Split("hi"))
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t  "))
}

func TestNewChunkerDefaults(t *testing.T) {
	c := ingestion.NewChunker()

	assert.Equal(t, 1000, c.Size)
	assert.Equal(t, 200, c.Overlap)
	assert.Equal(t, 10, c.MinLength)
}
