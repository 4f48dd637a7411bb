package ingestion

import (
	"strings"
	"unicode"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	defaultMinChunkLen  = 10
)

// Chunker splits raw text into overlapping, bounded passages. Splitting is
// deterministic and cuts at the largest boundary available inside the
// window: paragraph break, then line break, then sentence end, then
// whitespace, then a hard cut.
type Chunker struct {
	Size      int
	Overlap   int
	MinLength int
}

func NewChunker() Chunker {
	return Chunker{
		Size:      defaultChunkSize,
		Overlap:   defaultChunkOverlap,
		MinLength: defaultMinChunkLen,
	}
}

// Split returns consecutive slices of text where each chunk shares Overlap
// characters with its predecessor. Text is never rewritten, so joining the
// chunks with the overlap trimmed reproduces the input. Chunks whose trimmed
// length falls below MinLength are dropped.
func (c Chunker) Split(text string) []string {
	size := c.Size
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap := c.Overlap
	if overlap < 0 {
		overlap = 0
	}
	// The boundary search never cuts before the window midpoint, so an
	// overlap under half the size keeps the window advancing.
	if overlap*2 >= size {
		overlap = size / 4
	}
	minLen := c.MinLength
	if minLen <= 0 {
		minLen = defaultMinChunkLen
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	chunks := make([]string, 0, len(runes)/size+1)
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = cutPoint(runes, start, end)
		}

		chunk := string(runes[start:end])
		if len(strings.TrimSpace(chunk)) >= minLen {
			chunks = append(chunks, chunk)
		}

		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// cutPoint scans backwards from limit to the window midpoint for the
// highest-priority boundary. Called only when limit < len(runes).
func cutPoint(runes []rune, start, limit int) int {
	floor := start + (limit-start)/2

	for i := limit; i > floor+1; i-- {
		if runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if isSentenceEnd(runes[i-1]) && unicode.IsSpace(runes[i]) {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
