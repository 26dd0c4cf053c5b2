package document

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunker splits text into fixed-size rune windows that overlap by Overlap
// runes. The same text and settings always produce the same spans.
type Chunker struct {
	Size    int
	Overlap int
}

// Span is one chunk of text and its rune offset.
type Span struct {
	Text     string
	Position int
}

// Validate checks 0 <= Overlap < Size.
func (c Chunker) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Size, c.Overlap)
	}
	return nil
}

// Split returns the windows of text in order. Windows containing only
// whitespace are skipped.
func (c Chunker) Split(text string) []Span {
	runes := []rune(text)
	step := c.Size - c.Overlap
	var spans []Span
	for start := 0; start < len(runes); start += step {
		end := min(start+c.Size, len(runes))
		window := runes[start:end]
		if !blank(window) {
			spans = append(spans, Span{Text: string(window), Position: start})
		}
		if end == len(runes) {
			break
		}
	}
	return spans
}

// key identifies the settings so a settings change forces re-chunking.
func (c Chunker) key() string {
	return fmt.Sprintf("%d/%d", c.Size, c.Overlap)
}

func blank(rs []rune) bool {
	for _, r := range rs {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// normalizeText canonicalizes line endings before chunking.
func normalizeText(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
