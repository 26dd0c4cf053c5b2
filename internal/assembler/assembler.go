// Package assembler selects retrieved chunks that fit a prompt budget.
package assembler

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/retrieval"
)

// Item is one chunk placed in the context.
type Item struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	Rank       int     `json:"rank"`
	Size       int     `json:"size"`
}

// PromptContext is the ordered set of chunks for one prompt.
type PromptContext struct {
	Items     []Item `json:"items"`
	TotalSize int    `json:"total_size"`
	Budget    int    `json:"budget"`
	Unit      Unit   `json:"unit"`
	// Truncated is set when the top chunk alone exceeded the budget and was
	// cut to fit.
	Truncated bool `json:"truncated"`
	// Dropped counts results left out.
	Dropped int `json:"dropped"`
}

// Empty reports whether the context holds no text.
func (pc PromptContext) Empty() bool { return len(pc.Items) == 0 }

// ChunkIDs lists the chunks in context order.
func (pc PromptContext) ChunkIDs() []string {
	ids := make([]string, len(pc.Items))
	for i, it := range pc.Items {
		ids[i] = it.ChunkID
	}
	return ids
}

// Render formats the context as numbered sources.
func (pc PromptContext) Render() string {
	var b strings.Builder
	for i, it := range pc.Items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (source: %s)\n%s", i+1, it.DocumentID, strings.TrimSpace(it.Text))
	}
	return b.String()
}

// Assembler packs results into a budget.
type Assembler struct {
	counter Counter
}

// New creates an Assembler measuring with counter.
func New(counter Counter) *Assembler {
	if counter == nil {
		counter = charCounter{}
	}
	return &Assembler{counter: counter}
}

// Unit returns the budget unit.
func (a *Assembler) Unit() Unit { return a.counter.Unit() }

// Assemble adds results in descending score order until the next one would
// not fit, without splitting chunks. If the best result alone is over budget
// it is truncated to fit. The total size never exceeds budget; budget <= 0
// yields an empty context.
func (a *Assembler) Assemble(results []retrieval.Result, budget int) PromptContext {
	pc := PromptContext{Items: []Item{}, Budget: budget, Unit: a.counter.Unit()}
	if budget <= 0 || len(results) == 0 {
		pc.Dropped = len(results)
		return pc
	}

	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(x, y retrieval.Result) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		return cmp.Compare(x.Rank, y.Rank)
	})

	for i, r := range ordered {
		size := a.counter.Count(r.Chunk.Text)
		if pc.TotalSize+size <= budget {
			pc.Items = append(pc.Items, item(r, r.Chunk.Text, size))
			pc.TotalSize += size
			continue
		}
		dropped := len(ordered) - i
		if i == 0 {
			if text, n := a.truncate(r.Chunk.Text, budget); n > 0 {
				pc.Items = append(pc.Items, item(r, text, n))
				pc.TotalSize = n
				pc.Truncated = true
				dropped--
			}
		}
		pc.Dropped = dropped
		break
	}
	return pc
}

// truncate returns the longest rune prefix of text that fits budget.
func (a *Assembler) truncate(text string, budget int) (string, int) {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.counter.Count(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	prefix := string(runes[:lo])
	return prefix, a.counter.Count(prefix)
}

func item(r retrieval.Result, text string, size int) Item {
	return Item{
		ChunkID:    r.Chunk.ID,
		DocumentID: r.Chunk.DocumentID,
		Text:       text,
		Score:      r.Score,
		Rank:       r.Rank,
		Size:       size,
	}
}
