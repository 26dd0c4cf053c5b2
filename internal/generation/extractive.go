package generation

import (
	"context"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
)

// maxExtractedSentences bounds the answer length of the extractive backend.
const maxExtractedSentences = 3

// Extractive answers by quoting the context sentences that share the most
// terms with the question. It needs no model and is deterministic.
type Extractive struct {
	maxSentences int
}

// NewExtractive creates the extractive backend.
func NewExtractive() *Extractive {
	return &Extractive{maxSentences: maxExtractedSentences}
}

func (e *Extractive) Name() string { return "extractive" }

type sentence struct {
	text  string
	order int
	score float64
}

// Complete selects up to three sentences with the highest query-term overlap
// and returns them in context order. With no overlap the first sentence of
// the best chunk is returned.
func (e *Extractive) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sentences []sentence
	for _, it := range req.Context.Items {
		for _, s := range splitSentences(it.Text) {
			sentences = append(sentences, sentence{text: s, order: len(sentences)})
		}
	}
	if len(sentences) == 0 {
		return "", ErrEmptyCompletion
	}

	query := termSet(embeddings.Terms(req.Question))
	for i := range sentences {
		sentences[i].score = overlapScore(query, embeddings.Terms(sentences[i].text))
	}

	ranked := slices.Clone(sentences)
	slices.SortStableFunc(ranked, func(a, b sentence) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	if ranked[0].score == 0 {
		return sentences[0].text, nil
	}

	var picked []sentence
	for _, s := range ranked {
		if s.score == 0 || len(picked) == e.maxSentences {
			break
		}
		picked = append(picked, s)
	}
	slices.SortFunc(picked, func(a, b sentence) int { return a.order - b.order })

	parts := make([]string, len(picked))
	for i, s := range picked {
		parts[i] = s.text
	}
	return strings.Join(parts, " "), nil
}

// splitSentences breaks text at '.', '!' and '?' followed by whitespace or
// the end of the text.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !isSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// overlapScore is the fraction of query terms present in the sentence, with
// a small preference for shorter sentences among equal matches.
func overlapScore(query map[string]struct{}, terms []string) float64 {
	if len(query) == 0 || len(terms) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(terms))
	matched := 0
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := query[t]; ok {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched)/float64(len(query)) + 0.01/float64(len(terms))
}
