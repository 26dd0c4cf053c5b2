package assembler

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Unit is the measure of a context budget.
type Unit string

const (
	Chars  Unit = "chars"
	Tokens Unit = "tokens"
)

// runesPerToken is the ratio used by the token estimator.
const runesPerToken = 4

// Counter measures text in one unit. Counts must not decrease as text grows.
type Counter interface {
	Count(text string) int
	Unit() Unit
}

// tokenEncoder is the part of a tiktoken encoding the counter uses.
type tokenEncoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// encodingForModel resolves a model's encoding. Loading may fetch the BPE
// ranks over the network unless TIKTOKEN_CACHE_DIR holds them.
var encodingForModel = func(model string) (tokenEncoder, error) {
	return tiktoken.EncodingForModel(model)
}

// NewCounter returns the counter for unit. With Tokens and a non-empty model
// the model's tokenizer is resolved once here, otherwise tokens are estimated
// from runes.
func NewCounter(unit Unit, model string) (Counter, error) {
	switch unit {
	case Chars, "":
		return charCounter{}, nil
	case Tokens:
		if model == "" {
			return estimateCounter{}, nil
		}
		enc, err := encodingForModel(model)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer for model %q: %w", model, err)
		}
		return modelCounter{enc: enc}, nil
	default:
		return nil, fmt.Errorf("unknown budget unit %q", unit)
	}
}

type charCounter struct{}

func (charCounter) Count(text string) int { return utf8.RuneCountInString(text) }
func (charCounter) Unit() Unit            { return Chars }

// estimateCounter counts ceil(runes/4) tokens.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + runesPerToken - 1) / runesPerToken
}
func (estimateCounter) Unit() Unit { return Tokens }

type modelCounter struct{ enc tokenEncoder }

func (c modelCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
func (modelCounter) Unit() Unit { return Tokens }
