// Package logitbias builds token biases that force characters into, or out
// of, generated text.
package logitbias

import (
	"context"
	"fmt"
)

// Bias values applied to allowed and removed tokens.
const (
	Allow  = 100.0
	Remove = -100.0
)

// Tokenizer maps text to the token ids of one model.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// FromChars biases every token of allowed toward Allow and every token of
// removed toward Remove. A token in both ends up removed.
func FromChars(ctx context.Context, tok Tokenizer, allowed, removed []string) (map[int]float64, error) {
	bias := make(map[int]float64)
	for _, set := range []struct {
		chars []string
		value float64
	}{
		{allowed, Allow},
		{removed, Remove},
	} {
		for _, c := range set.chars {
			ids, err := tok.Tokenize(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("tokenize %q: %w", c, err)
			}
			for _, id := range ids {
				bias[id] = set.value
			}
		}
	}
	return bias, nil
}

// Punctuation returns common sentence punctuation.
func Punctuation() []string {
	return []string{".", ",", ";", ":", "!", "?", "'", `"`}
}

// BadSplitChars returns strings that tend to start list items or headings
// when a model should be writing prose.
func BadSplitChars() []string {
	return []string{
		"[]", "[", "]", "()", "(", ")", "•",
		"entry", "Entry", "story", "Story", "Feature", "feature",
	}
}

// WhitespaceChars returns whitespace other than space and newline.
func WhitespaceChars() []string {
	return []string{"\t", "\r", "\v", "\f"}
}
