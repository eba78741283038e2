package cascade

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// OutcomeDecoder turns the raw text of an inference step (seed plus
// generated text) into the text shown in the round outcome and the step's
// primitive result.
type OutcomeDecoder interface {
	Decode(raw string) (display, primitive string, err error)
}

// DecoderFunc adapts a function to OutcomeDecoder.
type DecoderFunc func(raw string) (display, primitive string, err error)

func (f DecoderFunc) Decode(raw string) (string, string, error) { return f(raw) }

// TrimDecoder strips surrounding whitespace.
type TrimDecoder struct{}

func (TrimDecoder) Decode(raw string) (string, string, error) {
	s := strings.TrimSpace(raw)
	return s, s, nil
}

// ExactChoiceDecoder accepts output that is, or ends with, exactly one of
// Choices, ignoring surrounding whitespace and trailing punctuation. A
// choice at the end must follow a space or punctuation, so a seed such as
// "Answer:" may precede it. The primitive is the choice as written in
// Choices; the display text is the output with the choice normalized.
type ExactChoiceDecoder struct {
	Choices       []string
	CaseSensitive bool
}

func (d ExactChoiceDecoder) Decode(raw string) (string, string, error) {
	got := strings.TrimRightFunc(strings.TrimSpace(raw), unicode.IsPunct)
	for _, c := range d.Choices {
		if c == "" || len(c) > len(got) {
			continue
		}
		head, tail := got[:len(got)-len(c)], got[len(got)-len(c):]
		if tail != c && (d.CaseSensitive || !strings.EqualFold(tail, c)) {
			continue
		}
		if head == "" {
			return c, c, nil
		}
		if r, _ := utf8.DecodeLastRuneInString(head); unicode.IsSpace(r) || unicode.IsPunct(r) {
			return head + c, c, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q is not one of %q", ErrUndecodable, got, d.Choices)
}

var integerPattern = regexp.MustCompile(`-?\d+`)

// IntegerDecoder extracts the first integer in the output. The display text
// is the trimmed output; the primitive is the integer in base 10. Nil bounds
// are open.
type IntegerDecoder struct {
	Min *int
	Max *int
}

func (d IntegerDecoder) Decode(raw string) (string, string, error) {
	match := integerPattern.FindString(raw)
	if match == "" {
		return "", "", fmt.Errorf("%w: no integer in %q", ErrUndecodable, raw)
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if (d.Min != nil && n < *d.Min) || (d.Max != nil && n > *d.Max) {
		return "", "", fmt.Errorf("%w: %d is out of range", ErrUndecodable, n)
	}
	return strings.TrimSpace(raw), strconv.Itoa(n), nil
}
