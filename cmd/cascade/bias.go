package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cascade/internal/logitbias"
)

var (
	biasAllow             []string
	biasRemove            []string
	biasRemovePunctuation bool
	biasRemoveBadSplits   bool
	biasRemoveWhitespace  bool
	biasEncoding          string
	biasJSON              bool
)

var biasCmd = &cobra.Command{
	Use:   "bias",
	Short: "Compute a logit bias from characters",
	Long: `Tokenize characters with the backend's tokenizer and print the logit bias
that allows or removes them. Removal wins when a token is in both sets.

Examples:
  # Ban punctuation on the configured llama.cpp server
  cascade bias --remove-punctuation

  # Allow yes/no with a tiktoken encoding, as JSON for a plan or request
  cascade bias --encoding cl100k_base --allow yes --allow no --json`,
	Args: cobra.NoArgs,
	RunE: runBias,
}

func init() {
	f := biasCmd.Flags()
	f.StringArrayVar(&biasAllow, "allow", nil, "text whose tokens are allowed (repeatable)")
	f.StringArrayVar(&biasRemove, "remove", nil, "text whose tokens are removed (repeatable)")
	f.BoolVar(&biasRemovePunctuation, "remove-punctuation", false, "remove sentence punctuation")
	f.BoolVar(&biasRemoveBadSplits, "remove-bad-splits", false, "remove bullets and other bad split characters")
	f.BoolVar(&biasRemoveWhitespace, "remove-whitespace", false, "remove tabs and other control whitespace")
	f.StringVar(&biasEncoding, "encoding", "", "tiktoken encoding to use instead of the configured backend")
	f.BoolVar(&biasJSON, "json", false, "print the bias as a JSON object")
}

func runBias(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	removed := slices.Clone(biasRemove)
	if biasRemovePunctuation {
		removed = append(removed, logitbias.Punctuation()...)
	}
	if biasRemoveBadSplits {
		removed = append(removed, logitbias.BadSplitChars()...)
	}
	if biasRemoveWhitespace {
		removed = append(removed, logitbias.WhitespaceChars()...)
	}
	if len(biasAllow) == 0 && len(removed) == 0 {
		return fmt.Errorf("nothing to bias: pass --allow, --remove or a --remove-* set")
	}

	tok, cleanup, err := biasTokenizer(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bias, err := logitbias.FromChars(ctx, tok, biasAllow, removed)
	if err != nil {
		return err
	}
	ids := slices.Sorted(maps.Keys(bias))

	out := cmd.OutOrStdout()
	if biasJSON {
		obj := make(map[string]float64, len(bias))
		for _, id := range ids {
			obj[strconv.Itoa(id)] = bias[id]
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(obj)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tBIAS\tPIECE")
	for _, id := range ids {
		piece, err := tok.Piece(ctx, id)
		if err != nil {
			return fmt.Errorf("token %d: %w", id, err)
		}
		fmt.Fprintf(w, "%d\t%+g\t%q\n", id, bias[id], piece)
	}
	return w.Flush()
}

// biasTokenizer returns the tokenizer for --encoding, or the configured
// backend's tokenizer.
func biasTokenizer(ctx context.Context) (logitbias.PieceTokenizer, func(), error) {
	if biasEncoding != "" {
		tok, err := logitbias.NewTiktokenEncoding(biasEncoding)
		return tok, func() {}, err
	}

	a, err := setup(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { a.close(context.WithoutCancel(ctx)) }

	tok, err := logitbias.ForBackend(a.backend)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return tok, cleanup, nil
}
