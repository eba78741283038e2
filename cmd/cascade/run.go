package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/cascade"
	"github.com/fyrsmithlabs/cascade/internal/plan"
	"github.com/fyrsmithlabs/cascade/internal/transcript"
)

var (
	runConversation string
	runPrimeCache   bool
	runPrimitive    bool
	runRender       bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Run a plan file",
	Long: `Run the round described by a YAML or JSON plan file and print its outcome.

Examples:
  # Print the joined step outcomes
  cascade run plan.yaml

  # Print only the last step's decoded result
  cascade run --primitive plan.yaml

  # Continue a stored conversation (needs transcript.path in the config)
  cascade run --conversation review-42 plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "conversation id to continue and save")
	runCmd.Flags().BoolVar(&runPrimeCache, "prime-cache", false, "warm the backend cache up to the last step before the outcome is added")
	runCmd.Flags().BoolVar(&runPrimitive, "primitive", false, "print the last step's primitive result instead of the outcome")
	runCmd.Flags().BoolVar(&runRender, "render", false, "print the round's step states to stderr")
}

func runPlan(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if runConversation != "" && a.store == nil {
		return fmt.Errorf("--conversation requires transcript.path in the config")
	}
	if err := p.CheckBackend(a.backend); err != nil {
		return err
	}

	req, err := conversationRequest(ctx, a.store, runConversation, p, a.backend)
	if err != nil {
		return err
	}

	opts := a.roundOptions()
	if runPrimeCache {
		opts = append(opts, cascade.WithCachePriming())
	}
	round := p.Round(opts...)
	runErr := round.RunAllSteps(ctx, req)
	if err := round.CacheErr(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: cache priming failed: %v\n", err)
	}
	if runRender {
		fmt.Fprintln(cmd.ErrOrStderr(), round.Render())
	}
	if runConversation != "" {
		if err := a.store.RecordRound(ctx, runConversation, round, runErr); err != nil {
			a.logger.Warn(ctx, "failed to record round", zap.Error(err))
		}
		if runErr == nil {
			if err := a.store.Save(ctx, runConversation, req.Prompt); err != nil {
				return err
			}
		}
	}
	if runErr != nil {
		return fmt.Errorf("round %s failed: %w", round.ID(), runErr)
	}

	return printResult(cmd, round)
}

// conversationRequest continues the stored conversation id, or starts a new
// one from the plan when id is empty or unknown.
func conversationRequest(ctx context.Context, store *transcript.Store, id string, p *plan.Plan, b backend.Backend) (*backend.Request, error) {
	req := p.Request(b)
	if id == "" {
		return req, nil
	}
	stored, err := store.Load(ctx, id)
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		return req, nil
	case err != nil:
		return nil, err
	}
	req.Prompt = stored
	return req, nil
}

func printResult(cmd *cobra.Command, round *cascade.Round) error {
	if runPrimitive {
		result, ok := round.PrimitiveResult()
		if !ok {
			return fmt.Errorf("last step has no primitive result")
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	}
	outcome, err := round.DisplayOutcome()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), outcome)
	return nil
}
