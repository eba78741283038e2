// Package logging provides structured, context-aware logging for cascade.
//
// Logger wraps zap and prepends correlation fields (trace, round, step and
// request identifiers) taken from the context to every entry:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	ctx = logging.WithRoundID(ctx, round.ID())
//	logger.Info(ctx, "round started", zap.Int("steps", round.Len()))
//
// Backend credentials are redacted by the stdout encoder. Use Secret for
// config.Secret values that must be logged at all.
package logging
