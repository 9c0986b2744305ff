package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tickd/tickd/internal/errkind"
)

// maxStageRetries is the number of extra attempts a retryable stage
// failure gets before the job fails.
const maxStageRetries = 2

// newStageBackoff builds the per-stage retry schedule: 500ms doubling
// to 10s with jitter. One backoff instance per stage execution.
var newStageBackoff = func() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	return b
}

// runWithRetry executes one stage, retrying transient failures. Schema
// and decode failures are deterministic and fail immediately.
// Cancellation is reported as CANCELLED regardless of the stage error.
func runWithRetry(ctx context.Context, logger *slog.Logger, stage Stage, st *State) error {
	bo := newStageBackoff()

	var err error
	for attempt := 0; ; attempt++ {
		err = stage.Run(ctx, st)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, ctx.Err())
		}
		kind := errkind.Of(err)
		if !errkind.Retryable(kind) || attempt >= maxStageRetries {
			return err
		}

		delay := bo.NextBackOff()
		logger.Warn("stage failed, retrying",
			"run_key", st.Request.RunKey,
			"stage", stage.Name,
			"attempt", attempt+1,
			"max_retries", maxStageRetries,
			"delay", delay,
			"error_kind", string(kind),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
}
