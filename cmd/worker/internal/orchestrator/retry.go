package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/pkg/logger"
	"github.com/houzhh15/meeting-worker/pkg/metrics"
)

func newBackoff(ctx context.Context, cfg RetryConfig) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	retries := 0
	if cfg.MaxAttempts > 1 {
		retries = cfg.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retry runs op until it succeeds, returns a non-transient error, or the
// attempt ceiling is hit. Every retry is counted against stage. Running out
// of attempts on a transient error becomes RETRY_EXHAUSTED.
func (o *Orchestrator) retry(ctx context.Context, run *jobRun, stage string, op func(ctx context.Context) error) error {
	attempts := 0
	wrapped := func() error {
		attempts++
		err := op(ctx)
		if err != nil && !joberr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		run.retries[stage]++
		metrics.RecordRetry(stage)
		logger.LogJobEvent(o.logger, run.job.ID, "retry",
			slog.String("stage", stage),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("cause", err.Error()))
	}

	err := backoff.RetryNotify(wrapped, newBackoff(ctx, o.cfg.Retry), notify)
	if err != nil && ctx.Err() == nil && joberr.IsRetryable(err) {
		return joberr.Fatal(joberr.RETRY_EXHAUSTED,
			fmt.Sprintf("%s failed after %d attempts", stage, attempts), err)
	}
	return err
}
