package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dceleste/mergetrain/internal/domain/port/driven"
)

// maxHostRetries bounds transient host-API retries per operation.
const maxHostRetries = 4

// withRetry runs fn with exponential backoff on transient host failures.
// Precondition failures (tip moved) and merge refusals are properties of the
// request, not the transport, so they return immediately.
func withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxHostRetries), ctx)

	err := backoff.RetryNotify(
		func() error {
			err := fn()
			if errors.Is(err, driven.ErrTipMoved) || errors.Is(err, driven.ErrNotMergeable) {
				return backoff.Permanent(err)
			}
			return err
		},
		bo,
		func(err error, delay time.Duration) {
			slog.Warn("transient host failure, retrying",
				"op", op, "delay", delay.Round(time.Millisecond), "error", err)
		},
	)

	// backoff wraps permanent errors; unwrap so callers match sentinels.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
