package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snowcoder/snow/internal/backoff"
)

// maxStreamAttempts bounds how often one logical completion call is
// retried before the error is surfaced.
const maxStreamAttempts = 5

// Retrier wraps a Provider with stream-level retry. A failed attempt
// (transport error, 5xx, 429, or a truncated stream) is announced with
// a retry_status chunk and the call is reissued after a jittered
// backoff. Chunks from the failed attempt have already been forwarded;
// the retry_status chunk is the consumer's signal to drop them.
type Retrier struct {
	inner       Provider
	policy      backoff.BackoffPolicy
	maxAttempts int
	logger      *slog.Logger
	metrics     *streamMetrics
}

// NewRetrier wraps inner with the default policy (2s initial, 30s cap,
// full jitter, five attempts).
func NewRetrier(inner Provider, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		inner:       inner,
		policy:      backoff.DefaultPolicy(),
		maxAttempts: maxStreamAttempts,
		logger:      logger.With("component", "provider.retry"),
		metrics:     newStreamMetrics(),
	}
}

func (r *Retrier) Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error) {
	out := make(chan *StreamChunk)
	go r.run(ctx, req, out)
	return out, nil
}

func (r *Retrier) run(ctx context.Context, req *Request, out chan<- *StreamChunk) {
	defer close(out)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := r.attempt(ctx, req, out)
		if err == nil {
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			return
		}
		if !IsRetryable(err) {
			emit(ctx, out, &StreamChunk{Error: err})
			return
		}
		if attempt == r.maxAttempts {
			break
		}

		delay := backoff.ComputeBackoff(r.policy, attempt)
		if hinted := retryAfterHint(err); hinted > delay {
			delay = min(hinted, time.Duration(r.policy.MaxMs)*time.Millisecond)
		}
		if !emit(ctx, out, &StreamChunk{Kind: ChunkRetryStatus, Retry: &RetryStatus{
			Attempt:     attempt,
			MaxAttempts: r.maxAttempts,
			Delay:       delay,
			Reason:      err.Error(),
		}}) {
			return
		}
		r.metrics.RecordRetry()
		r.logger.Warn("stream attempt failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		if backoff.SleepWithContext(ctx, delay) != nil {
			return
		}
	}

	r.metrics.RecordFailure()
	emit(ctx, out, &StreamChunk{Error: fmt.Errorf("stream failed after %d attempts: %w", r.maxAttempts, lastErr)})
}

// attempt runs one inner stream to completion, forwarding every chunk.
// It returns nil when the stream closed cleanly and the terminal error
// otherwise.
func (r *Retrier) attempt(ctx context.Context, req *Request, out chan<- *StreamChunk) error {
	chunks, err := r.inner.Stream(ctx, req)
	if err != nil {
		return err
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			// Drain so the adapter goroutine can close its channel.
			go func() {
				for range chunks {
				}
			}()
			return chunk.Error
		}
		if !emit(ctx, out, chunk) {
			return ctx.Err()
		}
	}
	return nil
}

// retryAfterHint extracts a server-provided delay from a classified
// error, zero when none was given.
func retryAfterHint(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}
