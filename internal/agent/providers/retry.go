package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/loom/internal/backoff"
)

// WithRetry wraps a provider with transient-error retry. Non-streaming
// calls retry the whole request. Streaming calls retry only while no model
// content has been observed; after the first byte the stream either
// completes or fails, never restarts.
func WithRetry(p Provider, policy backoff.Policy, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{inner: p, policy: policy, logger: logger}
}

type retrying struct {
	inner  Provider
	policy backoff.Policy
	logger *slog.Logger
}

func (r *retrying) Name() string                         { return r.inner.Name() }
func (r *retrying) ContextWindow(model string) int       { return r.inner.ContextWindow(model) }
func (r *retrying) MaxCompletionTokens(model string) int { return r.inner.MaxCompletionTokens(model) }

func (r *retrying) classify(err error) (bool, time.Duration) {
	return Retryable(err), RetryHint(err)
}

func (r *retrying) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	return backoff.Retry(ctx, r.policy, r.classify, func(attempt int) (*Response, error) {
		resp, err := r.inner.CreateResponse(ctx, req)
		if err != nil && attempt < r.policy.MaxAttempts {
			r.logger.Warn("provider call failed",
				"provider", r.inner.Name(), "attempt", attempt, "error", err)
		}
		return resp, err
	})
}

func (r *retrying) CreateStreamingResponse(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		for attempt := 1; ; attempt++ {
			inner, err := r.inner.CreateStreamingResponse(ctx, req)
			if err == nil {
				retryable, retryErr := r.forward(ctx, inner, out)
				if retryErr == nil {
					return
				}
				err = retryErr
				if !retryable {
					out <- &Chunk{Err: err}
					return
				}
			}

			ok, hint := r.classify(err)
			if !ok || attempt >= r.policy.MaxAttempts {
				out <- &Chunk{Err: err}
				return
			}
			r.logger.Warn("provider stream failed before first byte, retrying",
				"provider", r.inner.Name(), "attempt", attempt, "error", err)
			if serr := backoff.Sleep(ctx, r.policy.Delay(attempt, hint)); serr != nil {
				out <- &Chunk{Err: serr}
				return
			}
		}
	}()
	return out, nil
}

// forward relays chunks from the backend stream. On failure it reports
// whether a retry is still legal: only when no content chunk was relayed.
func (r *retrying) forward(ctx context.Context, in <-chan *Chunk, out chan<- *Chunk) (retryable bool, err error) {
	sawContent := false
	sawTerminal := false
	for chunk := range in {
		if chunk.Err != nil {
			return !sawContent, chunk.Err
		}
		if chunk.HasContent() {
			sawContent = true
		}
		if chunk.Response != nil {
			sawTerminal = true
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if !sawTerminal {
		// Closed with neither a terminal Response nor an error.
		return !sawContent, &Error{Kind: KindProtocol, Provider: r.inner.Name(), Message: "stream closed without completion"}
	}
	return false, nil
}
