package inference

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	"edgeai/internal/observability"
	"edgeai/internal/registry"
)

// RateLimited admits at most limit requests per second with the given burst.
// A non-positive limit returns next unchanged.
func RateLimited(next Backend, limit float64, burst int) Backend {
	if limit <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return BackendFunc(func(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
		if err := limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("inference rate limit: %w", err)
		}
		return next.Infer(ctx, model, prompt, params)
	})
}

// WithCircuitBreaker fails fast with ErrCircuitOpen while the backend keeps
// failing. Cancellations and caller errors do not trip the breaker.
func WithCircuitBreaker(next Backend, breaker *apperrors.CircuitBreaker) Backend {
	if breaker == nil {
		return next
	}
	return BackendFunc(func(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
		return apperrors.ExecuteFunc(breaker, ctx, func(ctx context.Context) (Result, error) {
			return next.Infer(ctx, model, prompt, params)
		})
	})
}

// Instrumented records request counts, latency and token usage per model.
func Instrumented(next Backend, metrics *observability.MetricsCollector, logger logging.Logger) Backend {
	logger = logging.OrNop(logger)
	return BackendFunc(func(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
		start := time.Now()
		res, err := next.Infer(ctx, model, prompt, params)
		elapsed := time.Since(start)

		status := "ok"
		switch {
		case err != nil:
			status = "error"
			logging.FromContext(ctx, logger).Warn("Inference on %s failed after %s: %v", model.ModelID, elapsed, err)
		case res.Degraded:
			status = "degraded"
			logging.FromContext(ctx, logger).Info("Inference on %s degraded: %s", model.ModelID, res.DegradedReason)
		}
		metrics.RecordInference(ctx, model.ModelID, status, elapsed, res.PromptTokens, res.CompletionTokens)
		return res, err
	})
}
