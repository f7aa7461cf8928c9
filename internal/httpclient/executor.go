package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/rate"
)

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// AuthError marks a broker rejection (401/403). It is never retried;
// callers transition lifecycle state on it instead.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker rejected request: %d", e.Status)
}

// Executor runs broker HTTP calls with bounded retries for transient
// failures only. Each attempt rebuilds the request through build, so
// OAuth nonces and timestamps are fresh per attempt.
type Executor struct {
	logger   *zap.Logger
	http     *http.Client
	retryMax int
	venueTag string
	limiter  *rate.Limiter
}

// New creates an Executor. venueTag prefixes log event names; limiter may
// be nil when the caller does not throttle.
func New(logger *zap.Logger, httpClient *http.Client, retryMax int, venueTag string, limiter *rate.Limiter) *Executor {
	return &Executor{
		logger:   logger,
		http:     httpClient,
		retryMax: retryMax,
		venueTag: venueTag,
		limiter:  limiter,
	}
}

// Do executes the request with retries and returns the response body.
// Network errors and 5xx responses are retried with backoff; 401/403
// return an *AuthError immediately; other 4xx fail without retry.
func (e *Executor) Do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := e.http.Do(req)
		if err != nil {
			lastErr = err
			e.logger.Warn(e.venueTag+".http_failed",
				zap.String("url", req.URL.String()),
				zap.Error(err),
				zap.Int("attempt", attempt))
			sleep(ctx, Backoff(attempt))
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)

		if resp.StatusCode >= 500 {
			e.logger.Warn(e.venueTag+".server_error",
				zap.Int("status", resp.StatusCode),
				zap.String("url", req.URL.String()),
				zap.Duration("latency", elapsed))
			lastErr = fmt.Errorf("%s server error: %d", e.venueTag, resp.StatusCode)
			sleep(ctx, Backoff(attempt))
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &AuthError{Status: resp.StatusCode, Body: string(body)}
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s returned %d: %s", e.venueTag, resp.StatusCode, string(body))
		}

		e.logger.Debug(e.venueTag+".http_success",
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))

		return body, nil
	}

	return nil, fmt.Errorf("%s request failed after %d attempts: %w", e.venueTag, e.retryMax+1, lastErr)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
