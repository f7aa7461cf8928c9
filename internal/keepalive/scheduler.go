// Package keepalive runs the per-environment background loop that keeps
// a token warm during trading hours by exercising it with a cheap
// authenticated probe before the broker's idle cutoff can bite.
package keepalive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/auth"
	"github.com/Checker-Finance/etrade-adapter/internal/httpclient"
	"github.com/Checker-Finance/etrade-adapter/internal/metrics"
	"github.com/Checker-Finance/etrade-adapter/pkg/clock"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// boundaryCheckInterval is how often the loop rechecks the lifecycle
// clock between probes, so midnight expiry lands at the boundary rather
// than at the next probe cadence.
const boundaryCheckInterval = time.Minute

// TokenSource is the slice of the lifecycle manager the scheduler needs.
type TokenSource interface {
	GetValidToken(ctx context.Context) (*model.TokenRecord, error)
	MarkUsed(ctx context.Context) error
	MarkRejected(ctx context.Context)
	Recheck(ctx context.Context) model.State
}

// Prober issues the inexpensive authenticated call against the broker.
type Prober interface {
	Probe(ctx context.Context, rec *model.TokenRecord) error
}

// JobState is the scheduler's bookkeeping for one environment. It is not
// persisted; on process start the job is simply due immediately.
type JobState struct {
	NextFireAt          time.Time `json:"next_fire_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastResult          string    `json:"last_result"`
}

// Scheduler drives the keep-alive loop for a single environment.
type Scheduler struct {
	logger       *zap.Logger
	env          model.Environment
	source       TokenSource
	prober       Prober
	pub          auth.EventPublisher
	clock        clock.Clock
	interval     time.Duration
	probeTimeout time.Duration
	threshold    int

	mu       sync.Mutex
	st       JobState
	degraded bool
}

// New constructs a scheduler. threshold is the consecutive-failure count
// at which a single degraded-health notification is emitted.
func New(
	logger *zap.Logger,
	env model.Environment,
	source TokenSource,
	prober Prober,
	pub auth.EventPublisher,
	clk clock.Clock,
	interval, probeTimeout time.Duration,
	threshold int,
) *Scheduler {
	return &Scheduler{
		logger:       logger,
		env:          env,
		source:       source,
		prober:       prober,
		pub:          pub,
		clock:        clk,
		interval:     interval,
		probeTimeout: probeTimeout,
		threshold:    threshold,
	}
}

// Start blocks until ctx is cancelled. The job fires once immediately
// (scheduler state is reconstructed as "due now" on process start), then
// at every interval. A lightweight boundary ticker recomputes lifecycle
// state between probes so midnight expiry is applied proactively.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("keepalive.started",
		zap.String("environment", string(s.env)),
		zap.Duration("interval", s.interval))

	s.runOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	boundary := s.clock.NewTicker(boundaryCheckInterval)
	defer boundary.Stop()

	s.setNextFire(s.clock.Now().Add(s.interval))

	for {
		select {
		case <-ticker.C():
			s.runOnce(ctx)
			s.setNextFire(s.clock.Now().Add(s.interval))
		case <-boundary.C():
			s.source.Recheck(ctx)
		case <-ctx.Done():
			s.logger.Info("keepalive.stopped", zap.String("environment", string(s.env)))
			return
		}
	}
}

// Force runs one keep-alive iteration immediately, outside the timer
// cadence, and returns the probe outcome synchronously. Used by the
// operational API.
func (s *Scheduler) Force(ctx context.Context) (time.Duration, error) {
	return s.runOnce(ctx)
}

// Snapshot returns the current job bookkeeping.
func (s *Scheduler) Snapshot() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// runOnce performs a single keep-alive iteration. The loop itself never
// stops on failure; only explicit lifecycle transitions kill a token.
func (s *Scheduler) runOnce(ctx context.Context) (time.Duration, error) {
	rec, err := s.source.GetValidToken(ctx)
	if err != nil {
		// No usable token: skip the probe but keep the timer running so a
		// renewal completed out-of-band is picked up automatically.
		s.recordResult("skipped: " + err.Error())
		metrics.IncProbe(string(s.env), "skipped")
		if errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrExpired) {
			s.publish(ctx, model.EventRenewalRequired, map[string]any{"reason": err.Error()})
		}
		return 0, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	start := time.Now()
	err = s.prober.Probe(pctx, rec)
	latency := time.Since(start)
	metrics.ObserveProbeDuration(string(s.env), start)

	if err != nil {
		s.onProbeFailure(ctx, err)
		return latency, err
	}

	if err := s.source.MarkUsed(ctx); err != nil {
		// The broker accepted the probe; a store hiccup must not count as
		// a probe failure or stop the loop.
		s.logger.Warn("keepalive.mark_used_failed",
			zap.String("environment", string(s.env)), zap.Error(err))
	}

	s.onProbeSuccess(ctx, latency)
	return latency, nil
}

func (s *Scheduler) onProbeSuccess(ctx context.Context, latency time.Duration) {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.st.ConsecutiveFailures = 0
	s.st.LastResult = "ok"
	s.mu.Unlock()

	metrics.IncProbe(string(s.env), "ok")
	s.logger.Debug("keepalive.probe_ok",
		zap.String("environment", string(s.env)),
		zap.Duration("latency", latency))

	if wasDegraded {
		s.logger.Info("keepalive.recovered", zap.String("environment", string(s.env)))
		s.publish(ctx, model.EventKeepAliveRecovered, nil)
	}
}

func (s *Scheduler) onProbeFailure(ctx context.Context, err error) {
	var authErr *httpclient.AuthError
	if errors.As(err, &authErr) {
		// The broker no longer honors the token; expire it now instead of
		// letting the timers discover it later.
		s.source.MarkRejected(ctx)
	}

	s.mu.Lock()
	s.st.ConsecutiveFailures++
	s.st.LastResult = err.Error()
	failures := s.st.ConsecutiveFailures
	justDegraded := failures == s.threshold && !s.degraded
	if justDegraded {
		s.degraded = true
	}
	s.mu.Unlock()

	metrics.IncProbe(string(s.env), "error")
	s.logger.Warn("keepalive.probe_failed",
		zap.String("environment", string(s.env)),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if justDegraded {
		s.publish(ctx, model.EventKeepAliveDegraded, map[string]any{
			"consecutive_failures": failures,
		})
	}
}

func (s *Scheduler) recordResult(res string) {
	s.mu.Lock()
	s.st.LastResult = res
	s.mu.Unlock()
}

func (s *Scheduler) setNextFire(t time.Time) {
	s.mu.Lock()
	s.st.NextFireAt = t
	s.mu.Unlock()
}

func (s *Scheduler) publish(ctx context.Context, kind model.EventKind, details map[string]any) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(ctx, s.env, kind, details)
}
