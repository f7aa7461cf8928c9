// Package auth owns the per-environment token lifecycle: the state
// machine, the renewal handshake, and the single entry point dependents
// call to obtain a currently valid token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/httpclient"
	"github.com/Checker-Finance/etrade-adapter/internal/metrics"
	"github.com/Checker-Finance/etrade-adapter/internal/store"
	"github.com/Checker-Finance/etrade-adapter/pkg/clock"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
	"github.com/Checker-Finance/etrade-adapter/pkg/utils"
)

// Broker is the slice of the venue client the lifecycle needs: the three
// handshake calls and the authorization-page URL.
type Broker interface {
	RequestToken(ctx context.Context, consumerKey, consumerSecret string) (token, secret string, err error)
	AccessToken(ctx context.Context, consumerKey, consumerSecret, requestToken, requestTokenSecret, verifier string) (token, secret string, err error)
	AuthorizeURL(consumerKey, requestToken string) string
}

// EventPublisher receives lifecycle events. Implementations are
// fire-and-forget and must never block or fail the caller's transition.
type EventPublisher interface {
	Publish(ctx context.Context, env model.Environment, kind model.EventKind, details map[string]any)
}

// RotationAuditor records durable audit entries for rotations and
// expiries. Best-effort; implementations log their own failures.
type RotationAuditor interface {
	RecordRotation(ctx context.Context, rec *model.TokenRecord, kind model.EventKind)
}

// ConsumerCredentials bootstrap an environment that has no stored record
// yet. Once a record exists, its consumer pair wins.
type ConsumerCredentials struct {
	Key    string
	Secret string
}

// Config carries the lifecycle timing knobs for one environment.
type Config struct {
	IdleCutoff    time.Duration
	WarningMargin time.Duration
	SessionTTL    time.Duration
	// Location is the broker's reference timezone; tokens die at its
	// local midnight regardless of usage.
	Location *time.Location
}

// Status is the operational snapshot returned to the host API.
type Status struct {
	Environment     model.Environment `json:"environment"`
	State           model.State       `json:"state"`
	IssuedAt        time.Time         `json:"issued_at,omitempty"`
	LastUsedAt      time.Time         `json:"last_used_at,omitempty"`
	TimeUntilExpiry time.Duration     `json:"time_until_expiry"`
}

// Manager is the per-environment lifecycle state machine. All reads and
// writes of the environment's TokenRecord and renewal Session serialize
// on its mutex; a keep-alive tick and a concurrent renewal attempt see
// either the pre- or post-renewal record, never a torn write.
type Manager struct {
	env      model.Environment
	cfg      Config
	logger   *zap.Logger
	store    store.Store
	broker   Broker
	pub      EventPublisher
	clock    clock.Clock
	auditor  RotationAuditor
	consumer ConsumerCredentials

	mu      sync.Mutex
	record  *model.TokenRecord
	session *Session
}

// NewManager constructs a lifecycle manager. pub may be nil (no events);
// the auditor is optional and attached via SetAuditor.
func NewManager(
	env model.Environment,
	cfg Config,
	logger *zap.Logger,
	st store.Store,
	broker Broker,
	pub EventPublisher,
	clk clock.Clock,
	consumer ConsumerCredentials,
) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Manager{
		env:      env,
		cfg:      cfg,
		logger:   logger,
		store:    st,
		broker:   broker,
		pub:      pub,
		clock:    clk,
		consumer: consumer,
	}
}

// SetAuditor attaches the optional rotation audit writer.
func (m *Manager) SetAuditor(a RotationAuditor) {
	m.auditor = a
}

// Load reads the environment's record from the store at startup.
// A missing record is not an error; the manager starts UNAUTHENTICATED.
func (m *Manager) Load(ctx context.Context) error {
	rec, err := m.store.Get(ctx, m.env)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("auth.no_stored_token", zap.String("environment", string(m.env)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()

	m.logger.Info("auth.token_loaded",
		zap.String("environment", string(m.env)),
		zap.String("state", string(rec.State)),
		zap.String("access_token", utils.MaskToken(rec.AccessToken)),
		zap.Time("issued_at", rec.IssuedAt))
	return nil
}

// GetValidToken returns the current record iff the token is usable
// (ACTIVE or IDLE_WARNING). The state is recomputed from issuedAt and
// lastUsedAt on every call; a stale stored state is never trusted. It
// never triggers renewal — renewal is an explicit, user-visible action.
func (m *Manager) GetValidToken(ctx context.Context) (*model.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.reconcileLocked(ctx, m.clock.Now()) {
	case model.StateActive, model.StateIdleWarning:
		return m.record.Clone(), nil
	case model.StateExpired:
		return nil, ErrExpired
	default:
		return nil, ErrNotAuthenticated
	}
}

// MarkUsed records a successful authenticated call (keep-alive probe or
// real trading call). It persists the refreshed lastUsedAt before
// mutating the in-memory view, so a store outage cannot corrupt the
// lifecycle state.
func (m *Manager) MarkUsed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		return ErrNotAuthenticated
	}

	now := m.clock.Now()
	cp := m.record.Clone()
	cp.LastUsedAt = now
	prev := cp.State
	cp.State = m.computeState(cp, now)

	if err := m.store.Put(ctx, m.env, cp); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.record = cp

	if prev == model.StateIdleWarning && cp.State == model.StateActive {
		metrics.IncStateTransition(string(m.env), string(prev), string(cp.State))
		m.logger.Info("auth.idle_warning_cleared", zap.String("environment", string(m.env)))
	}
	return nil
}

// MarkRejected handles a broker auth rejection on a supposedly valid
// token: the token is dead regardless of local timers, so the state goes
// straight to EXPIRED.
func (m *Manager) MarkRejected(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil || m.record.State == model.StateExpired {
		return
	}
	prev := m.record.State
	m.record.State = model.StateExpired
	if err := m.store.Put(ctx, m.env, m.record); err != nil {
		m.logger.Warn("auth.state_persist_failed",
			zap.String("environment", string(m.env)), zap.Error(err))
	}
	metrics.IncStateTransition(string(m.env), string(prev), string(model.StateExpired))
	m.logger.Warn("auth.token_rejected_by_broker", zap.String("environment", string(m.env)))
	m.publish(ctx, model.EventExpired, map[string]any{"reason": "auth_rejected"})
	m.audit(ctx, m.record, model.EventExpired)
}

// Recheck recomputes the lifecycle state and applies any time-driven
// transition (idle cutoff, midnight boundary). Used by the scheduler to
// expire tokens proactively at the boundary instead of waiting for the
// next failed probe.
func (m *Manager) Recheck(ctx context.Context) model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked(ctx, m.clock.Now())
}

// StartRenewal begins the 3-legged handshake: it requests a temporary
// credential pair from the broker and returns the authorization URL the
// user must visit. A second call while a session is pending replaces the
// prior session; the orphaned request token is discarded.
func (m *Manager) StartRenewal(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, secret := m.consumerCredsLocked()
	if key == "" {
		metrics.IncRenewal(string(m.env), "start", "error")
		return "", fmt.Errorf("no consumer credentials configured for %s", m.env)
	}

	now := m.clock.Now()
	tok, sec, err := m.broker.RequestToken(ctx, key, secret)
	if err != nil {
		metrics.IncRenewal(string(m.env), "start", "error")
		m.logger.Error("auth.renewal_start_failed",
			zap.String("environment", string(m.env)), zap.Error(err))
		return "", err
	}

	if m.session != nil {
		m.logger.Info("auth.renewal_session_replaced",
			zap.String("environment", string(m.env)),
			zap.String("old_request_token", utils.MaskToken(m.session.RequestToken)))
	}
	m.session = &Session{
		RequestToken:       tok,
		RequestTokenSecret: sec,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.cfg.SessionTTL),
	}

	metrics.IncRenewal(string(m.env), "start", "ok")
	m.logger.Info("auth.renewal_started",
		zap.String("environment", string(m.env)),
		zap.String("request_token", utils.MaskToken(tok)),
		zap.Time("session_expires_at", m.session.ExpiresAt))

	return m.broker.AuthorizeURL(key, tok), nil
}

// CompleteRenewal exchanges the pending session's request token plus the
// user-supplied verifier for a fresh access token, persists the new
// record and publishes a token_rotated event. A consumed or missing
// session yields ErrNoActiveSession — never a silent no-op.
func (m *Manager) CompleteRenewal(ctx context.Context, verifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		metrics.IncRenewal(string(m.env), "complete", "no_session")
		return ErrNoActiveSession
	}

	now := m.clock.Now()
	if m.session.ExpiredAt(now) {
		m.session = nil
		metrics.IncRenewal(string(m.env), "complete", "session_expired")
		m.logger.Warn("auth.renewal_session_expired", zap.String("environment", string(m.env)))
		return ErrSessionExpired
	}

	key, secret := m.consumerCredsLocked()
	tok, sec, err := m.broker.AccessToken(ctx, key, secret,
		m.session.RequestToken, m.session.RequestTokenSecret, verifier)
	if err != nil {
		var authErr *httpclient.AuthError
		if errors.As(err, &authErr) {
			// Wrong verifier or broker-side rejection: the session is
			// burned, the caller must restart from StartRenewal.
			m.session = nil
			metrics.IncRenewal(string(m.env), "complete", "rejected")
			m.logger.Error("auth.renewal_rejected",
				zap.String("environment", string(m.env)), zap.Error(err))
			return err
		}
		// Transient failure: the session survives so complete can be retried.
		metrics.IncRenewal(string(m.env), "complete", "error")
		return err
	}

	rec := &model.TokenRecord{
		Environment:       m.env,
		ConsumerKey:       key,
		ConsumerSecret:    secret,
		AccessToken:       tok,
		AccessTokenSecret: sec,
		IssuedAt:          now,
		LastUsedAt:        now,
		State:             model.StateActive,
	}

	if err := m.store.Put(ctx, m.env, rec); err != nil {
		// Session intentionally kept: the exchange succeeded but we could
		// not persist, so the caller may retry once the store recovers.
		metrics.IncRenewal(string(m.env), "complete", "store_error")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	prev := model.StateRequestIssued
	if m.record != nil {
		prev = m.record.State
	}
	m.record = rec
	m.session = nil

	metrics.IncRenewal(string(m.env), "complete", "ok")
	metrics.IncStateTransition(string(m.env), string(prev), string(model.StateActive))
	m.logger.Info("auth.token_rotated",
		zap.String("environment", string(m.env)),
		zap.String("access_token", utils.MaskToken(tok)),
		zap.Time("issued_at", now))

	m.publish(ctx, model.EventTokenRotated, map[string]any{
		"issued_at": now.UTC().Format(time.RFC3339),
	})
	m.audit(ctx, rec, model.EventTokenRotated)
	return nil
}

// Status reports the current lifecycle view, including the deterministic
// instant at which the token will expire if unused.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	st := Status{Environment: m.env, State: m.reconcileLocked(ctx, now)}

	if m.session != nil && !m.session.ExpiredAt(now) &&
		(st.State == model.StateUnauthenticated || st.State == model.StateExpired) {
		st.State = model.StateRequestIssued
	}

	if m.record != nil {
		st.IssuedAt = m.record.IssuedAt
		st.LastUsedAt = m.record.LastUsedAt
	}
	if st.State == model.StateActive || st.State == model.StateIdleWarning {
		idleDeadline := m.record.LastUsedAt.Add(m.cfg.IdleCutoff)
		boundary := nextMidnight(m.record.IssuedAt, m.cfg.Location)
		deadline := idleDeadline
		if boundary.Before(deadline) {
			deadline = boundary
		}
		st.TimeUntilExpiry = deadline.Sub(now)
	}
	return st
}

// reconcileLocked recomputes the effective state from the record and the
// clock, applies the transition, and publishes on change. Lock held.
func (m *Manager) reconcileLocked(ctx context.Context, now time.Time) model.State {
	s := m.computeState(m.record, now)
	if m.record == nil || m.record.State == s {
		return s
	}

	from := m.record.State
	m.record.State = s
	// Opportunistic persist; the in-memory view stays authoritative if
	// the store is briefly unavailable.
	if err := m.store.Put(ctx, m.env, m.record); err != nil {
		m.logger.Warn("auth.state_persist_failed",
			zap.String("environment", string(m.env)), zap.Error(err))
	}

	metrics.IncStateTransition(string(m.env), string(from), string(s))
	m.logger.Info("auth.state_changed",
		zap.String("environment", string(m.env)),
		zap.String("from", string(from)),
		zap.String("to", string(s)))

	switch s {
	case model.StateIdleWarning:
		m.publish(ctx, model.EventRenewalRequired, map[string]any{
			"reason":       "idle_warning",
			"last_used_at": m.record.LastUsedAt.UTC().Format(time.RFC3339),
		})
	case model.StateExpired:
		reason := "idle_cutoff"
		if crossedMidnight(m.record.IssuedAt, now, m.cfg.Location) {
			reason = "midnight_boundary"
		}
		m.publish(ctx, model.EventExpired, map[string]any{"reason": reason})
		m.audit(ctx, m.record, model.EventExpired)
	}
	return s
}

// computeState derives the effective state from timestamps alone.
func (m *Manager) computeState(rec *model.TokenRecord, now time.Time) model.State {
	if rec == nil || rec.AccessToken == "" {
		return model.StateUnauthenticated
	}
	if rec.State == model.StateExpired {
		// A broker rejection is terminal; timers cannot resurrect it.
		return model.StateExpired
	}
	if crossedMidnight(rec.IssuedAt, now, m.cfg.Location) {
		return model.StateExpired
	}
	idle := now.Sub(rec.LastUsedAt)
	if idle >= m.cfg.IdleCutoff {
		return model.StateExpired
	}
	if idle >= m.cfg.IdleCutoff-m.cfg.WarningMargin {
		return model.StateIdleWarning
	}
	return model.StateActive
}

// consumerCredsLocked prefers the stored record's consumer pair, falling
// back to the bootstrap configuration. Lock held.
func (m *Manager) consumerCredsLocked() (string, string) {
	if m.record != nil && m.record.ConsumerKey != "" {
		return m.record.ConsumerKey, m.record.ConsumerSecret
	}
	return m.consumer.Key, m.consumer.Secret
}

func (m *Manager) publish(ctx context.Context, kind model.EventKind, details map[string]any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(ctx, m.env, kind, details)
}

func (m *Manager) audit(ctx context.Context, rec *model.TokenRecord, kind model.EventKind) {
	if m.auditor == nil {
		return
	}
	m.auditor.RecordRotation(ctx, rec, kind)
}

// crossedMidnight reports whether now falls on a later local calendar day
// than issuedAt in the broker's timezone.
func crossedMidnight(issuedAt, now time.Time, loc *time.Location) bool {
	i := issuedAt.In(loc)
	n := now.In(loc)
	iy, im, id := i.Date()
	ny, nm, nd := n.Date()
	if ny != iy {
		return ny > iy
	}
	if nm != im {
		return nm > im
	}
	return nd > id
}

// nextMidnight returns the first local midnight after issuedAt.
func nextMidnight(issuedAt time.Time, loc *time.Location) time.Time {
	i := issuedAt.In(loc)
	y, mo, d := i.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
}
