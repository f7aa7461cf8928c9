package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/httpclient"
	"github.com/Checker-Finance/etrade-adapter/internal/store"
	"github.com/Checker-Finance/etrade-adapter/pkg/clock"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// ─── Helpers ──────────────────────────────────────────────

type stubBroker struct {
	mu           sync.Mutex
	requestCalls int
	accessCalls  int
	requestErr   error
	accessErr    error
}

func (b *stubBroker) RequestToken(ctx context.Context, key, secret string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requestErr != nil {
		return "", "", b.requestErr
	}
	b.requestCalls++
	return fmt.Sprintf("req-tok-%d", b.requestCalls), "req-sec", nil
}

func (b *stubBroker) AccessToken(ctx context.Context, key, secret, reqTok, reqSec, verifier string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessCalls++
	if b.accessErr != nil {
		return "", "", b.accessErr
	}
	return "acc-" + reqTok + "-" + verifier, "acc-sec", nil
}

func (b *stubBroker) AuthorizeURL(key, requestToken string) string {
	return "https://broker.test/authorize?key=" + key + "&token=" + requestToken
}

func (b *stubBroker) setAccessErr(err error) {
	b.mu.Lock()
	b.accessErr = err
	b.mu.Unlock()
}

type recordedEvent struct {
	kind    model.EventKind
	details map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, env model.Environment, kind model.EventKind, details map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{kind: kind, details: details})
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.kind)
	}
	return out
}

func (p *recordingPublisher) last() (recordedEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return recordedEvent{}, false
	}
	return p.events[len(p.events)-1], true
}

// failingStore wraps a MemoryStore and fails writes on demand.
type failingStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	putFail bool
}

func (s *failingStore) Put(ctx context.Context, env model.Environment, rec *model.TokenRecord) error {
	s.mu.Lock()
	fail := s.putFail
	s.mu.Unlock()
	if fail {
		return errors.New("backend down")
	}
	return s.MemoryStore.Put(ctx, env, rec)
}

func (s *failingStore) setPutFail(v bool) {
	s.mu.Lock()
	s.putFail = v
	s.mu.Unlock()
}

var testStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		IdleCutoff:    2 * time.Hour,
		WarningMargin: 30 * time.Minute,
		SessionTTL:    5 * time.Minute,
		Location:      time.UTC,
	}
}

type fixture struct {
	mgr    *Manager
	broker *stubBroker
	pub    *recordingPublisher
	clk    *clock.Fake
	store  *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := &stubBroker{}
	pub := &recordingPublisher{}
	clk := clock.NewFake(testStart)
	st := store.NewMemoryStore()
	mgr := NewManager(model.Sandbox, testConfig(), zap.NewNop(), st, broker, pub, clk,
		ConsumerCredentials{Key: "ck", Secret: "cs"})
	return &fixture{mgr: mgr, broker: broker, pub: pub, clk: clk, store: st}
}

// authenticate drives a full handshake so tests can start from ACTIVE.
func (f *fixture) authenticate(t *testing.T) {
	t.Helper()
	_, err := f.mgr.StartRenewal(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.mgr.CompleteRenewal(context.Background(), "12345"))
}

// ─── Renewal handshake ────────────────────────────────────

func TestRenewalFlow_ActivatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)
	assert.Contains(t, url, "req-tok-1")

	require.NoError(t, f.mgr.CompleteRenewal(ctx, "12345"))

	rec, err := f.mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, rec.State)
	assert.Equal(t, testStart, rec.IssuedAt)
	assert.Equal(t, testStart, rec.LastUsedAt)
	assert.Equal(t, "acc-req-tok-1-12345", rec.AccessToken)

	// The rotation must be durable before the event goes out.
	stored, err := f.store.Get(ctx, model.Sandbox)
	require.NoError(t, err)
	assert.Equal(t, rec.AccessToken, stored.AccessToken)

	kinds := f.pub.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, model.EventTokenRotated, kinds[0])
}

func TestCompleteRenewal_WithoutSession(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.CompleteRenewal(context.Background(), "12345")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCompleteRenewal_ConsumedSessionCannotBeReused(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)

	err := f.mgr.CompleteRenewal(context.Background(), "12345")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCompleteRenewal_SessionTTLElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)

	f.clk.Advance(6 * time.Minute)

	err = f.mgr.CompleteRenewal(ctx, "12345")
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The expired session is discarded, not left half-alive.
	err = f.mgr.CompleteRenewal(ctx, "12345")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCompleteRenewal_BrokerRejectionBurnsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)

	f.broker.setAccessErr(&httpclient.AuthError{Status: 401})
	err = f.mgr.CompleteRenewal(ctx, "wrong-pin")
	var authErr *httpclient.AuthError
	require.ErrorAs(t, err, &authErr)

	f.broker.setAccessErr(nil)
	err = f.mgr.CompleteRenewal(ctx, "12345")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCompleteRenewal_TransientFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)

	f.broker.setAccessErr(errors.New("connection reset"))
	err = f.mgr.CompleteRenewal(ctx, "12345")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoActiveSession)

	// Same session completes once the broker recovers.
	f.broker.setAccessErr(nil)
	require.NoError(t, f.mgr.CompleteRenewal(ctx, "12345"))
}

func TestCompleteRenewal_StoreFailureKeepsSession(t *testing.T) {
	broker := &stubBroker{}
	pub := &recordingPublisher{}
	clk := clock.NewFake(testStart)
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	mgr := NewManager(model.Sandbox, testConfig(), zap.NewNop(), st, broker, pub, clk,
		ConsumerCredentials{Key: "ck", Secret: "cs"})
	ctx := context.Background()

	_, err := mgr.StartRenewal(ctx)
	require.NoError(t, err)

	st.setPutFail(true)
	err = mgr.CompleteRenewal(ctx, "12345")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// No half-committed token: reads still report unauthenticated.
	_, err = mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	st.setPutFail(false)
	require.NoError(t, mgr.CompleteRenewal(ctx, "12345"))
}

func TestStartRenewal_ReplacesPendingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url1, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)
	url2, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, url1, url2)

	require.NoError(t, f.mgr.CompleteRenewal(ctx, "12345"))

	rec, err := f.mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc-req-tok-2-12345", rec.AccessToken)
}

func TestStartRenewal_NoConsumerCredentials(t *testing.T) {
	broker := &stubBroker{}
	mgr := NewManager(model.Production, testConfig(), zap.NewNop(),
		store.NewMemoryStore(), broker, nil, clock.NewFake(testStart), ConsumerCredentials{})

	_, err := mgr.StartRenewal(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer credentials")
}

// ─── Expiry rules ─────────────────────────────────────────

func TestGetValidToken_IdleCutoffExpires(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)
	ctx := context.Background()

	f.clk.Advance(2 * time.Hour)

	_, err := f.mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrExpired)

	evt, ok := f.pub.last()
	require.True(t, ok)
	assert.Equal(t, model.EventExpired, evt.kind)
	assert.Equal(t, "idle_cutoff", evt.details["reason"])
}

func TestGetValidToken_MidnightBoundaryExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Authenticate late in the evening so the calendar day flips long
	// before the idle cutoff would.
	f.clk.Set(time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC))
	f.authenticate(t)

	f.clk.Advance(1 * time.Hour) // 00:30 next day, only 1h idle

	_, err := f.mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrExpired)

	evt, ok := f.pub.last()
	require.True(t, ok)
	assert.Equal(t, model.EventExpired, evt.kind)
	assert.Equal(t, "midnight_boundary", evt.details["reason"])
}

func TestGetValidToken_ActivityDoesNotOutliveMidnight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clk.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	f.authenticate(t)

	// Keep the token busy across the boundary; usage must not save it.
	f.clk.Advance(30 * time.Minute)
	require.NoError(t, f.mgr.MarkUsed(ctx))
	f.clk.Advance(45 * time.Minute)

	_, err := f.mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestIdleWarning_EntersAndClears(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)
	ctx := context.Background()

	f.clk.Advance(95 * time.Minute) // past cutoff - margin (90m), before cutoff

	rec, err := f.mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateIdleWarning, rec.State)

	evt, ok := f.pub.last()
	require.True(t, ok)
	assert.Equal(t, model.EventRenewalRequired, evt.kind)
	assert.Equal(t, "idle_warning", evt.details["reason"])

	// A successful authenticated call clears the warning.
	require.NoError(t, f.mgr.MarkUsed(ctx))
	rec, err = f.mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, rec.State)
}

func TestMarkRejected_IsTerminal(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)
	ctx := context.Background()

	f.mgr.MarkRejected(ctx)

	_, err := f.mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrExpired)

	// Timers cannot resurrect a broker-rejected token.
	assert.Equal(t, model.StateExpired, f.mgr.Recheck(ctx))

	evt, ok := f.pub.last()
	require.True(t, ok)
	assert.Equal(t, model.EventExpired, evt.kind)
	assert.Equal(t, "auth_rejected", evt.details["reason"])
}

func TestExpiredToken_RecoversOnlyViaRenewal(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)
	ctx := context.Background()

	f.clk.Advance(3 * time.Hour)
	_, err := f.mgr.GetValidToken(ctx)
	require.ErrorIs(t, err, ErrExpired)

	f.authenticate(t)
	rec, err := f.mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, rec.State)
}

// ─── MarkUsed persistence ─────────────────────────────────

func TestMarkUsed_PersistsBeforeMutating(t *testing.T) {
	broker := &stubBroker{}
	clk := clock.NewFake(testStart)
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	mgr := NewManager(model.Sandbox, testConfig(), zap.NewNop(), st, broker, nil, clk,
		ConsumerCredentials{Key: "ck", Secret: "cs"})
	ctx := context.Background()

	_, err := mgr.StartRenewal(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.CompleteRenewal(ctx, "12345"))

	clk.Advance(10 * time.Minute)
	st.setPutFail(true)

	err = mgr.MarkUsed(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// In-memory lastUsedAt unchanged after the failed write.
	rec, err := mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, testStart, rec.LastUsedAt)
}

func TestMarkUsed_WithoutToken(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.MarkUsed(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

// ─── Status ───────────────────────────────────────────────

func TestStatus_RequestIssuedWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := f.mgr.Status(ctx)
	assert.Equal(t, model.StateUnauthenticated, st.State)

	_, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)

	st = f.mgr.Status(ctx)
	assert.Equal(t, model.StateRequestIssued, st.State)
}

func TestStatus_PendingSessionDoesNotMaskActiveToken(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)
	ctx := context.Background()

	_, err := f.mgr.StartRenewal(ctx)
	require.NoError(t, err)

	st := f.mgr.Status(ctx)
	assert.Equal(t, model.StateActive, st.State)
}

func TestStatus_TimeUntilExpiryUsesNearestDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Midday: the idle cutoff (2h) is nearer than midnight.
	f.authenticate(t)
	st := f.mgr.Status(ctx)
	assert.Equal(t, 2*time.Hour, st.TimeUntilExpiry)

	// Late evening: midnight is nearer than the idle cutoff.
	f2 := newFixture(t)
	f2.clk.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	f2.authenticate(t)
	st = f2.mgr.Status(ctx)
	assert.Equal(t, 1*time.Hour, st.TimeUntilExpiry)
}

// ─── Startup ──────────────────────────────────────────────

func TestLoad_MissingRecordStartsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Load(ctx))
	_, err := f.mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestLoad_StaleStoredStateIsRecomputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A record persisted as ACTIVE yesterday must come back EXPIRED.
	rec := &model.TokenRecord{
		Environment:       model.Sandbox,
		ConsumerKey:       "ck",
		ConsumerSecret:    "cs",
		AccessToken:       "tok",
		AccessTokenSecret: "sec",
		IssuedAt:          testStart.Add(-24 * time.Hour),
		LastUsedAt:        testStart.Add(-24 * time.Hour),
		State:             model.StateActive,
	}
	require.NoError(t, f.store.Put(ctx, model.Sandbox, rec))

	require.NoError(t, f.mgr.Load(ctx))
	_, err := f.mgr.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrExpired)
}

// ─── Concurrency ──────────────────────────────────────────

func TestConcurrentUse_NoTornState(t *testing.T) {
	f := newFixture(t)
	f.authenticate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.mgr.MarkUsed(ctx)
			_, _ = f.mgr.GetValidToken(ctx)
			_ = f.mgr.Status(ctx)
		}()
	}
	wg.Wait()

	rec, err := f.mgr.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, rec.State)

	// Every MarkUsed write reached the store (plus the initial rotation).
	assert.Equal(t, 101, f.store.PutCount())
}
