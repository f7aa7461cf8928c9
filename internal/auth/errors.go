package auth

import "errors"

// Sentinel errors for lifecycle callers. Check with errors.Is; every
// state-changing operation returns one of these rather than leaking
// transport errors across the lifecycle boundary.
var (
	// ErrNotAuthenticated: no usable token exists (UNAUTHENTICATED or a
	// handshake is still in flight).
	ErrNotAuthenticated = errors.New("not authenticated: no usable token")

	// ErrExpired: the token crossed the idle cutoff or the local-midnight
	// boundary; full re-authorization is required.
	ErrExpired = errors.New("token expired: re-authorization required")

	// ErrNoActiveSession: CompleteRenewal was called without a pending
	// renewal session (or the session was already consumed).
	ErrNoActiveSession = errors.New("no active renewal session")

	// ErrSessionExpired: the renewal session TTL elapsed before the
	// verifier arrived; the caller must start over.
	ErrSessionExpired = errors.New("renewal session expired")

	// ErrStoreUnavailable: the credential store failed; in-memory state
	// was left untouched.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)
