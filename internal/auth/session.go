package auth

import "time"

// Session is the ephemeral state of one in-flight 3-legged handshake.
// It is held in memory only, never persisted, and consumed exactly once
// by CompleteRenewal. The broker treats request tokens as single-use and
// short-lived, so an abandoned session is simply discarded.
type Session struct {
	RequestToken       string
	RequestTokenSecret string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// ExpiredAt reports whether the session TTL elapsed at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
