package model

import "time"

// Environment identifies one of the two isolated broker environments.
// Production and sandbox never share credentials or state.
type Environment string

const (
	Production Environment = "prod"
	Sandbox    Environment = "sandbox"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == Production || e == Sandbox
}

// State is the lifecycle state of an environment's token.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateRequestIssued   State = "REQUEST_ISSUED"
	StateActive          State = "ACTIVE"
	StateIdleWarning     State = "IDLE_WARNING"
	StateExpired         State = "EXPIRED"
)

// TokenRecord is the durable unit of truth for one environment's credentials.
// At most one record exists per environment at any time.
type TokenRecord struct {
	Environment       Environment `json:"environment"`
	ConsumerKey       string      `json:"consumer_key"`
	ConsumerSecret    string      `json:"consumer_secret"`
	AccessToken       string      `json:"access_token"`
	AccessTokenSecret string      `json:"access_token_secret"`
	IssuedAt          time.Time   `json:"issued_at"`
	LastUsedAt        time.Time   `json:"last_used_at"`
	State             State       `json:"state"`
}

// Clone returns a copy so callers cannot mutate the manager's view.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
