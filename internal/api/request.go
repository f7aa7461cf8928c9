package api

import "errors"

// CompleteRenewalRequest carries the verifier code the user copied from
// the broker's authorization page.
type CompleteRenewalRequest struct {
	Verifier string `json:"verifier"`
}

func (r CompleteRenewalRequest) Validate() error {
	if r.Verifier == "" {
		return errors.New("verifier is required")
	}
	return nil
}

// RenewalStartResponse is returned by the start-renewal endpoint.
type RenewalStartResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// KeepAliveForceResponse is returned by the force-keepalive endpoint.
type KeepAliveForceResponse struct {
	Result    string `json:"result"`
	LatencyMs int64  `json:"latency_ms"`
	ErrorMsg  string `json:"error,omitempty"`
}
