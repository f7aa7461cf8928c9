package etrade

const (
	requestTokenPath = "/oauth/request_token"
	accessTokenPath  = "/oauth/access_token"
	probePath        = "/v1/accounts/list"

	// oobCallback tells the broker to display a PIN instead of redirecting.
	oobCallback = "oob"
)
