package channel

import (
	"errors"
	"fmt"
	"net/url"
)

// TokenParam is the query parameter carrying the credential. Browsers cannot
// set headers on a websocket handshake, so the server reads it from the URL.
const TokenParam = "token"

// ErrInvalidEndpoint is returned for endpoints that cannot address a push channel.
var ErrInvalidEndpoint = errors.New("invalid channel endpoint")

// ParseEndpoint validates a channel endpoint. http and https are mapped to
// their websocket equivalents.
func ParseEndpoint(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return u, nil
}

// BuildURL attaches token to endpoint, keeping any query parameters already
// present and replacing a previous token.
func BuildURL(endpoint *url.URL, token string) string {
	u := *endpoint
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String()
}
