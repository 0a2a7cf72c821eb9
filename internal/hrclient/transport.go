package hrclient

import (
	"context"
	"net/http"
)

// TokenSource supplies the bearer token for outgoing requests and is told
// when the backend drops the session.
type TokenSource interface {
	// Token returns the current access token, refreshing it first if needed.
	Token(ctx context.Context) (string, error)
	// Invalidate clears local credentials after the backend answered 401.
	// Implementations must be idempotent.
	Invalidate()
}

// authTransport attaches the bearer token to every request and turns a 401
// from any endpoint into a global session invalidation. Logout handling lives
// here, on the transport, so no call site threads it through by hand.
type authTransport struct {
	base http.RoundTripper
	src  TokenSource
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.src != nil {
		if tok, err := t.src.Token(req.Context()); err == nil && tok != "" {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && t.src != nil {
		t.src.Invalidate()
	}
	return resp, err
}
