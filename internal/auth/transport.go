package auth

import (
	"context"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// BasicAuthTransport adds HTTP basic auth to every request of the primary
// API session.
type BasicAuthTransport struct {
	Username string
	Password string
	Base     http.RoundTripper
}

func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.Username, t.Password)
	return baseTransport(t.Base).RoundTrip(r)
}

// TokenSource hands out the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Refresher replaces a token the server rejected.
type Refresher interface {
	Refresh(ctx context.Context, stale string) (string, error)
}

// BearerTransport authorizes requests with a token from Source. When the
// server answers 401 and Source is also a Refresher, the token is refreshed
// once and the request replayed once.
type BearerTransport struct {
	Source TokenSource
	Base   http.RoundTripper
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.Source.Token(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := baseTransport(t.Base).RoundTrip(withBearer(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	refresher, ok := t.Source.(Refresher)
	if !ok || (req.Body != nil && req.GetBody == nil) {
		return resp, nil
	}
	fresh, err := refresher.Refresh(ctx, token)
	if err != nil {
		log.WithError(err).Warn("Token refresh after 401 failed")
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := withBearer(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	log.Debugf("Retrying %s %s with refreshed token", req.Method, req.URL)
	return baseTransport(t.Base).RoundTrip(retry)
}

func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func baseTransport(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}
