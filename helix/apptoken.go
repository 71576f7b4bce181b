package helix

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// AppTokenSource is an oauth2.TokenSource over the client-credentials
// grant. It owns the app access token: callers never see an expired token
// and cannot mutate the cached one.
//
// Refreshes are single-flight: concurrent callers finding an expired/absent
// token join the refresh in flight and share its result. On success the
// OAuth endpoint sees a single token request no matter how many callers
// raced; on failure every joined caller gets the same error.
type AppTokenSource struct {
	ctx context.Context
	cfg *clientcredentials.Config

	sf  singleflight.Group
	mu  sync.Mutex
	tok *oauth2.Token
}

func NewAppTokenSource(ctx context.Context, cfg *clientcredentials.Config) *AppTokenSource {
	return &AppTokenSource{
		ctx: ctx,
		cfg: cfg,
	}
}

// Token returns the cached app token, requesting a new one when absent or
// near expiry. Valid() keeps a safety margin, a token about to expire
// counts as expired.
//
// A failed request caches nothing: its error is shared by every caller
// joined to the refresh, and the next call retries on its own.
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	if s.tok.Valid() {
		tok := s.tok
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		// a refresh that finished while we waited for the flight slot
		// already cached a fresh token
		s.mu.Lock()
		if s.tok.Valid() {
			tok := s.tok
			s.mu.Unlock()
			return tok, nil
		}
		s.mu.Unlock()

		tok, err := s.cfg.Token(s.ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tok = tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}
