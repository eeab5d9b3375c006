package provider

import (
	"context"
	"sync"
	"time"
)

// expirySkew refreshes a token slightly before the provider would
// actually reject it.
const expirySkew = 30 * time.Second

// tokenSource caches an OAuth bearer token per adapter instance and
// refreshes it synchronously before use once expired.
type tokenSource struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
	fetch  func(ctx context.Context) (token string, ttl time.Duration, err error)
	now    func() time.Time
}

func newTokenSource(fetch func(ctx context.Context) (string, time.Duration, error)) *tokenSource {
	return &tokenSource{fetch: fetch, now: time.Now}
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && t.now().Before(t.expiry.Add(-expirySkew)) {
		return t.token, nil
	}
	token, ttl, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	t.expiry = t.now().Add(ttl)
	return token, nil
}
