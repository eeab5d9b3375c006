package replay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/kolapay/payment-service/internal/logger"
	"github.com/stretchr/testify/assert"
)

type fakeNonceStore struct {
	entries map[string]time.Time
	now     time.Time
	err     error
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{entries: map[string]time.Time{}, now: time.Unix(1700000000, 0)}
}

func (f *fakeNonceStore) SetNonce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if exp, ok := f.entries[key]; ok && f.now.Before(exp) {
		return false, nil
	}
	f.entries[key] = f.now.Add(ttl)
	return true, nil
}

func newTestGuard(store NonceStore, requireSig bool) *Guard {
	log, _ := logger.NewLogger()
	g := NewGuard(store, 5*time.Minute, "guard-secret", requireSig, log)
	return g
}

func freshRequest(g *Guard, nonce string) Request {
	return Request{
		Timestamp: strconv.FormatInt(g.now().Unix(), 10),
		Nonce:     nonce,
		Method:    "POST",
		Path:      "/v1/payments",
		Body:      []byte(`{"amount":"100"}`),
	}
}

func TestGuard_NonceReuseRejectedUntilTTL(t *testing.T) {
	store := newFakeNonceStore()
	g := newTestGuard(store, false)
	g.now = func() time.Time { return store.now }

	assert.NoError(t, g.Validate(context.Background(), freshRequest(g, "N1")))

	// reuse inside the window
	err := g.Validate(context.Background(), freshRequest(g, "N1"))
	assert.ErrorIs(t, err, ErrDuplicateNonce)

	// same nonce after TTL expiry is a fresh nonce again
	store.now = store.now.Add(time.Hour)
	assert.NoError(t, g.Validate(context.Background(), freshRequest(g, "N1")))
}

func TestGuard_StaleTimestamp(t *testing.T) {
	store := newFakeNonceStore()
	g := newTestGuard(store, false)
	g.now = func() time.Time { return store.now }

	req := freshRequest(g, "N2")
	req.Timestamp = strconv.FormatInt(store.now.Add(-10*time.Minute).Unix(), 10)
	assert.ErrorIs(t, g.Validate(context.Background(), req), ErrStaleTimestamp)

	req.Timestamp = "not-a-number"
	assert.ErrorIs(t, g.Validate(context.Background(), req), ErrStaleTimestamp)

	req.Timestamp = ""
	assert.ErrorIs(t, g.Validate(context.Background(), req), ErrStaleTimestamp)

	// stale requests never consume the nonce
	assert.NoError(t, g.Validate(context.Background(), freshRequest(g, "N2")))
}

func TestGuard_SignatureVerification(t *testing.T) {
	store := newFakeNonceStore()
	g := newTestGuard(store, true)
	g.now = func() time.Time { return store.now }

	req := freshRequest(g, "N3")
	req.Signature = signFor(t, "guard-secret", req)
	assert.NoError(t, g.Validate(context.Background(), req))

	tampered := freshRequest(g, "N4")
	tampered.Signature = signFor(t, "guard-secret", tampered)
	tampered.Body = []byte(`{"amount":"999"}`)
	assert.ErrorIs(t, g.Validate(context.Background(), tampered), ErrBadSignature)
}

func TestGuard_FailsClosedWhenStoreDown(t *testing.T) {
	store := newFakeNonceStore()
	store.err = errors.New("connection refused")
	g := newTestGuard(store, false)
	g.now = func() time.Time { return store.now }

	err := g.Validate(context.Background(), freshRequest(g, "N5"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func signFor(t *testing.T, secret string, req Request) string {
	t.Helper()
	bodyDigest := sha256.Sum256(req.Body)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s%s%s%s%s", req.Timestamp, req.Nonce, req.Method, req.Path, hex.EncodeToString(bodyDigest[:]))
	return hex.EncodeToString(mac.Sum(nil))
}
