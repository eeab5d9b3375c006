package replay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStaleTimestamp = errors.New("timestamp outside validity window")
	ErrDuplicateNonce = errors.New("nonce already used")
	ErrBadSignature   = errors.New("request signature mismatch")
	// ErrStoreUnavailable means the nonce store could not be reached.
	// The guard fails closed: payment-mutating requests are rejected
	// rather than accepted unverified.
	ErrStoreUnavailable = errors.New("nonce store unavailable")
)

// NonceStore claims single-use nonces with a TTL. Claimed nonces become
// valid again once the TTL elapses.
type NonceStore interface {
	SetNonce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Guard validates request freshness: timestamp age, nonce uniqueness
// inside the validity window, and (optionally) an HMAC signature over
// the request identity.
type Guard struct {
	store            NonceStore
	maxAge           time.Duration
	secret           []byte
	requireSignature bool
	log              *zap.SugaredLogger
	now              func() time.Time
}

func NewGuard(store NonceStore, maxAge time.Duration, secret string, requireSignature bool, log *zap.SugaredLogger) *Guard {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Guard{
		store:            store,
		maxAge:           maxAge,
		secret:           []byte(secret),
		requireSignature: requireSignature,
		log:              log,
		now:              time.Now,
	}
}

// Request carries the fields the guard examines.
type Request struct {
	Timestamp string
	Nonce     string
	Signature string
	Method    string
	Path      string
	Body      []byte
}

// Validate rejects stale, replayed, or tampered requests. The nonce TTL
// equals the timestamp window, so a nonce is reusable exactly when its
// timestamp would be rejected as stale anyway.
func (g *Guard) Validate(ctx context.Context, req Request) error {
	if req.Timestamp == "" || req.Nonce == "" {
		return ErrStaleTimestamp
	}
	unix, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	age := g.now().Sub(time.Unix(unix, 0))
	if age > g.maxAge || age < -g.maxAge {
		return ErrStaleTimestamp
	}

	if g.requireSignature {
		if !g.verifySignature(req) {
			return ErrBadSignature
		}
	}

	ok, err := g.store.SetNonce(ctx, req.Nonce, g.maxAge)
	if err != nil {
		g.log.Errorw("nonce store error, failing closed", "err", err)
		return ErrStoreUnavailable
	}
	if !ok {
		return ErrDuplicateNonce
	}
	return nil
}

// verifySignature checks hex(HMAC-SHA256(secret,
// timestamp + nonce + method + path + hex(sha256(body)))) in constant time.
func (g *Guard) verifySignature(req Request) bool {
	bodyDigest := sha256.Sum256(req.Body)
	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s%s%s%s%s", req.Timestamp, req.Nonce, req.Method, req.Path, hex.EncodeToString(bodyDigest[:]))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(req.Signature))
}
