package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newFlutterwaveWithServer(t *testing.T, handler http.HandlerFunc) (*Flutterwave, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log, _ := logger.NewLogger()
	flw, err := NewFlutterwave(config.FlutterwaveConfig{
		BaseURL:       srv.URL,
		SecretKey:     "FLWSECK_TEST",
		WebhookSecret: "whsec",
		Polling:       config.PollingConfig{Interval: time.Second, MaxAttempts: 5},
	}, log)
	assert.NoError(t, err)
	return flw, srv
}

func TestNewFlutterwave_RequiresCredentials(t *testing.T) {
	log, _ := logger.NewLogger()
	_, err := NewFlutterwave(config.FlutterwaveConfig{WebhookSecret: "x"}, log)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "secret_key", cfgErr.Missing)
}

func TestFlutterwave_Initiate(t *testing.T) {
	flw, _ := newFlutterwaveWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer FLWSECK_TEST", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"success","message":"Charge initiated","data":{"id":871,"tx_ref":"KP-1","status":"pending"}}`))
	})
	res, err := flw.Initiate(context.Background(), InitiateRequest{
		Reference: "KP-1", Amount: decimal.NewFromInt(500), Currency: "NGN", Email: "j@example.com",
	})
	assert.NoError(t, err)
	assert.Equal(t, "KP-1", res.ProviderReference)
}

func TestFlutterwave_InitiateRejection(t *testing.T) {
	flw, _ := newFlutterwaveWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"Invalid currency"}`))
	})
	_, err := flw.Initiate(context.Background(), InitiateRequest{Reference: "KP-2", Amount: decimal.NewFromInt(1), Currency: "XXX"})
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "Invalid currency")
}

func TestFlutterwave_InitiateServerErrorIsTransient(t *testing.T) {
	flw, _ := newFlutterwaveWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := flw.Initiate(context.Background(), InitiateRequest{Reference: "KP-3", Amount: decimal.NewFromInt(1), Currency: "NGN"})
	assert.True(t, IsTransient(err))
}

func TestFlutterwave_QueryStatus(t *testing.T) {
	cases := []struct {
		body    string
		outcome Outcome
		reason  string
	}{
		{`{"status":"success","data":{"id":871,"tx_ref":"KP-1","status":"successful"}}`, OutcomeSuccess, ""},
		{`{"status":"success","data":{"id":871,"tx_ref":"KP-1","status":"failed","processor_response":"insufficient funds"}}`, OutcomeFailure, "insufficient funds"},
		{`{"status":"success","data":{"id":871,"tx_ref":"KP-1","status":"pending"}}`, OutcomePending, ""},
	}
	for _, c := range cases {
		body := c.body
		flw, _ := newFlutterwaveWithServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.URL.RawQuery, "tx_ref=KP-1")
			w.Write([]byte(body))
		})
		res, err := flw.QueryStatus(context.Background(), "KP-1")
		assert.NoError(t, err)
		assert.Equal(t, c.outcome, res.Outcome)
		assert.Equal(t, c.reason, res.FailureReason)
	}
}

func TestFlutterwave_VerifyCallback(t *testing.T) {
	log, _ := logger.NewLogger()
	flw, err := NewFlutterwave(config.FlutterwaveConfig{BaseURL: "http://x", SecretKey: "sk", WebhookSecret: "whsec"}, log)
	assert.NoError(t, err)

	body := []byte(`{"event":"charge.completed","data":{"id":871,"tx_ref":"KP-1","status":"successful"}}`)
	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, flw.VerifyCallback(CallbackRequest{Body: body, Signature: sig}))

	// flipping any payload byte must break verification
	flipped := append([]byte(nil), body...)
	flipped[10] ^= 0x01
	assert.False(t, flw.VerifyCallback(CallbackRequest{Body: flipped, Signature: sig}))
	assert.False(t, flw.VerifyCallback(CallbackRequest{Body: body, Signature: "deadbeef"}))
}

func TestFlutterwave_NormalizeCallback(t *testing.T) {
	log, _ := logger.NewLogger()
	flw, _ := NewFlutterwave(config.FlutterwaveConfig{BaseURL: "http://x", SecretKey: "sk", WebhookSecret: "whsec"}, log)

	body := []byte(`{"event":"charge.completed","data":{"id":871,"tx_ref":"KP-1","status":"successful","card":{"token":"flw-t1-abc","last_4digits":"4242"}}}`)
	res, err := flw.NormalizeCallback(body)
	assert.NoError(t, err)
	assert.Equal(t, "KP-1", res.ProviderReference)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "871", res.ProviderTransactionID)
	assert.Equal(t, "flw-t1-abc", res.Token)
	assert.Equal(t, "**** **** **** 4242", res.TokenDetail)

	// no delivery id on this rail: identical payloads share an event id
	id1 := flw.EventID(CallbackRequest{Body: body})
	id2 := flw.EventID(CallbackRequest{Body: body})
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, flw.EventID(CallbackRequest{Body: []byte(`{}`)}))
}
