package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newAirtelWithServer(t *testing.T, handler http.HandlerFunc) *Airtel {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/auth/") {
			w.Write([]byte(`{"access_token":"at-1","expires_in":180}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	log, _ := logger.NewLogger()
	a, err := NewAirtel(config.AirtelConfig{
		BaseURL:      srv.URL,
		ClientID:     "cid",
		ClientSecret: "cs",
		Country:      "UG",
		Currency:     "UGX",
		Polling:      config.PollingConfig{Interval: time.Second, MaxAttempts: 5},
	}, log)
	assert.NoError(t, err)
	return a
}

func TestAirtel_Initiate(t *testing.T) {
	a := newAirtelWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UG", r.Header.Get("X-Country"))
		w.Write([]byte(`{"data":{"transaction":{"id":"at-tx-1","status":"TIP"}},"status":{"code":"200","success":true,"message":"SUCCESS"}}`))
	})
	res, err := a.Initiate(context.Background(), InitiateRequest{Reference: "KP-1", Amount: decimal.NewFromInt(5000), Phone: "750111222"})
	assert.NoError(t, err)
	assert.Equal(t, "KP-1", res.ProviderReference)
}

func TestAirtel_QueryStatusMapping(t *testing.T) {
	cases := []struct {
		status  string
		outcome Outcome
	}{
		{"TS", OutcomeSuccess},
		{"TF", OutcomeFailure},
		{"TIP", OutcomePending},
	}
	for _, c := range cases {
		status := c.status
		a := newAirtelWithServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/KP-1"))
			w.Write([]byte(`{"data":{"transaction":{"id":"at-tx-1","status":"` + status + `","message":"done"}},"status":{"success":true}}`))
		})
		res, err := a.QueryStatus(context.Background(), "KP-1")
		assert.NoError(t, err)
		assert.Equal(t, c.outcome, res.Outcome)
	}
}

func TestAirtel_NoCallbackChannel(t *testing.T) {
	a := newAirtelWithServer(t, func(w http.ResponseWriter, r *http.Request) {})
	// poll-only rail: authenticity is vacuously true, normalization refuses
	assert.True(t, a.VerifyCallback(CallbackRequest{}))
	_, err := a.NormalizeCallback([]byte(`{}`))
	assert.Error(t, err)
}
