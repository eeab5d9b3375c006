package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/logger"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/replay"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/service"
	"github.com/kolapay/payment-service/internal/vault"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubAdapter answers every call with a canned success.
type stubAdapter struct{ verify bool }

func (s *stubAdapter) Name() model.Provider { return model.ProviderFlutterwave }
func (s *stubAdapter) Policy() config.PollingConfig {
	return config.PollingConfig{Interval: time.Millisecond, MaxAttempts: 1}
}
func (s *stubAdapter) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	return &provider.InitiateResult{ProviderReference: req.Reference}, nil
}
func (s *stubAdapter) QueryStatus(ctx context.Context, ref string) (*provider.StatusResult, error) {
	return &provider.StatusResult{Outcome: provider.OutcomePending}, nil
}
func (s *stubAdapter) VerifyCallback(cb provider.CallbackRequest) bool { return s.verify }
func (s *stubAdapter) NormalizeCallback(payload []byte) (*provider.NormalizedResult, error) {
	return &provider.NormalizedResult{ProviderReference: "KP-ref", Outcome: provider.OutcomeSuccess}, nil
}
func (s *stubAdapter) EventID(cb provider.CallbackRequest) string { return "EVT1" }

type passThroughStore struct{}

func (passThroughStore) SetNonce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func newTestRouter(t *testing.T, adapter provider.Adapter) (*gin.Engine, *repo.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.WebhookEvent{}, &model.PaymentCredential{}, &model.OutboxEvent{}))

	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	registry := provider.NewRegistry(adapter)
	v, err := vault.New("8bca46ec2ff8dd2bd9bb2bfcbb0b78b51a952c2a78d4b2f0f2b7a960bb9fdf1c")
	assert.NoError(t, err)

	resolver := service.NewResolver(repository, log)
	poller := service.NewPoller(repository, resolver, registry, log)
	t.Cleanup(poller.Stop)
	pipeline := service.NewPipeline(registry, repository, resolver, v, log)
	payments := service.NewPaymentService(repository, registry, resolver, poller, log)
	guard := replay.NewGuard(passThroughStore{}, 5*time.Minute, "", false, log)

	return NewRouter(payments, pipeline, guard, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log), repository
}

func TestInitiateEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &stubAdapter{verify: true})

	body := `{"user_id":"user-1","provider":"flutterwave","amount":"100","currency":"NGN","email":"j@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader(body))
	req.Header.Set("X-Timestamp", nowUnix())
	req.Header.Set("X-Nonce", "N1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)
}

func TestInitiateEndpoint_ReplayGuardRejectsMissingHeaders(t *testing.T) {
	router, _ := newTestRouter(t, &stubAdapter{verify: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookEndpoint_AcknowledgesAndRejects(t *testing.T) {
	router, repository := newTestRouter(t, &stubAdapter{verify: true})

	// seed the transaction the callback refers to
	err := repository.CreateTransaction(context.Background(), &model.Transaction{
		ID: "tx-1", UserID: "user-1", Provider: model.ProviderFlutterwave,
		Amount: decimal.NewFromInt(100), Currency: "NGN",
		Status: model.StatusPending, ProviderReference: "KP-ref", Metadata: "{}",
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/flutterwave", strings.NewReader(`{"event":"charge.completed"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	tx, err := repository.GetTransaction(context.Background(), "tx-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tx.Status)

	// unknown rail
	req = httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(`{}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookEndpoint_UnauthenticatedIs401(t *testing.T) {
	router, repository := newTestRouter(t, &stubAdapter{verify: false})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/flutterwave", strings.NewReader(`{"event":"charge.completed"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var events int64
	repository.DB(context.Background()).Model(&model.WebhookEvent{}).Count(&events)
	assert.EqualValues(t, 0, events)
}

func TestStatusEndpoint(t *testing.T) {
	router, repository := newTestRouter(t, &stubAdapter{verify: true})

	err := repository.CreateTransaction(context.Background(), &model.Transaction{
		ID: "tx-2", UserID: "user-1", Provider: model.ProviderFlutterwave,
		Amount: decimal.NewFromInt(100), Currency: "NGN",
		Status: model.StatusPending, ProviderReference: "KP-2", Metadata: "{}",
	})
	assert.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/tx-2", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func nowUnix() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
