package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/logger"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/vault"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testVaultKey = "8bca46ec2ff8dd2bd9bb2bfcbb0b78b51a952c2a78d4b2f0f2b7a960bb9fdf1c"

// fakeAdapter is a scriptable rail for engine tests.
type fakeAdapter struct {
	name   model.Provider
	policy config.PollingConfig

	mu      sync.Mutex
	queries int
	queryFn func(attempt int) (*provider.StatusResult, error)

	initRes *provider.InitiateResult
	initErr error

	verify  bool
	norm    *provider.NormalizedResult
	normErr error
	eventID string
}

func (f *fakeAdapter) Name() model.Provider         { return f.name }
func (f *fakeAdapter) Policy() config.PollingConfig { return f.policy }

func (f *fakeAdapter) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.initRes != nil {
		return f.initRes, nil
	}
	return &provider.InitiateResult{ProviderReference: req.Reference}, nil
}

func (f *fakeAdapter) QueryStatus(ctx context.Context, ref string) (*provider.StatusResult, error) {
	f.mu.Lock()
	f.queries++
	n := f.queries
	f.mu.Unlock()
	if f.queryFn != nil {
		return f.queryFn(n)
	}
	return &provider.StatusResult{Outcome: provider.OutcomePending}, nil
}

func (f *fakeAdapter) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeAdapter) VerifyCallback(cb provider.CallbackRequest) bool { return f.verify }

func (f *fakeAdapter) NormalizeCallback(payload []byte) (*provider.NormalizedResult, error) {
	if f.normErr != nil {
		return nil, f.normErr
	}
	return f.norm, nil
}

func (f *fakeAdapter) EventID(cb provider.CallbackRequest) string { return f.eventID }

type harness struct {
	repo     *repo.Repository
	adapter  *fakeAdapter
	resolver *Resolver
	poller   *Poller
	pipeline *Pipeline
	payments *PaymentService
	sweeper  *Sweeper
}

func quickPolicy(maxAttempts int) config.PollingConfig {
	return config.PollingConfig{
		Grace:         0,
		Interval:      time.Millisecond,
		MaxAttempts:   maxAttempts,
		FailOnExhaust: true,
	}
}

func newHarness(t *testing.T, adapter *fakeAdapter) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.WebhookEvent{}, &model.PaymentCredential{}, &model.OutboxEvent{}))

	log, err := logger.NewLogger()
	assert.NoError(t, err)
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	registry := provider.NewRegistry(adapter)
	v, err := vault.New(testVaultKey)
	assert.NoError(t, err)

	resolver := NewResolver(repository, log)
	poller := NewPoller(repository, resolver, registry, log)
	t.Cleanup(poller.Stop)
	pipeline := NewPipeline(registry, repository, resolver, v, log)
	pipeline.lookupRetries = 2
	pipeline.lookupDelay = 5 * time.Millisecond
	payments := NewPaymentService(repository, registry, resolver, poller, log)
	sweeper := NewSweeper(repository, registry, resolver, log)

	return &harness{
		repo:     repository,
		adapter:  adapter,
		resolver: resolver,
		poller:   poller,
		pipeline: pipeline,
		payments: payments,
		sweeper:  sweeper,
	}
}

func (h *harness) seedPending(t *testing.T, id, ref string, p model.Provider) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		ID:                id,
		UserID:            "user-1",
		Provider:          p,
		Amount:            decimal.NewFromInt(250),
		Currency:          "KES",
		Status:            model.StatusPending,
		ProviderReference: ref,
		Metadata:          "{}",
	}
	assert.NoError(t, h.repo.CreateTransaction(context.Background(), tx))
	return tx
}

func (h *harness) status(t *testing.T, id string) *model.Transaction {
	t.Helper()
	tx, err := h.repo.GetTransaction(context.Background(), id)
	assert.NoError(t, err)
	return tx
}

func waitReport(t *testing.T, p *Poller, txID string) PollReport {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-p.Reports():
			if r.TransactionID == txID {
				return r
			}
		case <-deadline:
			t.Fatalf("no poll report for %s", txID)
		}
	}
}
