package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/vault"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrProviderUnavailable wraps a transient initiation failure; the
// caller may retry with a fresh request.
var ErrProviderUnavailable = errors.New("provider temporarily unavailable")

// PaymentService owns the initiation path and the status read path.
type PaymentService struct {
	repo     repo.RepositoryInterface
	registry *provider.Registry
	resolver *Resolver
	poller   *Poller
	log      *zap.SugaredLogger
}

func NewPaymentService(r repo.RepositoryInterface, reg *provider.Registry, res *Resolver, p *Poller, log *zap.SugaredLogger) *PaymentService {
	return &PaymentService{repo: r, registry: reg, resolver: res, poller: p, log: log}
}

// InitiateParams is what the platform supplies to start a payment.
type InitiateParams struct {
	UserID    string
	Provider  model.Provider
	Amount    decimal.Decimal
	Currency  string
	Phone     string
	Email     string
	Narrative string
}

// Initiate runs the provider-specific initiation and creates the PENDING
// transaction the moment the rail accepts it, then hands the id to the
// status poller. A business rejection is recorded as an immediately
// FAILED transaction; a transient failure leaves no row at all.
func (s *PaymentService) Initiate(ctx context.Context, params InitiateParams) (*model.Transaction, error) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	adapter, ok := s.registry.Get(params.Provider)
	if !ok {
		return nil, ErrUnknownProvider
	}

	txID := uuid.NewString()
	reference := "KP-" + txID

	result, err := adapter.Initiate(ctx, provider.InitiateRequest{
		TransactionID: txID,
		UserID:        params.UserID,
		Reference:     reference,
		Amount:        params.Amount,
		Currency:      params.Currency,
		Phone:         params.Phone,
		Email:         params.Email,
		Narrative:     params.Narrative,
	})
	if err != nil {
		var perm *provider.PermanentError
		if errors.As(err, &perm) {
			return s.recordRejected(ctx, txID, reference, params, perm.Reason)
		}
		s.log.Warnw("initiation failed transiently", "provider", params.Provider, "err", err)
		return nil, ErrProviderUnavailable
	}

	metadata := "{}"
	if len(result.Metadata) > 0 {
		if b, merr := json.Marshal(result.Metadata); merr == nil {
			metadata = string(b)
		}
	}
	tx := &model.Transaction{
		ID:                txID,
		UserID:            params.UserID,
		Provider:          params.Provider,
		Amount:            params.Amount,
		Currency:          params.Currency,
		Status:            model.StatusPending,
		ProviderReference: result.ProviderReference,
		Metadata:          metadata,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	s.poller.Watch(tx)
	// contact details are masked; the msisdn digest correlates a
	// customer's payments across log lines without exposing the number
	contact := vault.MaskMap(map[string]string{"phone": params.Phone, "email": params.Email})
	s.log.Infow("payment initiated", "id", txID, "provider", params.Provider,
		"reference", tx.ProviderReference, "phone", contact["phone"], "email", contact["email"],
		"msisdn_digest", vault.Hash(params.Phone))
	return tx, nil
}

// recordRejected keeps an audit row for a business rejection; nothing
// polls or resolves it afterwards.
func (s *PaymentService) recordRejected(ctx context.Context, txID, reference string, params InitiateParams, reason string) (*model.Transaction, error) {
	now := time.Now()
	tx := &model.Transaction{
		ID:                txID,
		UserID:            params.UserID,
		Provider:          params.Provider,
		Amount:            params.Amount,
		Currency:          params.Currency,
		Status:            model.StatusFailed,
		ProviderReference: reference,
		Metadata:          "{}",
		FailureReason:     &reason,
		FailedAt:          &now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	s.log.Infow("payment rejected by provider", "id", txID, "provider", params.Provider, "reason", reason)
	return tx, nil
}

// GetTransaction returns the last authoritative persisted state.
func (s *PaymentService) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}
