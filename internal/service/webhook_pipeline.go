package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/vault"
	"go.uber.org/zap"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnauthenticated = errors.New("callback failed authenticity check")
	// ErrDedupeUnavailable means the durable dedupe write failed; the
	// handler answers non-2xx so the provider redelivers later.
	ErrDedupeUnavailable = errors.New("webhook dedupe write failed")
)

// Pipeline ingests provider callbacks: verify, dedupe, normalize,
// resolve, side effects. Acknowledgement only requires the durable
// dedupe write, never downstream resolution.
type Pipeline struct {
	registry *provider.Registry
	repo     repo.RepositoryInterface
	resolver *Resolver
	vault    *vault.Vault
	log      *zap.SugaredLogger

	lookupRetries int
	lookupDelay   time.Duration
}

func NewPipeline(reg *provider.Registry, r repo.RepositoryInterface, res *Resolver, v *vault.Vault, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		registry:      reg,
		repo:          r,
		resolver:      res,
		vault:         v,
		log:           log,
		lookupRetries: 3,
		lookupDelay:   200 * time.Millisecond,
	}
}

// Ingest runs the full pipeline for one inbound callback. A nil return
// means the event is safe to acknowledge.
func (p *Pipeline) Ingest(ctx context.Context, name model.Provider, cb provider.CallbackRequest) error {
	adapter, ok := p.registry.Get(name)
	if !ok {
		return ErrUnknownProvider
	}

	// unauthenticated payloads never reach the dedupe table
	if !adapter.VerifyCallback(cb) {
		p.log.Warnw("SECURITY callback rejected, authenticity check failed",
			"provider", name, "source_ip", cb.SourceIP)
		return ErrUnauthenticated
	}

	eventID := adapter.EventID(cb)
	inserted, err := p.repo.InsertWebhookEvent(ctx, &model.WebhookEvent{
		ID:       uuid.NewString(),
		Provider: name,
		EventID:  eventID,
		Payload:  string(cb.Body),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDedupeUnavailable, err)
	}
	if !inserted {
		// redelivery; the first delivery owns processing
		p.log.Infow("duplicate webhook acknowledged", "provider", name, "event_id", eventID)
		return nil
	}

	norm, err := adapter.NormalizeCallback(cb.Body)
	if err != nil {
		p.log.Errorw("webhook payload not normalizable", "provider", name, "event_id", eventID, "err", err)
		return p.repo.MarkWebhookProcessed(ctx, name, eventID)
	}

	tx, err := p.lookupWithRetry(ctx, name, norm.ProviderReference)
	if err != nil {
		// callback outran the initiation write; leave the event
		// unprocessed so the reconciliation sweep can revisit it
		p.log.Warnw("webhook has no matching transaction, flagged for reconciliation",
			"provider", name, "reference", norm.ProviderReference, "event_id", eventID)
		return nil
	}

	if norm.Outcome == provider.OutcomePending {
		// nothing to resolve yet; the poller keeps watching
		return p.repo.MarkWebhookProcessed(ctx, name, eventID)
	}

	applied, err := p.resolver.Resolve(ctx, tx.ID, *norm, true)
	if err != nil {
		// the dedupe row is durable, so a redelivery would ack as a
		// duplicate and never reprocess; ack now and let the poll and
		// sweep paths re-query the rail instead
		p.log.Errorw("webhook resolution failed, left for reconciliation",
			"provider", name, "event_id", eventID, "transaction_id", tx.ID, "err", err)
		return nil
	}
	if applied && norm.Outcome == provider.OutcomeSuccess && norm.Token != "" {
		p.storeCredential(ctx, tx, norm)
	}
	return p.repo.MarkWebhookProcessed(ctx, name, eventID)
}

func (p *Pipeline) lookupWithRetry(ctx context.Context, name model.Provider, ref string) (*model.Transaction, error) {
	var lastErr error
	for i := 0; i < p.lookupRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(p.lookupDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		tx, err := p.repo.FindByProviderReference(ctx, name, ref)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return nil, lastErr
}

// storeCredential is the once-only side effect of the first COMPLETED
// transition: the winning caller persists the reusable instrument. The
// unique transaction_id index backstops even that.
func (p *Pipeline) storeCredential(ctx context.Context, tx *model.Transaction, norm *provider.NormalizedResult) {
	encrypted, err := p.vault.Encrypt(norm.Token)
	if err != nil {
		p.log.Errorw("credential encryption failed", "transaction_id", tx.ID, "err", err)
		return
	}
	cred := &model.PaymentCredential{
		ID:             uuid.NewString(),
		UserID:         tx.UserID,
		Provider:       tx.Provider,
		TransactionID:  tx.ID,
		EncryptedToken: encrypted,
		MaskedDetail:   norm.TokenDetail,
	}
	if err := p.repo.CreateCredential(ctx, cred); err != nil {
		p.log.Errorw("credential store failed", "transaction_id", tx.ID, "err", err)
		return
	}
	p.log.Infow("payment credential stored", "transaction_id", tx.ID, "detail", cred.MaskedDetail)
}
