package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Resolver is the single authority for transaction state transitions.
// Both the webhook pipeline and the poller hand their outcomes here; the
// store's conditional write decides which one wins.
type Resolver struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func NewResolver(r repo.RepositoryInterface, log *zap.SugaredLogger) *Resolver {
	return &Resolver{repo: r, log: log}
}

// terminalFor maps a normalized outcome onto the state machine. PENDING
// has no terminal state and must never reach Resolve.
func terminalFor(o provider.Outcome) (model.Status, bool) {
	switch o {
	case provider.OutcomeSuccess:
		return model.StatusCompleted, true
	case provider.OutcomeFailure:
		return model.StatusFailed, true
	case provider.OutcomeCancelled:
		return model.StatusCancelled, true
	case provider.OutcomeExpired:
		return model.StatusExpired, true
	default:
		return "", false
	}
}

// Resolve attempts the PENDING -> terminal transition. applied=false
// means another path already resolved the transaction; that is
// success-by-precedence, not an error. On a won transition the outbox
// event is written in the same DB transaction as the status flip.
func (r *Resolver) Resolve(ctx context.Context, txID string, res provider.NormalizedResult, viaWebhook bool) (bool, error) {
	next, ok := terminalFor(res.Outcome)
	if !ok {
		return false, fmt.Errorf("resolve: outcome %q is not terminal", res.Outcome)
	}

	now := time.Now()
	fields := map[string]interface{}{}
	if res.ProviderTransactionID != "" {
		fields["provider_transaction_id"] = res.ProviderTransactionID
	}
	if res.FailureReason != "" {
		fields["failure_reason"] = res.FailureReason
	}
	if viaWebhook {
		fields["webhook_received"] = true
	}
	if next == model.StatusCompleted {
		fields["confirmed_at"] = &now
	} else {
		fields["failed_at"] = &now
	}

	var applied bool
	err := r.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = r.repo.ConditionalTransition(ctx, tx, txID, model.StatusPending, next, fields)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id":          txID,
			"status":                  next,
			"provider_transaction_id": res.ProviderTransactionID,
			"failure_reason":          res.FailureReason,
			"via_webhook":             viaWebhook,
		})
		evt := &model.OutboxEvent{
			Aggregate:   "Transaction",
			AggregateID: txID,
			EventType:   "Transaction" + string(next),
			Payload:     string(payload),
		}
		return r.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return false, err
	}
	if applied {
		r.log.Infow("transaction resolved", "id", txID, "status", next, "via_webhook", viaWebhook)
	} else {
		r.log.Debugw("transition lost conditional write, already resolved", "id", txID)
	}
	return applied, nil
}
