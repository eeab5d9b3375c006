package service

import (
	"context"
	"time"

	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"go.uber.org/zap"
)

// Sweeper is the safety net behind the in-process pollers: it revisits
// PENDING transactions old enough that their poll task must be gone
// (rails with fail_on_exhaust disabled, or a restarted server that lost
// its in-flight tasks) and re-queries the rail for them.
type Sweeper struct {
	repo     repo.RepositoryInterface
	registry *provider.Registry
	resolver *Resolver
	log      *zap.SugaredLogger
}

func NewSweeper(r repo.RepositoryInterface, reg *provider.Registry, res *Resolver, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{repo: r, registry: reg, resolver: res, log: log}
}

// Sweep resolves what it can and reports how many transactions moved.
// It runs two passes: stale PENDING transactions are re-queried against
// the rail, and accepted webhook events whose processing never finished
// are replayed from their stored payloads.
func (s *Sweeper) Sweep(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	resolvedEvents, err := s.sweepEvents(ctx, olderThan, limit)
	if err != nil {
		s.log.Warnw("event sweep failed", "err", err)
	}
	stale, err := s.repo.FindStalePending(ctx, olderThan, limit)
	if err != nil {
		return resolvedEvents, err
	}
	resolved := resolvedEvents
	for _, tx := range stale {
		adapter, ok := s.registry.Get(tx.Provider)
		if !ok {
			continue
		}
		st, err := adapter.QueryStatus(ctx, tx.ProviderReference)
		if err != nil {
			if provider.IsPermanent(err) {
				norm := provider.NormalizedResult{
					ProviderReference: tx.ProviderReference,
					Outcome:           provider.OutcomeFailure,
					FailureReason:     err.Error(),
				}
				if applied, _ := s.resolver.Resolve(ctx, tx.ID, norm, false); applied {
					resolved++
				}
			} else {
				s.log.Warnw("sweep query failed", "id", tx.ID, "err", err)
			}
			continue
		}
		if st.Outcome == provider.OutcomePending {
			continue
		}
		norm := provider.NormalizedResult{
			ProviderReference:     tx.ProviderReference,
			Outcome:               st.Outcome,
			ProviderTransactionID: st.ProviderTransactionID,
			FailureReason:         st.FailureReason,
		}
		if applied, err := s.resolver.Resolve(ctx, tx.ID, norm, false); err != nil {
			s.log.Errorw("sweep resolve failed", "id", tx.ID, "err", err)
		} else if applied {
			resolved++
		}
	}
	return resolved, nil
}

// sweepEvents replays unprocessed webhook events against their stored
// payloads. Events that arrived before the initiation write, or whose
// resolution failed, get a second chance here.
func (s *Sweeper) sweepEvents(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	events, err := s.repo.FindUnprocessedEvents(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, evt := range events {
		adapter, ok := s.registry.Get(evt.Provider)
		if !ok {
			continue
		}
		norm, err := adapter.NormalizeCallback([]byte(evt.Payload))
		if err != nil {
			s.log.Errorw("sweep event not normalizable", "provider", evt.Provider, "event_id", evt.EventID, "err", err)
			s.markProcessed(ctx, evt)
			continue
		}
		tx, err := s.repo.FindByProviderReference(ctx, evt.Provider, norm.ProviderReference)
		if err != nil {
			// still no matching transaction; keep the event for the
			// next sweep
			continue
		}
		if norm.Outcome == provider.OutcomePending {
			s.markProcessed(ctx, evt)
			continue
		}
		applied, err := s.resolver.Resolve(ctx, tx.ID, *norm, true)
		if err != nil {
			s.log.Errorw("sweep event resolve failed", "id", tx.ID, "event_id", evt.EventID, "err", err)
			continue
		}
		if applied {
			resolved++
		}
		s.markProcessed(ctx, evt)
	}
	return resolved, nil
}

func (s *Sweeper) markProcessed(ctx context.Context, evt model.WebhookEvent) {
	if err := s.repo.MarkWebhookProcessed(ctx, evt.Provider, evt.EventID); err != nil {
		s.log.Errorw("sweep mark processed failed", "event_id", evt.EventID, "err", err)
	}
}
