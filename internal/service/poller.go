package service

import (
	"context"
	"sync"
	"time"

	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"go.uber.org/zap"
)

// PollOutcome is what a poll task reports to the tracker sink when it
// terminates. Every spawned task reports exactly once.
type PollOutcome string

const (
	PollResolved  PollOutcome = "RESOLVED"
	PollExhausted PollOutcome = "EXHAUSTED"
	PollCancelled PollOutcome = "CANCELLED"
)

type PollReport struct {
	TransactionID string
	Outcome       PollOutcome
	Attempts      int
}

// Poller runs one bounded background task per PENDING transaction,
// querying the rail until a terminal outcome or the attempt budget runs
// out. Tasks are never force-killed; they observe terminal state on
// their next re-check and stop themselves.
type Poller struct {
	repo     repo.RepositoryInterface
	resolver *Resolver
	registry *provider.Registry
	log      *zap.SugaredLogger

	mu      sync.Mutex
	active  map[string]struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	baseCtx context.Context
	reports chan PollReport
}

func NewPoller(r repo.RepositoryInterface, res *Resolver, reg *provider.Registry, log *zap.SugaredLogger) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		repo:     r,
		resolver: res,
		registry: reg,
		log:      log,
		active:   make(map[string]struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
		reports:  make(chan PollReport, 256),
	}
}

// Reports exposes the observable sink; tests subscribe, production may
// ignore it (reports are also logged, and dropped when the buffer is
// full rather than blocking a task).
func (p *Poller) Reports() <-chan PollReport { return p.reports }

// Watch spawns the poll task for a newly created PENDING transaction.
// A transaction already being watched is not watched twice.
func (p *Poller) Watch(tx *model.Transaction) {
	adapter, ok := p.registry.Get(tx.Provider)
	if !ok {
		p.log.Errorw("no adapter for provider, transaction not watched", "provider", tx.Provider, "id", tx.ID)
		return
	}
	p.mu.Lock()
	if _, dup := p.active[tx.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.active[tx.ID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, tx.ID)
			p.mu.Unlock()
		}()
		p.run(p.baseCtx, tx.ID, tx.ProviderReference, adapter)
	}()
}

// Stop cancels all tasks and waits for them to report.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, txID, ref string, adapter provider.Adapter) {
	policy := adapter.Policy()
	if !p.sleep(ctx, policy.Grace) {
		p.report(PollReport{TransactionID: txID, Outcome: PollCancelled})
		return
	}

	interval := policy.Interval
	attempts := 0
	for attempts < policy.MaxAttempts {
		// cooperative cancellation: another path may have resolved us
		cur, err := p.repo.GetTransaction(ctx, txID)
		if err == nil && cur.Status.Terminal() {
			p.report(PollReport{TransactionID: txID, Outcome: PollResolved, Attempts: attempts})
			return
		}

		attempts++
		st, err := adapter.QueryStatus(ctx, ref)
		switch {
		case err == nil && st.Outcome != provider.OutcomePending:
			norm := provider.NormalizedResult{
				ProviderReference:     ref,
				Outcome:               st.Outcome,
				ProviderTransactionID: st.ProviderTransactionID,
				FailureReason:         st.FailureReason,
			}
			if _, rerr := p.resolver.Resolve(ctx, txID, norm, false); rerr != nil {
				p.log.Errorw("poll resolve failed", "id", txID, "err", rerr)
			}
			p.report(PollReport{TransactionID: txID, Outcome: PollResolved, Attempts: attempts})
			return
		case err != nil && provider.IsPermanent(err):
			norm := provider.NormalizedResult{
				ProviderReference: ref,
				Outcome:           provider.OutcomeFailure,
				FailureReason:     err.Error(),
			}
			if _, rerr := p.resolver.Resolve(ctx, txID, norm, false); rerr != nil {
				p.log.Errorw("poll resolve failed", "id", txID, "err", rerr)
			}
			p.report(PollReport{TransactionID: txID, Outcome: PollResolved, Attempts: attempts})
			return
		case err != nil && !provider.IsTransient(err):
			if ctx.Err() != nil {
				p.report(PollReport{TransactionID: txID, Outcome: PollCancelled, Attempts: attempts})
				return
			}
			p.log.Errorw("poll query failed", "id", txID, "err", err)
		case err != nil:
			p.log.Warnw("transient poll error", "id", txID, "attempt", attempts, "err", err)
		}

		if !p.sleep(ctx, interval) {
			p.report(PollReport{TransactionID: txID, Outcome: PollCancelled, Attempts: attempts})
			return
		}
		if policy.BackoffFactor > 1 {
			interval = time.Duration(float64(interval) * policy.BackoffFactor)
			if policy.MaxInterval > 0 && interval > policy.MaxInterval {
				interval = policy.MaxInterval
			}
		}
	}

	if policy.FailOnExhaust {
		norm := provider.NormalizedResult{
			ProviderReference: ref,
			Outcome:           provider.OutcomeFailure,
			FailureReason:     "polling timeout",
		}
		if _, err := p.resolver.Resolve(ctx, txID, norm, false); err != nil {
			p.log.Errorw("exhaust resolve failed", "id", txID, "err", err)
		}
	}
	p.report(PollReport{TransactionID: txID, Outcome: PollExhausted, Attempts: attempts})
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Poller) report(r PollReport) {
	p.log.Infow("poll task finished", "id", r.TransactionID, "outcome", r.Outcome, "attempts", r.Attempts)
	select {
	case p.reports <- r:
	default:
	}
}
