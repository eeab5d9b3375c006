package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/shopspring/decimal"
)

// Outcome is the rail-agnostic result of a callback or status query.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailure   Outcome = "FAILURE"
	OutcomePending   Outcome = "PENDING"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeExpired   Outcome = "EXPIRED"
)

// InitiateRequest carries everything an adapter may need to start a
// charge; rails ignore fields that do not apply to them.
type InitiateRequest struct {
	TransactionID string
	UserID        string
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
	Email         string
	Narrative     string
}

// InitiateResult reports the accepted charge. ProviderReference is the
// correlation key later callbacks and status queries resolve against.
type InitiateResult struct {
	ProviderReference string
	Metadata          map[string]string
	Raw               string
}

// StatusResult is the normalized answer of a status query.
type StatusResult struct {
	Outcome               Outcome
	ProviderTransactionID string
	FailureReason         string
}

// NormalizedResult is the rail-agnostic view of a callback payload.
// Token carries a reusable payment credential when the rail returned one.
type NormalizedResult struct {
	ProviderReference     string
	Outcome               Outcome
	ProviderTransactionID string
	FailureReason         string
	Token                 string
	TokenDetail           string
}

// CallbackRequest is the authenticity evidence of an inbound callback.
type CallbackRequest struct {
	Body      []byte
	Signature string
	SourceIP  string
	BasicUser string
	BasicPass string
}

// Adapter is the uniform per-rail contract. The rest of the engine is
// rail-agnostic above this line.
type Adapter interface {
	Name() model.Provider
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, providerReference string) (*StatusResult, error)
	VerifyCallback(cb CallbackRequest) bool
	NormalizeCallback(payload []byte) (*NormalizedResult, error)
	EventID(cb CallbackRequest) string
	Policy() config.PollingConfig
}

// TransientError marks network failures and provider 5xx responses; the
// poller counts these against its attempt budget and carries on.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a business rejection; the transaction fails
// immediately and is never retried.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ConfigurationError aborts adapter construction when rail credentials
// are missing. Fatal only for that rail.
type ConfigurationError struct {
	Provider model.Provider
	Missing  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: missing %s", e.Provider, e.Missing)
}

// Registry is the fixed provider-to-adapter map built once at startup.
type Registry struct {
	adapters map[model.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(p model.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// deriveEventID is the fallback dedupe key for rails whose callbacks
// carry no delivery identifier: identical payload, identical key.
func deriveEventID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
