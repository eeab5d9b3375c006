package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/model"
	"go.uber.org/zap"
)

// Flutterwave is the card-gateway rail: secret-key bearer auth, signed
// JSON webhooks (verif-hash header, HMAC-SHA256 over the raw body).
type Flutterwave struct {
	cfg    config.FlutterwaveConfig
	client *http.Client
	log    *zap.SugaredLogger
}

func NewFlutterwave(cfg config.FlutterwaveConfig, log *zap.SugaredLogger) (*Flutterwave, error) {
	if cfg.SecretKey == "" {
		return nil, &ConfigurationError{Provider: model.ProviderFlutterwave, Missing: "secret_key"}
	}
	if cfg.WebhookSecret == "" {
		return nil, &ConfigurationError{Provider: model.ProviderFlutterwave, Missing: "webhook_secret"}
	}
	return &Flutterwave{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}, nil
}

func (f *Flutterwave) Name() model.Provider        { return model.ProviderFlutterwave }
func (f *Flutterwave) Policy() config.PollingConfig { return f.cfg.Polling }

type flwChargeRequest struct {
	TxRef    string `json:"tx_ref"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Email    string `json:"email"`
}

type flwEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flwTransaction struct {
	ID                int64  `json:"id"`
	TxRef             string `json:"tx_ref"`
	Status            string `json:"status"`
	ProcessorResponse string `json:"processor_response"`
	Card              struct {
		Token  string `json:"token"`
		Last4  string `json:"last_4digits"`
		Type   string `json:"type"`
	} `json:"card"`
}

// Initiate creates a charge keyed by the caller-assigned tx_ref, which
// becomes the provider reference.
func (f *Flutterwave) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	body, _ := json.Marshal(flwChargeRequest{
		TxRef:    req.Reference,
		Amount:   req.Amount.String(),
		Currency: req.Currency,
		Email:    req.Email,
	})
	raw, env, err := f.do(ctx, http.MethodPost, "/charges?type=card", body)
	if err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, &PermanentError{Reason: env.Message}
	}
	return &InitiateResult{ProviderReference: req.Reference, Raw: string(raw)}, nil
}

// QueryStatus verifies a charge by its tx_ref.
func (f *Flutterwave) QueryStatus(ctx context.Context, ref string) (*StatusResult, error) {
	path := "/transactions/verify_by_reference?tx_ref=" + ref
	_, env, err := f.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var tx flwTransaction
	if err := json.Unmarshal(env.Data, &tx); err != nil {
		return nil, &TransientError{Op: "flutterwave verify decode", Err: err}
	}
	res := &StatusResult{ProviderTransactionID: fmt.Sprintf("%d", tx.ID)}
	switch tx.Status {
	case "successful":
		res.Outcome = OutcomeSuccess
	case "failed":
		res.Outcome = OutcomeFailure
		res.FailureReason = tx.ProcessorResponse
	default:
		res.Outcome = OutcomePending
	}
	return res, nil
}

// VerifyCallback checks the verif-hash header against an HMAC-SHA256 of
// the raw payload, in constant time.
func (f *Flutterwave) VerifyCallback(cb CallbackRequest) bool {
	mac := hmac.New(sha256.New, []byte(f.cfg.WebhookSecret))
	mac.Write(cb.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(cb.Signature))
}

type flwWebhook struct {
	Event string         `json:"event"`
	Data  flwTransaction `json:"data"`
}

func (f *Flutterwave) NormalizeCallback(payload []byte) (*NormalizedResult, error) {
	var wh flwWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("flutterwave callback decode: %w", err)
	}
	res := &NormalizedResult{
		ProviderReference:     wh.Data.TxRef,
		ProviderTransactionID: fmt.Sprintf("%d", wh.Data.ID),
		Token:                 wh.Data.Card.Token,
	}
	if wh.Data.Card.Last4 != "" {
		res.TokenDetail = "**** **** **** " + wh.Data.Card.Last4
	}
	switch wh.Data.Status {
	case "successful":
		res.Outcome = OutcomeSuccess
	case "cancelled":
		res.Outcome = OutcomeCancelled
		res.FailureReason = wh.Data.ProcessorResponse
	case "failed":
		res.Outcome = OutcomeFailure
		res.FailureReason = wh.Data.ProcessorResponse
	default:
		res.Outcome = OutcomePending
	}
	return res, nil
}

// EventID: flutterwave deliveries carry no delivery id, so the dedupe
// key is derived from the payload itself.
func (f *Flutterwave) EventID(cb CallbackRequest) string {
	return deriveEventID(cb.Body)
}

func (f *Flutterwave) do(ctx context.Context, method, path string, body []byte) ([]byte, *flwEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, &TransientError{Op: "flutterwave " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientError{Op: "flutterwave read", Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, nil, &TransientError{Op: "flutterwave " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var env flwEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &TransientError{Op: "flutterwave decode", Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, &PermanentError{Reason: env.Message}
	}
	return raw, &env, nil
}
