package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/model"
	"go.uber.org/zap"
)

// Airtel is the poll-only mobile-money rail: it exposes no callback
// channel, so every transaction is resolved by the status poller.
type Airtel struct {
	cfg    config.AirtelConfig
	client *http.Client
	tokens *tokenSource
	log    *zap.SugaredLogger
}

func NewAirtel(cfg config.AirtelConfig, log *zap.SugaredLogger) (*Airtel, error) {
	if cfg.ClientID == "" {
		return nil, &ConfigurationError{Provider: model.ProviderAirtel, Missing: "client_id"}
	}
	if cfg.ClientSecret == "" {
		return nil, &ConfigurationError{Provider: model.ProviderAirtel, Missing: "client_secret"}
	}
	a := &Airtel{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
	a.tokens = newTokenSource(a.fetchToken)
	return a, nil
}

func (a *Airtel) Name() model.Provider         { return model.ProviderAirtel }
func (a *Airtel) Policy() config.PollingConfig { return a.cfg.Polling }

func (a *Airtel) fetchToken(ctx context.Context) (string, time.Duration, error) {
	payload, _ := json.Marshal(map[string]string{
		"client_id":     a.cfg.ClientID,
		"client_secret": a.cfg.ClientSecret,
		"grant_type":    "client_credentials",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/auth/oauth2/token", bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, &TransientError{Op: "airtel oauth", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, &TransientError{Op: "airtel oauth", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, &TransientError{Op: "airtel oauth decode", Err: err}
	}
	if body.ExpiresIn == 0 {
		body.ExpiresIn = 180
	}
	return body.AccessToken, time.Duration(body.ExpiresIn) * time.Second, nil
}

type airtelPaymentRequest struct {
	Reference  string `json:"reference"`
	Subscriber struct {
		Country  string `json:"country"`
		Currency string `json:"currency"`
		Msisdn   string `json:"msisdn"`
	} `json:"subscriber"`
	Transaction struct {
		Amount   string `json:"amount"`
		Country  string `json:"country"`
		Currency string `json:"currency"`
		ID       string `json:"id"`
	} `json:"transaction"`
}

type airtelEnvelope struct {
	Data struct {
		Transaction struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Code    string `json:"code"`
		Success bool   `json:"success"`
		Message string `json:"message"`
	} `json:"status"`
}

// Initiate pushes a collection request; the caller-assigned reference
// doubles as the transaction id the rail is queried by.
func (a *Airtel) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	var body airtelPaymentRequest
	body.Reference = req.Narrative
	body.Subscriber.Country = a.cfg.Country
	body.Subscriber.Currency = a.cfg.Currency
	body.Subscriber.Msisdn = req.Phone
	body.Transaction.Amount = req.Amount.String()
	body.Transaction.Country = a.cfg.Country
	body.Transaction.Currency = a.cfg.Currency
	body.Transaction.ID = req.Reference
	payload, _ := json.Marshal(body)

	raw, env, status, err := a.do(ctx, http.MethodPost, "/merchant/v1/payments/", payload)
	if err != nil {
		return nil, err
	}
	if status >= 400 || !env.Status.Success {
		return nil, &PermanentError{Reason: env.Status.Message}
	}
	return &InitiateResult{ProviderReference: req.Reference, Raw: string(raw)}, nil
}

// QueryStatus maps the rail's status codes: TS settled, TF failed,
// everything else still in progress.
func (a *Airtel) QueryStatus(ctx context.Context, ref string) (*StatusResult, error) {
	_, env, status, err := a.do(ctx, http.MethodGet, "/standard/v1/payments/"+ref, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &PermanentError{Reason: env.Status.Message}
	}
	res := &StatusResult{ProviderTransactionID: env.Data.Transaction.ID}
	switch env.Data.Transaction.Status {
	case "TS":
		res.Outcome = OutcomeSuccess
	case "TF":
		res.Outcome = OutcomeFailure
		res.FailureReason = env.Data.Transaction.Message
	default:
		res.Outcome = OutcomePending
	}
	return res, nil
}

// VerifyCallback: no callback channel exists for this rail; nothing is
// ever routed here.
func (a *Airtel) VerifyCallback(cb CallbackRequest) bool { return true }

func (a *Airtel) NormalizeCallback(payload []byte) (*NormalizedResult, error) {
	return nil, fmt.Errorf("airtel: no callback channel")
}

func (a *Airtel) EventID(cb CallbackRequest) string {
	return deriveEventID(cb.Body)
}

func (a *Airtel) do(ctx context.Context, method, path string, payload []byte) ([]byte, *airtelEnvelope, int, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Country", a.cfg.Country)
	req.Header.Set("X-Currency", a.cfg.Currency)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, 0, &TransientError{Op: "airtel " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, &TransientError{Op: "airtel read", Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, nil, 0, &TransientError{Op: "airtel " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var env airtelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, 0, &TransientError{Op: "airtel decode", Err: err}
	}
	return raw, &env, resp.StatusCode, nil
}
