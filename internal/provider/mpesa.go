package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/model"
	"go.uber.org/zap"
)

// Mpesa is the STK-push mobile-money rail. Its callbacks are unsigned,
// so authenticity rests on a source-IP allow-list plus basic auth.
type Mpesa struct {
	cfg    config.MpesaConfig
	client *http.Client
	tokens *tokenSource
	log    *zap.SugaredLogger
}

func NewMpesa(cfg config.MpesaConfig, log *zap.SugaredLogger) (*Mpesa, error) {
	for field, v := range map[string]string{
		"consumer_key":    cfg.ConsumerKey,
		"consumer_secret": cfg.ConsumerSecret,
		"shortcode":       cfg.Shortcode,
		"passkey":         cfg.Passkey,
	} {
		if v == "" {
			return nil, &ConfigurationError{Provider: model.ProviderMpesa, Missing: field}
		}
	}
	m := &Mpesa{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
	m.tokens = newTokenSource(m.fetchToken)
	return m, nil
}

func (m *Mpesa) Name() model.Provider         { return model.ProviderMpesa }
func (m *Mpesa) Policy() config.PollingConfig { return m.cfg.Polling }

func (m *Mpesa) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(m.cfg.ConsumerKey, m.cfg.ConsumerSecret)
	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, &TransientError{Op: "mpesa oauth", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, &TransientError{Op: "mpesa oauth", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, &TransientError{Op: "mpesa oauth decode", Err: err}
	}
	secs, _ := strconv.Atoi(body.ExpiresIn)
	if secs == 0 {
		secs = 3599
	}
	return body.AccessToken, time.Duration(secs) * time.Second, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate fires an STK push; the CheckoutRequestID the rail assigns
// becomes the provider reference.
func (m *Mpesa) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	ts := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(m.cfg.Shortcode + m.cfg.Passkey + ts))
	payload, _ := json.Marshal(stkPushRequest{
		BusinessShortCode: m.cfg.Shortcode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.StringFixed(0),
		PartyA:            req.Phone,
		PartyB:            m.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       "", // set by the platform gateway in front of us
		AccountReference:  req.Reference,
		TransactionDesc:   req.Narrative,
	})
	raw, status, err := m.post(ctx, token, "/mpesa/stkpush/v1/processrequest", payload)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, &TransientError{Op: "mpesa stkpush", Err: fmt.Errorf("status %d", status)}
	}
	var resp stkPushResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransientError{Op: "mpesa stkpush decode", Err: err}
	}
	if status >= 400 || resp.ResponseCode != "0" {
		reason := resp.ResponseDescription
		if resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
		}
		return nil, &PermanentError{Reason: reason}
	}
	return &InitiateResult{
		ProviderReference: resp.CheckoutRequestID,
		Metadata:          map[string]string{"merchant_request_id": resp.MerchantRequestID},
		Raw:               string(raw),
	}, nil
}

type stkQueryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ErrorCode         string `json:"errorCode"`
}

// QueryStatus asks the rail about an in-flight STK push. The rail
// answers "still under processing" with an error code rather than a
// result code, which maps to PENDING.
func (m *Mpesa) QueryStatus(ctx context.Context, ref string) (*StatusResult, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	ts := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(m.cfg.Shortcode + m.cfg.Passkey + ts))
	payload, _ := json.Marshal(map[string]string{
		"BusinessShortCode": m.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         ts,
		"CheckoutRequestID": ref,
	})
	raw, status, err := m.post(ctx, token, "/mpesa/stkpushquery/v1/query", payload)
	if err != nil {
		return nil, err
	}
	var resp stkQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransientError{Op: "mpesa query decode", Err: err}
	}
	// the rail answers "still under processing" as an error envelope
	if resp.ErrorCode == "500.001.1001" {
		return &StatusResult{Outcome: OutcomePending}, nil
	}
	// any other error envelope (throttling, auth, upstream hiccup) is
	// not a verdict on the push; only a real ResultCode is terminal
	if resp.ErrorCode != "" || resp.ResultCode == "" {
		return nil, &TransientError{Op: "mpesa query",
			Err: fmt.Errorf("status %d error %q", status, resp.ErrorCode)}
	}
	return &StatusResult{
		Outcome:       mpesaOutcome(resp.ResultCode),
		FailureReason: failureReasonFor(resp.ResultCode, resp.ResultDesc),
	}, nil
}

// VerifyCallback: the rail signs nothing, so trust is network-level.
func (m *Mpesa) VerifyCallback(cb CallbackRequest) bool {
	allowed := len(m.cfg.CallbackIPs) == 0
	for _, ip := range m.cfg.CallbackIPs {
		if ip == cb.SourceIP {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if m.cfg.CallbackUser == "" {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(cb.BasicUser), []byte(m.cfg.CallbackUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(cb.BasicPass), []byte(m.cfg.CallbackPass)) == 1
	return userOK && passOK
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (m *Mpesa) NormalizeCallback(payload []byte) (*NormalizedResult, error) {
	var cb stkCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("mpesa callback decode: %w", err)
	}
	sc := cb.Body.StkCallback
	res := &NormalizedResult{
		ProviderReference: sc.CheckoutRequestID,
		Outcome:           mpesaOutcome(strconv.Itoa(sc.ResultCode)),
		FailureReason:     failureReasonFor(strconv.Itoa(sc.ResultCode), sc.ResultDesc),
	}
	for _, item := range sc.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				res.ProviderTransactionID = s
			}
		}
	}
	return res, nil
}

// EventID: the CheckoutRequestID uniquely identifies a push, and the
// rail only ever reports one final result for it.
func (m *Mpesa) EventID(cb CallbackRequest) string {
	var parsed stkCallback
	if err := json.Unmarshal(cb.Body, &parsed); err != nil {
		return deriveEventID(cb.Body)
	}
	if id := parsed.Body.StkCallback.CheckoutRequestID; id != "" {
		return id
	}
	return deriveEventID(cb.Body)
}

// mpesaOutcome maps the rail's result codes: 0 success, 1032 cancelled
// by user, 1037 timeout waiting for user input.
func mpesaOutcome(code string) Outcome {
	switch code {
	case "0":
		return OutcomeSuccess
	case "1032":
		return OutcomeCancelled
	case "1037":
		return OutcomeExpired
	default:
		return OutcomeFailure
	}
}

func failureReasonFor(code, desc string) string {
	if code == "0" {
		return ""
	}
	return desc
}

func (m *Mpesa) post(ctx context.Context, token, path string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, &TransientError{Op: "mpesa " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransientError{Op: "mpesa read", Err: err}
	}
	return raw, resp.StatusCode, nil
}
