package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	paypalName           = "paypal"
	paypalDefaultBaseURL = "https://api-m.paypal.com"
	paypalTokenPath      = "/v1/oauth2/token"
	paypalOrdersPath     = "/v2/checkout/orders"

	paypalStatusCompleted = "COMPLETED"
	paypalStatusApproved  = "APPROVED"
)

// PayPalConfig carries the API credentials.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
}

// PayPal implements Provider against the PayPal checkout API. Callback
// verification never trusts the posted payload: the order is re-fetched
// from PayPal and its server-side status and amount are the authority.
type PayPal struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPal wires a PayPal provider.
func NewPayPal(config PayPalConfig) (*PayPal, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("%w: paypal credentials missing", ErrUnknownProvider)
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = paypalDefaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &PayPal{
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		baseURL:      baseURL,
		httpClient:   httpClient,
	}, nil
}

// Name returns the registry name.
func (provider *PayPal) Name() string {
	return paypalName
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (provider *PayPal) token(ctx context.Context) (string, error) {
	provider.tokenMu.Lock()
	defer provider.tokenMu.Unlock()
	if provider.accessToken != "" && time.Now().Before(provider.tokenExpiry) {
		return provider.accessToken, nil
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.baseURL+paypalTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpRequest.SetBasicAuth(provider.clientID, provider.clientSecret)
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResponse, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return "", err
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token status %d", httpResponse.StatusCode)
	}
	var tokenResponse paypalTokenResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&tokenResponse); err != nil {
		return "", err
	}
	if tokenResponse.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}
	provider.accessToken = tokenResponse.AccessToken
	// Refresh one minute early to dodge clock skew on the boundary.
	provider.tokenExpiry = time.Now().Add(time.Duration(tokenResponse.ExpiresIn-60) * time.Second)
	return provider.accessToken, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	Amount      paypalAmount `json:"amount"`
}

type paypalOrderRequest struct {
	Intent        string               `json:"intent"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
}

type paypalOrderResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
}

// CreateOrder opens a PayPal checkout order for the requested amount.
func (provider *PayPal) CreateOrder(ctx context.Context, request OrderRequest) (Order, error) {
	accessToken, err := provider.token(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	body, err := json.Marshal(paypalOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{{
			ReferenceID: request.Receipt,
			Amount: paypalAmount{
				CurrencyCode: request.Currency,
				Value:        centsToDecimal(request.AmountCents),
			},
		}},
	})
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.baseURL+paypalOrdersPath, bytes.NewReader(body))
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+accessToken)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderCreateFailed, err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusCreated && httpResponse.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 512))
		return Order{}, fmt.Errorf("%w: status %d: %s", ErrOrderCreateFailed, httpResponse.StatusCode, snippet)
	}
	var orderResponse paypalOrderResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&orderResponse); err != nil {
		return Order{}, fmt.Errorf("%w: decode response: %v", ErrOrderCreateFailed, err)
	}
	if orderResponse.ID == "" {
		return Order{}, fmt.Errorf("%w: empty order id", ErrOrderCreateFailed)
	}
	return Order{
		Provider:        paypalName,
		ProviderOrderID: orderResponse.ID,
		AmountCents:     request.AmountCents,
		Currency:        request.Currency,
		CheckoutParams: map[string]string{
			"order_id": orderResponse.ID,
		},
	}, nil
}

type paypalCallback struct {
	OrderID string `json:"order_id"`
}

// VerifyCallback re-fetches the order and requires a captured or approved
// status before reporting the server-side amount.
func (provider *PayPal) VerifyCallback(ctx context.Context, payload []byte) (Confirmation, error) {
	var callback paypalCallback
	if err := json.Unmarshal(payload, &callback); err != nil {
		return Confirmation{}, fmt.Errorf("%w: malformed payload: %v", ErrVerificationFailed, err)
	}
	if callback.OrderID == "" {
		return Confirmation{}, fmt.Errorf("%w: missing order id", ErrVerificationFailed)
	}
	accessToken, err := provider.token(ctx)
	if err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.baseURL+paypalOrdersPath+"/"+url.PathEscape(callback.OrderID), nil)
	if err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+accessToken)

	httpResponse, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		return Confirmation{}, fmt.Errorf("%w: order lookup status %d", ErrVerificationFailed, httpResponse.StatusCode)
	}
	var orderResponse paypalOrderResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&orderResponse); err != nil {
		return Confirmation{}, fmt.Errorf("%w: decode order: %v", ErrVerificationFailed, err)
	}
	if orderResponse.Status != paypalStatusCompleted && orderResponse.Status != paypalStatusApproved {
		return Confirmation{}, fmt.Errorf("%w: order status %s", ErrVerificationFailed, orderResponse.Status)
	}
	if len(orderResponse.PurchaseUnits) == 0 {
		return Confirmation{}, fmt.Errorf("%w: order has no purchase units", ErrVerificationFailed)
	}
	amountCents, err := decimalToCents(orderResponse.PurchaseUnits[0].Amount.Value)
	if err != nil {
		return Confirmation{}, fmt.Errorf("%w: bad amount: %v", ErrVerificationFailed, err)
	}
	return Confirmation{
		ProviderOrderID: orderResponse.ID,
		AmountCents:     amountCents,
		Currency:        orderResponse.PurchaseUnits[0].Amount.CurrencyCode,
	}, nil
}

func centsToDecimal(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func decimalToCents(value string) (int64, error) {
	whole, fraction, found := strings.Cut(value, ".")
	wholeUnits, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	if !found {
		return wholeUnits * 100, nil
	}
	if len(fraction) == 1 {
		fraction += "0"
	}
	if len(fraction) != 2 {
		return 0, fmt.Errorf("unexpected fraction %q", fraction)
	}
	fractionUnits, err := strconv.ParseInt(fraction, 10, 64)
	if err != nil {
		return 0, err
	}
	return wholeUnits*100 + fractionUnits, nil
}
