// Package gateway wraps the third-party payment processor. Mutating calls are
// never retried automatically; only idempotent status reads are.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrGateway wraps any transport or processor failure.
	ErrGateway = errors.New("gateway: call failed")
	// ErrBadSignature signals a payment callback whose signature does not match.
	ErrBadSignature = errors.New("gateway: signature mismatch")
)

// Order is the processor-side handle created before the client pays.
type Order struct {
	ID       string
	Amount   decimal.Decimal
	Currency string
	Receipt  string
}

// Gateway is the engine's view of the payment processor.
type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (Order, error)
	VerifySignature(orderID, paymentRef, signature string) error
	FetchStatus(ctx context.Context, orderID string) (string, error)
	InitiateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error)
}

// Client is the HTTP implementation. All calls use the bounded-timeout client.
type Client struct {
	baseURL   string
	keyID     string
	keySecret []byte
	http      *http.Client
}

func NewClient(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: []byte(keySecret),
		http:      &http.Client{Timeout: timeout},
	}
}

// CreateOrder registers a payable order with the processor. Not retried: a
// timeout leaves no local state behind and the caller re-initiates explicitly.
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (Order, error) {
	body := map[string]any{
		"amount":   amount.String(),
		"currency": currency,
		"receipt":  receipt,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/orders", body, &out); err != nil {
		return Order{}, err
	}
	return Order{ID: out.ID, Amount: amount, Currency: currency, Receipt: receipt}, nil
}

// VerifySignature checks the HMAC-SHA256 the processor computes over
// "orderID|paymentRef". Pure computation, no network.
func (c *Client) VerifySignature(orderID, paymentRef, signature string) error {
	mac := hmac.New(sha256.New, c.keySecret)
	fmt.Fprintf(mac, "%s|%s", orderID, paymentRef)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// FetchStatus polls the processor for an order's state. Read-only, so
// transient failures are retried with a short backoff.
func (c *Client) FetchStatus(ctx context.Context, orderID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrGateway, ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		var out struct {
			Status string `json:"status"`
		}
		if err := c.get(ctx, "/orders/"+orderID, &out); err != nil {
			lastErr = err
			continue
		}
		return out.Status, nil
	}
	return "", lastErr
}

// InitiateRefund asks the processor to return funds. Never retried blindly: a
// failure surfaces to the caller with local state untouched.
func (c *Client) InitiateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	body := map[string]any{
		"amount": amount.String(),
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/payments/"+paymentRef+"/refund", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrGateway, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, string(c.keySecret))
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	req.SetBasicAuth(c.keyID, string(c.keySecret))
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	return nil
}
