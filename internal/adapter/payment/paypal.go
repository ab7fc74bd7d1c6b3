package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

const (
	PayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveURL    = "https://api-m.paypal.com"
)

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	BrandName    string
	Timeout      time.Duration
}

// PayPalClient opens Orders v2 checkouts. The attempt reference travels as
// custom_id so webhooks can be matched back to the ledger.
type PayPalClient struct {
	cfg  PayPalConfig
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewPayPalClient(cfg PayPalConfig) *PayPalClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = PayPalSandboxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BrandName == "" {
		cfg.BrandName = DefaultPayee
	}
	return &PayPalClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	Description string       `json:"description,omitempty"`
	Amount      paypalAmount `json:"amount"`
}

type paypalOrderRequest struct {
	Intent             string               `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnit `json:"purchase_units"`
	ApplicationContext map[string]string    `json:"application_context,omitempty"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Links  []paypalLink `json:"links"`
}

func (c *PayPalClient) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	body, err := json.Marshal(paypalOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{{
			ReferenceID: fmt.Sprintf("item-%d", req.ItemID),
			CustomID:    req.Reference,
			Description: req.ItemTitle,
			Amount: paypalAmount{
				CurrencyCode: string(req.Currency),
				Value:        domain.FormatAmount(req.Amount),
			},
		}},
		ApplicationContext: map[string]string{
			"brand_name":  c.cfg.BrandName,
			"user_action": "PAY_NOW",
			"return_url":  c.cfg.ReturnURL,
			"cancel_url":  c.cfg.CancelURL,
		},
	})
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("encode order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	// Same reference, same order: retries do not open a second session.
	httpReq.Header.Set("PayPal-Request-Id", req.Reference)

	var order paypalOrder
	if err := c.do(httpReq, &order); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("create order: %w", err)
	}

	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return domain.CheckoutSession{ProviderID: order.ID, ApprovalURL: l.Href}, nil
		}
	}
	return domain.CheckoutSession{}, fmt.Errorf("order %s has no approval link", order.ID)
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.do(req, &tok); err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("oauth token: empty access token")
	}

	c.token = tok.AccessToken
	// Refresh a minute early.
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *PayPalClient) do(req *http.Request, out any) error {
	data, err := c.send(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *PayPalClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("paypal returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

type paypalCapturedOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID       string `json:"id"`
				Status   string `json:"status"`
				CustomID string `json:"custom_id"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// Capture collects the money for an approved order. The outcome follows the
// capture status; a PENDING capture is settled later by its webhook.
func (c *PayPalClient) Capture(ctx context.Context, orderID string) (domain.CaptureResult, error) {
	if orderID == "" {
		return domain.CaptureResult{}, fmt.Errorf("capture: missing order id")
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return domain.CaptureResult{}, err
	}

	endpoint := c.cfg.BaseURL + "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		return domain.CaptureResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	req.Header.Set("PayPal-Request-Id", "capture-"+orderID)

	data, err := c.send(req)
	if err != nil {
		return domain.CaptureResult{}, fmt.Errorf("capture order %s: %w", orderID, err)
	}
	var order paypalCapturedOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return domain.CaptureResult{}, fmt.Errorf("decode capture: %w", err)
	}

	out := domain.CaptureResult{ProviderID: order.ID, Raw: data}
	status := order.Status
	if len(order.PurchaseUnits) > 0 {
		pu := order.PurchaseUnits[0]
		out.Reference = pu.CustomID
		if caps := pu.Payments.Captures; len(caps) > 0 {
			status = caps[0].Status
			if caps[0].CustomID != "" {
				out.Reference = caps[0].CustomID
			}
		}
	}
	switch status {
	case "COMPLETED":
		out.Outcome = domain.OutcomePaid
	case "DECLINED", "FAILED", "VOIDED":
		out.Outcome = domain.OutcomeFailed
	}
	return out, nil
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		CustomID      string `json:"custom_id"`
		Custom        string `json:"custom"`
		PurchaseUnits []struct {
			CustomID string `json:"custom_id"`
		} `json:"purchase_units"`
	} `json:"resource"`
}

// ParsePayPalEvent reduces a webhook body to a ProviderEvent. Event types
// that do not settle a payment come back with an empty Outcome. An approved
// order carries its ID in CaptureID.
func ParsePayPalEvent(body []byte) (domain.ProviderEvent, error) {
	var ev paypalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.ProviderEvent{}, fmt.Errorf("decode paypal event: %w", err)
	}
	if ev.EventType == "" {
		return domain.ProviderEvent{}, fmt.Errorf("decode paypal event: missing event_type")
	}

	out := domain.ProviderEvent{
		ID:   ev.ID,
		Type: ev.EventType,
		Raw:  body,
	}
	out.Reference = ev.Resource.CustomID
	if out.Reference == "" && len(ev.Resource.PurchaseUnits) > 0 {
		out.Reference = ev.Resource.PurchaseUnits[0].CustomID
	}
	// v1 sale events name the reference "custom".
	if out.Reference == "" {
		out.Reference = ev.Resource.Custom
	}

	switch ev.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.CaptureID = ev.Resource.ID
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.SALE.COMPLETED":
		out.Outcome = domain.OutcomePaid
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "PAYMENT.SALE.DENIED":
		out.Outcome = domain.OutcomeFailed
	}
	return out, nil
}
