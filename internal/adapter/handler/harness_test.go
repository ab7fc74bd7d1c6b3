package handler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rl1809/collectible-market/internal/adapter/auth"
	"github.com/rl1809/collectible-market/internal/adapter/payment"
	"github.com/rl1809/collectible-market/internal/adapter/storage"
	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/core/service"
	"github.com/rl1809/collectible-market/internal/port"
)

const webhookSecret = "whsec"

var (
	buyerA   = domain.Principal{BuyerID: 1, Email: "a@example.com"}
	buyerB   = domain.Principal{BuyerID: 2, Email: "b@example.com"}
	operator = domain.Principal{BuyerID: 99, Email: "ops@example.com", Admin: true}
)

type fakeCache struct {
	mu       sync.Mutex
	keys     map[string]bool
	hits     map[string]int
	allowErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{keys: make(map[string]bool), hits: make(map[string]int)}
}

func (f *fakeCache) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeCache) ClearIdempotency(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

func (f *fakeCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowErr != nil {
		return false, f.allowErr
	}
	f.hits[key]++
	return f.hits[key] <= limit, nil
}

type fakeProvider struct {
	err error
}

func (p *fakeProvider) Capture(ctx context.Context, orderID string) (domain.CaptureResult, error) {
	if p.err != nil {
		return domain.CaptureResult{}, p.err
	}
	return domain.CaptureResult{
		ProviderID: orderID,
		Reference:  strings.TrimPrefix(orderID, "ORDER-"),
		Outcome:    domain.OutcomePaid,
		Raw:        []byte(`{"status":"COMPLETED"}`),
	}, nil
}

func (p *fakeProvider) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	if p.err != nil {
		return domain.CheckoutSession{}, p.err
	}
	return domain.CheckoutSession{
		ProviderID:  "ORDER-" + req.Reference,
		ApprovalURL: "https://pay.example/approve?token=" + req.Reference,
	}, nil
}

type harness struct {
	store    *storage.MemoryAdapter
	clk      *clock.Manual
	engine   *service.ReservationService
	checkout *service.CheckoutService
	admin    *service.AdminService
	auth     *auth.JWTAuthenticator
	cache    *fakeCache
	provider *fakeProvider
	verifier *payment.HMACVerifier
	http     *HTTPHandler
	grpc     *GRPCHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithProvider(t, nil)
}

// newHarnessWithProvider wires provider in place of the in-memory fake.
func newHarnessWithProvider(t *testing.T, provider port.PaymentProvider) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		store:    storage.NewMemoryAdapter(),
		clk:      clock.NewManual(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		auth:     auth.NewJWTAuthenticator("test-secret", "", clock.NewSystem()),
		cache:    newFakeCache(),
		provider: &fakeProvider{},
		verifier: payment.NewHMACVerifier(webhookSecret),
	}
	if provider == nil {
		provider = h.provider
	}
	h.engine = service.NewReservationService(h.store, h.clk)
	h.checkout = service.NewCheckoutService(h.engine, payment.NewUPIBuilder("market@okbank", ""),
		service.WithPaymentProvider(provider),
	)
	h.admin = service.NewAdminService(h.engine)
	webhooks := service.NewWebhookService(h.engine, h.cache, nil, service.WithCapture(provider))

	h.http = NewHTTPHandler(h.engine, h.checkout, h.admin, h.auth,
		WithWebhooks(webhooks, h.verifier, payment.ParsePayPalEvent),
		WithRateLimit(h.cache, 10, time.Minute),
	)
	h.grpc = NewGRPCHandler(h.checkout, h.admin, h.auth)
	return h
}

func (h *harness) token(t *testing.T, p domain.Principal) string {
	t.Helper()
	tok, err := h.auth.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (h *harness) seedItem(t *testing.T) domain.Item {
	t.Helper()
	item := domain.Item{
		Title:    "Genesis Dragon",
		PriceINR: decimal.RequireFromString("5000"),
		PriceUSD: decimal.RequireFromString("59.99"),
	}
	if err := h.store.CreateItem(context.Background(), &item); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item
}

var errDown = errors.New("redis: connection refused")
