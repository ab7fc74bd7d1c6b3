package handler

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rl1809/collectible-market/internal/adapter/payment"
	"github.com/rl1809/collectible-market/internal/core/domain"
)

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.http.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestPurchase_BankTransfer(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)
	path := fmt.Sprintf("/api/purchase/%d", item.ID)
	tokA := h.token(t, buyerA)

	w := h.do(t, http.MethodPost, path, tokA, purchaseRequest{Rail: "bank-transfer", Currency: "INR"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	first := decode[attemptResponse](t, w)
	if first.Amount != "5000.00" || first.Status != "pending" || first.Currency != "INR" {
		t.Errorf("unexpected attempt %+v", first)
	}
	if !strings.HasPrefix(first.PayURI, "upi://pay?") || !strings.Contains(first.PayURI, "tid="+first.Reference) {
		t.Errorf("unexpected pay uri %q", first.PayURI)
	}

	// Retry returns the same attempt.
	w = h.do(t, http.MethodPost, path, tokA, purchaseRequest{Rail: "bank-transfer"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", w.Code)
	}
	if again := decode[attemptResponse](t, w); again.Reference != first.Reference {
		t.Errorf("replay returned a different attempt: %s vs %s", again.Reference, first.Reference)
	}

	w = h.do(t, http.MethodPost, path, h.token(t, buyerB), purchaseRequest{Rail: "bank-transfer"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second buyer, got %d", w.Code)
	}

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/items/%d", item.ID), "", nil)
	if got := decode[itemResponse](t, w); !got.Reserved || got.Sold {
		t.Errorf("item should be reserved, got %+v", got)
	}
}

func TestPurchase_Rejections(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)
	tok := h.token(t, buyerA)

	tests := []struct {
		name   string
		path   string
		token  string
		body   any
		status int
	}{
		{"no token", fmt.Sprintf("/api/purchase/%d", item.ID), "", purchaseRequest{Rail: "bank-transfer"}, http.StatusUnauthorized},
		{"bad token", fmt.Sprintf("/api/purchase/%d", item.ID), "garbage", purchaseRequest{Rail: "bank-transfer"}, http.StatusUnauthorized},
		{"bad item id", "/api/purchase/abc", tok, purchaseRequest{Rail: "bank-transfer"}, http.StatusBadRequest},
		{"unknown item", "/api/purchase/999", tok, purchaseRequest{Rail: "bank-transfer"}, http.StatusNotFound},
		{"unknown rail", fmt.Sprintf("/api/purchase/%d", item.ID), tok, purchaseRequest{Rail: "crypto"}, http.StatusBadRequest},
		{"unknown currency", fmt.Sprintf("/api/purchase/%d", item.ID), tok, purchaseRequest{Rail: "hosted-provider", Currency: "EUR"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, tt.path, tt.token, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body)
			}
		})
	}
}

func TestPurchase_HostedProvider(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)
	tok := h.token(t, buyerA)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), tok, purchaseRequest{Rail: "hosted-provider"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	got := decode[attemptResponse](t, w)
	if got.Currency != "USD" || got.Amount != "59.99" {
		t.Errorf("hosted rail should default to USD, got %s %s", got.Amount, got.Currency)
	}
	if !strings.HasSuffix(got.CheckoutURL, got.Reference) {
		t.Errorf("unexpected checkout url %q", got.CheckoutURL)
	}
}

func TestPurchase_ProviderDown(t *testing.T) {
	h := newHarness(t)
	h.provider.err = errors.New("503 from provider")
	item := h.seedItem(t)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "hosted-provider"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	stored, _ := h.store.GetItem(t.Context(), item.ID)
	if stored.Reserved {
		t.Error("item should be released when the provider fails")
	}
}

func TestPurchase_RateLimit(t *testing.T) {
	h := newHarness(t)
	h.http.limit = 1
	item := h.seedItem(t)
	path := fmt.Sprintf("/api/purchase/%d", item.ID)
	tok := h.token(t, buyerA)

	if w := h.do(t, http.MethodPost, path, tok, purchaseRequest{Rail: "bank-transfer"}); w.Code != http.StatusCreated {
		t.Fatalf("first purchase: %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, path, tok, purchaseRequest{Rail: "bank-transfer"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	// Fails open when the limiter is down.
	h.cache.allowErr = errDown
	if w := h.do(t, http.MethodPost, path, tok, purchaseRequest{Rail: "bank-transfer"}); w.Code != http.StatusOK {
		t.Fatalf("expected replay to pass with limiter down, got %d", w.Code)
	}
}

func TestAttempt_OwnerAndCancel(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)
	tokA := h.token(t, buyerA)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), tokA, purchaseRequest{Rail: "bank-transfer"})
	ref := decode[attemptResponse](t, w).Reference

	if w := h.do(t, http.MethodGet, "/api/attempts/"+ref, tokA, nil); w.Code != http.StatusOK {
		t.Errorf("owner should see attempt, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/api/attempts/"+ref, h.token(t, buyerB), nil); w.Code != http.StatusNotFound {
		t.Errorf("other buyer should get 404, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/api/attempts/"+ref+"/cancel", h.token(t, buyerB), nil); w.Code != http.StatusNotFound {
		t.Errorf("other buyer cannot cancel, got %d", w.Code)
	}

	w = h.do(t, http.MethodPost, "/api/attempts/"+ref+"/cancel", tokA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body)
	}
	if got := decode[attemptResponse](t, w); got.Status != "cancelled" || got.PayURI != "" {
		t.Errorf("unexpected cancelled attempt %+v", got)
	}

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/items/%d", item.ID), "", nil)
	if got := decode[itemResponse](t, w); got.Reserved {
		t.Error("item should be free after cancel")
	}
}

func TestAdmin_VerifyAndReject(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)
	other := h.seedItem(t)
	tokOps := h.token(t, operator)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "bank-transfer"})
	first := decode[attemptResponse](t, w)
	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", other.ID), h.token(t, buyerB), purchaseRequest{Rail: "bank-transfer"})
	second := decode[attemptResponse](t, w)

	if w := h.do(t, http.MethodGet, "/api/admin/attempts?status=pending", h.token(t, buyerA), nil); w.Code != http.StatusForbidden {
		t.Errorf("buyer should be forbidden, got %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/api/admin/attempts?status=pending&rail=bank-transfer&limit=10", tokOps, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if list := decode[struct{ Attempts []attemptResponse }](t, w); len(list.Attempts) != 2 {
		t.Errorf("expected 2 pending attempts, got %d", len(list.Attempts))
	}
	if w := h.do(t, http.MethodGet, "/api/admin/attempts?limit=-1", tokOps, nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit should be rejected, got %d", w.Code)
	}

	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/admin/attempts/%d/verify", first.AttemptID), tokOps, reviewRequest{Notes: "UTR 1234"})
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", w.Code, w.Body)
	}
	verified := decode[struct {
		Applied bool
		Attempt attemptResponse
	}](t, w)
	if !verified.Applied || verified.Attempt.Status != "paid" {
		t.Errorf("unexpected verify result %+v", verified)
	}

	// Verifying again is a no-op.
	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/admin/attempts/%d/verify", first.AttemptID), tokOps, nil)
	if again := decode[struct{ Applied bool }](t, w); w.Code != http.StatusOK || again.Applied {
		t.Errorf("second verify should not apply, got %d %s", w.Code, w.Body)
	}

	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/admin/attempts/%d/reject", second.AttemptID), tokOps, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d", w.Code)
	}

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/items/%d", item.ID), "", nil)
	if got := decode[itemResponse](t, w); !got.Sold || got.Reserved {
		t.Errorf("verified item should be sold, got %+v", got)
	}
	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/items/%d", other.ID), "", nil)
	if got := decode[itemResponse](t, w); got.Sold || got.Reserved {
		t.Errorf("rejected item should be free, got %+v", got)
	}
}

func TestAdmin_HostedRailNotManual(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "hosted-provider"})
	id := decode[attemptResponse](t, w).AttemptID

	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/admin/attempts/%d/verify", id), h.token(t, operator), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
}

func (h *harness) webhook(t *testing.T, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paypal", strings.NewReader(body))
	if sign {
		req.Header.Set(payment.SignatureHeader, hex.EncodeToString(h.verifier.Sign([]byte(body))))
	}
	w := httptest.NewRecorder()
	h.http.Router().ServeHTTP(w, req)
	return w
}

func TestPayPalWebhook(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "hosted-provider"})
	ref := decode[attemptResponse](t, w).Reference

	completed := fmt.Sprintf(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"custom_id":%q}}`, ref)

	if w := h.webhook(t, completed, false); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned webhook should be rejected, got %d", w.Code)
	}

	w = h.webhook(t, completed, true)
	if w.Code != http.StatusOK || decode[map[string]string](t, w)["status"] != "applied" {
		t.Fatalf("expected applied, got %d %s", w.Code, w.Body)
	}
	w = h.webhook(t, completed, true)
	if decode[map[string]string](t, w)["status"] != "duplicate" {
		t.Errorf("expected duplicate, got %s", w.Body)
	}

	approved := `{"id":"WH-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{}}`
	w = h.webhook(t, approved, true)
	if decode[map[string]string](t, w)["status"] != "ignored" {
		t.Errorf("expected ignored, got %s", w.Body)
	}

	if w := h.webhook(t, `not json`, true); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for garbage body, got %d", w.Code)
	}

	stored, _ := h.store.GetItem(t.Context(), item.ID)
	if !stored.Sold || stored.BuyerID == nil || *stored.BuyerID != buyerA.BuyerID {
		t.Errorf("item should be sold to buyer A, got %+v", stored)
	}
	attempt, _ := h.store.GetAttemptByReference(t.Context(), ref)
	if attempt.Status != domain.AttemptStatusPaid || attempt.GatewayResponse == nil {
		t.Errorf("attempt should be paid with the raw event stored, got %+v", attempt)
	}
}

func TestAdmin_RejectChunkedBody(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "bank-transfer"})
	id := decode[attemptResponse](t, w).AttemptID

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/admin/attempts/%d/reject", id), strings.NewReader(`{"notes":"UTR not found"}`))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token(t, operator))
	w = httptest.NewRecorder()
	h.http.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body)
	}

	attempt, _ := h.store.GetAttemptByID(t.Context(), id)
	if attempt.GatewayResponse == nil || !strings.Contains(*attempt.GatewayResponse, "UTR not found") {
		t.Errorf("notes from a chunked body were dropped: %v", attempt.GatewayResponse)
	}
}

func TestPayPalWebhook_ApprovedOrderCaptured(t *testing.T) {
	h := newHarness(t)
	item := h.seedItem(t)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "hosted-provider"})
	ref := decode[attemptResponse](t, w).Reference

	approved := fmt.Sprintf(`{"id":"WH-30","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-%s","purchase_units":[{"custom_id":%q}]}}`, ref, ref)
	w = h.webhook(t, approved, true)
	if w.Code != http.StatusOK || decode[map[string]string](t, w)["status"] != "applied" {
		t.Fatalf("expected applied, got %d %s", w.Code, w.Body)
	}
	attempt, _ := h.store.GetAttemptByReference(t.Context(), ref)
	if attempt.Status != domain.AttemptStatusPaid {
		t.Errorf("expected paid after capture, got %s", attempt.Status)
	}
}

// paypalStub serves the token, order and capture endpoints for one order.
type paypalStub struct {
	mu        sync.Mutex
	reference string
	captures  atomic.Int32
}

func (p *paypalStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/oauth2/token":
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	case "/v2/checkout/orders":
		var order struct {
			PurchaseUnits []struct {
				CustomID string `json:"custom_id"`
			} `json:"purchase_units"`
		}
		json.NewDecoder(r.Body).Decode(&order)
		p.mu.Lock()
		p.reference = order.PurchaseUnits[0].CustomID
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"ORDER-9","status":"CREATED","links":[{"href":"https://paypal.example/checkoutnow?token=ORDER-9","rel":"approve"}]}`))
	case "/v2/checkout/orders/ORDER-9/capture":
		p.captures.Add(1)
		p.mu.Lock()
		ref := p.reference
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"ORDER-9","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-9","status":"COMPLETED","custom_id":%q}]}}]}`, ref)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestPayPalCheckout_ApproveCaptureConfirm(t *testing.T) {
	stub := &paypalStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	h := newHarnessWithProvider(t, payment.NewPayPalClient(payment.PayPalConfig{
		BaseURL: srv.URL, ClientID: "client", ClientSecret: "secret",
	}))
	item := h.seedItem(t)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/purchase/%d", item.ID), h.token(t, buyerA), purchaseRequest{Rail: "hosted-provider"})
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", w.Code, w.Body)
	}
	created := decode[attemptResponse](t, w)
	if !strings.Contains(created.CheckoutURL, "token=ORDER-9") {
		t.Fatalf("unexpected checkout url %q", created.CheckoutURL)
	}

	approved := fmt.Sprintf(`{"id":"WH-40","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-9","status":"APPROVED","purchase_units":[{"custom_id":%q}]}}`, created.Reference)
	w = h.webhook(t, approved, true)
	if w.Code != http.StatusOK || decode[map[string]string](t, w)["status"] != "applied" {
		t.Fatalf("expected applied, got %d %s", w.Code, w.Body)
	}
	if stub.captures.Load() != 1 {
		t.Errorf("expected one capture call, got %d", stub.captures.Load())
	}

	attempt, _ := h.store.GetAttemptByReference(t.Context(), created.Reference)
	if attempt.Status != domain.AttemptStatusPaid || attempt.GatewayResponse == nil || !strings.Contains(*attempt.GatewayResponse, "CAP-9") {
		t.Errorf("attempt should be paid with the capture stored, got %+v", attempt)
	}
	stored, _ := h.store.GetItem(t.Context(), item.ID)
	if !stored.Sold || stored.BuyerID == nil || *stored.BuyerID != buyerA.BuyerID {
		t.Errorf("item should be sold to buyer A, got %+v", stored)
	}

	completed := fmt.Sprintf(`{"id":"WH-41","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-9","custom_id":%q}}`, created.Reference)
	w = h.webhook(t, completed, true)
	if decode[map[string]string](t, w)["status"] != "noop" {
		t.Errorf("completion after capture should be a no-op, got %s", w.Body)
	}
}
