package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/core/service"
	"github.com/rl1809/collectible-market/internal/port"
)

const (
	principalKey = "principal"
	maxBodyBytes = 1 << 20
)

// EventParser turns a verified webhook body into a provider event.
type EventParser func(body []byte) (domain.ProviderEvent, error)

type HTTPHandler struct {
	engine   *service.ReservationService
	checkout *service.CheckoutService
	admin    *service.AdminService
	auth     port.Authenticator
	logger   *slog.Logger

	webhooks   *service.WebhookService
	verifier   port.WebhookVerifier
	parseEvent EventParser

	limiter     port.CacheRepository
	limit       int
	limitWindow time.Duration
}

type HTTPOption func(*HTTPHandler)

// WithWebhooks enables POST /api/webhooks/paypal.
func WithWebhooks(svc *service.WebhookService, verifier port.WebhookVerifier, parse EventParser) HTTPOption {
	return func(h *HTTPHandler) {
		h.webhooks, h.verifier, h.parseEvent = svc, verifier, parse
	}
}

// WithRateLimit caps purchases per buyer. A limit of zero disables it.
func WithRateLimit(cache port.CacheRepository, limit int, window time.Duration) HTTPOption {
	return func(h *HTTPHandler) {
		h.limiter, h.limit, h.limitWindow = cache, limit, window
	}
}

func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHTTPHandler(engine *service.ReservationService, checkout *service.CheckoutService, admin *service.AdminService, auth port.Authenticator, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		engine:   engine,
		checkout: checkout,
		admin:    admin,
		auth:     auth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	{
		api.GET("/items/:id", h.GetItem)

		if h.webhooks != nil {
			api.POST("/webhooks/paypal", h.PayPalWebhook)
		}

		buyer := api.Group("", h.authenticate())
		buyer.POST("/purchase/:item_id", h.rateLimit(), h.Purchase)
		buyer.GET("/attempts/:reference", h.GetAttempt)
		buyer.POST("/attempts/:reference/cancel", h.CancelAttempt)

		admin := api.Group("/admin", h.authenticate())
		admin.GET("/attempts", h.ListAttempts)
		admin.POST("/attempts/:id/verify", h.VerifyAttempt)
		admin.POST("/attempts/:id/reject", h.RejectAttempt)
	}
	return r
}

type itemResponse struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	PriceINR        string     `json:"price_inr"`
	PriceUSD        string     `json:"price_usd"`
	ContractAddress *string    `json:"contract_address,omitempty"`
	TokenID         *string    `json:"token_id,omitempty"`
	ChainID         *int64     `json:"chain_id,omitempty"`
	Sold            bool       `json:"sold"`
	Reserved        bool       `json:"reserved"`
	ReservedAt      *time.Time `json:"reserved_at,omitempty"`
	SoldAt          *time.Time `json:"sold_at,omitempty"`
}

func newItemResponse(i domain.Item) itemResponse {
	return itemResponse{
		ID:              i.ID,
		Title:           i.Title,
		Description:     i.Description,
		ImageURL:        i.ImageURL,
		PriceINR:        domain.FormatAmount(i.PriceINR),
		PriceUSD:        domain.FormatAmount(i.PriceUSD),
		ContractAddress: i.ContractAddress,
		TokenID:         i.TokenID,
		ChainID:         i.ChainID,
		Sold:            i.Sold,
		Reserved:        i.Reserved,
		ReservedAt:      i.ReservedAt,
		SoldAt:          i.SoldAt,
	}
}

type attemptResponse struct {
	AttemptID   int64      `json:"attempt_id"`
	Reference   string     `json:"reference"`
	ItemID      int64      `json:"item_id"`
	Rail        string     `json:"rail"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PayURI      string     `json:"pay_uri,omitempty"`
	CheckoutURL string     `json:"checkout_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newAttemptResponse(a domain.Attempt) attemptResponse {
	resp := attemptResponse{
		AttemptID:   a.ID,
		Reference:   a.Reference,
		ItemID:      a.ItemID,
		Rail:        string(a.Rail),
		Amount:      domain.FormatAmount(a.Amount),
		Currency:    string(a.Currency),
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		CompletedAt: a.CompletedAt,
	}
	if a.CheckoutURL != nil {
		resp.CheckoutURL = *a.CheckoutURL
	}
	return resp
}

func purchaseResponse(res service.PurchaseResult) attemptResponse {
	resp := newAttemptResponse(res.Attempt)
	resp.PayURI = res.PayURI
	if res.CheckoutURL != "" {
		resp.CheckoutURL = res.CheckoutURL
	}
	return resp
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.writeError(c, err)
		return
	}
	item, err := h.engine.GetItem(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newItemResponse(item))
}

type purchaseRequest struct {
	Rail     string `json:"rail"`
	Currency string `json:"currency"`
}

func (h *HTTPHandler) Purchase(c *gin.Context) {
	itemID, err := pathID(c, "item_id")
	if err != nil {
		h.writeError(c, err)
		return
	}

	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: domain.KindInvalid.String(), Message: "invalid request body"})
		return
	}

	rail := domain.Rail(req.Rail)
	currency := domain.Currency(strings.ToUpper(req.Currency))
	if currency == "" {
		currency = defaultCurrency(rail)
	}

	res, err := h.checkout.Purchase(c.Request.Context(), principal(c), service.PurchaseInput{
		ItemID:   itemID,
		Rail:     rail,
		Currency: currency,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, purchaseResponse(res))
}

func defaultCurrency(r domain.Rail) domain.Currency {
	if r == domain.RailHostedProvider {
		return domain.CurrencyUSD
	}
	return domain.CurrencyINR
}

func (h *HTTPHandler) GetAttempt(c *gin.Context) {
	res, err := h.checkout.Attempt(c.Request.Context(), principal(c), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchaseResponse(res))
}

func (h *HTTPHandler) CancelAttempt(c *gin.Context) {
	res, err := h.checkout.Cancel(c.Request.Context(), principal(c), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchaseResponse(res))
}

func (h *HTTPHandler) ListAttempts(c *gin.Context) {
	filter := domain.AttemptFilter{
		Status: domain.AttemptStatus(c.Query("status")),
		Rail:   domain.Rail(c.Query("rail")),
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(c, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidID))
			return
		}
		filter.Limit = n
	}

	attempts, err := h.admin.List(c.Request.Context(), principal(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]attemptResponse, len(attempts))
	for i, a := range attempts {
		out[i] = newAttemptResponse(a)
	}
	c.JSON(http.StatusOK, gin.H{"attempts": out})
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

func (h *HTTPHandler) VerifyAttempt(c *gin.Context) {
	h.review(c, h.admin.Verify)
}

func (h *HTTPHandler) RejectAttempt(c *gin.Context) {
	h.review(c, h.admin.Reject)
}

type reviewFunc func(ctx context.Context, caller domain.Principal, attemptID int64, notes string) (service.ConfirmResult, error)

func (h *HTTPHandler) review(c *gin.Context, fn reviewFunc) {
	id, err := pathID(c, "id")
	if err != nil {
		h.writeError(c, err)
		return
	}
	var req reviewRequest
	// The body is optional; chunked requests carry no Content-Length.
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: domain.KindInvalid.String(), Message: "invalid request body"})
			return
		}
	}

	res, err := fn(c.Request.Context(), principal(c), id, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": res.Applied,
		"attempt": newAttemptResponse(res.Attempt),
	})
}

func (h *HTTPHandler) PayPalWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: domain.KindInvalid.String(), Message: "unreadable body"})
		return
	}
	if err := h.verifier.Verify(c.Request.Header, body); err != nil {
		h.logger.Warn("rejected webhook", "error", err, "client_ip", c.ClientIP())
		h.writeError(c, err)
		return
	}
	event, err := h.parseEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: domain.KindInvalid.String(), Message: err.Error()})
		return
	}

	res, err := h.webhooks.Handle(c.Request.Context(), event)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := "noop"
	switch {
	case res.Ignored:
		status = "ignored"
	case res.Duplicate:
		status = "duplicate"
	case res.Applied:
		status = "applied"
	case res.Captured:
		status = "captured"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *HTTPHandler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.auth.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			h.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// rateLimit fails open: a Redis outage must not stop purchases.
func (h *HTTPHandler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil || h.limit <= 0 {
			c.Next()
			return
		}
		p := principal(c)
		ok, err := h.limiter.Allow(c.Request.Context(), "purchase:"+strconv.FormatInt(p.BuyerID, 10), h.limit, h.limitWindow)
		if err != nil {
			h.logger.Warn("rate limiter unavailable", "buyer_id", p.BuyerID, "error", err)
			c.Next()
			return
		}
		if !ok {
			h.writeError(c, domain.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *HTTPHandler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(httpStatus(kind), errorResponse{Error: kind.String(), Message: msg})
}

func httpStatus(k domain.ErrorKind) int {
	switch k {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidState:
		return http.StatusUnprocessableEntity
	case domain.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func principal(c *gin.Context) domain.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(domain.Principal)
	return p
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", domain.ErrInvalidID, name)
	}
	return id, nil
}
