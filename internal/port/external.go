package port

import (
	"context"
	"net/http"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

// Authenticator resolves a bearer credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (domain.Principal, error)
}

// Notifier delivers a payment instruction. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, instruction domain.PaymentInstruction) error
}

// PaymentProvider opens hosted checkout sessions and captures them once the
// buyer has approved.
type PaymentProvider interface {
	CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error)
	Capture(ctx context.Context, providerID string) (domain.CaptureResult, error)
}

// WebhookVerifier authenticates an inbound provider notification.
type WebhookVerifier interface {
	Verify(header http.Header, body []byte) error
}

// InstrumentBuilder renders the payable instrument for a bank-transfer attempt.
type InstrumentBuilder interface {
	PayURI(attempt domain.Attempt) string
}
