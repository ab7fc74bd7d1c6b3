package domain

import "github.com/shopspring/decimal"

// PaymentInstruction is what a buyer needs to settle a bank-transfer attempt.
type PaymentInstruction struct {
	AttemptID  int64
	ItemID     int64
	ItemTitle  string
	BuyerEmail string
	Amount     decimal.Decimal
	Currency   Currency
	Reference  string
	PayURI     string
}

// CheckoutRequest asks a hosted provider to open a payment session.
type CheckoutRequest struct {
	Reference string
	ItemID    int64
	ItemTitle string
	Amount    decimal.Decimal
	Currency  Currency
}

// CheckoutSession is the provider's answer to a CheckoutRequest.
type CheckoutSession struct {
	ProviderID  string
	ApprovalURL string
}

// ProviderEvent is a verified hosted-provider notification reduced to what
// settlement needs. Outcome is empty for event types that do not settle.
// CaptureID is set when the buyer approved a session that still has to be
// captured before money moves.
type ProviderEvent struct {
	ID        string
	Type      string
	Reference string
	Outcome   Outcome
	CaptureID string
	Raw       []byte
}

// CaptureResult is the provider's answer to capturing an approved session.
// Outcome is empty while the provider holds the capture as pending.
type CaptureResult struct {
	ProviderID string
	Reference  string
	Outcome    Outcome
	Raw        []byte
}
