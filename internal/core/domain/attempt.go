package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusPaid      AttemptStatus = "paid"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCancelled AttemptStatus = "cancelled"
	AttemptStatusExpired   AttemptStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s AttemptStatus) Terminal() bool {
	return s != AttemptStatusPending
}

func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptStatusPending, AttemptStatusPaid, AttemptStatusFailed,
		AttemptStatusCancelled, AttemptStatusExpired:
		return true
	}
	return false
}

// Rail is the payment channel an attempt settles through.
type Rail string

const (
	RailBankTransfer   Rail = "bank-transfer"
	RailHostedProvider Rail = "hosted-provider"
)

func (r Rail) Valid() bool {
	return r == RailBankTransfer || r == RailHostedProvider
}

type Currency string

const (
	CurrencyINR Currency = "INR"
	CurrencyUSD Currency = "USD"
)

func (c Currency) Valid() bool {
	return c == CurrencyINR || c == CurrencyUSD
}

// Outcome is the result reported by a payment confirmation.
type Outcome string

const (
	OutcomePaid   Outcome = "paid"
	OutcomeFailed Outcome = "failed"
)

func (o Outcome) Status() (AttemptStatus, error) {
	switch o {
	case OutcomePaid:
		return AttemptStatusPaid, nil
	case OutcomeFailed:
		return AttemptStatusFailed, nil
	default:
		return "", ErrInvalidOutcome
	}
}

// AmountScale is the number of decimal places amounts are stored with.
const AmountScale = 2

// Attempt is one purchase try, tracked from reservation to a terminal status.
type Attempt struct {
	ID        int64
	Reference string
	ItemID    int64
	BuyerID   int64
	Rail      Rail
	Currency  Currency
	Amount    decimal.Decimal
	Status    AttemptStatus

	CheckoutURL     *string
	GatewayResponse *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ExpiredAt reports whether a pending attempt is strictly older than ttl.
func (a Attempt) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return a.Status == AttemptStatusPending && now.Sub(a.CreatedAt) > ttl
}

// FormatAmount renders an amount the way it is persisted.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}

// ParseAmount reads a persisted amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// Transition describes a conditional status change out of pending.
type Transition struct {
	AttemptID   int64
	To          AttemptStatus
	At          time.Time
	CompletedAt *time.Time
	Payload     *string
}

// ExpiryCursor is a position in the expiry scan, ordered by (CreatedAt, ID).
// The zero value starts at the oldest attempt.
type ExpiryCursor struct {
	CreatedAt time.Time
	ID        int64
}

// AttemptFilter narrows ledger listings. Zero values match everything.
type AttemptFilter struct {
	Status AttemptStatus
	Rail   Rail
	ItemID int64
	Limit  int
}
