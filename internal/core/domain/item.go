package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a purchasable collectible with independent INR and USD prices.
type Item struct {
	ID          int64
	Title       string
	Description string
	ImageURL    string
	PriceINR    decimal.Decimal
	PriceUSD    decimal.Decimal

	// On-chain reference, informational only.
	ContractAddress *string
	TokenID         *string
	ChainID         *int64

	Sold       bool
	Reserved   bool
	ReservedAt *time.Time
	SoldAt     *time.Time
	BuyerID    *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriceFor returns the listed price in the given currency.
func (i Item) PriceFor(c Currency) (decimal.Decimal, error) {
	switch c {
	case CurrencyINR:
		return i.PriceINR, nil
	case CurrencyUSD:
		return i.PriceUSD, nil
	default:
		return decimal.Decimal{}, ErrUnsupportedCurrency
	}
}

// Reserve marks the item as held for checkout.
func (i *Item) Reserve(now time.Time) {
	i.Reserved = true
	i.ReservedAt = &now
	i.UpdatedAt = now
}

// Release clears the reservation. A sold item is left untouched.
func (i *Item) Release(now time.Time) {
	if i.Sold {
		return
	}
	i.Reserved = false
	i.ReservedAt = nil
	i.UpdatedAt = now
}

// MarkSold records the sale and clears the reservation.
func (i *Item) MarkSold(buyerID int64, now time.Time) {
	i.Sold = true
	i.SoldAt = &now
	i.BuyerID = &buyerID
	i.Reserved = false
	i.ReservedAt = nil
	i.UpdatedAt = now
}

// CheckInvariants reports the first violated marketplace invariant, if any.
func (i Item) CheckInvariants() error {
	if i.Sold && (i.Reserved || i.BuyerID == nil) {
		return ErrInvariantViolation
	}
	if i.Reserved && (i.Sold || i.ReservedAt == nil) {
		return ErrInvariantViolation
	}
	return nil
}
