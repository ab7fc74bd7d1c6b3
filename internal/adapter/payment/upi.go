package payment

import (
	"net/url"
	"strings"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

const (
	DefaultPayee = "NFT Marketplace"
	DefaultNote  = "NFT Purchase Payment"
)

// UPIBuilder renders upi://pay deep links for bank-transfer attempts.
type UPIBuilder struct {
	vpa   string
	payee string
	note  string
}

func NewUPIBuilder(vpa, payee string) *UPIBuilder {
	if payee == "" {
		payee = DefaultPayee
	}
	return &UPIBuilder{vpa: vpa, payee: payee, note: DefaultNote}
}

func (b *UPIBuilder) PayURI(attempt domain.Attempt) string {
	params := []string{
		"pa=" + escape(b.vpa),
		"pn=" + escape(b.payee),
		"am=" + domain.FormatAmount(attempt.Amount),
		"cu=" + string(attempt.Currency),
		"tid=" + escape(attempt.Reference),
		"tn=" + escape(b.note),
	}
	return "upi://pay?" + strings.Join(params, "&")
}

// UPI apps expect %20 rather than + for spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
