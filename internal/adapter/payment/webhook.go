package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

const SignatureHeader = "X-Webhook-Signature"

// HMACVerifier checks a hex HMAC-SHA256 of the raw body. An optional
// "sha256=" prefix on the header is accepted.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(header http.Header, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", domain.ErrUnauthenticated)
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header.Get(SignatureHeader)), "sha256=")
	if sig == "" {
		return fmt.Errorf("%w: missing %s", domain.ErrUnauthenticated, SignatureHeader)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", domain.ErrUnauthenticated)
	}
	if !hmac.Equal(got, v.Sign(body)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthenticated)
	}
	return nil
}

// Sign returns the raw MAC for body.
func (v *HMACVerifier) Sign(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
