package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/core/domain"
)

// Claims is the payload of a marketplace bearer token.
type Claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 bearer tokens minted by the identity
// service. It also issues them, for the CLI and tests.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

func NewJWTAuthenticator(secret, issuer string, clk clock.Clock) *JWTAuthenticator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, clock: clk}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, bearer string) (domain.Principal, error) {
	raw := strings.TrimSpace(bearer)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Principal{}, domain.ErrCredentialExpired
		}
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if claims.UserID <= 0 {
		return domain.Principal{}, fmt.Errorf("%w: missing user_id", domain.ErrUnauthenticated)
	}

	return domain.Principal{
		BuyerID: claims.UserID,
		Email:   claims.Email,
		Admin:   claims.Admin,
	}, nil
}

// Issue signs a token for p that expires after ttl.
func (a *JWTAuthenticator) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		UserID: p.BuyerID,
		Email:  p.Email,
		Admin:  p.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   fmt.Sprintf("%d", p.BuyerID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
