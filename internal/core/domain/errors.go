package domain

import "errors"

var (
	ErrItemNotFound        = errors.New("item not found")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrItemUnavailable     = errors.New("item unavailable")
	ErrAttemptNotPending   = errors.New("attempt not pending")
	ErrDuplicateReference  = errors.New("duplicate attempt reference")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidRail         = errors.New("invalid payment rail")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidOutcome      = errors.New("invalid outcome")
	ErrInvalidStatus       = errors.New("invalid attempt status")
	ErrInvalidID           = errors.New("invalid id")
	ErrInvariantViolation  = errors.New("marketplace invariant violated")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrCredentialExpired   = errors.New("credential expired")
	ErrForbidden           = errors.New("forbidden")
	ErrRateLimited         = errors.New("rate limited")
	ErrManualConfirmRail   = errors.New("manual confirmation not allowed for rail")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindConflict
	KindInvalidState
	KindStoreUnavailable
	KindInvalid
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindInvalid:
		return "invalid"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrAttemptNotFound):
		return KindNotFound
	case errors.Is(err, ErrItemUnavailable), errors.Is(err, ErrDuplicateReference):
		return KindConflict
	case errors.Is(err, ErrAttemptNotPending), errors.Is(err, ErrManualConfirmRail):
		return KindInvalidState
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrInvalidRail), errors.Is(err, ErrUnsupportedCurrency),
		errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidID):
		return KindInvalid
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrCredentialExpired):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrProviderUnavailable):
		return KindUpstream
	default:
		return KindInternal
	}
}
