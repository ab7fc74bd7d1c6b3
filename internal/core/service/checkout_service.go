package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

// InstructionQueue accepts payment instructions for asynchronous delivery.
type InstructionQueue interface {
	Enqueue(instruction domain.PaymentInstruction) bool
}

// CheckoutService is the buyer-facing purchase flow: it reserves through the
// engine and then prepares whatever the chosen rail needs to get paid.
type CheckoutService struct {
	engine     *ReservationService
	instrument port.InstrumentBuilder
	provider   port.PaymentProvider
	queue      InstructionQueue
	logger     *slog.Logger
}

type CheckoutOption func(*CheckoutService)

func WithPaymentProvider(p port.PaymentProvider) CheckoutOption {
	return func(s *CheckoutService) { s.provider = p }
}

func WithInstructionQueue(q InstructionQueue) CheckoutOption {
	return func(s *CheckoutService) { s.queue = q }
}

func WithCheckoutLogger(l *slog.Logger) CheckoutOption {
	return func(s *CheckoutService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewCheckoutService(engine *ReservationService, instrument port.InstrumentBuilder, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{
		engine:     engine,
		instrument: instrument,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type PurchaseInput struct {
	ItemID   int64
	Rail     domain.Rail
	Currency domain.Currency
}

type PurchaseResult struct {
	Attempt     domain.Attempt
	Item        domain.Item
	Created     bool
	PayURI      string
	CheckoutURL string
}

// Purchase reserves an item for the caller and returns what the buyer needs
// to pay. Repeating the call while the attempt is pending returns the same
// attempt with Created false.
func (s *CheckoutService) Purchase(ctx context.Context, caller domain.Principal, in PurchaseInput) (PurchaseResult, error) {
	if caller.BuyerID <= 0 {
		return PurchaseResult{}, domain.ErrUnauthenticated
	}
	if !in.Rail.Valid() {
		return PurchaseResult{}, domain.ErrInvalidRail
	}
	// UPI only settles rupees.
	if in.Rail == domain.RailBankTransfer && in.Currency != domain.CurrencyINR {
		return PurchaseResult{}, domain.ErrUnsupportedCurrency
	}
	if in.Rail == domain.RailHostedProvider && s.provider == nil {
		return PurchaseResult{}, domain.ErrProviderUnavailable
	}

	reserved, err := s.engine.Reserve(ctx, ReserveInput{
		ItemID:   in.ItemID,
		BuyerID:  caller.BuyerID,
		Rail:     in.Rail,
		Currency: in.Currency,
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	result := PurchaseResult{
		Attempt: reserved.Attempt,
		Item:    reserved.Item,
		Created: reserved.Created,
	}

	switch result.Attempt.Rail {
	case domain.RailBankTransfer:
		result.PayURI = s.instrument.PayURI(result.Attempt)
		if result.Created {
			s.notify(caller, result)
		}
	case domain.RailHostedProvider:
		if err := s.openCheckout(ctx, &result); err != nil {
			return PurchaseResult{}, err
		}
	}

	return result, nil
}

func (s *CheckoutService) notify(caller domain.Principal, result PurchaseResult) {
	if s.queue == nil {
		return
	}
	s.queue.Enqueue(domain.PaymentInstruction{
		AttemptID:  result.Attempt.ID,
		ItemID:     result.Item.ID,
		ItemTitle:  result.Item.Title,
		BuyerEmail: caller.Email,
		Amount:     result.Attempt.Amount,
		Currency:   result.Attempt.Currency,
		Reference:  result.Attempt.Reference,
		PayURI:     result.PayURI,
	})
}

func (s *CheckoutService) openCheckout(ctx context.Context, result *PurchaseResult) error {
	if result.Attempt.CheckoutURL != nil {
		result.CheckoutURL = *result.Attempt.CheckoutURL
		return nil
	}
	if s.provider == nil {
		return domain.ErrProviderUnavailable
	}

	session, err := s.provider.CreateCheckout(ctx, domain.CheckoutRequest{
		Reference: result.Attempt.Reference,
		ItemID:    result.Item.ID,
		ItemTitle: result.Item.Title,
		Amount:    result.Attempt.Amount,
		Currency:  result.Attempt.Currency,
	})
	if err != nil {
		// A replayed attempt may still be served by the request that created it.
		if result.Created {
			s.abandon(ctx, result.Attempt, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}

	if err := s.engine.RecordCheckout(ctx, result.Attempt.ID, session.ApprovalURL); err != nil {
		s.logger.Warn("failed to record checkout url",
			"attempt_id", result.Attempt.ID,
			"error", err,
		)
	}
	result.CheckoutURL = session.ApprovalURL
	result.Attempt.CheckoutURL = &session.ApprovalURL
	return nil
}

// abandon frees the item when the provider could not open a session, so the
// buyer is not left holding a reservation nobody can pay.
func (s *CheckoutService) abandon(ctx context.Context, attempt domain.Attempt, cause error) {
	_, err := s.engine.Cancel(ctx, CancelInput{
		Attempt: AttemptRef{ID: attempt.ID},
		Reason:  "provider_unavailable",
	})
	if err != nil {
		s.logger.Error("failed to cancel attempt after provider error",
			"attempt_id", attempt.ID,
			"provider_error", cause,
			"error", err,
		)
		return
	}
	s.logger.Warn("checkout failed, reservation released",
		"attempt_id", attempt.ID,
		"item_id", attempt.ItemID,
		"error", cause,
	)
}

// Attempt returns one of the caller's attempts with its payable instrument.
func (s *CheckoutService) Attempt(ctx context.Context, caller domain.Principal, reference string) (PurchaseResult, error) {
	attempt, err := s.engine.GetAttempt(ctx, AttemptRef{Reference: reference})
	if err != nil {
		return PurchaseResult{}, err
	}
	if attempt.BuyerID != caller.BuyerID && !caller.Admin {
		return PurchaseResult{}, domain.ErrAttemptNotFound
	}
	return s.view(attempt), nil
}

// Cancel abandons one of the caller's pending attempts.
func (s *CheckoutService) Cancel(ctx context.Context, caller domain.Principal, reference string) (PurchaseResult, error) {
	res, err := s.engine.Cancel(ctx, CancelInput{
		Attempt: AttemptRef{Reference: reference},
		BuyerID: caller.BuyerID,
		Reason:  "buyer_cancelled",
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	return s.view(res.Attempt), nil
}

func (s *CheckoutService) view(attempt domain.Attempt) PurchaseResult {
	result := PurchaseResult{Attempt: attempt}
	if attempt.Status != domain.AttemptStatusPending {
		return result
	}
	switch attempt.Rail {
	case domain.RailBankTransfer:
		result.PayURI = s.instrument.PayURI(attempt)
	case domain.RailHostedProvider:
		if attempt.CheckoutURL != nil {
			result.CheckoutURL = *attempt.CheckoutURL
		}
	}
	return result
}
