package service

import (
	"context"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

// AdminService is the manual confirmation adapter: an operator checks the
// bank statement and verifies or rejects a bank-transfer attempt.
type AdminService struct {
	engine *ReservationService
}

func NewAdminService(engine *ReservationService) *AdminService {
	return &AdminService{engine: engine}
}

// Verify confirms a bank-transfer attempt as paid.
func (s *AdminService) Verify(ctx context.Context, caller domain.Principal, attemptID int64, notes string) (ConfirmResult, error) {
	return s.settle(ctx, caller, attemptID, domain.OutcomePaid, notes)
}

// Reject confirms a bank-transfer attempt as failed and frees the item.
func (s *AdminService) Reject(ctx context.Context, caller domain.Principal, attemptID int64, notes string) (ConfirmResult, error) {
	return s.settle(ctx, caller, attemptID, domain.OutcomeFailed, notes)
}

func (s *AdminService) settle(ctx context.Context, caller domain.Principal, attemptID int64, outcome domain.Outcome, notes string) (ConfirmResult, error) {
	if !caller.Admin {
		return ConfirmResult{}, domain.ErrForbidden
	}
	attempt, err := s.engine.GetAttempt(ctx, AttemptRef{ID: attemptID})
	if err != nil {
		return ConfirmResult{}, err
	}
	if attempt.Rail != domain.RailBankTransfer {
		return ConfirmResult{}, domain.ErrManualConfirmRail
	}

	fields := map[string]any{"verified_by": caller.BuyerID, "outcome": outcome}
	if notes != "" {
		fields["notes"] = notes
	}
	var payload string
	if note := gatewayNote(fields); note != nil {
		payload = *note
	}

	return s.engine.Confirm(ctx, ConfirmInput{
		Attempt: AttemptRef{ID: attemptID},
		Outcome: outcome,
		Payload: payload,
	})
}

// List returns attempts for the operator queue, newest first.
func (s *AdminService) List(ctx context.Context, caller domain.Principal, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	if !caller.Admin {
		return nil, domain.ErrForbidden
	}
	return s.engine.ListAttempts(ctx, filter)
}
