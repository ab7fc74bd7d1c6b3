package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

// ReservationPolicy decides what happens when a buyer tries to reserve an
// item that another buyer holds within the TTL.
type ReservationPolicy string

const (
	// PolicyExclusive refuses the second buyer.
	PolicyExclusive ReservationPolicy = "exclusive"
	// PolicyPreempt cancels the holder's attempt and reserves for the new buyer.
	PolicyPreempt ReservationPolicy = "preempt"
)

func (p ReservationPolicy) Valid() bool {
	return p == PolicyExclusive || p == PolicyPreempt
}

const (
	DefaultReservationTTL = 30 * time.Minute
	defaultSweepBatchSize = 500
	defaultListLimit      = 100
	maxListLimit          = 500
)

type ReservationService struct {
	store     port.Store
	clock     clock.Clock
	logger    *slog.Logger
	ttl       time.Duration
	policy    ReservationPolicy
	batchSize int
	reference func() string
}

type ReservationOption func(*ReservationService)

// WithReservationTTL overrides how long a pending attempt holds its item.
func WithReservationTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithPolicy(p ReservationPolicy) ReservationOption {
	return func(s *ReservationService) {
		if p.Valid() {
			s.policy = p
		}
	}
}

// WithSweepBatchSize bounds how many expired attempts one page of
// ReleaseExpired handles.
func WithSweepBatchSize(n int) ReservationOption {
	return func(s *ReservationService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) ReservationOption {
	return func(s *ReservationService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReferenceGenerator replaces the attempt reference generator.
func WithReferenceGenerator(fn func() string) ReservationOption {
	return func(s *ReservationService) {
		if fn != nil {
			s.reference = fn
		}
	}
}

func NewReservationService(store port.Store, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	svc := &ReservationService{
		store:     store,
		clock:     clk,
		logger:    slog.Default(),
		ttl:       DefaultReservationTTL,
		policy:    PolicyExclusive,
		batchSize: defaultSweepBatchSize,
		reference: uuid.NewString,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// TTL reports the configured reservation lifetime.
func (s *ReservationService) TTL() time.Duration {
	return s.ttl
}

type ReserveInput struct {
	ItemID   int64
	BuyerID  int64
	Rail     domain.Rail
	Currency domain.Currency
}

type ReserveResult struct {
	Attempt domain.Attempt
	Item    domain.Item
	Created bool
}

// Reserve locks an item for a buyer and opens a pending attempt. A retry by
// the same buyer while the attempt is pending returns that attempt.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	if in.ItemID <= 0 || in.BuyerID <= 0 {
		return ReserveResult{}, domain.ErrInvalidID
	}
	if !in.Rail.Valid() {
		return ReserveResult{}, domain.ErrInvalidRail
	}
	if !in.Currency.Valid() {
		return ReserveResult{}, domain.ErrUnsupportedCurrency
	}

	now := s.clock.Now()
	var result ReserveResult

	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		item, err := s.store.GetItemForUpdate(txCtx, in.ItemID)
		if err != nil {
			return err
		}
		if item.Sold {
			return domain.ErrItemUnavailable
		}

		pending, err := s.store.FindPendingAttempt(txCtx, item.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			switch {
			case pending.ExpiredAt(now, s.ttl):
				if _, _, err := s.closeAttempt(txCtx, &item, *pending, domain.AttemptStatusExpired, now, nil, false); err != nil {
					return err
				}
			case pending.BuyerID == in.BuyerID:
				result = ReserveResult{Attempt: *pending, Item: item}
				return nil
			case s.policy == PolicyPreempt:
				note := gatewayNote(map[string]any{"reason": "preempted", "buyer_id": in.BuyerID})
				if _, _, err := s.closeAttempt(txCtx, &item, *pending, domain.AttemptStatusCancelled, now, note, false); err != nil {
					return err
				}
			default:
				return domain.ErrItemUnavailable
			}
		}

		price, err := item.PriceFor(in.Currency)
		if err != nil {
			return err
		}

		attempt := domain.Attempt{
			Reference: s.reference(),
			ItemID:    item.ID,
			BuyerID:   in.BuyerID,
			Rail:      in.Rail,
			Currency:  in.Currency,
			Amount:    price.Round(domain.AmountScale),
			Status:    domain.AttemptStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateAttempt(txCtx, &attempt); err != nil {
			return err
		}

		item.Reserve(now)
		if err := s.store.UpdateItemState(txCtx, item); err != nil {
			return err
		}

		result = ReserveResult{Attempt: attempt, Item: item, Created: true}
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}

	if result.Created {
		s.logger.Info("item reserved",
			"attempt_id", result.Attempt.ID,
			"item_id", result.Attempt.ItemID,
			"buyer_id", result.Attempt.BuyerID,
			"rail", result.Attempt.Rail,
			"amount", domain.FormatAmount(result.Attempt.Amount),
			"currency", result.Attempt.Currency,
		)
	}
	return result, nil
}

// AttemptRef names an attempt by ID or by reference. ID wins when both are set.
type AttemptRef struct {
	ID        int64
	Reference string
}

func (r AttemptRef) String() string {
	if r.ID > 0 {
		return fmt.Sprintf("id=%d", r.ID)
	}
	return "reference=" + r.Reference
}

type ConfirmInput struct {
	Attempt AttemptRef
	Outcome domain.Outcome
	Payload string
}

type ConfirmResult struct {
	Attempt domain.Attempt
	// Applied is false when the attempt was already terminal.
	Applied bool
}

// Confirm settles a pending attempt as paid or failed. Confirming a terminal
// attempt is a no-op that returns it unchanged.
func (s *ReservationService) Confirm(ctx context.Context, in ConfirmInput) (ConfirmResult, error) {
	to, err := in.Outcome.Status()
	if err != nil {
		return ConfirmResult{}, err
	}
	return s.settle(ctx, in.Attempt, 0, to, optional(in.Payload), true)
}

type CancelInput struct {
	Attempt AttemptRef
	// BuyerID, when set, must own the attempt.
	BuyerID int64
	Reason  string
}

// Cancel abandons a pending attempt and releases its item.
func (s *ReservationService) Cancel(ctx context.Context, in CancelInput) (ConfirmResult, error) {
	var payload *string
	if in.Reason != "" {
		payload = gatewayNote(map[string]any{"reason": in.Reason})
	}
	return s.settle(ctx, in.Attempt, in.BuyerID, domain.AttemptStatusCancelled, payload, false)
}

func (s *ReservationService) settle(ctx context.Context, ref AttemptRef, buyerID int64, to domain.AttemptStatus, payload *string, complete bool) (ConfirmResult, error) {
	found, err := s.lookup(ctx, ref)
	if err != nil {
		return ConfirmResult{}, err
	}
	if buyerID > 0 && found.BuyerID != buyerID {
		return ConfirmResult{}, domain.ErrAttemptNotFound
	}
	if found.Status.Terminal() {
		return ConfirmResult{Attempt: found}, nil
	}

	now := s.clock.Now()
	var result ConfirmResult

	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		item, err := s.store.GetItemForUpdate(txCtx, found.ItemID)
		if err != nil {
			return err
		}
		attempt, err := s.store.GetAttemptForUpdate(txCtx, found.ID)
		if err != nil {
			return err
		}
		if attempt.Status.Terminal() {
			result = ConfirmResult{Attempt: attempt}
			return nil
		}

		updated, applied, err := s.closeAttempt(txCtx, &item, attempt, to, now, payload, complete)
		if err != nil {
			return err
		}
		if !applied {
			current, err := s.store.GetAttemptByID(txCtx, attempt.ID)
			if err != nil {
				return err
			}
			result = ConfirmResult{Attempt: current}
			return nil
		}
		result = ConfirmResult{Attempt: updated, Applied: true}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	if result.Applied {
		s.logger.Info("attempt settled",
			"attempt_id", result.Attempt.ID,
			"item_id", result.Attempt.ItemID,
			"reference", result.Attempt.Reference,
			"status", result.Attempt.Status,
		)
	} else {
		s.logger.Debug("attempt already terminal",
			"attempt_id", result.Attempt.ID,
			"status", result.Attempt.Status,
			"requested", to,
		)
	}
	return result, nil
}

// closeAttempt moves a pending attempt to a terminal status and applies the
// matching item change. Callers must hold the item and attempt row locks.
func (s *ReservationService) closeAttempt(ctx context.Context, item *domain.Item, attempt domain.Attempt, to domain.AttemptStatus, now time.Time, payload *string, complete bool) (domain.Attempt, bool, error) {
	t := domain.Transition{
		AttemptID: attempt.ID,
		To:        to,
		At:        now,
		Payload:   payload,
	}
	if complete {
		t.CompletedAt = &now
	}

	ok, err := s.store.TransitionAttempt(ctx, t)
	if err != nil {
		return attempt, false, err
	}
	if !ok {
		return attempt, false, nil
	}

	if to == domain.AttemptStatusPaid {
		item.MarkSold(attempt.BuyerID, now)
	} else {
		item.Release(now)
	}
	if err := s.store.UpdateItemState(ctx, *item); err != nil {
		return attempt, false, err
	}

	attempt.Status = to
	attempt.UpdatedAt = now
	attempt.CompletedAt = t.CompletedAt
	if payload != nil {
		attempt.GatewayResponse = payload
	}
	return attempt, true, nil
}

// ReleaseExpired expires every pending attempt strictly older than ttl and
// frees its item. Attempts settled concurrently are skipped. Errors on single
// attempts are logged and joined into the returned error; the rest of the
// batch still runs.
func (s *ReservationService) ReleaseExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]domain.Attempt, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	cutoff := now.Add(-ttl)

	var (
		released []domain.Attempt
		errs     []error
		after    domain.ExpiryCursor
	)
	for {
		batch, err := s.store.ListExpiredPending(ctx, cutoff, after, s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired attempts: %w", err))
			break
		}

		for _, c := range batch {
			attempt, ok, err := s.expireOne(ctx, c.ID, now, ttl)
			if err != nil {
				s.logger.Warn("failed to expire attempt", "attempt_id", c.ID, "error", err)
				errs = append(errs, fmt.Errorf("expire attempt %d: %w", c.ID, err))
				continue
			}
			if ok {
				released = append(released, attempt)
				s.logger.Info("reservation expired",
					"attempt_id", attempt.ID,
					"item_id", attempt.ItemID,
					"reference", attempt.Reference,
				)
			}
		}

		if len(batch) < s.batchSize || ctx.Err() != nil {
			break
		}
		// Failed attempts stay pending; the cursor moves past them.
		after = batch[len(batch)-1]
	}

	return released, errors.Join(errs...)
}

func (s *ReservationService) expireOne(ctx context.Context, attemptID int64, now time.Time, ttl time.Duration) (domain.Attempt, bool, error) {
	var (
		result  domain.Attempt
		applied bool
	)
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		found, err := s.store.GetAttemptByID(txCtx, attemptID)
		if err != nil {
			return err
		}
		item, err := s.store.GetItemForUpdate(txCtx, found.ItemID)
		if err != nil {
			return err
		}
		attempt, err := s.store.GetAttemptForUpdate(txCtx, attemptID)
		if err != nil {
			return err
		}
		if !attempt.ExpiredAt(now, ttl) {
			return nil
		}
		result, applied, err = s.closeAttempt(txCtx, &item, attempt, domain.AttemptStatusExpired, now, nil, false)
		return err
	})
	return result, applied, err
}

// RecordCheckout stores the hosted-provider approval URL on an attempt.
func (s *ReservationService) RecordCheckout(ctx context.Context, attemptID int64, url string) error {
	return s.store.SetCheckoutURL(ctx, attemptID, url, s.clock.Now())
}

func (s *ReservationService) GetAttempt(ctx context.Context, ref AttemptRef) (domain.Attempt, error) {
	return s.lookup(ctx, ref)
}

func (s *ReservationService) GetItem(ctx context.Context, itemID int64) (domain.Item, error) {
	if itemID <= 0 {
		return domain.Item{}, domain.ErrInvalidID
	}
	return s.store.GetItem(ctx, itemID)
}

func (s *ReservationService) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if filter.Rail != "" && !filter.Rail.Valid() {
		return nil, domain.ErrInvalidRail
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.store.ListAttempts(ctx, filter)
}

func (s *ReservationService) lookup(ctx context.Context, ref AttemptRef) (domain.Attempt, error) {
	switch {
	case ref.ID > 0:
		return s.store.GetAttemptByID(ctx, ref.ID)
	case ref.Reference != "":
		return s.store.GetAttemptByReference(ctx, ref.Reference)
	default:
		return domain.Attempt{}, domain.ErrInvalidID
	}
}

// gatewayNote renders an engine-authored gateway_response payload.
func gatewayNote(fields map[string]any) *string {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	note := string(b)
	return &note
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
