package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

const webhookDedupeTTL = 24 * time.Hour

// WebhookService applies hosted-provider notifications to the ledger.
// Providers redeliver freely; the engine's idempotent Confirm makes a
// duplicate harmless, and the cache only saves the database round trip.
type WebhookService struct {
	engine   *ReservationService
	cache    port.CacheRepository
	provider port.PaymentProvider
	logger   *slog.Logger
}

type WebhookOption func(*WebhookService)

// WithCapture lets the service capture orders the buyer has approved.
func WithCapture(p port.PaymentProvider) WebhookOption {
	return func(s *WebhookService) { s.provider = p }
}

func NewWebhookService(engine *ReservationService, cache port.CacheRepository, logger *slog.Logger, opts ...WebhookOption) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebhookService{engine: engine, cache: cache, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type WebhookResult struct {
	Attempt   domain.Attempt
	Applied   bool
	Captured  bool
	Duplicate bool
	Ignored   bool
}

// Handle settles the attempt named by a verified event. An approved order is
// captured first and the capture outcome settles the attempt.
func (s *WebhookService) Handle(ctx context.Context, event domain.ProviderEvent) (WebhookResult, error) {
	capture := event.Outcome == "" && event.CaptureID != "" && s.provider != nil
	if event.Reference == "" || (event.Outcome == "" && !capture) {
		s.logger.Debug("ignoring provider event", "event_id", event.ID, "type", event.Type)
		return WebhookResult{Ignored: true}, nil
	}

	key := "webhook:" + event.ID
	marked := false
	if s.cache != nil && event.ID != "" {
		fresh, err := s.cache.SetIdempotency(ctx, key, webhookDedupeTTL)
		switch {
		case err != nil:
			s.logger.Warn("webhook dedupe unavailable", "event_id", event.ID, "error", err)
		case !fresh:
			s.logger.Info("duplicate provider event", "event_id", event.ID, "reference", event.Reference)
			return WebhookResult{Duplicate: true}, nil
		default:
			marked = true
		}
	}

	var (
		res WebhookResult
		err error
	)
	if capture {
		res, err = s.capture(ctx, event)
	} else {
		res, err = s.confirm(ctx, event.Reference, event.Outcome, event.Raw)
	}
	if err != nil {
		if marked {
			// Let the provider's retry through.
			if cerr := s.cache.ClearIdempotency(ctx, key); cerr != nil {
				s.logger.Warn("failed to clear webhook dedupe key", "event_id", event.ID, "error", cerr)
			}
		}
		return WebhookResult{}, err
	}
	if !res.Applied && !res.Captured {
		s.logger.Info("late provider event for settled attempt",
			"event_id", event.ID,
			"reference", event.Reference,
			"status", res.Attempt.Status,
		)
	}
	return res, nil
}

func (s *WebhookService) confirm(ctx context.Context, reference string, outcome domain.Outcome, raw []byte) (WebhookResult, error) {
	res, err := s.engine.Confirm(ctx, ConfirmInput{
		Attempt: AttemptRef{Reference: reference},
		Outcome: outcome,
		Payload: string(raw),
	})
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{Attempt: res.Attempt, Applied: res.Applied}, nil
}

func (s *WebhookService) capture(ctx context.Context, event domain.ProviderEvent) (WebhookResult, error) {
	attempt, err := s.engine.GetAttempt(ctx, AttemptRef{Reference: event.Reference})
	if err != nil {
		return WebhookResult{}, err
	}
	// Only a pending attempt can still sell the item.
	if attempt.Status != domain.AttemptStatusPending {
		return WebhookResult{Attempt: attempt}, nil
	}

	captured, err := s.provider.Capture(ctx, event.CaptureID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: capture %s: %w", domain.ErrProviderUnavailable, event.CaptureID, err)
	}
	if captured.Reference != "" && captured.Reference != event.Reference {
		return WebhookResult{}, fmt.Errorf("capture %s settled reference %q, event named %q", event.CaptureID, captured.Reference, event.Reference)
	}
	s.logger.Info("order captured",
		"order_id", event.CaptureID,
		"reference", event.Reference,
		"outcome", captured.Outcome,
	)
	if captured.Outcome == "" {
		return WebhookResult{Attempt: attempt, Captured: true}, nil
	}

	res, err := s.confirm(ctx, event.Reference, captured.Outcome, captured.Raw)
	if err != nil {
		return WebhookResult{}, err
	}
	if !res.Applied && captured.Outcome == domain.OutcomePaid {
		s.logger.Error("captured payment for an attempt that is no longer pending",
			"order_id", event.CaptureID,
			"reference", event.Reference,
			"status", res.Attempt.Status,
		)
	}
	res.Captured = true
	return res, nil
}
