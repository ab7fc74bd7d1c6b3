package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

// Multi delivers to every notifier and joins their errors.
type Multi []port.Notifier

func (m Multi) Notify(ctx context.Context, in domain.PaymentInstruction) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes instructions to the logger. It stands in when no delivery
// channel is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, in domain.PaymentInstruction) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "payment instruction",
		"attempt_id", in.AttemptID,
		"item_id", in.ItemID,
		"reference", in.Reference,
		"amount", domain.FormatAmount(in.Amount),
		"currency", in.Currency,
		"pay_uri", in.PayURI,
	)
	return nil
}
