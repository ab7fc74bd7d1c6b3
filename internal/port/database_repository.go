package port

import (
	"context"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

// UnitOfWork runs fn inside one transaction. The transaction travels in the
// context handed to fn; repository calls made with that context join it.
// Nested calls reuse the outer transaction.
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ItemRepository interface {
	// GetItem reads an item without locking it.
	GetItem(ctx context.Context, itemID int64) (domain.Item, error)

	// GetItemForUpdate reads and row-locks an item until the transaction ends.
	GetItemForUpdate(ctx context.Context, itemID int64) (domain.Item, error)

	// UpdateItemState writes the marketplace state columns of an item.
	UpdateItemState(ctx context.Context, item domain.Item) error
}

type LedgerRepository interface {
	// CreateAttempt inserts an attempt and fills in its ID.
	CreateAttempt(ctx context.Context, attempt *domain.Attempt) error

	GetAttemptByID(ctx context.Context, attemptID int64) (domain.Attempt, error)
	GetAttemptByReference(ctx context.Context, reference string) (domain.Attempt, error)

	// GetAttemptForUpdate reads and row-locks an attempt.
	GetAttemptForUpdate(ctx context.Context, attemptID int64) (domain.Attempt, error)

	// FindPendingAttempt returns the pending attempt for an item, or nil.
	FindPendingAttempt(ctx context.Context, itemID int64) (*domain.Attempt, error)

	// TransitionAttempt moves a pending attempt to t.To. It returns false,
	// without error, when the attempt was no longer pending.
	TransitionAttempt(ctx context.Context, t domain.Transition) (bool, error)

	// SetCheckoutURL records the hosted-provider approval URL.
	SetCheckoutURL(ctx context.Context, attemptID int64, url string, at time.Time) error

	// ListExpiredPending returns pending attempts created before cutoff that
	// sort after the cursor, oldest first.
	ListExpiredPending(ctx context.Context, cutoff time.Time, after domain.ExpiryCursor, limit int) ([]domain.ExpiryCursor, error)

	ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error)
}

type CatalogRepository interface {
	// CreateItem inserts a catalog item and fills in its ID.
	CreateItem(ctx context.Context, item *domain.Item) error
}

// Store is everything the reservation engine needs from persistence.
type Store interface {
	UnitOfWork
	ItemRepository
	LedgerRepository
}
