package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

type memTxKey struct{}

// MemoryAdapter is an in-process port.Store. A unit of work holds one
// store-wide lock, which gives the same per-item exclusion row locks give a
// SQL store, and restores a snapshot when fn fails.
type MemoryAdapter struct {
	mu          sync.Mutex
	items       map[int64]domain.Item
	attempts    map[int64]domain.Attempt
	references  map[string]int64
	nextItem    int64
	nextAttempt int64
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:      make(map[int64]domain.Item),
		attempts:   make(map[int64]domain.Attempt),
		references: make(map[string]int64),
	}
}

func (m *MemoryAdapter) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*MemoryAdapter)
	return owner == m
}

// lock acquires the store lock unless ctx already runs inside a unit of work.
func (m *MemoryAdapter) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return unavailable("begin tx", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items := make(map[int64]domain.Item, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}
	attempts := make(map[int64]domain.Attempt, len(m.attempts))
	for k, v := range m.attempts {
		attempts[k] = v
	}
	references := make(map[string]int64, len(m.references))
	for k, v := range m.references {
		references[k] = v
	}
	nextItem, nextAttempt := m.nextItem, m.nextAttempt

	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.items, m.attempts, m.references = items, attempts, references
		m.nextItem, m.nextAttempt = nextItem, nextAttempt
		return err
	}
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, itemID int64) (domain.Item, error) {
	defer m.lock(ctx)()

	item, ok := m.items[itemID]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (m *MemoryAdapter) GetItemForUpdate(ctx context.Context, itemID int64) (domain.Item, error) {
	return m.GetItem(ctx, itemID)
}

func (m *MemoryAdapter) UpdateItemState(ctx context.Context, item domain.Item) error {
	defer m.lock(ctx)()

	stored, ok := m.items[item.ID]
	if !ok {
		return domain.ErrItemNotFound
	}
	stored.Sold = item.Sold
	stored.Reserved = item.Reserved
	stored.ReservedAt = item.ReservedAt
	stored.SoldAt = item.SoldAt
	stored.BuyerID = item.BuyerID
	stored.UpdatedAt = item.UpdatedAt
	m.items[item.ID] = stored
	return nil
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item *domain.Item) error {
	defer m.lock(ctx)()

	m.nextItem++
	item.ID = m.nextItem
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryAdapter) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	defer m.lock(ctx)()

	if _, ok := m.items[attempt.ItemID]; !ok {
		return domain.ErrItemNotFound
	}
	if _, ok := m.references[attempt.Reference]; ok {
		return domain.ErrDuplicateReference
	}

	m.nextAttempt++
	attempt.ID = m.nextAttempt
	m.attempts[attempt.ID] = *attempt
	m.references[attempt.Reference] = attempt.ID
	return nil
}

func (m *MemoryAdapter) GetAttemptByID(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	defer m.lock(ctx)()

	attempt, ok := m.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return attempt, nil
}

func (m *MemoryAdapter) GetAttemptByReference(ctx context.Context, reference string) (domain.Attempt, error) {
	defer m.lock(ctx)()

	id, ok := m.references[reference]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return m.attempts[id], nil
}

func (m *MemoryAdapter) GetAttemptForUpdate(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	return m.GetAttemptByID(ctx, attemptID)
}

func (m *MemoryAdapter) FindPendingAttempt(ctx context.Context, itemID int64) (*domain.Attempt, error) {
	defer m.lock(ctx)()

	var found *domain.Attempt
	for _, a := range m.attempts {
		if a.ItemID != itemID || a.Status != domain.AttemptStatusPending {
			continue
		}
		if found == nil || a.ID < found.ID {
			a := a
			found = &a
		}
	}
	return found, nil
}

func (m *MemoryAdapter) TransitionAttempt(ctx context.Context, t domain.Transition) (bool, error) {
	defer m.lock(ctx)()

	attempt, ok := m.attempts[t.AttemptID]
	if !ok || attempt.Status != domain.AttemptStatusPending {
		return false, nil
	}
	attempt.Status = t.To
	attempt.UpdatedAt = t.At
	if t.CompletedAt != nil {
		attempt.CompletedAt = t.CompletedAt
	}
	if t.Payload != nil {
		attempt.GatewayResponse = t.Payload
	}
	m.attempts[t.AttemptID] = attempt
	return true, nil
}

func (m *MemoryAdapter) SetCheckoutURL(ctx context.Context, attemptID int64, url string, at time.Time) error {
	defer m.lock(ctx)()

	attempt, ok := m.attempts[attemptID]
	if !ok || attempt.Status != domain.AttemptStatusPending {
		return domain.ErrAttemptNotPending
	}
	attempt.CheckoutURL = &url
	attempt.UpdatedAt = at
	m.attempts[attemptID] = attempt
	return nil
}

func (m *MemoryAdapter) ListExpiredPending(ctx context.Context, cutoff time.Time, after domain.ExpiryCursor, limit int) ([]domain.ExpiryCursor, error) {
	defer m.lock(ctx)()

	var out []domain.ExpiryCursor
	for _, a := range m.attempts {
		if a.Status != domain.AttemptStatusPending || !a.CreatedAt.Before(cutoff) {
			continue
		}
		c := domain.ExpiryCursor{CreatedAt: a.CreatedAt, ID: a.ID}
		if after.ID > 0 && !cursorAfter(c, after) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return cursorAfter(out[j], out[i]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cursorAfter reports whether a sorts after b.
func cursorAfter(a, b domain.ExpiryCursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (m *MemoryAdapter) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	defer m.lock(ctx)()

	var out []domain.Attempt
	for _, a := range m.attempts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Rail != "" && a.Rail != filter.Rail {
			continue
		}
		if filter.ItemID > 0 && a.ItemID != filter.ItemID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
