package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

type pgTxKey struct{}

type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAdapter implements port.Store and port.CatalogRepository on a pgx pool.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("begin tx", err)
	}

	txCtx := context.WithValue(ctx, pgTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit tx", err)
	}
	return nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(pgTxKey{}).(pgx.Tx)
	return tx
}

func (p *PostgresAdapter) conn(ctx context.Context) pgQueryer {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return p.pool
}

const pgItemColumns = `id, title, description, image_url, price_inr::text, price_usd::text,
	contract_address, token_id, chain_id, sold, reserved, reserved_at, sold_at,
	buyer_id, created_at, updated_at`

const pgAttemptColumns = `id, reference, item_id, buyer_id, rail, currency, amount::text,
	status, checkout_url, gateway_response, created_at, updated_at, completed_at`

func (p *PostgresAdapter) GetItem(ctx context.Context, itemID int64) (domain.Item, error) {
	return p.getItem(ctx, `SELECT `+pgItemColumns+` FROM items WHERE id = $1`, itemID)
}

func (p *PostgresAdapter) GetItemForUpdate(ctx context.Context, itemID int64) (domain.Item, error) {
	return p.getItem(ctx, `SELECT `+pgItemColumns+` FROM items WHERE id = $1 FOR UPDATE`, itemID)
}

func (p *PostgresAdapter) getItem(ctx context.Context, query string, itemID int64) (domain.Item, error) {
	item, err := scanPgItem(p.conn(ctx).QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Item{}, domain.ErrItemNotFound
		}
		return domain.Item{}, pgWrap("get item", err)
	}
	return item, nil
}

func (p *PostgresAdapter) UpdateItemState(ctx context.Context, item domain.Item) error {
	const stmt = `
UPDATE items
SET sold = $1, reserved = $2, reserved_at = $3, sold_at = $4, buyer_id = $5, updated_at = $6
WHERE id = $7`

	tag, err := p.conn(ctx).Exec(ctx, stmt,
		item.Sold, item.Reserved, item.ReservedAt, item.SoldAt, item.BuyerID, item.UpdatedAt, item.ID)
	if err != nil {
		return pgWrap("update item", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (p *PostgresAdapter) CreateItem(ctx context.Context, item *domain.Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	const stmt = `
INSERT INTO items (title, description, image_url, price_inr, price_usd,
	contract_address, token_id, chain_id, sold, reserved, reserved_at, sold_at,
	buyer_id, created_at, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING id`

	err := p.conn(ctx).QueryRow(ctx, stmt,
		item.Title, item.Description, item.ImageURL,
		domain.FormatAmount(item.PriceINR), domain.FormatAmount(item.PriceUSD),
		item.ContractAddress, item.TokenID, item.ChainID,
		item.Sold, item.Reserved, item.ReservedAt, item.SoldAt,
		item.BuyerID, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return pgWrap("create item", err)
	}
	return nil
}

func (p *PostgresAdapter) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	const stmt = `
INSERT INTO attempts (reference, item_id, buyer_id, rail, currency, amount,
	status, checkout_url, gateway_response, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)
RETURNING id`

	err := p.conn(ctx).QueryRow(ctx, stmt,
		attempt.Reference, attempt.ItemID, attempt.BuyerID, string(attempt.Rail),
		string(attempt.Currency), domain.FormatAmount(attempt.Amount), string(attempt.Status),
		attempt.CheckoutURL, attempt.GatewayResponse,
		attempt.CreatedAt, attempt.UpdatedAt, attempt.CompletedAt,
	).Scan(&attempt.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateReference
		}
		return pgWrap("create attempt", err)
	}
	return nil
}

func (p *PostgresAdapter) GetAttemptByID(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	return p.getAttempt(ctx, `SELECT `+pgAttemptColumns+` FROM attempts WHERE id = $1`, attemptID)
}

func (p *PostgresAdapter) GetAttemptByReference(ctx context.Context, reference string) (domain.Attempt, error) {
	return p.getAttempt(ctx, `SELECT `+pgAttemptColumns+` FROM attempts WHERE reference = $1`, reference)
}

func (p *PostgresAdapter) GetAttemptForUpdate(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	return p.getAttempt(ctx, `SELECT `+pgAttemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, attemptID)
}

func (p *PostgresAdapter) getAttempt(ctx context.Context, query string, arg any) (domain.Attempt, error) {
	attempt, err := scanPgAttempt(p.conn(ctx).QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Attempt{}, domain.ErrAttemptNotFound
		}
		return domain.Attempt{}, pgWrap("get attempt", err)
	}
	return attempt, nil
}

func (p *PostgresAdapter) FindPendingAttempt(ctx context.Context, itemID int64) (*domain.Attempt, error) {
	query := `SELECT ` + pgAttemptColumns + ` FROM attempts
WHERE item_id = $1 AND status = 'pending'
ORDER BY id LIMIT 1`

	attempt, err := scanPgAttempt(p.conn(ctx).QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgWrap("find pending attempt", err)
	}
	return &attempt, nil
}

func (p *PostgresAdapter) TransitionAttempt(ctx context.Context, t domain.Transition) (bool, error) {
	const stmt = `
UPDATE attempts
SET status = $1, updated_at = $2,
	completed_at = COALESCE($3, completed_at),
	gateway_response = COALESCE($4, gateway_response)
WHERE id = $5 AND status = 'pending'`

	tag, err := p.conn(ctx).Exec(ctx, stmt, string(t.To), t.At, t.CompletedAt, t.Payload, t.AttemptID)
	if err != nil {
		return false, pgWrap("transition attempt", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresAdapter) SetCheckoutURL(ctx context.Context, attemptID int64, url string, at time.Time) error {
	const stmt = `
UPDATE attempts SET checkout_url = $1, updated_at = $2
WHERE id = $3 AND status = 'pending'`

	tag, err := p.conn(ctx).Exec(ctx, stmt, url, at, attemptID)
	if err != nil {
		return pgWrap("set checkout url", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAttemptNotPending
	}
	return nil
}

func (p *PostgresAdapter) ListExpiredPending(ctx context.Context, cutoff time.Time, after domain.ExpiryCursor, limit int) ([]domain.ExpiryCursor, error) {
	const query = `
SELECT created_at, id FROM attempts
WHERE status = 'pending' AND created_at < $1 AND (created_at, id) > ($2, $3)
ORDER BY created_at, id
LIMIT $4`

	rows, err := p.conn(ctx).Query(ctx, query, cutoff, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, pgWrap("list expired attempts", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.ExpiryCursor])
	if err != nil {
		return nil, pgWrap("list expired attempts", err)
	}
	return out, nil
}

func (p *PostgresAdapter) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Rail != "" {
		add("rail = $%d", string(filter.Rail))
	}
	if filter.ItemID > 0 {
		add("item_id = $%d", filter.ItemID)
	}

	query := `SELECT ` + pgAttemptColumns + ` FROM attempts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, pgWrap("list attempts", err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		attempt, err := scanPgAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, pgWrap("list attempts", err)
	}
	return attempts, nil
}

func scanPgItem(row pgx.Row) (domain.Item, error) {
	var (
		item               domain.Item
		priceINR, priceUSD string
	)
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.ImageURL,
		&priceINR, &priceUSD, &item.ContractAddress, &item.TokenID, &item.ChainID,
		&item.Sold, &item.Reserved, &item.ReservedAt, &item.SoldAt, &item.BuyerID,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return domain.Item{}, err
	}
	if item.PriceINR, err = domain.ParseAmount(priceINR); err != nil {
		return domain.Item{}, fmt.Errorf("price_inr: %w", err)
	}
	if item.PriceUSD, err = domain.ParseAmount(priceUSD); err != nil {
		return domain.Item{}, fmt.Errorf("price_usd: %w", err)
	}
	return item, nil
}

func scanPgAttempt(row pgx.Row) (domain.Attempt, error) {
	var (
		attempt                        domain.Attempt
		rail, currency, amount, status string
	)
	err := row.Scan(&attempt.ID, &attempt.Reference, &attempt.ItemID, &attempt.BuyerID,
		&rail, &currency, &amount, &status, &attempt.CheckoutURL, &attempt.GatewayResponse,
		&attempt.CreatedAt, &attempt.UpdatedAt, &attempt.CompletedAt)
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.Amount, err = domain.ParseAmount(amount); err != nil {
		return domain.Attempt{}, fmt.Errorf("amount: %w", err)
	}
	attempt.Rail = domain.Rail(rail)
	attempt.Currency = domain.Currency(currency)
	attempt.Status = domain.AttemptStatus(status)
	return attempt, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgWrap(op string, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, pgx.ErrTxClosed) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
