package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

// Dialect selects the SQL flavour a SQLAdapter speaks.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

const timeLayout = "2006-01-02 15:04:05.000000"

type txKey struct{}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLAdapter implements port.Store and port.CatalogRepository over
// database/sql for MySQL and SQLite.
//
// SQLite has no row locks; open it with _txlock=immediate so every unit of
// work takes the database write lock at BEGIN.
type SQLAdapter struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAdapter(db *sql.DB, dialect Dialect) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: dialect}
}

func NewMySQLAdapter(db *sql.DB) *SQLAdapter {
	return NewSQLAdapter(db, DialectMySQL)
}

func NewSQLiteAdapter(db *sql.DB) *SQLAdapter {
	return NewSQLAdapter(db, DialectSQLite)
}

func (a *SQLAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit tx", err)
	}
	return nil
}

func (a *SQLAdapter) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return a.db
}

func (a *SQLAdapter) forUpdate() string {
	if a.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

const itemColumns = `id, title, description, image_url, price_inr, price_usd,
	contract_address, token_id, chain_id, sold, reserved, reserved_at, sold_at,
	buyer_id, created_at, updated_at`

func (a *SQLAdapter) GetItem(ctx context.Context, itemID int64) (domain.Item, error) {
	return a.getItem(ctx, itemID, "")
}

func (a *SQLAdapter) GetItemForUpdate(ctx context.Context, itemID int64) (domain.Item, error) {
	return a.getItem(ctx, itemID, a.forUpdate())
}

func (a *SQLAdapter) getItem(ctx context.Context, itemID int64, suffix string) (domain.Item, error) {
	row := a.conn(ctx).QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`+suffix, itemID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, domain.ErrItemNotFound
	}
	if err != nil {
		return domain.Item{}, a.wrap("query item", err)
	}
	return item, nil
}

func (a *SQLAdapter) UpdateItemState(ctx context.Context, item domain.Item) error {
	result, err := a.conn(ctx).ExecContext(ctx, `
		UPDATE items
		SET sold = ?, reserved = ?, reserved_at = ?, sold_at = ?, buyer_id = ?, updated_at = ?
		WHERE id = ?`,
		item.Sold, item.Reserved, nullableTime(item.ReservedAt), nullableTime(item.SoldAt),
		nullableInt(item.BuyerID), formatTime(item.UpdatedAt), item.ID,
	)
	if err != nil {
		return a.wrap("update item", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 && a.dialect != DialectMySQL {
		return domain.ErrItemNotFound
	}
	return nil
}

func (a *SQLAdapter) CreateItem(ctx context.Context, item *domain.Item) error {
	now := item.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}

	result, err := a.conn(ctx).ExecContext(ctx, `
		INSERT INTO items (title, description, image_url, price_inr, price_usd,
			contract_address, token_id, chain_id, sold, reserved, reserved_at, sold_at,
			buyer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Title, item.Description, item.ImageURL,
		domain.FormatAmount(item.PriceINR), domain.FormatAmount(item.PriceUSD),
		nullableString(item.ContractAddress), nullableString(item.TokenID), nullableInt(item.ChainID),
		item.Sold, item.Reserved, nullableTime(item.ReservedAt), nullableTime(item.SoldAt),
		nullableInt(item.BuyerID), formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if err != nil {
		return a.wrap("insert item", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	item.ID = id
	return nil
}

const attemptColumns = `id, reference, item_id, buyer_id, rail, currency, amount,
	status, checkout_url, gateway_response, created_at, updated_at, completed_at`

func (a *SQLAdapter) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	result, err := a.conn(ctx).ExecContext(ctx, `
		INSERT INTO attempts (reference, item_id, buyer_id, rail, currency, amount,
			status, checkout_url, gateway_response, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.Reference, attempt.ItemID, attempt.BuyerID, string(attempt.Rail),
		string(attempt.Currency), domain.FormatAmount(attempt.Amount), string(attempt.Status),
		nullableString(attempt.CheckoutURL), nullableString(attempt.GatewayResponse),
		formatTime(attempt.CreatedAt), formatTime(attempt.UpdatedAt), nullableTime(attempt.CompletedAt),
	)
	if err != nil {
		if a.isDuplicate(err) {
			return domain.ErrDuplicateReference
		}
		return a.wrap("insert attempt", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("attempt id: %w", err)
	}
	attempt.ID = id
	return nil
}

func (a *SQLAdapter) GetAttemptByID(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	return a.getAttempt(ctx, `id = ?`, attemptID, "")
}

func (a *SQLAdapter) GetAttemptByReference(ctx context.Context, reference string) (domain.Attempt, error) {
	return a.getAttempt(ctx, `reference = ?`, reference, "")
}

func (a *SQLAdapter) GetAttemptForUpdate(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	return a.getAttempt(ctx, `id = ?`, attemptID, a.forUpdate())
}

func (a *SQLAdapter) getAttempt(ctx context.Context, where string, arg any, suffix string) (domain.Attempt, error) {
	row := a.conn(ctx).QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE `+where+suffix, arg)

	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, a.wrap("query attempt", err)
	}
	return attempt, nil
}

func (a *SQLAdapter) FindPendingAttempt(ctx context.Context, itemID int64) (*domain.Attempt, error) {
	row := a.conn(ctx).QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE item_id = ? AND status = ?
		ORDER BY id LIMIT 1`,
		itemID, string(domain.AttemptStatusPending),
	)

	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, a.wrap("query pending attempt", err)
	}
	return &attempt, nil
}

func (a *SQLAdapter) TransitionAttempt(ctx context.Context, t domain.Transition) (bool, error) {
	result, err := a.conn(ctx).ExecContext(ctx, `
		UPDATE attempts
		SET status = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at),
			gateway_response = COALESCE(?, gateway_response)
		WHERE id = ? AND status = ?`,
		string(t.To), formatTime(t.At), nullableTime(t.CompletedAt), nullableString(t.Payload),
		t.AttemptID, string(domain.AttemptStatusPending),
	)
	if err != nil {
		return false, a.wrap("transition attempt", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, a.wrap("transition attempt", err)
	}
	return rows == 1, nil
}

func (a *SQLAdapter) SetCheckoutURL(ctx context.Context, attemptID int64, url string, at time.Time) error {
	result, err := a.conn(ctx).ExecContext(ctx, `
		UPDATE attempts SET checkout_url = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		url, formatTime(at), attemptID, string(domain.AttemptStatusPending),
	)
	if err != nil {
		return a.wrap("set checkout url", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAttemptNotPending
	}
	return nil
}

func (a *SQLAdapter) ListExpiredPending(ctx context.Context, cutoff time.Time, after domain.ExpiryCursor, limit int) ([]domain.ExpiryCursor, error) {
	query := `SELECT id, created_at FROM attempts WHERE status = ? AND created_at < ?`
	args := []any{string(domain.AttemptStatusPending), formatTime(cutoff)}
	if after.ID > 0 {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		at := formatTime(after.CreatedAt)
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := a.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, a.wrap("query expired attempts", err)
	}
	defer rows.Close()

	var out []domain.ExpiryCursor
	for rows.Next() {
		var (
			c       domain.ExpiryCursor
			created nullTime
		)
		if err := rows.Scan(&c.ID, &created); err != nil {
			return nil, fmt.Errorf("scan expired attempt: %w", err)
		}
		c.CreatedAt = created.Time
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, a.wrap("query expired attempts", err)
	}
	return out, nil
}

func (a *SQLAdapter) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Rail != "" {
		where = append(where, "rail = ?")
		args = append(args, string(filter.Rail))
	}
	if filter.ItemID > 0 {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}

	query := `SELECT ` + attemptColumns + ` FROM attempts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := a.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, a.wrap("list attempts", err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, a.wrap("list attempts", err)
	}
	return attempts, nil
}

func (a *SQLAdapter) isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// wrap adds op context and marks connection-level failures as retryable.
func (a *SQLAdapter) wrap(op string, err error) error {
	if isConnError(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
	}
	return false
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var (
		item                 domain.Item
		priceINR, priceUSD   string
		contract, token      sql.NullString
		chainID, buyerID     sql.NullInt64
		reservedAt, soldAt   nullTime
		createdAt, updatedAt nullTime
	)
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.ImageURL,
		&priceINR, &priceUSD, &contract, &token, &chainID,
		&item.Sold, &item.Reserved, &reservedAt, &soldAt, &buyerID,
		&createdAt, &updatedAt)
	if err != nil {
		return domain.Item{}, err
	}

	if item.PriceINR, err = domain.ParseAmount(priceINR); err != nil {
		return domain.Item{}, fmt.Errorf("price_inr: %w", err)
	}
	if item.PriceUSD, err = domain.ParseAmount(priceUSD); err != nil {
		return domain.Item{}, fmt.Errorf("price_usd: %w", err)
	}
	item.ContractAddress = stringPtr(contract)
	item.TokenID = stringPtr(token)
	item.ChainID = intPtr(chainID)
	item.BuyerID = intPtr(buyerID)
	item.ReservedAt = reservedAt.ptr()
	item.SoldAt = soldAt.ptr()
	item.CreatedAt = createdAt.Time
	item.UpdatedAt = updatedAt.Time
	return item, nil
}

func scanAttempt(row rowScanner) (domain.Attempt, error) {
	var (
		attempt                         domain.Attempt
		rail, currency, amount, status  string
		checkoutURL, gatewayResponse    sql.NullString
		createdAt, updatedAt, completed nullTime
	)
	err := row.Scan(&attempt.ID, &attempt.Reference, &attempt.ItemID, &attempt.BuyerID,
		&rail, &currency, &amount, &status, &checkoutURL, &gatewayResponse,
		&createdAt, &updatedAt, &completed)
	if err != nil {
		return domain.Attempt{}, err
	}

	if attempt.Amount, err = domain.ParseAmount(amount); err != nil {
		return domain.Attempt{}, fmt.Errorf("amount: %w", err)
	}
	attempt.Rail = domain.Rail(rail)
	attempt.Currency = domain.Currency(currency)
	attempt.Status = domain.AttemptStatus(status)
	attempt.CheckoutURL = stringPtr(checkoutURL)
	attempt.GatewayResponse = stringPtr(gatewayResponse)
	attempt.CreatedAt = createdAt.Time
	attempt.UpdatedAt = updatedAt.Time
	attempt.CompletedAt = completed.ptr()
	return attempt, nil
}

// nullTime scans DATETIME columns from either driver: MySQL hands back
// time.Time (parseTime=true) and SQLite hands back text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognised time %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// formatTime renders timestamps fixed-width in UTC so text comparison in
// SQLite orders them correctly.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func intPtr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}
