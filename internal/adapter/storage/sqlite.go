package storage

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite database configured for the store: writer lock
// taken at BEGIN, a busy timeout instead of immediate SQLITE_BUSY, and
// foreign keys enforced.
func OpenSQLite(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return db, nil
}
