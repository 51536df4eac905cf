// Package gateway implements the local RPC facade: POST /rpc,
// GET /rpc/status/{id}, GET /rpc/schema/{app_name}, backed by a
// process-local SQLite future DB.
package gateway

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

const futureDBPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
`

const futureDBSchema = `
CREATE TABLE IF NOT EXISTS futures (
	id        TEXT PRIMARY KEY,
	path      TEXT NOT NULL,
	expires   DATETIME NOT NULL,
	namespace TEXT NOT NULL
);
`

// FutureDB is the gateway's process-local record of outstanding
// non-blocking RPC calls.
type FutureDB struct {
	db *sqlx.DB
}

// FutureRow mirrors the futures table: which api_data path an id resolves
// under, when it expires, and which app namespace issued it.
type FutureRow struct {
	ID        string    `db:"id"`
	Path      string    `db:"path"`
	Expires   time.Time `db:"expires"`
	Namespace string    `db:"namespace"`
}

// OpenFutureDB opens (and migrates) the future DB at path, applying
// WAL/busy-timeout pragmas so concurrent readers don't block writers.
func OpenFutureDB(path string) (*FutureDB, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("gateway: open future db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(futureDBPragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: future db pragmas: %w", err)
	}
	if _, err := db.Exec(futureDBSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: future db schema: %w", err)
	}
	return &FutureDB{db: db}, nil
}

// Close closes the underlying database handle.
func (f *FutureDB) Close() error { return f.db.Close() }

// Put persists a future row.
func (f *FutureDB) Put(row FutureRow) error {
	_, err := f.db.NamedExec(
		`INSERT OR REPLACE INTO futures (id, path, expires, namespace) VALUES (:id, :path, :expires, :namespace)`,
		row,
	)
	return err
}

// Get looks up a future row by id. ok is false if no such row exists.
func (f *FutureDB) Get(id string) (row FutureRow, ok bool, err error) {
	err = f.db.Get(&row, `SELECT id, path, expires, namespace FROM futures WHERE id = ?`, id)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return FutureRow{}, false, nil
		}
		return FutureRow{}, false, err
	}
	return row, true, nil
}

// Delete removes a future row, e.g. once it has reached a terminal state.
func (f *FutureDB) Delete(id string) error {
	_, err := f.db.Exec(`DELETE FROM futures WHERE id = ?`, id)
	return err
}
