// Package database persists accounts, subscriptions, shares and payouts in
// SQLite. A single writer connection keeps share times strictly monotonic.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and provides all persistence operations.
type DB struct {
	conn *sqlx.DB
	path string

	mu       sync.Mutex
	lastTime float64
}

// Open creates or opens the pool database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sqlx.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=120000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1) // SQLite is single-writer

	db := &DB{conn: conn, path: dbPath}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Size returns total disk usage in bytes (main DB + WAL + SHM files).
func (db *DB) Size() int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(db.path + suffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on any error.
func (db *DB) WithTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Cleanup deletes subscriptions and shares older than retention.
func (db *DB) Cleanup(retention time.Duration) (int64, error) {
	cutoff := float64(time.Now().Add(-retention).UnixNano()) / 1e9
	var total int64
	err := db.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM subscription WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete subscriptions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.Exec(`DELETE FROM share WHERE time < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete shares: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

// now returns wall-clock seconds, strictly greater than any value it has
// returned before. Share rows use it as their primary key.
func (db *DB) now() float64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := float64(time.Now().UnixNano()) / 1e9
	if t <= db.lastTime {
		t = db.lastTime + 1e-6
	}
	db.lastTime = t
	return t
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		return err
	}
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS account (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			address    TEXT NOT NULL UNIQUE,
			created_at REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_account_address ON account(address);

		CREATE TABLE IF NOT EXISTS subscription (
			id          BLOB PRIMARY KEY,
			extranonce1 BLOB NOT NULL,
			created_at  REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS share (
			time       REAL PRIMARY KEY,
			account_id INTEGER NOT NULL,
			algorithm  INTEGER NOT NULL,
			blockhash  BLOB,
			share      REAL NOT NULL,
			payout_id  INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS payout (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			txhash     BLOB NOT NULL,
			amount     INTEGER NOT NULL,
			begin_time REAL NOT NULL,
			end_time   REAL NOT NULL,
			time       REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_payout_txhash ON payout(txhash);
		CREATE INDEX IF NOT EXISTS idx_payout_time   ON payout(time);
	`)
	return err
}
