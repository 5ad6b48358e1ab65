package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// AccountID resolves a bech32 address to its account id. When create is
// true an account row is inserted on first sight; otherwise a missing
// address fails with ErrNotFound.
func (db *DB) AccountID(address string, create bool) (int64, error) {
	var id int64
	err := db.conn.Get(&id, `SELECT id FROM account WHERE address = ?`, address)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup account: %w", err)
	}
	if !create {
		return 0, fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	res, err := db.conn.Exec(
		`INSERT INTO account (address, created_at) VALUES (?, ?)`, address, db.now())
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// AccountAddress resolves an account id back to its address, or "" when
// the id is unknown.
func (db *DB) AccountAddress(id int64) (string, error) {
	var address string
	err := db.conn.Get(&address, `SELECT address FROM account WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup address: %w", err)
	}
	return address, nil
}
