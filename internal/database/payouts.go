package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Payout is one settled payout transaction.
type Payout struct {
	ID     int64   `db:"id"`
	TxHash []byte  `db:"txhash"`
	Amount uint64  `db:"amount"`
	Begin  float64 `db:"begin_time"`
	End    float64 `db:"end_time"`
	Time   float64 `db:"time"`
}

// InsertPayout appends a payout row on the caller's transaction and
// returns its id.
func InsertPayout(tx sqlx.Ext, txhash []byte, amount uint64, begin, end float64) (int64, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := tx.Exec(
		`INSERT INTO payout (txhash, amount, begin_time, end_time, time)
		 VALUES (?, ?, ?, ?, ?)`,
		txhash, amount, begin, end, now)
	if err != nil {
		return 0, fmt.Errorf("insert payout: %w", err)
	}
	return res.LastInsertId()
}

// PayoutByID fetches one payout. ErrNotFound when the id is unknown.
func (db *DB) PayoutByID(id int64) (*Payout, error) {
	var p Payout
	err := db.conn.Get(&p, `SELECT * FROM payout WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payout: %w", err)
	}
	return &p, nil
}

// PayoutByTxHash fetches the payout settled by a transaction hash.
func (db *DB) PayoutByTxHash(txhash []byte) (*Payout, error) {
	var p Payout
	err := db.conn.Get(&p, `SELECT * FROM payout WHERE txhash = ?`, txhash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payout: %w", err)
	}
	return &p, nil
}

// LastPayout returns the most recent payout, or nil when none exist.
func (db *DB) LastPayout() (*Payout, error) {
	var p Payout
	err := db.conn.Get(&p, `SELECT * FROM payout ORDER BY time DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payout: %w", err)
	}
	return &p, nil
}

// Payouts lists payouts newest first, up to limit rows.
func (db *DB) Payouts(limit int) ([]Payout, error) {
	var list []Payout
	err := db.conn.Select(&list,
		`SELECT * FROM payout ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	return list, nil
}
