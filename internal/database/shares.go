package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// MinedShare is a share row that also solved a block.
type MinedShare struct {
	Time      float64 `db:"time"`
	Blockhash []byte  `db:"blockhash"`
}

// InsertShare records one accepted share. The row time is the wall clock at
// insertion and is returned to the caller. blockhash is nil unless the
// share also solved the block. payoutID is 0 for payable shares and -1
// when the pool pays through the coinbase instead.
func (db *DB) InsertShare(accountID int64, algorithm int32, blockhash []byte, shareValue float64, payoutID int64) (float64, error) {
	t := db.now()
	_, err := db.conn.Exec(
		`INSERT INTO share (time, account_id, algorithm, blockhash, share, payout_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t, accountID, algorithm, blockhash, shareValue, payoutID)
	if err != nil {
		return 0, fmt.Errorf("insert share: %w", err)
	}
	return t, nil
}

// TotalUnpaidShares sums unpaid share weight in [begin, end). Returns 0
// when no rows match.
func (db *DB) TotalUnpaidShares(begin, end float64) (float64, error) {
	var total float64
	err := db.conn.Get(&total,
		`SELECT COALESCE(SUM(share), 0) FROM share
		 WHERE time >= ? AND time < ? AND payout_id < 1`, begin, end)
	if err != nil {
		return 0, fmt.Errorf("sum unpaid shares: %w", err)
	}
	return total, nil
}

// AccountUnpaidShares sums one account's unpaid share weight in [begin, end).
func (db *DB) AccountUnpaidShares(begin, end float64, accountID int64) (float64, error) {
	var total float64
	err := db.conn.Get(&total,
		`SELECT COALESCE(SUM(share), 0) FROM share
		 WHERE time >= ? AND time < ? AND payout_id < 1 AND account_id = ?`,
		begin, end, accountID)
	if err != nil {
		return 0, fmt.Errorf("sum account shares: %w", err)
	}
	return total, nil
}

// ShareDistribution groups unpaid share weight by account for one
// algorithm in [begin, end).
func (db *DB) ShareDistribution(begin, end float64, algorithm int32) (map[int64]float64, error) {
	rows, err := db.conn.Queryx(
		`SELECT account_id, SUM(share) FROM share
		 WHERE time >= ? AND time < ? AND payout_id < 1 AND algorithm = ?
		 GROUP BY account_id`, begin, end, algorithm)
	if err != nil {
		return nil, fmt.Errorf("share distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var sum float64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		dist[id] = sum
	}
	return dist, rows.Err()
}

// DistinctAccounts lists the accounts with any share in [begin, end).
func (db *DB) DistinctAccounts(begin, end float64) ([]int64, error) {
	var ids []int64
	err := db.conn.Select(&ids,
		`SELECT DISTINCT account_id FROM share WHERE time >= ? AND time < ?`,
		begin, end)
	if err != nil {
		return nil, fmt.Errorf("distinct accounts: %w", err)
	}
	return ids, nil
}

// DistinctBlockhashes lists the block hashes mined in [begin, end).
func (db *DB) DistinctBlockhashes(begin, end float64) ([][]byte, error) {
	var hashes [][]byte
	err := db.conn.Select(&hashes,
		`SELECT DISTINCT blockhash FROM share
		 WHERE time >= ? AND time < ? AND blockhash IS NOT NULL`,
		begin, end)
	if err != nil {
		return nil, fmt.Errorf("distinct blockhashes: %w", err)
	}
	return hashes, nil
}

// LastUnpaidTime returns the oldest share time in the contiguous run of
// unpaid rows at the top of the table, scanning newest first and stopping
// at the first paid row. ErrNotFound when no such run exists.
func (db *DB) LastUnpaidTime() (float64, error) {
	rows, err := db.conn.Queryx(`SELECT time, payout_id FROM share ORDER BY time DESC`)
	if err != nil {
		return 0, fmt.Errorf("scan shares: %w", err)
	}
	defer rows.Close()

	var last float64
	found := false
	for rows.Next() {
		var t float64
		var payoutID int64
		if err := rows.Scan(&t, &payoutID); err != nil {
			return 0, err
		}
		if payoutID != 0 {
			break
		}
		last = t
		found = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	return last, nil
}

// LatestMinedShares lists mined shares newest first, stopping at the first
// paid row.
func (db *DB) LatestMinedShares() ([]MinedShare, error) {
	rows, err := db.conn.Queryx(
		`SELECT time, blockhash, payout_id FROM share ORDER BY time DESC`)
	if err != nil {
		return nil, fmt.Errorf("scan shares: %w", err)
	}
	defer rows.Close()

	var mined []MinedShare
	for rows.Next() {
		var s MinedShare
		var payoutID int64
		if err := rows.Scan(&s.Time, &s.Blockhash, &payoutID); err != nil {
			return nil, err
		}
		if payoutID != 0 {
			break
		}
		if len(s.Blockhash) > 0 {
			mined = append(mined, s)
		}
	}
	return mined, rows.Err()
}

// UpdateSharesAsPaid marks the unpaid shares of the given accounts in
// [begin, end) as settled by payoutID. Runs on the caller's transaction.
func UpdateSharesAsPaid(tx sqlx.Ext, begin, end float64, payoutID int64, accounts []int64) (int64, error) {
	if len(accounts) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`UPDATE share SET payout_id = ?
		 WHERE time >= ? AND time < ? AND payout_id = 0 AND account_id IN (?)`,
		payoutID, begin, end, accounts)
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark shares paid: %w", err)
	}
	return res.RowsAffected()
}

// RevertPaidShares undoes UpdateSharesAsPaid for one payout.
func RevertPaidShares(tx sqlx.Ext, begin, end float64, payoutID int64) (int64, error) {
	res, err := tx.Exec(
		`UPDATE share SET payout_id = 0
		 WHERE time >= ? AND time < ? AND payout_id = ?`,
		begin, end, payoutID)
	if err != nil {
		return 0, fmt.Errorf("revert shares: %w", err)
	}
	return res.RowsAffected()
}
