package database

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
)

// SubscriptionIDSize is the byte length of the id handed to miners.
const SubscriptionIDSize = 32

// subscriptionMarker prefixes every subscription id; only the trailing
// 6 bytes are random and act as the row key.
var subscriptionMarker = [SubscriptionIDSize - 6]byte{
	0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0xff,
}

// SubscriptionExtranonce returns the extranonce1 stored for a 32-byte
// subscription id, keyed by its low-order 6 bytes. ErrNotFound when the
// subscription is unknown or expired.
func (db *DB) SubscriptionExtranonce(subscriptionID []byte) ([]byte, error) {
	if len(subscriptionID) != SubscriptionIDSize {
		return nil, fmt.Errorf("subscription id must be %d bytes", SubscriptionIDSize)
	}
	key := subscriptionID[SubscriptionIDSize-6:]
	var extranonce1 []byte
	err := db.conn.Get(&extranonce1, `SELECT extranonce1 FROM subscription WHERE id = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	return extranonce1, nil
}

// InsertSubscription stores extranonce1 under a fresh random 6-byte key and
// returns the full 32-byte subscription id.
func (db *DB) InsertSubscription(extranonce1 []byte) ([]byte, error) {
	key := make([]byte, 6)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate subscription key: %w", err)
	}
	_, err := db.conn.Exec(
		`INSERT INTO subscription (id, extranonce1, created_at) VALUES (?, ?, ?)`,
		key, extranonce1, db.now())
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id := make([]byte, 0, SubscriptionIDSize)
	id = append(id, subscriptionMarker[:]...)
	id = append(id, key...)
	return id, nil
}
