package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// Metadata keys owned by the cache store itself. Other components persist
// their own keys (e.g. the behavior tracker's record ring).
const metaLastSync = "cache.last_sync"

// SetMeta writes a metadata key/value pair.
func (db *DB) SetMeta(key, value string) error {
	return db.withQuotaRecovery(func() error {
		return db.setMetaUnrecovered(key, value)
	})
}

func (db *DB) setMetaUnrecovered(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// SetLastSync stamps the last full-sync marker with the current time.
// SetConversations does this implicitly; this is for callers that sync
// messages without a conversation list refresh.
func (db *DB) SetLastSync() error {
	return db.SetMeta(metaLastSync, fmt.Sprintf("%d", time.Now().UnixMilli()))
}

// GetMeta reads a metadata value. A missing key returns the empty string.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
