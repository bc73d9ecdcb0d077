package cache

import (
	"strconv"
	"time"
)

// Stats summarizes the cache contents.
type Stats struct {
	ConversationCount int
	MessageCount      int
	StorageUsage      int64
	LastSync          int64
}

// StorageUsage returns current on-device byte usage. The sqlite page stats
// play the role of a platform storage estimate; if they are unavailable the
// store falls back to summing serialized row sizes of all three tables.
func (db *DB) StorageUsage() (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err == nil {
			return pageCount * pageSize, nil
		}
	}

	var total int64
	err := db.QueryRow(`
		SELECT COALESCE((SELECT SUM(LENGTH(id) + LENGTH(user_name) + LENGTH(user_avatar) + LENGTH(last_msg_content) + 64) FROM conversations), 0)
		     + COALESCE((SELECT SUM(LENGTH(id) + LENGTH(conversation_id) + LENGTH(content) + LENGTH(file_url) + 64) FROM messages), 0)
		     + COALESCE((SELECT SUM(LENGTH(key) + LENGTH(value)) FROM metadata), 0)`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetStats returns conversation/message counts, storage usage and the last
// full-sync timestamp.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&s.ConversationCount); err != nil {
		return nil, err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&s.MessageCount); err != nil {
		return nil, err
	}
	usage, err := db.StorageUsage()
	if err != nil {
		return nil, err
	}
	s.StorageUsage = usage
	s.LastSync = db.lastSync()
	return &s, nil
}

func (db *DB) lastSync() int64 {
	raw, err := db.GetMeta(metaLastSync)
	if err != nil || raw == "" {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// IsHealthy reports false when storage usage exceeds the configured cap or
// the last full sync is older than the configured max age (never synced
// counts as stale).
func (db *DB) IsHealthy() bool {
	usage, err := db.StorageUsage()
	if err != nil || usage > db.opts.MaxBytes {
		return false
	}
	last := db.lastSync()
	if last == 0 {
		return false
	}
	return time.Since(time.UnixMilli(last)) <= db.opts.HealthMaxAge
}

// ClearCache wipes all three tables.
func (db *DB) ClearCache() error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "conversations", "metadata"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}
	return tx.Commit()
}
