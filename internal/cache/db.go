// Package cache implements the persistent on-device cache store: durable,
// size-bounded storage for conversations and messages that survives client
// restarts, with transparent compression for large payloads and automatic
// eviction under pressure.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Options tunes the cache store. Zero fields fall back to defaults.
type Options struct {
	// MaxBytes is the soft cap on on-device storage (default 50MiB).
	MaxBytes int64
	// CompressThreshold is the content byte size above which message
	// content is deflate-compressed at rest (default 1024).
	CompressThreshold int
	// PerConversationCap is the maximum number of messages kept per
	// conversation before LRU eviction (default 100).
	PerConversationCap int
	// HealthMaxAge is how stale lastSync may be before the cache is
	// reported unhealthy (default 24h).
	HealthMaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 50 * 1024 * 1024
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = 1024
	}
	if o.PerConversationCap <= 0 {
		o.PerConversationCap = 100
	}
	if o.HealthMaxAge <= 0 {
		o.HealthMaxAge = 24 * time.Hour
	}
	return o
}

// DB wraps a SQLite database connection for the client-owned cache file.
type DB struct {
	*sql.DB
	opts   Options
	logger *zap.Logger
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts Options, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, opts: opts.withDefaults(), logger: logger}, nil
}
