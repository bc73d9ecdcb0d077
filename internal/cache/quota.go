package cache

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// isQuotaErr reports whether a write failed because on-device storage is
// exhausted: either sqlite itself ran out of space, or the cache has grown
// past its configured soft cap.
func (db *DB) isQuotaErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrFull || serr.Code == sqlite3.ErrIoErr) {
		return true
	}
	usage, uerr := db.StorageUsage()
	return uerr == nil && usage >= db.opts.MaxBytes
}

// withQuotaRecovery runs a write; if it fails on quota exhaustion it deletes
// messages older than 7 days, then, if usage is still at 90% of the cap or
// more, messages older than 3 days, and retries the write exactly once.
// A second failure propagates.
func (db *DB) withQuotaRecovery(write func() error) error {
	err := write()
	if err == nil {
		return nil
	}
	if !db.isQuotaErr(err) {
		return err
	}

	db.logger.Warn("storage quota exhausted, clearing old messages", zap.Error(err))

	if n, derr := db.ClearOldMessages(7); derr != nil {
		db.logger.Error("quota cleanup failed", zap.Error(derr))
	} else {
		db.logger.Info("quota cleanup removed messages older than 7 days", zap.Int64("count", n))
	}

	if usage, uerr := db.StorageUsage(); uerr == nil && usage >= db.opts.MaxBytes*9/10 {
		if n, derr := db.ClearOldMessages(3); derr != nil {
			db.logger.Error("aggressive quota cleanup failed", zap.Error(derr))
		} else {
			db.logger.Info("quota cleanup removed messages older than 3 days", zap.Int64("count", n))
		}
	}

	if err := write(); err != nil {
		return fmt.Errorf("write failed after quota recovery: %w", err)
	}
	return nil
}
