package cache

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const messageColumns = `id, conversation_id, sender_id, sender_name, sender_avatar,
	receiver_id, room_id, message_type, content, file_name, file_size, file_url,
	reply_to_id, is_edited, edited_at, is_read, read_at, created_at, updated_at,
	optimistic, operation_id, status, compressed`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.SenderAvatar,
		&m.ReceiverID, &m.RoomID, &m.Type, &m.Content, &m.FileName, &m.FileSize, &m.FileURL,
		&m.ReplyToID, &m.IsEdited, &m.EditedAt, &m.IsRead, &m.ReadAt, &m.CreatedAt, &m.UpdatedAt,
		&m.Optimistic, &m.OperationID, &m.Status, &m.Compressed)
	if err != nil {
		return nil, err
	}
	m.Cached = true
	return &m, nil
}

// upsertMessage writes a message row as-is (idempotent on id). Content is
// stored exactly as passed; compression is the caller's concern.
func (db *DB) upsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			sender_avatar = excluded.sender_avatar,
			receiver_id = excluded.receiver_id,
			room_id = excluded.room_id,
			message_type = excluded.message_type,
			content = excluded.content,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			file_url = excluded.file_url,
			reply_to_id = excluded.reply_to_id,
			is_edited = excluded.is_edited,
			edited_at = excluded.edited_at,
			is_read = excluded.is_read,
			read_at = excluded.read_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			optimistic = excluded.optimistic,
			operation_id = excluded.operation_id,
			status = excluded.status,
			compressed = excluded.compressed`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.SenderAvatar,
		m.ReceiverID, m.RoomID, m.Type, m.Content, m.FileName, m.FileSize, m.FileURL,
		m.ReplyToID, m.IsEdited, m.EditedAt, m.IsRead, m.ReadAt, m.CreatedAt, m.UpdatedAt,
		m.Optimistic, m.OperationID, m.Status, m.Compressed)
	return err
}

// AddMessage upserts a message (idempotent on id), compressing content above
// the configured threshold, then runs the LRU eviction check for that
// message's conversation.
func (db *DB) AddMessage(m *Message) error {
	stored := *m
	if !stored.Compressed && len(stored.Content) > db.opts.CompressThreshold {
		stored.Content, stored.Compressed = db.compressContent(stored.Content)
	}

	if err := db.withQuotaRecovery(func() error { return db.upsertMessage(&stored) }); err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	// Eviction runs as a separate transaction from the insert that triggered
	// it; a failure here must not fail the write.
	if err := db.evictConversation(m.ConversationID); err != nil {
		db.logger.Warn("eviction check failed",
			zap.Error(err), zap.String("conversation_id", m.ConversationID))
	}
	return nil
}

// evictConversation keeps only the newest PerConversationCap messages of a
// conversation, dropping the oldest by created_at.
func (db *DB) evictConversation(conversationID string) error {
	res, err := db.Exec(`
		DELETE FROM messages
		WHERE conversation_id = ?
		AND id NOT IN (
			SELECT id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?)`,
		conversationID, conversationID, db.opts.PerConversationCap)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.logger.Info("evicted old messages",
			zap.String("conversation_id", conversationID), zap.Int64("count", n))
	}
	return nil
}

// ListMessages returns messages for a conversation ordered newest-first by
// created_at, decompressing any compressed entries. limit <= 0 means no
// limit; otherwise it truncates the newest-first list.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		db.inflate(m)
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by id (decompressed), or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+`
		FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	db.inflate(m)
	return m, nil
}

// UpdateMessage applies a partial update to a message. The stored row is
// decompressed, merged, and recompressed if still above the threshold.
// Updating a missing message logs a warning and is a no-op.
func (db *DB) UpdateMessage(id string, p MessagePatch) error {
	m, err := db.GetMessage(id)
	if err != nil {
		return fmt.Errorf("load message for update: %w", err)
	}
	if m == nil {
		db.logger.Warn("update of missing message ignored", zap.String("message_id", id))
		return nil
	}

	m.Apply(p)
	return db.AddMessage(m)
}

// DeleteMessage removes a message by id.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ReplaceMessage atomically swaps a temp message for its server-confirmed
// form: the row keyed by tempID is deleted and the server message inserted
// in the same transaction. Used when an optimistic send is confirmed.
func (db *DB) ReplaceMessage(tempID string, server *Message) error {
	stored := *server
	if !stored.Compressed && len(stored.Content) > db.opts.CompressThreshold {
		stored.Content, stored.Compressed = db.compressContent(stored.Content)
	}

	return db.withQuotaRecovery(func() error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("delete temp message: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				updated_at = excluded.updated_at,
				optimistic = excluded.optimistic,
				operation_id = excluded.operation_id,
				status = excluded.status,
				compressed = excluded.compressed`,
			stored.ID, stored.ConversationID, stored.SenderID, stored.SenderName, stored.SenderAvatar,
			stored.ReceiverID, stored.RoomID, stored.Type, stored.Content, stored.FileName, stored.FileSize, stored.FileURL,
			stored.ReplyToID, stored.IsEdited, stored.EditedAt, stored.IsRead, stored.ReadAt, stored.CreatedAt, stored.UpdatedAt,
			stored.Optimistic, stored.OperationID, stored.Status, stored.Compressed); err != nil {
			return fmt.Errorf("insert server message: %w", err)
		}
		return tx.Commit()
	})
}

// ClearOldMessages deletes every message older than daysOld days across all
// conversations. Returns the number of deleted rows.
func (db *DB) ClearOldMessages(daysOld int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysOld).UnixMilli()
	res, err := db.Exec(`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
