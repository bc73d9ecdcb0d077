package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const conversationColumns = `id, user_id, user_name, user_avatar, user_online, user_last_active,
	last_msg_id, last_msg_content, last_msg_at, last_msg_sender_id, last_msg_read,
	unread_count, last_activity, cached, last_sync, prefetched`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.UserName, &c.UserAvatar, &c.UserOnline, &c.UserLastActive,
		&c.LastMsgID, &c.LastMsgContent, &c.LastMsgAt, &c.LastMsgSenderID, &c.LastMsgRead,
		&c.UnreadCount, &c.LastActivity, &c.Cached, &c.LastSync, &c.Prefetched)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all cached conversations sorted by last activity
// descending.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// SetConversations bulk-upserts the conversation list, stamping each entry
// cached=true and lastSync=now. An existing prefetched flag is preserved if
// already set.
func (db *DB) SetConversations(list []Conversation) error {
	now := time.Now().UnixMilli()
	return db.withQuotaRecovery(func() error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, c := range list {
			if _, err := tx.Exec(`
				INSERT INTO conversations (`+conversationColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					user_id = excluded.user_id,
					user_name = excluded.user_name,
					user_avatar = excluded.user_avatar,
					user_online = excluded.user_online,
					user_last_active = excluded.user_last_active,
					last_msg_id = excluded.last_msg_id,
					last_msg_content = excluded.last_msg_content,
					last_msg_at = excluded.last_msg_at,
					last_msg_sender_id = excluded.last_msg_sender_id,
					last_msg_read = excluded.last_msg_read,
					unread_count = excluded.unread_count,
					last_activity = excluded.last_activity,
					cached = 1,
					last_sync = excluded.last_sync,
					prefetched = CASE WHEN conversations.prefetched = 1 THEN 1 ELSE excluded.prefetched END`,
				c.ID, c.UserID, c.UserName, c.UserAvatar, c.UserOnline, c.UserLastActive,
				c.LastMsgID, c.LastMsgContent, c.LastMsgAt, c.LastMsgSenderID, c.LastMsgRead,
				c.UnreadCount, c.LastActivity, now, c.Prefetched); err != nil {
				return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return db.setMetaUnrecovered(metaLastSync, fmt.Sprintf("%d", now))
	})
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateConversation applies a partial update. Updating a missing
// conversation logs a warning and is a no-op.
func (db *DB) UpdateConversation(id string, p ConversationPatch) error {
	sets, args := conversationPatchSQL(p)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := db.Exec(`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		db.logger.Warn("update of missing conversation ignored", zap.String("conversation_id", id))
	}
	return nil
}

func conversationPatchSQL(p ConversationPatch) (sets []string, args []any) {
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.UserName != nil {
		add("user_name", *p.UserName)
	}
	if p.UserAvatar != nil {
		add("user_avatar", *p.UserAvatar)
	}
	if p.UserOnline != nil {
		add("user_online", *p.UserOnline)
	}
	if p.UserLastActive != nil {
		add("user_last_active", *p.UserLastActive)
	}
	if p.LastMsgID != nil {
		add("last_msg_id", *p.LastMsgID)
	}
	if p.LastMsgContent != nil {
		add("last_msg_content", *p.LastMsgContent)
	}
	if p.LastMsgAt != nil {
		add("last_msg_at", *p.LastMsgAt)
	}
	if p.LastMsgSenderID != nil {
		add("last_msg_sender_id", *p.LastMsgSenderID)
	}
	if p.LastMsgRead != nil {
		add("last_msg_read", *p.LastMsgRead)
	}
	if p.UnreadCount != nil {
		add("unread_count", *p.UnreadCount)
	}
	if p.LastActivity != nil {
		add("last_activity", *p.LastActivity)
	}
	if p.Prefetched != nil {
		add("prefetched", *p.Prefetched)
	}
	return sets, args
}

// DeleteConversation removes a conversation and cascades to every message
// that belongs to it.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}
