package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatrelay/internal/domain"
)

// upsertChat records activity for jid. A later timestamp moves
// last_message_time forward; an empty name never overwrites a known one.
const upsertChat = `
	INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
	ON CONFLICT(jid) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
		last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`

// StoreChatMetadata upserts the discovered chat.
func (s *SQLiteStore) StoreChatMetadata(ctx context.Context, meta domain.ChatMetadata) error {
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, upsertChat, meta.ConversationID, meta.DisplayName, formatTime(ts)); err != nil {
		return fmt.Errorf("store chat metadata %s: %w", meta.ConversationID, err)
	}
	return nil
}

// StoreMessage appends msg. Messages are immutable: a repeated
// (id, conversation) pair is ignored.
func (s *SQLiteStore) StoreMessage(ctx context.Context, seq uint64, msg domain.CanonicalMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(msg.Timestamp)
	if _, err := tx.ExecContext(ctx, upsertChat, msg.ConversationID, "", ts); err != nil {
		return fmt.Errorf("store message chat %s: %w", msg.ConversationID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Content, ts, msg.IsFromMe, int64(seq),
	); err != nil {
		return fmt.Errorf("store message %s/%s: %w", msg.ConversationID, msg.ID, err)
	}
	return tx.Commit()
}

// RecentMessages returns the last limit messages of jid, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, jid string, limit int) ([]domain.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me
		 FROM messages WHERE chat_jid = ?
		 ORDER BY timestamp DESC, seq DESC LIMIT ?`, jid, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesSince returns messages of jid newer than since, oldest first.
func (s *SQLiteStore) MessagesSince(ctx context.Context, jid string, since time.Time) ([]domain.CanonicalMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me
		 FROM messages WHERE chat_jid = ? AND timestamp > ?
		 ORDER BY timestamp, seq`, jid, formatTime(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.CanonicalMessage, error) {
	var msgs []domain.CanonicalMessage
	for rows.Next() {
		var m domain.CanonicalMessage
		var ts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &ts, &m.IsFromMe); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListChats returns discovered chats, most recently active first.
func (s *SQLiteStore) ListChats(ctx context.Context, limit int) ([]domain.ChatInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.jid, c.name, c.last_message_time, r.jid IS NOT NULL
		 FROM chats c LEFT JOIN registered_groups r ON r.jid = c.jid
		 ORDER BY c.last_message_time DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.ChatInfo
	for rows.Next() {
		var c domain.ChatInfo
		var ts string
		if err := rows.Scan(&c.ConversationID, &c.Name, &ts, &c.Registered); err != nil {
			return nil, err
		}
		c.LastActivity = parseTime(ts)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
