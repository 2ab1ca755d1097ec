package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// RegisteredConversations reads the table on every call so registrations made
// by another process are picked up on the next event.
func (s *SQLiteStore) RegisteredConversations(ctx context.Context) (map[string]domain.RegisteredConversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, folder, requires_trigger, added_at FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.RegisteredConversation)
	for rows.Next() {
		var r domain.RegisteredConversation
		var added string
		if err := rows.Scan(&r.ConversationID, &r.DisplayName, &r.StorageFolder, &r.RequiresTrigger, &added); err != nil {
			return nil, err
		}
		r.AddedAt = parseTime(added)
		out[r.ConversationID] = r
	}
	return out, rows.Err()
}

// Register opts a conversation in, replacing any previous registration of jid.
func (s *SQLiteStore) Register(ctx context.Context, reg domain.RegisteredConversation) error {
	if _, _, ok := domain.SplitJID(reg.ConversationID); !ok {
		return fmt.Errorf("invalid conversation id %q: want <prefix>:<id>", reg.ConversationID)
	}
	if err := validFolder(reg.StorageFolder); err != nil {
		return err
	}
	if reg.DisplayName == "" {
		reg.DisplayName = reg.ConversationID
	}
	if reg.AddedAt.IsZero() {
		reg.AddedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registered_groups (jid, name, folder, requires_trigger, added_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			requires_trigger = excluded.requires_trigger`,
		reg.ConversationID, reg.DisplayName, reg.StorageFolder, reg.RequiresTrigger, formatTime(reg.AddedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("folder %q is already used by another conversation", reg.StorageFolder)
		}
		return fmt.Errorf("register %s: %w", reg.ConversationID, err)
	}
	s.logger.Info("conversation registered", "chat_jid", reg.ConversationID, "folder", reg.StorageFolder)
	return nil
}

// Unregister removes the registration of jid; messages stay.
func (s *SQLiteStore) Unregister(ctx context.Context, jid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registered_groups WHERE jid = ?`, jid)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", jid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registration %s: %w", jid, ErrNotFound)
	}
	s.logger.Info("conversation unregistered", "chat_jid", jid)
	return nil
}

// validFolder accepts a single relative path element.
func validFolder(folder string) error {
	switch {
	case folder == "", folder == ".", folder == "..":
		return fmt.Errorf("invalid folder %q", folder)
	case strings.ContainsAny(folder, `/\`):
		return fmt.Errorf("invalid folder %q: must be a single directory name", folder)
	}
	return nil
}
