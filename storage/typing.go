package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetTypingStatus overwrites the typing record of a conversation.
func (s *Store) SetTypingStatus(status TypingStatus) error {
	if status.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if status.LastTypedAt == 0 {
		status.LastTypedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO typing_status (conversation_id, typing_user_id, last_typed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			typing_user_id = excluded.typing_user_id,
			last_typed_at = excluded.last_typed_at`,
		status.ConversationID,
		status.TypingUserID,
		status.LastTypedAt,
	)
	if err != nil {
		return fmt.Errorf("set typing status for %q: %w", status.ConversationID, err)
	}
	return nil
}

// GetTypingStatus returns the typing record of a conversation.
func (s *Store) GetTypingStatus(conversationID string) (*TypingStatus, error) {
	var status TypingStatus
	err := s.db.QueryRow(
		`SELECT conversation_id, typing_user_id, last_typed_at
		FROM typing_status
		WHERE conversation_id = ?`,
		conversationID,
	).Scan(&status.ConversationID, &status.TypingUserID, &status.LastTypedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get typing status for %q: %w", conversationID, err)
	}
	return &status, nil
}
