package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// DefaultHistoryLimit bounds conversation reads when no limit is given.
const DefaultHistoryLimit = 500

// AppendMessage inserts a record into the append-only log. A reused message ID
// is ErrConflict; the stored row is never modified.
func (s *Store) AppendMessage(message Message) (*Message, error) {
	if message.MessageID == "" {
		return nil, errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return nil, errors.New("sender_id is required")
	}
	if message.CipherText != "" && message.WrappedKey == "" {
		return nil, errors.New("wrapped_key is required with cipher_text")
	}
	if message.AttachmentKind == "" {
		message.AttachmentKind = attachmentKindNone
	}
	if err := validateAttachmentKind(message.AttachmentKind); err != nil {
		return nil, err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			created_at,
			cipher_text,
			wrapped_key,
			self_wrapped_key,
			sender_echo,
			attachment_ref,
			attachment_kind
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ConversationID,
		message.SenderID,
		message.CreatedAt,
		message.CipherText,
		message.WrappedKey,
		message.SelfWrappedKey,
		message.SenderEcho,
		message.AttachmentRef,
		message.AttachmentKind,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("insert message %q: %w", message.MessageID, ErrConflict)
		}
		return nil, fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read sequence for message %q: %w", message.MessageID, err)
	}
	message.Seq = seq
	return &message, nil
}

// ListMessages returns the newest messages of a conversation, created_at
// descending with insertion order breaking ties.
func (s *Store) ListMessages(conversationID string, limit int) ([]Message, error) {
	return s.ListMessagesBefore(conversationID, 0, limit)
}

// ListMessagesBefore pages backwards through a conversation: it returns up to
// limit messages created strictly before beforeCreatedAt, newest first. A
// non-positive beforeCreatedAt starts at the newest message.
func (s *Store) ListMessagesBefore(conversationID string, beforeCreatedAt int64, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if beforeCreatedAt <= 0 {
		return s.queryMessages(
			messageColumns+` WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
			conversationID, limit,
		)
	}
	return s.queryMessages(
		messageColumns+` WHERE conversation_id = ? AND created_at < ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, beforeCreatedAt, limit,
	)
}

// ListMessagesAfter returns every message of a conversation inserted after
// the row with sequence afterSeq, newest first. afterSeq 0 returns the whole
// conversation.
func (s *Store) ListMessagesAfter(conversationID string, afterSeq int64) ([]Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	return s.queryMessages(
		messageColumns+` WHERE conversation_id = ? AND seq > ? ORDER BY created_at DESC, seq DESC`,
		conversationID, afterSeq,
	)
}

const messageColumns = `SELECT
			seq,
			message_id,
			conversation_id,
			sender_id,
			created_at,
			cipher_text,
			wrapped_key,
			self_wrapped_key,
			sender_echo,
			attachment_ref,
			attachment_kind
		FROM messages`

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(messageColumns+` WHERE message_id = ?`, messageID)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// LatestCreatedAt returns the newest created_at in the log, or 0 when empty.
func (s *Store) LatestCreatedAt() (int64, error) {
	var latest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("read latest created_at: %w", err)
	}
	return latest.Int64, nil
}

func scanMessage(row scanner) (*Message, error) {
	var message Message
	if err := row.Scan(
		&message.Seq,
		&message.MessageID,
		&message.ConversationID,
		&message.SenderID,
		&message.CreatedAt,
		&message.CipherText,
		&message.WrappedKey,
		&message.SelfWrappedKey,
		&message.SenderEcho,
		&message.AttachmentRef,
		&message.AttachmentKind,
	); err != nil {
		return nil, err
	}
	return &message, nil
}
