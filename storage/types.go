package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict indicates a write that would change an immutable row.
	ErrConflict = errors.New("storage: conflicting record")
)

const (
	attachmentKindNone     = "none"
	attachmentKindImage    = "image"
	attachmentKindDocument = "document"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Identity is the SQLite representation of a published directory entry.
type Identity struct {
	UserID         string
	PublicKey      string
	KeyFingerprint string
	DisplayName    string
	AvatarRef      string
	RegisteredAt   int64
}

// Message is the SQLite representation of one sealed log record.
type Message struct {
	Seq            int64
	MessageID      string
	ConversationID string
	SenderID       string
	CreatedAt      int64
	CipherText     string
	WrappedKey     string
	SelfWrappedKey string
	SenderEcho     string
	AttachmentRef  string
	AttachmentKind string
}

// TypingStatus is the last-write-wins presence record of a conversation.
type TypingStatus struct {
	ConversationID string
	TypingUserID   string
	LastTypedAt    int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	SubjectID *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	SubjectID     string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateAttachmentKind(kind string) error {
	switch kind {
	case attachmentKindNone, attachmentKindImage, attachmentKindDocument:
		return nil
	default:
		return fmt.Errorf("invalid attachment kind %q", kind)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
