package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sealchat/chat"
	"sealchat/crypto"
	"sealchat/models"
	"sealchat/storage"
)

var _ chat.Backend = (*Service)(nil)

// Service is the relay's identity directory, conversation log and typing
// record over one sqlite store. It implements chat.Backend in process.
type Service struct {
	store *storage.Store
	hub   *Hub
	log   *zap.Logger

	clockMu       sync.Mutex
	clockLoaded   bool
	lastCreatedAt int64
	now           func() time.Time
}

// NewService wraps store. A nil logger disables logging.
func NewService(store *storage.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: store,
		hub:   NewHub(),
		log:   log,
		now:   time.Now,
	}
}

// Publish implements chat.Directory.
func (s *Service) Publish(ctx context.Context, identity models.Identity) error {
	_, _, err := s.PublishIdentity(ctx, identity)
	return err
}

// PublishIdentity stores identity and reports whether it was newly created.
// The fingerprint is always recomputed from the submitted key.
func (s *Service) PublishIdentity(ctx context.Context, identity models.Identity) (models.Identity, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, false, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	if strings.TrimSpace(identity.ID) == "" {
		return models.Identity{}, false, fmt.Errorf("%w: user id is required", chat.ErrInvalidRecord)
	}
	if strings.Contains(identity.ID, models.ConversationSeparator) {
		return models.Identity{}, false, fmt.Errorf("%w: user id must not contain %q", chat.ErrInvalidRecord, models.ConversationSeparator)
	}
	pub, err := crypto.ParsePublicKeyPEM(identity.PublicKey)
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("%w: identity %q: %w", chat.ErrInvalidRecord, identity.ID, err)
	}
	fingerprint, err := crypto.KeyFingerprint(pub)
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("%w: identity %q: %w", chat.ErrInvalidRecord, identity.ID, err)
	}

	stored, created, err := s.store.PutIdentity(storage.Identity{
		UserID:         identity.ID,
		PublicKey:      identity.PublicKey,
		KeyFingerprint: fingerprint,
		DisplayName:    identity.DisplayName,
		AvatarRef:      identity.AvatarRef,
		RegisteredAt:   s.now().UnixMilli(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.recordEvent(storage.EventIdentityConflict, identity.ID, storage.SecuritySeverityWarning, map[string]string{
				"stored_fingerprint":    stored.KeyFingerprint,
				"submitted_fingerprint": fingerprint,
			})
			return identityFromRow(stored), false, fmt.Errorf("%w: %q", chat.ErrIdentityConflict, identity.ID)
		}
		return models.Identity{}, false, fmt.Errorf("%w: publish identity %q: %w", chat.ErrUnavailable, identity.ID, err)
	}

	if created {
		s.log.Info("identity published", zap.String("user_id", identity.ID), zap.String("fingerprint", fingerprint))
	}
	return identityFromRow(stored), created, nil
}

// Lookup implements chat.Directory.
func (s *Service) Lookup(ctx context.Context, userID string) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	row, err := s.store.GetIdentity(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Identity{}, fmt.Errorf("identity %q: %w", userID, chat.ErrNotFound)
		}
		return models.Identity{}, fmt.Errorf("%w: lookup identity %q: %w", chat.ErrUnavailable, userID, err)
	}
	return identityFromRow(row), nil
}

// Append validates msg, stamps it with the relay clock and stores it.
// Only a participant of the conversation may append to it.
func (s *Service) Append(ctx context.Context, msg models.SealedMessage) (models.SealedMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.SealedMessage{}, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	if err := msg.Validate(); err != nil {
		s.recordEvent(storage.EventInvalidRecord, msg.Sender.ID, storage.SecuritySeverityWarning, map[string]string{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return models.SealedMessage{}, fmt.Errorf("%w: %w: %w", chat.ErrChannelWrite, chat.ErrInvalidRecord, err)
	}
	a, b, err := models.Participants(msg.ConversationID)
	if err != nil {
		return models.SealedMessage{}, fmt.Errorf("%w: %w: %w", chat.ErrChannelWrite, chat.ErrInvalidRecord, err)
	}
	if msg.Sender.ID != a && msg.Sender.ID != b {
		return models.SealedMessage{}, fmt.Errorf("%w: %w: sender %q is not a participant of %q",
			chat.ErrChannelWrite, chat.ErrInvalidRecord, msg.Sender.ID, msg.ConversationID)
	}

	s.clockMu.Lock()
	createdAt, err := s.nextCreatedAt()
	if err != nil {
		s.clockMu.Unlock()
		return models.SealedMessage{}, fmt.Errorf("%w: %w: %w", chat.ErrChannelWrite, chat.ErrUnavailable, err)
	}
	row := messageToRow(msg)
	row.CreatedAt = createdAt
	stored, err := s.store.AppendMessage(row)
	s.clockMu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.recordEvent(storage.EventDuplicateMessage, msg.Sender.ID, storage.SecuritySeverityInfo, map[string]string{
				"message_id":      msg.ID,
				"conversation_id": msg.ConversationID,
			})
			return models.SealedMessage{}, fmt.Errorf("%w: %w: %q", chat.ErrChannelWrite, chat.ErrDuplicateMessage, msg.ID)
		}
		return models.SealedMessage{}, fmt.Errorf("%w: %w: %w", chat.ErrChannelWrite, chat.ErrUnavailable, err)
	}

	s.log.Debug("message appended",
		zap.String("message_id", stored.MessageID),
		zap.String("conversation_id", stored.ConversationID),
		zap.Int64("created_at", stored.CreatedAt),
	)
	s.hub.Notify(messagesTopic(msg.ConversationID))
	return messageFromRow(*stored), nil
}

// History returns up to limit records, newest first.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]models.SealedMessage, error) {
	return s.HistoryBefore(ctx, conversationID, 0, limit)
}

// HistoryBefore returns up to limit records created before beforeCreatedAt,
// newest first. A non-positive beforeCreatedAt starts at the newest record.
func (s *Service) HistoryBefore(ctx context.Context, conversationID string, beforeCreatedAt int64, limit int) ([]models.SealedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	if _, _, err := models.Participants(conversationID); err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrInvalidRecord, err)
	}
	rows, err := s.store.ListMessagesBefore(conversationID, beforeCreatedAt, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	messages := make([]models.SealedMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, messageFromRow(row))
	}
	return messages, nil
}

// Subscribe emits the whole conversation, then a fresh snapshot after each
// append. Only records stored since the previous snapshot are read back.
// Every snapshot extends the previous one at the newest end.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (*chat.Subscription, error) {
	if _, _, err := models.Participants(conversationID); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", chat.ErrSubscription, chat.ErrInvalidRecord, err)
	}
	// Register before the first read so no append between read and wait is missed.
	wake, cancel := s.hub.Subscribe(messagesTopic(conversationID))
	return chat.NewStream(ctx, func(ctx context.Context, emit func([]models.SealedMessage) bool) error {
		defer cancel()
		var (
			snapshot []models.SealedMessage
			lastSeq  int64
			loaded   bool
		)
		for {
			rows, err := s.store.ListMessagesAfter(conversationID, lastSeq)
			if err != nil {
				return fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
			}
			if len(rows) > 0 || !loaded {
				next := make([]models.SealedMessage, 0, len(rows)+len(snapshot))
				for _, row := range rows {
					next = append(next, messageFromRow(row))
					if row.Seq > lastSeq {
						lastSeq = row.Seq
					}
				}
				snapshot = append(next, snapshot...)
				loaded = true
				if !emit(snapshot) {
					return nil
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
		}
	}), nil
}

// SetTyping marks userID as typing in the conversation.
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: typing user id is required", chat.ErrInvalidRecord)
	}
	a, b, err := models.Participants(conversationID)
	if err != nil {
		return fmt.Errorf("%w: %w", chat.ErrInvalidRecord, err)
	}
	if userID != a && userID != b {
		return fmt.Errorf("%w: user %q is not a participant of %q", chat.ErrInvalidRecord, userID, conversationID)
	}
	return s.writeTyping(ctx, conversationID, userID)
}

// ClearTyping empties the typing record of the conversation.
func (s *Service) ClearTyping(ctx context.Context, conversationID string) error {
	if _, _, err := models.Participants(conversationID); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrInvalidRecord, err)
	}
	return s.writeTyping(ctx, conversationID, "")
}

// Typing returns the current typing record. A conversation nobody typed in
// yet has an empty record.
func (s *Service) Typing(ctx context.Context, conversationID string) (models.TypingState, error) {
	if err := ctx.Err(); err != nil {
		return models.TypingState{}, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	row, err := s.store.GetTypingStatus(conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.TypingState{ConversationID: conversationID}, nil
		}
		return models.TypingState{}, fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	return models.TypingState{
		ConversationID: row.ConversationID,
		TypingUserID:   row.TypingUserID,
		LastTypedAt:    row.LastTypedAt,
	}, nil
}

// WatchTyping emits the current typing record and every overwrite.
func (s *Service) WatchTyping(ctx context.Context, conversationID string) (*chat.TypingSubscription, error) {
	if _, _, err := models.Participants(conversationID); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", chat.ErrSubscription, chat.ErrInvalidRecord, err)
	}
	wake, cancel := s.hub.Subscribe(typingTopic(conversationID))
	return chat.NewStream(ctx, func(ctx context.Context, emit func(models.TypingState) bool) error {
		defer cancel()
		for {
			state, err := s.Typing(ctx, conversationID)
			if err != nil {
				return err
			}
			if !emit(state) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
		}
	}), nil
}

func (s *Service) writeTyping(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	err := s.store.SetTypingStatus(storage.TypingStatus{
		ConversationID: conversationID,
		TypingUserID:   userID,
		LastTypedAt:    s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	s.hub.Notify(typingTopic(conversationID))
	return nil
}

// nextCreatedAt returns a timestamp strictly greater than every stored one.
// Callers hold clockMu.
func (s *Service) nextCreatedAt() (int64, error) {
	if !s.clockLoaded {
		latest, err := s.store.LatestCreatedAt()
		if err != nil {
			return 0, err
		}
		s.lastCreatedAt = latest
		s.clockLoaded = true
	}
	next := s.now().UnixMilli()
	if next <= s.lastCreatedAt {
		next = s.lastCreatedAt + 1
	}
	s.lastCreatedAt = next
	return next, nil
}

func (s *Service) recordEvent(eventType, subjectID, severity string, details map[string]string) {
	if err := s.store.RecordSecurityEvent(eventType, subjectID, severity, details); err != nil {
		s.log.Warn("failed to record security event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func messagesTopic(conversationID string) string {
	return "messages/" + conversationID
}

func typingTopic(conversationID string) string {
	return "typing/" + conversationID
}

func identityFromRow(row *storage.Identity) models.Identity {
	if row == nil {
		return models.Identity{}
	}
	return models.Identity{
		ID:           row.UserID,
		PublicKey:    row.PublicKey,
		DisplayName:  row.DisplayName,
		AvatarRef:    row.AvatarRef,
		Fingerprint:  row.KeyFingerprint,
		RegisteredAt: row.RegisteredAt,
	}
}

func messageToRow(msg models.SealedMessage) storage.Message {
	kind := string(msg.AttachmentKind)
	if kind == "" {
		kind = string(models.AttachmentNone)
	}
	return storage.Message{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.Sender.ID,
		CipherText:     msg.CipherText,
		WrappedKey:     msg.WrappedKey,
		SelfWrappedKey: msg.SelfWrappedKey,
		SenderEcho:     msg.SenderEcho,
		AttachmentRef:  msg.AttachmentRef,
		AttachmentKind: kind,
	}
}

func messageFromRow(row storage.Message) models.SealedMessage {
	msg := models.SealedMessage{
		ID:             row.MessageID,
		CreatedAt:      row.CreatedAt,
		ConversationID: row.ConversationID,
		Sender:         models.Sender{ID: row.SenderID},
		CipherText:     row.CipherText,
		WrappedKey:     row.WrappedKey,
		SelfWrappedKey: row.SelfWrappedKey,
		SenderEcho:     row.SenderEcho,
		AttachmentRef:  row.AttachmentRef,
	}
	if row.AttachmentKind != string(models.AttachmentNone) {
		msg.AttachmentKind = models.AttachmentKind(row.AttachmentKind)
	}
	return msg
}
