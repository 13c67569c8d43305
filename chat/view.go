package chat

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"sealchat/crypto"
	"sealchat/keystore"
	"sealchat/models"
	"sealchat/storage"
)

// Failure reasons shown on messages that could not be decrypted.
const (
	ReasonUnwrap         = "unwrap"
	ReasonDecrypt        = "decrypt"
	ReasonDecode         = "decode"
	ReasonKeyUnavailable = "private key unavailable"
	ReasonInvalidRecord  = "invalid record"
	ReasonNoSenderCopy   = "no sender copy"
)

var errNoSenderCopy = errors.New("message carries no copy readable by its sender")

// renderer turns sealed records into display messages for one view. Records
// are immutable, so each id is decrypted once.
type renderer struct {
	localID        string
	conversationID string
	key            *rsa.PrivateKey
	keyErr         error
	events         EventLog
	log            *zap.Logger
	cache          map[string]models.DisplayMessage
}

// newRenderer loads the private key once. A load failure is logged and every
// message that needs the key renders as failed.
func (s *Session) newRenderer(conversationID string) *renderer {
	r := &renderer{
		localID:        s.localID,
		conversationID: conversationID,
		events:         s.events,
		log:            s.log,
		cache:          make(map[string]models.DisplayMessage),
	}

	key, err := s.keys.LoadPrivate()
	if err != nil {
		r.keyErr = err
		s.log.Warn("private key unavailable, peer messages will not decrypt", zap.String("conversation_id", conversationID), zap.Error(err))
		details := map[string]string{"error": err.Error()}
		if conversationID != "" {
			details["conversation_id"] = conversationID
		}
		r.record(storage.EventPrivateKeyMissing, s.localID, details)
		return r
	}
	r.key = key
	return r
}

// render converts a newest-first snapshot into oldest-first display order.
func (r *renderer) render(snapshot []models.SealedMessage) []models.DisplayMessage {
	out := make([]models.DisplayMessage, 0, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		out = append(out, r.message(snapshot[i]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

func (r *renderer) message(msg models.SealedMessage) models.DisplayMessage {
	if cached, ok := r.cache[msg.ID]; ok {
		return cached
	}
	display := r.decrypt(msg)
	r.cache[msg.ID] = display
	return display
}

func (r *renderer) decrypt(msg models.SealedMessage) models.DisplayMessage {
	display := models.DisplayMessage{
		ID:        msg.ID,
		CreatedAt: msg.CreatedAt,
		SenderID:  msg.Sender.ID,
		Outgoing:  msg.Sender.ID == r.localID,
	}

	body, err := models.ParseBody(msg)
	if err != nil {
		return r.fail(msg, display, fmt.Errorf("%w: %w", ErrInvalidRecord, err))
	}

	switch body := body.(type) {
	case models.AttachmentBody:
		attachment := body.Attachment
		display.Attachment = &attachment
	case models.TextBody:
		text, err := r.open(msg, body)
		if err != nil {
			return r.fail(msg, display, err)
		}
		display.Text = text
	}
	return display
}

func (r *renderer) open(msg models.SealedMessage, body models.TextBody) (string, error) {
	wrappedKey := body.WrappedKey
	if msg.Sender.ID == r.localID {
		switch {
		case msg.SelfWrappedKey != "":
			wrappedKey = msg.SelfWrappedKey
		case msg.SenderEcho != "":
			return decodeSenderEcho(msg.SenderEcho)
		default:
			return "", errNoSenderCopy
		}
	}

	if r.key == nil {
		return "", r.keyErr
	}
	plaintext, err := crypto.Unseal(body.CipherText, wrappedKey, r.key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (r *renderer) fail(msg models.SealedMessage, display models.DisplayMessage, err error) models.DisplayMessage {
	reason := failureReason(err)
	display.Failed = true
	display.FailureReason = reason

	r.log.Warn("message could not be decrypted",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	eventType := storage.EventUnsealFailed
	if errors.Is(err, ErrInvalidRecord) {
		eventType = storage.EventInvalidRecord
	}
	r.record(eventType, msg.ConversationID, map[string]string{
		"message_id": msg.ID,
		"sender_id":  msg.Sender.ID,
		"reason":     reason,
	})
	return display
}

func (r *renderer) record(eventType, subjectID string, details map[string]string) {
	if r.events == nil {
		return
	}
	if err := r.events.RecordSecurityEvent(eventType, subjectID, storage.SecuritySeverityWarning, details); err != nil {
		r.log.Warn("record security event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func decodeSenderEcho(echo string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(echo)
	if err != nil {
		return "", fmt.Errorf("%w: sender echo: %w", crypto.ErrDecode, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: sender echo is not valid UTF-8", crypto.ErrDecode)
	}
	return string(raw), nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRecord):
		return ReasonInvalidRecord
	case errors.Is(err, keystore.ErrKeyNotFound), errors.Is(err, keystore.ErrStorage):
		return ReasonKeyUnavailable
	case errors.Is(err, crypto.ErrUnwrap):
		return ReasonUnwrap
	case errors.Is(err, crypto.ErrDecrypt):
		return ReasonDecrypt
	case errors.Is(err, crypto.ErrDecode):
		return ReasonDecode
	case errors.Is(err, errNoSenderCopy):
		return ReasonNoSenderCopy
	default:
		return ReasonDecrypt
	}
}
