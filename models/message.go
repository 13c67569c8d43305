package models

import (
	"errors"
	"fmt"
	"strings"
)

// ConversationSeparator joins the two participant ids of a conversation id.
const ConversationSeparator = "_"

// MaxRecordSize bounds the combined length of the string fields of one
// SealedMessage (1 MiB).
const MaxRecordSize = 1 << 20

// Sender identifies the author of a sealed message.
type Sender struct {
	ID string `json:"id"`
}

// SealedMessage is the record stored in the conversation log. It never holds
// plaintext except the legacy sender echo.
type SealedMessage struct {
	ID             string         `json:"id"`
	CreatedAt      int64          `json:"created_at"`
	ConversationID string         `json:"conversation_id"`
	Sender         Sender         `json:"sender"`
	CipherText     string         `json:"cipher_text"`
	WrappedKey     string         `json:"wrapped_key"`
	SelfWrappedKey string         `json:"self_wrapped_key,omitempty"`
	SenderEcho     string         `json:"sender_echo,omitempty"`
	AttachmentRef  string         `json:"attachment_ref,omitempty"`
	AttachmentKind AttachmentKind `json:"attachment_kind,omitempty"`
}

// MessageBody is the validated payload of a SealedMessage. Exactly one of
// TextBody, AttachmentBody and EmptyBody describes each record.
type MessageBody interface {
	isMessageBody()
}

// TextBody carries an encrypted text payload.
type TextBody struct {
	CipherText string
	WrappedKey string
}

// AttachmentBody carries an attachment reference without text.
type AttachmentBody struct {
	Attachment Attachment
}

// EmptyBody is a record with neither text nor attachment.
type EmptyBody struct{}

func (TextBody) isMessageBody()       {}
func (AttachmentBody) isMessageBody() {}
func (EmptyBody) isMessageBody()      {}

// ParseBody validates the payload fields of a record and returns its body.
func ParseBody(msg SealedMessage) (MessageBody, error) {
	kind, err := ParseAttachmentKind(string(msg.AttachmentKind))
	if err != nil {
		return nil, err
	}
	hasAttachment := strings.TrimSpace(msg.AttachmentRef) != ""
	if hasAttachment && kind == AttachmentNone {
		return nil, errors.New("attachment reference without a kind")
	}
	if !hasAttachment && kind != AttachmentNone {
		return nil, fmt.Errorf("attachment kind %q without a reference", kind)
	}

	switch {
	case msg.CipherText != "" && hasAttachment:
		return nil, errors.New("record carries both cipher text and an attachment")
	case msg.CipherText != "":
		if msg.WrappedKey == "" {
			return nil, errors.New("cipher text without a wrapped key")
		}
		return TextBody{CipherText: msg.CipherText, WrappedKey: msg.WrappedKey}, nil
	case hasAttachment:
		return AttachmentBody{Attachment: Attachment{Ref: msg.AttachmentRef, Kind: kind}}, nil
	default:
		return EmptyBody{}, nil
	}
}

// Validate checks the fields every stored record must carry.
func (m SealedMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is required")
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return errors.New("conversation id is required")
	}
	if strings.TrimSpace(m.Sender.ID) == "" {
		return errors.New("sender id is required")
	}
	if size := m.Size(); size > MaxRecordSize {
		return fmt.Errorf("record is %d bytes, limit is %d", size, MaxRecordSize)
	}
	_, err := ParseBody(m)
	return err
}

// Size returns the combined length of the string fields of the record.
func (m SealedMessage) Size() int {
	return len(m.ID) + len(m.ConversationID) + len(m.Sender.ID) +
		len(m.CipherText) + len(m.WrappedKey) + len(m.SelfWrappedKey) +
		len(m.SenderEcho) + len(m.AttachmentRef) + len(m.AttachmentKind)
}

// ConversationID pairs two participant ids into an order-independent id.
func ConversationID(a, b string) (string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", errors.New("conversation participants are required")
	}
	if a == b {
		return "", errors.New("conversation participants must differ")
	}
	if strings.Contains(a, ConversationSeparator) || strings.Contains(b, ConversationSeparator) {
		return "", fmt.Errorf("participant id must not contain %q", ConversationSeparator)
	}
	if b < a {
		a, b = b, a
	}
	return a + ConversationSeparator + b, nil
}

// Participants splits a conversation id back into its two participant ids.
func Participants(conversationID string) (string, string, error) {
	parts := strings.Split(conversationID, ConversationSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed conversation id %q", conversationID)
	}
	return parts[0], parts[1], nil
}

// DisplayMessage is a message entry after decryption, ready to render.
type DisplayMessage struct {
	ID            string      `json:"id"`
	CreatedAt     int64       `json:"created_at"`
	SenderID      string      `json:"sender_id"`
	Text          string      `json:"text,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	Outgoing      bool        `json:"outgoing"`
	Failed        bool        `json:"failed,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
}
