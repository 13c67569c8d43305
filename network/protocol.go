package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sealchat/chat"
	"sealchat/models"
)

const (
	// ProtocolVersion is the current relay API version.
	ProtocolVersion = 1
	// MaxFrameSize bounds one websocket frame and one JSON request body (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultRequestTimeout bounds each HTTP call to the relay.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultPingInterval sends websocket pings on idle streams.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout waits this long for any frame before a stream is considered dead.
	DefaultPongTimeout = 2 * DefaultPingInterval
	// DefaultWriteTimeout bounds each websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultHistoryLimit is the number of records History returns when no limit is given.
	DefaultHistoryLimit = 500
	// PageBudget bounds the encoded messages carried by one frame or history page.
	PageBudget = MaxFrameSize - 4096
)

// Stream frame types. A snapshot carries the whole conversation and an
// append carries the records stored since the previous frame. Both may be
// split over several frames, all but the last with More set.
const (
	TypeSnapshot = "snapshot"
	TypeAppend   = "append"
	TypeTyping   = "typing"
	TypeError    = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeNotFound         = "not_found"
	CodeIdentityConflict = "identity_conflict"
	CodeDuplicateMessage = "duplicate_message"
	CodeInvalidRecord    = "invalid_record"
	CodeUnavailable      = "unavailable"
	CodeBadRequest       = "bad_request"
	CodeFrameTooLarge    = "frame_too_large"
)

var (
	// ErrFrameTooLarge indicates a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the frame type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the stream frame type.
type Envelope struct {
	Type string `json:"type"`
}

// SnapshotFrame carries one page of conversation records, newest first.
type SnapshotFrame struct {
	Type     string                 `json:"type"`
	Messages []models.SealedMessage `json:"messages"`
	More     bool                   `json:"more,omitempty"`
}

// TypingFrame carries the typing record of a conversation.
type TypingFrame struct {
	Type   string             `json:"type"`
	Typing models.TypingState `json:"typing"`
}

// HistoryResponse is returned by the history endpoint. More reports that the
// page was cut to fit a frame; the next page starts before the last record.
type HistoryResponse struct {
	Messages []models.SealedMessage `json:"messages"`
	More     bool                   `json:"more,omitempty"`
}

// TypingRequest overwrites the typing record. An empty user clears it.
type TypingRequest struct {
	TypingUserID string `json:"typing_user_id"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status          string `json:"status"`
	RelayID         string `json:"relay_id,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
}

// ErrorMessage reports relay errors, both as HTTP bodies and stream frames.
type ErrorMessage struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// SplitPages groups messages, in order, into pages whose encoded size stays
// within budget. A message that alone exceeds budget is ErrFrameTooLarge.
func SplitPages(messages []models.SealedMessage, budget int) ([][]models.SealedMessage, error) {
	var (
		pages [][]models.SealedMessage
		page  []models.SealedMessage
		size  int
	)
	for _, msg := range messages {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal message %q: %w", msg.ID, err)
		}
		// One byte for the separating comma.
		need := len(encoded) + 1
		if need > budget {
			return nil, fmt.Errorf("%w: message %q encodes to %d bytes", ErrFrameTooLarge, msg.ID, len(encoded))
		}
		if size+need > budget {
			pages = append(pages, page)
			page, size = nil, 0
		}
		page = append(page, msg)
		size += need
	}
	if len(page) > 0 || len(pages) == 0 {
		if page == nil {
			page = []models.SealedMessage{}
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// MessageFrames splits messages into frames of frameType that each fit in
// MaxFrameSize. An empty snapshot still yields one frame.
func MessageFrames(frameType string, messages []models.SealedMessage) ([]SnapshotFrame, error) {
	pages, err := SplitPages(messages, PageBudget)
	if err != nil {
		return nil, err
	}
	frames := make([]SnapshotFrame, 0, len(pages))
	for i, page := range pages {
		frames = append(frames, SnapshotFrame{
			Type:     frameType,
			Messages: page,
			More:     i < len(pages)-1,
		})
	}
	return frames, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// ErrorStatus maps a service error to an HTTP status and an error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return http.StatusRequestEntityTooLarge, CodeFrameTooLarge
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, chat.ErrIdentityConflict):
		return http.StatusConflict, CodeIdentityConflict
	case errors.Is(err, chat.ErrDuplicateMessage):
		return http.StatusConflict, CodeDuplicateMessage
	case errors.Is(err, chat.ErrInvalidRecord):
		return http.StatusBadRequest, CodeInvalidRecord
	default:
		return http.StatusServiceUnavailable, CodeUnavailable
	}
}

// ErrorFromMessage maps a relay error response back to the service error it encodes.
func ErrorFromMessage(status int, msg ErrorMessage) error {
	var sentinel error
	switch msg.Code {
	case CodeNotFound:
		sentinel = chat.ErrNotFound
	case CodeIdentityConflict:
		sentinel = chat.ErrIdentityConflict
	case CodeDuplicateMessage:
		sentinel = chat.ErrDuplicateMessage
	case CodeInvalidRecord, CodeBadRequest:
		sentinel = chat.ErrInvalidRecord
	case CodeUnavailable:
		sentinel = chat.ErrUnavailable
	case CodeFrameTooLarge:
		sentinel = fmt.Errorf("%w: %w", chat.ErrInvalidRecord, ErrFrameTooLarge)
	default:
		switch {
		case status == http.StatusNotFound:
			sentinel = chat.ErrNotFound
		case status >= 400 && status < 500:
			sentinel = chat.ErrInvalidRecord
		default:
			sentinel = chat.ErrUnavailable
		}
	}

	if msg.Message == "" {
		return fmt.Errorf("%w (status %d)", sentinel, status)
	}
	return fmt.Errorf("%w: %s", sentinel, msg.Message)
}
