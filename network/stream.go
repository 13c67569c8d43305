package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealchat/chat"
	"sealchat/models"
)

// errStreamClosed marks a connection that ended without a relay error frame.
var errStreamClosed = errors.New("network: stream connection closed")

// frameDecoder turns one frame into a value. ready is false while a value is
// still being assembled from several frames.
type frameDecoder[T any] func(payload []byte) (value T, ready bool, err error)

// runStream reads frames from conn and redials after transient drops until
// ctx ends, the consumer stops, or the relay rejects the stream. Redials wait
// on the reconnect policy, which is only reset once a connection delivered a
// frame, so a relay that keeps closing fresh connections exhausts it.
func runStream[T any](ctx context.Context, c *Client, path string, conn *websocket.Conn, newDecoder func() frameDecoder[T], emit func(T) bool) error {
	policy := c.reconnectPolicy(ctx)
	for {
		received, err := readFrames(ctx, c, conn, newDecoder(), emit)
		_ = conn.Close()
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errStreamClosed) {
			return err
		}
		if received {
			policy.Reset()
		}

		c.log.Debug("stream dropped, reconnecting", zap.String("path", path), zap.Bool("received", received), zap.Error(err))
		conn, err = c.redial(ctx, path, policy)
		if err != nil {
			return err
		}
	}
}

// readFrames returns nil once emit reports the consumer is gone. received
// reports whether any frame arrived on conn.
func readFrames[T any](ctx context.Context, c *Client, conn *websocket.Conn, decode frameDecoder[T], emit func(T) bool) (received bool, err error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.options.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.options.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("%w: %w", errStreamClosed, err)
		}
		received = true
		_ = conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))

		frameType, err := DecodeMessageType(payload)
		if err != nil {
			return received, fmt.Errorf("%w: %w", chat.ErrInvalidRecord, err)
		}
		if frameType == TypeError {
			var msg ErrorMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return received, fmt.Errorf("%w: decode error frame: %w", chat.ErrInvalidRecord, err)
			}
			return received, ErrorFromMessage(0, msg)
		}

		value, ready, err := decode(payload)
		if err != nil {
			return received, fmt.Errorf("%w: %w", chat.ErrInvalidRecord, err)
		}
		if !ready {
			continue
		}
		if !emit(value) {
			return received, nil
		}
	}
}

// snapshotAssembler rebuilds full snapshots from the frames of one
// connection: a snapshot replaces the conversation, an append is placed in
// front of it. Emitted slices are never modified afterwards.
type snapshotAssembler struct {
	current     []models.SealedMessage
	loaded      bool
	pending     []models.SealedMessage
	pendingType string
}

func newSnapshotDecoder() frameDecoder[[]models.SealedMessage] {
	a := &snapshotAssembler{}
	return a.decode
}

func (a *snapshotAssembler) decode(payload []byte) ([]models.SealedMessage, bool, error) {
	var frame SnapshotFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, false, fmt.Errorf("decode %s frame: %w", TypeSnapshot, err)
	}
	switch frame.Type {
	case TypeSnapshot:
	case TypeAppend:
		if !a.loaded {
			return nil, false, fmt.Errorf("%w: %q before the first snapshot", ErrInvalidMessageType, frame.Type)
		}
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidMessageType, frame.Type)
	}
	if a.pendingType != "" && a.pendingType != frame.Type {
		return nil, false, fmt.Errorf("%w: %q inside a paged %q", ErrInvalidMessageType, frame.Type, a.pendingType)
	}

	a.pending = append(a.pending, frame.Messages...)
	if frame.More {
		a.pendingType = frame.Type
		return nil, false, nil
	}

	next := a.pending
	if frame.Type == TypeAppend {
		next = append(next, a.current...)
	}
	if next == nil {
		next = []models.SealedMessage{}
	}
	a.current, a.loaded = next, true
	a.pending, a.pendingType = nil, ""
	return a.current, true, nil
}

func newTypingDecoder() frameDecoder[models.TypingState] {
	return func(payload []byte) (models.TypingState, bool, error) {
		state, err := decodeTyping(payload)
		return state, err == nil, err
	}
}

func decodeTyping(payload []byte) (models.TypingState, error) {
	var frame TypingFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return models.TypingState{}, fmt.Errorf("decode typing frame: %w", err)
	}
	if frame.Type != TypeTyping {
		return models.TypingState{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, frame.Type)
	}
	return frame.Typing, nil
}
