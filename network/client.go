package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealchat/chat"
	"sealchat/models"
)

// DefaultReconnectAttempts bounds redials after a live stream drops.
const DefaultReconnectAttempts = 5

var _ chat.Backend = (*Client)(nil)

// ClientOptions tunes a relay client. Zero values use package defaults.
type ClientOptions struct {
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	RequestTimeout    time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
	// ReconnectBackOff returns the delay policy between redials.
	ReconnectBackOff func() backoff.BackOff
}

// Client talks to a relay over HTTP and websocket streams. It implements
// chat.Backend and maps relay errors back to chat sentinels.
type Client struct {
	baseURL *url.URL
	options ClientOptions
	log     *zap.Logger
}

// NewClient returns a client for the relay at baseURL.
func NewClient(baseURL string, options ClientOptions, log *zap.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay URL %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("relay URL %q must use http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("relay URL %q has no host", baseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}
	if options.PongTimeout <= 0 {
		options.PongTimeout = DefaultPongTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	if options.ReconnectAttempts <= 0 {
		options.ReconnectAttempts = DefaultReconnectAttempts
	}
	if options.ReconnectBackOff == nil {
		options.ReconnectBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	return &Client{baseURL: parsed, options: options, log: log}, nil
}

// BaseURL returns the relay URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Health checks that the relay is reachable and speaks this protocol version.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &health); err != nil {
		return HealthResponse{}, err
	}
	if health.ProtocolVersion != ProtocolVersion {
		return health, fmt.Errorf("%w: relay speaks protocol %d, want %d", chat.ErrUnavailable, health.ProtocolVersion, ProtocolVersion)
	}
	return health, nil
}

// Publish implements chat.Directory.
func (c *Client) Publish(ctx context.Context, identity models.Identity) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/v1/identities/"+url.PathEscape(identity.ID), identity, nil)
	return err
}

// Lookup implements chat.Directory.
func (c *Client) Lookup(ctx context.Context, userID string) (models.Identity, error) {
	var identity models.Identity
	if _, err := c.doJSON(ctx, http.MethodGet, "/v1/identities/"+url.PathEscape(userID), nil, &identity); err != nil {
		return models.Identity{}, fmt.Errorf("lookup %q: %w", userID, err)
	}
	return identity, nil
}

// Append implements chat.Channel.
func (c *Client) Append(ctx context.Context, msg models.SealedMessage) (models.SealedMessage, error) {
	var stored models.SealedMessage
	if _, err := c.doJSON(ctx, http.MethodPost, conversationPath(msg.ConversationID, "messages"), msg, &stored); err != nil {
		return models.SealedMessage{}, fmt.Errorf("%w: %w", chat.ErrChannelWrite, err)
	}
	return stored, nil
}

// History implements chat.Channel. Pages cut by the relay are fetched until
// limit records were read or the conversation is exhausted.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]models.SealedMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	messages := []models.SealedMessage{}
	var before int64
	for len(messages) < limit {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(limit-len(messages)))
		if before > 0 {
			query.Set("before", strconv.FormatInt(before, 10))
		}

		var resp HistoryResponse
		path := conversationPath(conversationID, "messages") + "?" + query.Encode()
		if _, err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		messages = append(messages, resp.Messages...)
		if !resp.More || len(resp.Messages) == 0 {
			break
		}
		before = resp.Messages[len(resp.Messages)-1].CreatedAt
	}
	return messages, nil
}

// SetTyping implements chat.Presence.
func (c *Client) SetTyping(ctx context.Context, conversationID, userID string) error {
	_, err := c.doJSON(ctx, http.MethodPut, conversationPath(conversationID, "typing"), TypingRequest{TypingUserID: userID}, nil)
	return err
}

// ClearTyping implements chat.Presence.
func (c *Client) ClearTyping(ctx context.Context, conversationID string) error {
	_, err := c.doJSON(ctx, http.MethodPut, conversationPath(conversationID, "typing"), TypingRequest{}, nil)
	return err
}

// Typing returns the current typing record of a conversation.
func (c *Client) Typing(ctx context.Context, conversationID string) (models.TypingState, error) {
	var state models.TypingState
	if _, err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "typing"), nil, &state); err != nil {
		return models.TypingState{}, err
	}
	return state, nil
}

// Subscribe implements chat.Channel. The first connection is dialed before
// returning so a refused subscription fails here.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (*chat.Subscription, error) {
	path := conversationPath(conversationID, "messages", "stream")
	conn, err := c.dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrSubscription, err)
	}
	return chat.NewStream(ctx, func(ctx context.Context, emit func([]models.SealedMessage) bool) error {
		return runStream(ctx, c, path, conn, newSnapshotDecoder, emit)
	}), nil
}

// WatchTyping implements chat.Presence.
func (c *Client) WatchTyping(ctx context.Context, conversationID string) (*chat.TypingSubscription, error) {
	path := conversationPath(conversationID, "typing", "stream")
	conn, err := c.dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrSubscription, err)
	}
	return chat.NewStream(ctx, func(ctx context.Context, emit func(models.TypingState) bool) error {
		return runStream(ctx, c, path, conn, newTypingDecoder, emit)
	}), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := EncodeJSON(body)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", chat.ErrInvalidRecord, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", chat.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize+1))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %w", chat.ErrUnavailable, err)
	}
	if len(raw) > MaxFrameSize {
		return resp.StatusCode, fmt.Errorf("%w: %w", chat.ErrUnavailable, ErrFrameTooLarge)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeErrorResponse(resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode %s %s response: %w", chat.ErrUnavailable, method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	target := *c.baseURL
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	wsURL := target.String() + path

	dialCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	conn, resp, err := c.options.Dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
			return nil, decodeErrorResponse(resp.StatusCode, raw)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", chat.ErrUnavailable, path, err)
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

// reconnectPolicy allows ReconnectAttempts redials of one stream between
// two connections that delivered a frame.
func (c *Client) reconnectPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.options.ReconnectBackOff(), uint64(c.options.ReconnectAttempts)),
		ctx,
	)
	policy.Reset()
	return policy
}

// redial waits on policy before each dial. Only transient failures are
// retried; an exhausted policy reports the last failure as ErrUnavailable.
func (c *Client) redial(ctx context.Context, path string, policy backoff.BackOff) (*websocket.Conn, error) {
	lastErr := errStreamClosed
	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: reconnect %s: attempts exhausted: %w", chat.ErrUnavailable, path, lastErr)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx, path)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil || !chat.IsRetryable(err) {
			return nil, err
		}
		c.log.Debug("stream redial failed", zap.String("path", path), zap.Error(err))
		lastErr = err
	}
}

func conversationPath(conversationID string, parts ...string) string {
	return "/v1/conversations/" + url.PathEscape(conversationID) + "/" + strings.Join(parts, "/")
}

func decodeErrorResponse(status int, raw []byte) error {
	var msg ErrorMessage
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &msg)
	}
	return ErrorFromMessage(status, msg)
}
