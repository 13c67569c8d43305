package chat

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sealchat/crypto"
	"sealchat/models"
)

// Options configures a Session.
type Options struct {
	LocalID   string
	Directory Directory
	Channel   Channel
	Presence  Presence
	Keys      KeyStore
	// Events is optional.
	Events     EventLog
	EchoPolicy EchoPolicy
	Logger     *zap.Logger
	// NewMessageID defaults to uuid.NewString.
	NewMessageID func() string
}

// Outgoing is one message to send. Text and Attachment are exclusive.
type Outgoing struct {
	Text       string
	Attachment *models.Attachment
}

// ConversationSummary is the latest message of one conversation.
type ConversationSummary struct {
	PeerID         string
	ConversationID string
	Last           models.DisplayMessage
}

// View streams decrypted conversation snapshots in display order.
type View = Stream[[]models.DisplayMessage]

// TypingView streams whether the peer is typing.
type TypingView = Stream[bool]

// Session is the signed-in context of one local user. Close tears down every
// view it opened.
type Session struct {
	localID  string
	dir      Directory
	channel  Channel
	presence Presence
	keys     KeyStore
	events   EventLog
	echo     EchoPolicy
	log      *zap.Logger
	newID    func() string

	mu      sync.Mutex
	selfKey *rsa.PublicKey
	streams map[canceler]struct{}
	closed  bool
}

type canceler interface {
	Cancel()
	Done() <-chan struct{}
}

// NewSession validates opts and returns a session for opts.LocalID.
func NewSession(opts Options) (*Session, error) {
	localID := strings.TrimSpace(opts.LocalID)
	if localID == "" || strings.Contains(localID, models.ConversationSeparator) {
		return nil, fmt.Errorf("%w: invalid local user id %q", ErrInvalidRecord, opts.LocalID)
	}
	if opts.Directory == nil || opts.Channel == nil || opts.Presence == nil || opts.Keys == nil {
		return nil, errors.New("chat: directory, channel, presence and keys are required")
	}

	echo := opts.EchoPolicy
	if echo == "" {
		echo = EchoSealed
	}
	if _, err := ParseEchoPolicy(string(echo)); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	newID := opts.NewMessageID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Session{
		localID:  localID,
		dir:      opts.Directory,
		channel:  opts.Channel,
		presence: opts.Presence,
		keys:     opts.Keys,
		events:   opts.Events,
		echo:     echo,
		log:      log.With(zap.String("user_id", localID)),
		newID:    newID,
		streams:  make(map[canceler]struct{}),
	}, nil
}

// LocalID returns the signed-in user id.
func (s *Session) LocalID() string {
	return s.localID
}

// Send seals out for peerID and appends it to the conversation. Sealing
// failures never append. Typing state is cleared after a successful send.
func (s *Session) Send(ctx context.Context, peerID string, out Outgoing) (models.SealedMessage, error) {
	if err := s.checkOpen(); err != nil {
		return models.SealedMessage{}, err
	}
	conversationID, err := ConversationID(s.localID, peerID)
	if err != nil {
		return models.SealedMessage{}, err
	}
	if err := validateOutgoing(out); err != nil {
		return models.SealedMessage{}, err
	}

	recipient, err := LookupPublicKey(ctx, s.dir, peerID)
	if err != nil {
		return models.SealedMessage{}, fmt.Errorf("look up key of %q: %w", peerID, err)
	}
	recipients := []*rsa.PublicKey{recipient}
	if s.echo == EchoSealed {
		self, err := s.ownPublicKey(ctx)
		if err != nil {
			return models.SealedMessage{}, fmt.Errorf("resolve own key: %w", err)
		}
		recipients = append(recipients, self)
	}

	sealed, err := crypto.SealTo([]byte(out.Text), recipients...)
	if err != nil {
		return models.SealedMessage{}, err
	}

	msg := models.SealedMessage{
		ID:             s.newID(),
		ConversationID: conversationID,
		Sender:         models.Sender{ID: s.localID},
		CipherText:     sealed.CipherText,
		WrappedKey:     sealed.WrappedKeys[0],
		AttachmentKind: models.AttachmentNone,
	}
	switch {
	case s.echo == EchoSealed:
		msg.SelfWrappedKey = sealed.WrappedKeys[1]
	case out.Text != "":
		msg.SenderEcho = base64.StdEncoding.EncodeToString([]byte(out.Text))
	}
	if out.Attachment != nil {
		msg.AttachmentRef = out.Attachment.Ref
		msg.AttachmentKind = out.Attachment.Kind
	}
	if err := msg.Validate(); err != nil {
		return models.SealedMessage{}, fmt.Errorf("%w: %w: %w", ErrChannelWrite, ErrInvalidRecord, err)
	}

	stored, err := s.channel.Append(ctx, msg)
	if err != nil {
		if !errors.Is(err, ErrChannelWrite) {
			err = fmt.Errorf("%w: %w", ErrChannelWrite, err)
		}
		s.log.Warn("append message failed", zap.String("conversation_id", conversationID), zap.String("message_id", msg.ID), zap.Error(err))
		return models.SealedMessage{}, err
	}

	if err := s.presence.ClearTyping(ctx, conversationID); err != nil {
		s.log.Warn("clear typing after send failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	s.log.Debug("message sent", zap.String("conversation_id", conversationID), zap.String("message_id", stored.ID))
	return stored, nil
}

// Open subscribes to the conversation with peerID and streams decrypted
// snapshots ordered oldest first. Undecryptable messages render as failed.
func (s *Session) Open(ctx context.Context, peerID string) (*View, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	conversationID, err := ConversationID(s.localID, peerID)
	if err != nil {
		return nil, err
	}

	sub, err := s.channel.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r := s.newRenderer(conversationID)

	view := NewStream(ctx, func(ctx context.Context, emit func([]models.DisplayMessage) bool) error {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case snapshot, ok := <-sub.Updates():
				if !ok {
					return sub.Err()
				}
				if !emit(r.render(snapshot)) {
					return nil
				}
			}
		}
	})
	if err := s.track(view); err != nil {
		return nil, err
	}
	return view, nil
}

// Typing publishes or clears the local user's typing state for peerID.
func (s *Session) Typing(ctx context.Context, peerID string, typing bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	conversationID, err := ConversationID(s.localID, peerID)
	if err != nil {
		return err
	}
	if typing {
		return s.presence.SetTyping(ctx, conversationID, s.localID)
	}
	return s.presence.ClearTyping(ctx, conversationID)
}

// WatchTyping streams whether peerID is typing. Consecutive equal values are
// delivered once.
func (s *Session) WatchTyping(ctx context.Context, peerID string) (*TypingView, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	conversationID, err := ConversationID(s.localID, peerID)
	if err != nil {
		return nil, err
	}

	sub, err := s.presence.WatchTyping(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	view := NewStream(ctx, func(ctx context.Context, emit func(bool) bool) error {
		defer sub.Cancel()
		first := true
		var last bool
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case state, ok := <-sub.Updates():
				if !ok {
					return sub.Err()
				}
				typing := state.TypingUserID == peerID
				if !first && typing == last {
					continue
				}
				first, last = false, typing
				if !emit(typing) {
					return nil
				}
			}
		}
	})
	if err := s.track(view); err != nil {
		return nil, err
	}
	return view, nil
}

// Conversations returns the latest message exchanged with each peer that has
// one, newest first.
func (s *Session) Conversations(ctx context.Context, peerIDs []string) ([]ConversationSummary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var r *renderer
	summaries := make([]ConversationSummary, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		conversationID, err := ConversationID(s.localID, peerID)
		if err != nil {
			return nil, err
		}
		latest, err := s.channel.History(ctx, conversationID, 1)
		if err != nil {
			return nil, fmt.Errorf("read history of %q: %w", conversationID, err)
		}
		if len(latest) == 0 {
			continue
		}
		if r == nil {
			r = s.newRenderer("")
		}
		summaries = append(summaries, ConversationSummary{
			PeerID:         peerID,
			ConversationID: conversationID,
			Last:           r.message(latest[0]),
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Last.CreatedAt > summaries[j].Last.CreatedAt
	})
	return summaries, nil
}

// Close cancels every open view. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]canceler, 0, len(s.streams))
	for stream := range s.streams {
		streams = append(streams, stream)
	}
	s.streams = nil
	s.mu.Unlock()

	for _, stream := range streams {
		stream.Cancel()
	}
	return nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Session) track(stream canceler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Cancel()
		return ErrClosed
	}
	s.streams[stream] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-stream.Done()
		s.mu.Lock()
		delete(s.streams, stream)
		s.mu.Unlock()
	}()
	return nil
}

// ownPublicKey prefers the local private key and falls back to the directory.
func (s *Session) ownPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	s.mu.Lock()
	cached := s.selfKey
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var key *rsa.PublicKey
	if private, err := s.keys.LoadPrivate(); err == nil {
		key = &private.PublicKey
	} else {
		s.log.Warn("local private key unavailable, using published key for sender copy", zap.Error(err))
		published, err := LookupPublicKey(ctx, s.dir, s.localID)
		if err != nil {
			return nil, err
		}
		key = published
	}

	s.mu.Lock()
	s.selfKey = key
	s.mu.Unlock()
	return key, nil
}

func validateOutgoing(out Outgoing) error {
	if out.Text == "" && out.Attachment == nil {
		return fmt.Errorf("%w: message has neither text nor attachment", ErrInvalidRecord)
	}
	if out.Text != "" && out.Attachment != nil {
		return fmt.Errorf("%w: text and attachment are exclusive", ErrInvalidRecord)
	}
	if !utf8.ValidString(out.Text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidRecord)
	}
	if out.Attachment != nil {
		kind, err := models.ParseAttachmentKind(string(out.Attachment.Kind))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		if kind == models.AttachmentNone || strings.TrimSpace(out.Attachment.Ref) == "" {
			return fmt.Errorf("%w: attachment needs a reference and a kind", ErrInvalidRecord)
		}
	}
	return nil
}
