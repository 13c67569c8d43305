package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sealchat/keystore"
	"sealchat/models"
)

// memBackend is an in-process Backend with failure injection.
type memBackend struct {
	mu         sync.Mutex
	identities map[string]models.Identity
	messages   map[string][]models.SealedMessage
	typing     map[string]models.TypingState
	watchers   map[string]map[chan struct{}]struct{}
	clock      int64

	publishErr   error
	publishLands bool
	lookupErr    error
	appendErr    error
}

func newMemBackend() *memBackend {
	return &memBackend{
		identities: make(map[string]models.Identity),
		messages:   make(map[string][]models.SealedMessage),
		typing:     make(map[string]models.TypingState),
		watchers:   make(map[string]map[chan struct{}]struct{}),
	}
}

func (b *memBackend) Publish(_ context.Context, identity models.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		if b.publishLands {
			b.identities[identity.ID] = identity
		}
		return b.publishErr
	}
	if existing, ok := b.identities[identity.ID]; ok && existing.PublicKey != identity.PublicKey {
		return ErrIdentityConflict
	}
	b.identities[identity.ID] = identity
	return nil
}

func (b *memBackend) Lookup(_ context.Context, userID string) (models.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lookupErr != nil {
		return models.Identity{}, b.lookupErr
	}
	identity, ok := b.identities[userID]
	if !ok {
		return models.Identity{}, fmt.Errorf("identity %q: %w", userID, ErrNotFound)
	}
	return identity, nil
}

func (b *memBackend) Append(_ context.Context, msg models.SealedMessage) (models.SealedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.appendErr != nil {
		return models.SealedMessage{}, b.appendErr
	}
	for _, existing := range b.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			return models.SealedMessage{}, fmt.Errorf("%w: %w", ErrChannelWrite, ErrDuplicateMessage)
		}
	}
	b.clock++
	msg.CreatedAt = b.clock
	b.messages[msg.ConversationID] = append(b.messages[msg.ConversationID], msg)
	b.notifyLocked(msg.ConversationID)
	return msg, nil
}

func (b *memBackend) History(_ context.Context, conversationID string, limit int) ([]models.SealedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(conversationID, limit), nil
}

func (b *memBackend) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	notify := b.watch(conversationID)
	return NewStream(ctx, func(ctx context.Context, emit func([]models.SealedMessage) bool) error {
		defer b.unwatch(conversationID, notify)
		for {
			b.mu.Lock()
			snapshot := b.snapshotLocked(conversationID, 0)
			b.mu.Unlock()
			if !emit(snapshot) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
			}
		}
	}), nil
}

func (b *memBackend) SetTyping(_ context.Context, conversationID, userID string) error {
	b.setTyping(conversationID, userID)
	return nil
}

func (b *memBackend) ClearTyping(_ context.Context, conversationID string) error {
	b.setTyping(conversationID, "")
	return nil
}

func (b *memBackend) WatchTyping(ctx context.Context, conversationID string) (*TypingSubscription, error) {
	key := "typing:" + conversationID
	notify := b.watch(key)
	return NewStream(ctx, func(ctx context.Context, emit func(models.TypingState) bool) error {
		defer b.unwatch(key, notify)
		for {
			b.mu.Lock()
			state := b.typing[conversationID]
			b.mu.Unlock()
			state.ConversationID = conversationID
			if !emit(state) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
			}
		}
	}), nil
}

func (b *memBackend) setTyping(conversationID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock++
	b.typing[conversationID] = models.TypingState{ConversationID: conversationID, TypingUserID: userID, LastTypedAt: b.clock}
	b.notifyLocked("typing:" + conversationID)
}

func (b *memBackend) snapshotLocked(conversationID string, limit int) []models.SealedMessage {
	log := b.messages[conversationID]
	out := make([]models.SealedMessage, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		out = append(out, log[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (b *memBackend) watch(key string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	notify := make(chan struct{}, 1)
	if b.watchers[key] == nil {
		b.watchers[key] = make(map[chan struct{}]struct{})
	}
	b.watchers[key][notify] = struct{}{}
	return notify
}

func (b *memBackend) unwatch(key string, notify chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watchers[key], notify)
}

func (b *memBackend) notifyLocked(key string) {
	for notify := range b.watchers[key] {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (b *memBackend) storedMessages(conversationID string) []models.SealedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.SealedMessage(nil), b.messages[conversationID]...)
}

func newTestKeys(t *testing.T) *keystore.Service {
	t.Helper()

	store, err := keystore.Open(filepath.Join(t.TempDir(), "keys", "private.pem"), "")
	if err != nil {
		t.Fatalf("open key store: %v", err)
	}
	return keystore.NewService(store, nil)
}

// registerUser registers userID against backend and returns its key service.
func registerUser(t *testing.T, backend *memBackend, userID string) *keystore.Service {
	t.Helper()

	keys := newTestKeys(t)
	if _, err := Register(context.Background(), keys, backend, Registration{UserID: userID}, nil); err != nil {
		t.Fatalf("register %q: %v", userID, err)
	}
	return keys
}

func newTestSession(t *testing.T, backend *memBackend, userID string, keys KeyStore, opts Options) *Session {
	t.Helper()

	opts.LocalID = userID
	opts.Directory = backend
	opts.Channel = backend
	opts.Presence = backend
	opts.Keys = keys
	session, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession %q: %v", userID, err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func waitForMessages(t *testing.T, view *View, done func([]models.DisplayMessage) bool) []models.DisplayMessage {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case snapshot, ok := <-view.Updates():
			if !ok {
				t.Fatalf("view closed early: %v", view.Err())
			}
			if done(snapshot) {
				return snapshot
			}
		case <-timeout:
			t.Fatalf("timed out waiting for view snapshot")
		}
	}
}

func waitForTyping(t *testing.T, view *TypingView, want bool) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case typing, ok := <-view.Updates():
			if !ok {
				t.Fatalf("typing view closed early: %v", view.Err())
			}
			if typing == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for typing=%v", want)
		}
	}
}
