// Package chat wires the key directory, the conversation log and the
// presence record into sealed one-to-one conversations.
package chat

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"sealchat/crypto"
	"sealchat/models"
	"sealchat/storage"
)

// Directory publishes and resolves identities.
type Directory interface {
	// Publish stores a new identity. Re-publishing the same key succeeds;
	// a different key for an existing id fails with ErrIdentityConflict.
	Publish(ctx context.Context, identity models.Identity) error
	// Lookup fails with ErrNotFound or ErrUnavailable.
	Lookup(ctx context.Context, userID string) (models.Identity, error)
}

// Channel is the append-only message log of conversations.
type Channel interface {
	// Append stores msg and returns it with its server-assigned created_at.
	Append(ctx context.Context, msg models.SealedMessage) (models.SealedMessage, error)
	// History returns up to limit records, newest first.
	History(ctx context.Context, conversationID string, limit int) ([]models.SealedMessage, error)
	// Subscribe delivers the current history and a new snapshot after each append.
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
}

// Presence is the overwriteable typing record of conversations.
type Presence interface {
	SetTyping(ctx context.Context, conversationID, userID string) error
	ClearTyping(ctx context.Context, conversationID string) error
	WatchTyping(ctx context.Context, conversationID string) (*TypingSubscription, error)
}

// Backend is a relay that provides every collaborator of a session.
type Backend interface {
	Directory
	Channel
	Presence
}

// KeyStore guards the device private key.
type KeyStore interface {
	Generate() (*crypto.KeyPair, error)
	PersistPrivate(key *rsa.PrivateKey) error
	LoadPrivate() (*rsa.PrivateKey, error)
	Wipe() error
}

// EventLog records security-relevant events. *storage.Store implements it.
type EventLog interface {
	RecordSecurityEvent(eventType, subjectID, severity string, details map[string]string) error
}

var _ EventLog = (*storage.Store)(nil)

// ConversationID pairs two user ids into the order-independent conversation id.
func ConversationID(a, b string) (string, error) {
	id, err := models.ConversationID(a, b)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return id, nil
}

// LookupPublicKey resolves and parses the published key of userID.
func LookupPublicKey(ctx context.Context, dir Directory, userID string) (*rsa.PublicKey, error) {
	identity, err := dir.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ParsePublicKeyPEM(identity.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: identity %q: %w", ErrInvalidRecord, userID, err)
	}
	return key, nil
}

// PublishPublic publishes identity. Failures wrap ErrDirectoryWrite and are not retried.
func PublishPublic(ctx context.Context, dir Directory, identity models.Identity) error {
	if err := dir.Publish(ctx, identity); err != nil {
		if errors.Is(err, ErrDirectoryWrite) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDirectoryWrite, err)
	}
	return nil
}
