package chat

import (
	"context"
	"errors"
	"testing"

	"sealchat/crypto"
	"sealchat/keystore"
)

func TestRegisterPersistsAndPublishes(t *testing.T) {
	backend := newMemBackend()
	keys := newTestKeys(t)

	identity, err := Register(context.Background(), keys, backend, Registration{UserID: "alice", DisplayName: " Alice "}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if identity.DisplayName != "Alice" {
		t.Fatalf("expected trimmed display name, got %q", identity.DisplayName)
	}

	private, err := keys.LoadPrivate()
	if err != nil {
		t.Fatalf("LoadPrivate failed: %v", err)
	}
	published, err := LookupPublicKey(context.Background(), backend, "alice")
	if err != nil {
		t.Fatalf("LookupPublicKey failed: %v", err)
	}
	if !published.Equal(&private.PublicKey) {
		t.Fatalf("published key does not match the persisted private key")
	}

	fingerprint, err := crypto.KeyFingerprint(published)
	if err != nil {
		t.Fatalf("KeyFingerprint failed: %v", err)
	}
	if identity.Fingerprint != fingerprint {
		t.Fatalf("unexpected fingerprint %q", identity.Fingerprint)
	}
}

func TestRegisterRollsBackWhenPublishFails(t *testing.T) {
	backend := newMemBackend()
	backend.publishErr = ErrIdentityConflict
	keys := newTestKeys(t)

	_, err := Register(context.Background(), keys, backend, Registration{UserID: "alice"}, nil)
	if !errors.Is(err, ErrDirectoryWrite) || !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected directory write conflict, got %v", err)
	}
	if _, err := keys.LoadPrivate(); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("expected local key to be rolled back, got %v", err)
	}

	backend.publishErr = nil
	if _, err := Register(context.Background(), keys, backend, Registration{UserID: "alice"}, nil); err != nil {
		t.Fatalf("Register after rollback failed: %v", err)
	}
}

func TestRegisterRollsBackWhenDirectoryUnavailable(t *testing.T) {
	backend := newMemBackend()
	backend.publishErr = ErrUnavailable
	keys := newTestKeys(t)

	_, err := Register(context.Background(), keys, backend, Registration{UserID: "alice"}, nil)
	if !errors.Is(err, ErrDirectoryWrite) || !IsRetryable(err) {
		t.Fatalf("expected retryable directory write error, got %v", err)
	}
	if _, err := keys.LoadPrivate(); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("expected local key to be rolled back, got %v", err)
	}
}

func TestRegisterKeepsKeyWhenAmbiguousPublishLanded(t *testing.T) {
	backend := newMemBackend()
	backend.publishErr = ErrUnavailable
	backend.publishLands = true
	keys := newTestKeys(t)

	identity, err := Register(context.Background(), keys, backend, Registration{UserID: "alice"}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if identity.ID != "alice" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if _, err := keys.LoadPrivate(); err != nil {
		t.Fatalf("expected local key to be kept: %v", err)
	}
}

func TestRegisterRejectsInvalidUserID(t *testing.T) {
	backend := newMemBackend()

	for _, id := range []string{"", "  ", "a_b"} {
		if _, err := Register(context.Background(), newTestKeys(t), backend, Registration{UserID: id}, nil); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected ErrInvalidRecord for %q, got %v", id, err)
		}
	}
}

func TestRegisterRefusesExistingLocalKey(t *testing.T) {
	backend := newMemBackend()
	keys := registerUser(t, backend, "alice")

	if _, err := Register(context.Background(), keys, backend, Registration{UserID: "alice"}, nil); !errors.Is(err, keystore.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if _, err := keys.LoadPrivate(); err != nil {
		t.Fatalf("expected original key to survive: %v", err)
	}
}
