package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustPutIdentity(t *testing.T, store *Store, userID string) *Identity {
	t.Helper()

	stored, _, err := store.PutIdentity(Identity{
		UserID:         userID,
		PublicKey:      "-----BEGIN PUBLIC KEY-----\n" + userID + "\n-----END PUBLIC KEY-----\n",
		KeyFingerprint: "fingerprint-" + userID,
	})
	if err != nil {
		t.Fatalf("put identity %q: %v", userID, err)
	}
	return stored
}
