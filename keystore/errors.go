package keystore

import "errors"

var (
	// ErrStorage reports that the protected key store cannot be used.
	ErrStorage = errors.New("keystore: protected store unavailable")
	// ErrKeyNotFound reports that no private key was persisted, or that it was wiped.
	ErrKeyNotFound = errors.New("keystore: private key not found")
	// ErrKeyExists reports that a private key is already persisted.
	ErrKeyExists = errors.New("keystore: private key already exists")
)
