package keystore

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sealchat/crypto"
)

const (
	lockSuffix     = ".lock"
	lockRetryDelay = 25 * time.Millisecond
	lockWait       = 5 * time.Second
	// lockStaleAfter bounds how long a lock file left by a crashed process blocks the store.
	lockStaleAfter = 2 * time.Minute
)

// Store is the device-local protected store holding one private key file.
type Store struct {
	path       string
	passphrase []byte

	mu sync.Mutex
}

// Open prepares the store at path, creating its directory with 0700 permissions.
// A non-empty passphrase seals the key at rest.
func Open(path, passphrase string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: key path is required", ErrStorage)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create key directory: %w", ErrStorage, err)
	}

	store := &Store{path: path}
	if passphrase != "" {
		store.passphrase = []byte(passphrase)
	}
	return store, nil
}

// Path returns the private key file path.
func (s *Store) Path() string {
	return s.path
}

// With acquires exclusive access to the store for the duration of fn. The
// lock is released on every return path.
func (s *Store) With(fn func(h *Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := acquireLock(s.path + lockSuffix)
	if err != nil {
		return err
	}
	defer release()

	return fn(&Handle{store: s})
}

// Handle is valid only inside a With callback.
type Handle struct {
	store *Store
}

// Exists reports whether a private key file is present.
func (h *Handle) Exists() (bool, error) {
	_, err := os.Stat(h.store.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat private key: %w", ErrStorage, err)
}

// Save writes the private key with 0600 permissions, replacing any previous file.
func (h *Handle) Save(key *rsa.PrivateKey) error {
	encoded, err := h.encode(key)
	if err != nil {
		return err
	}
	defer crypto.Wipe(encoded)

	tmp := h.store.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("%w: write private key: %w", ErrStorage, err)
	}
	if err := os.Rename(tmp, h.store.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: replace private key: %w", ErrStorage, err)
	}
	return nil
}

// Load reads the private key.
func (h *Handle) Load() (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(h.store.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %w", ErrStorage, err)
	}
	defer crypto.Wipe(raw)

	return h.decode(raw)
}

// Wipe removes the private key. Wiping an empty store is not an error.
func (h *Handle) Wipe() error {
	err := os.Remove(h.store.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove private key: %w", ErrStorage, err)
	}
	return nil
}

func (h *Handle) encode(key *rsa.PrivateKey) ([]byte, error) {
	if len(h.store.passphrase) == 0 {
		encoded, err := crypto.EncodePrivateKeyPEM(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return encoded, nil
	}

	der, err := crypto.EncodePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer crypto.Wipe(der)
	return sealPrivateKey(h.store.passphrase, der)
}

func (h *Handle) decode(raw []byte) (*rsa.PrivateKey, error) {
	if isSealedPEM(raw) {
		if len(h.store.passphrase) == 0 {
			return nil, fmt.Errorf("%w: private key is passphrase protected", ErrStorage)
		}
		der, err := openPrivateKey(h.store.passphrase, raw)
		if err != nil {
			return nil, err
		}
		defer crypto.Wipe(der)

		key, err := crypto.ParsePrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return key, nil
	}

	key, err := crypto.ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return key, nil
}

func acquireLock(path string) (func(), error) {
	deadline := time.Now().Add(lockWait)
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())
			_ = file.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: create lock file: %w", ErrStorage, err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: key store is locked by another process", ErrStorage)
		}
		time.Sleep(lockRetryDelay)
	}
}
