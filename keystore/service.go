package keystore

import (
	"crypto/rsa"
	"errors"

	"go.uber.org/zap"

	"sealchat/crypto"
)

// Service generates identity keypairs and guards the private half.
type Service struct {
	store *Store
	log   *zap.Logger
}

// NewService wraps a store. A nil logger disables logging.
func NewService(store *Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log}
}

// Generate creates a fresh identity keypair without persisting it.
func (s *Service) Generate() (*crypto.KeyPair, error) {
	return crypto.GenerateKeyPair()
}

// PersistPrivate stores the private key. It refuses to replace an existing key.
func (s *Service) PersistPrivate(key *rsa.PrivateKey) error {
	return s.store.With(func(h *Handle) error {
		exists, err := h.Exists()
		if err != nil {
			return err
		}
		if exists {
			return ErrKeyExists
		}
		if err := h.Save(key); err != nil {
			return err
		}
		s.log.Info("private key persisted", zap.String("path", s.store.Path()))
		return nil
	})
}

// LoadPrivate returns the persisted private key, or ErrKeyNotFound.
func (s *Service) LoadPrivate() (*rsa.PrivateKey, error) {
	var key *rsa.PrivateKey
	err := s.store.With(func(h *Handle) error {
		loaded, err := h.Load()
		if err != nil {
			return err
		}
		key = loaded
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.log.Warn("load private key failed", zap.Error(err))
		}
		return nil, err
	}
	return key, nil
}

// HasPrivate reports whether a private key is persisted.
func (s *Service) HasPrivate() (bool, error) {
	var exists bool
	err := s.store.With(func(h *Handle) error {
		var err error
		exists, err = h.Exists()
		return err
	})
	return exists, err
}

// Wipe removes the persisted private key.
func (s *Service) Wipe() error {
	return s.store.With(func(h *Handle) error {
		if err := h.Wipe(); err != nil {
			return err
		}
		s.log.Info("private key wiped", zap.String("path", s.store.Path()))
		return nil
	})
}
