package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PutIdentity publishes an identity. Publishing the same key again returns the
// stored row with created=false; a different key for an existing user is ErrConflict.
func (s *Store) PutIdentity(identity Identity) (stored *Identity, created bool, err error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return nil, false, errors.New("user_id is required")
	}
	if strings.TrimSpace(identity.PublicKey) == "" {
		return nil, false, errors.New("public_key is required")
	}
	if identity.KeyFingerprint == "" {
		return nil, false, errors.New("key_fingerprint is required")
	}
	if identity.RegisteredAt == 0 {
		identity.RegisteredAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO identities (
			user_id,
			public_key,
			key_fingerprint,
			display_name,
			avatar_ref,
			registered_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		identity.UserID,
		identity.PublicKey,
		identity.KeyFingerprint,
		identity.DisplayName,
		identity.AvatarRef,
		identity.RegisteredAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert identity %q: %w", identity.UserID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("read rows affected for identity %q: %w", identity.UserID, err)
	}

	stored, err = s.GetIdentity(identity.UserID)
	if err != nil {
		return nil, false, err
	}
	if rowsAffected == 1 {
		return stored, true, nil
	}
	if stored.PublicKey != identity.PublicKey {
		return stored, false, fmt.Errorf("identity %q already published with key %s: %w", identity.UserID, stored.KeyFingerprint, ErrConflict)
	}
	return stored, false, nil
}

// GetIdentity fetches an identity by user ID.
func (s *Store) GetIdentity(userID string) (*Identity, error) {
	row := s.db.QueryRow(
		`SELECT
			user_id,
			public_key,
			key_fingerprint,
			display_name,
			avatar_ref,
			registered_at
		FROM identities
		WHERE user_id = ?`,
		userID,
	)

	var identity Identity
	if err := row.Scan(
		&identity.UserID,
		&identity.PublicKey,
		&identity.KeyFingerprint,
		&identity.DisplayName,
		&identity.AvatarRef,
		&identity.RegisteredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity %q: %w", userID, err)
	}
	return &identity, nil
}
