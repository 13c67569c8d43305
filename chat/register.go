package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sealchat/crypto"
	"sealchat/models"
)

// Registration describes the identity created by Register.
type Registration struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Register generates a keypair, persists the private half and publishes the
// public half. When publishing fails the local key is wiped, so neither an
// orphan private key nor an unusable published key is left behind.
func Register(ctx context.Context, keys KeyStore, dir Directory, reg Registration, log *zap.Logger) (models.Identity, error) {
	if log == nil {
		log = zap.NewNop()
	}

	userID := strings.TrimSpace(reg.UserID)
	if userID == "" || strings.Contains(userID, models.ConversationSeparator) {
		return models.Identity{}, fmt.Errorf("%w: invalid user id %q", ErrInvalidRecord, reg.UserID)
	}

	pair, err := keys.Generate()
	if err != nil {
		return models.Identity{}, err
	}
	publicPEM, err := crypto.EncodePublicKeyPEM(pair.Public)
	if err != nil {
		return models.Identity{}, err
	}
	fingerprint, err := crypto.KeyFingerprint(pair.Public)
	if err != nil {
		return models.Identity{}, err
	}

	if err := keys.PersistPrivate(pair.Private); err != nil {
		return models.Identity{}, err
	}

	identity := models.Identity{
		ID:           userID,
		PublicKey:    publicPEM,
		DisplayName:  strings.TrimSpace(reg.DisplayName),
		AvatarRef:    strings.TrimSpace(reg.AvatarRef),
		Fingerprint:  fingerprint,
		RegisteredAt: time.Now().UnixMilli(),
	}

	publishErr := PublishPublic(ctx, dir, identity)
	if publishErr == nil {
		log.Info("identity registered", zap.String("user_id", userID), zap.String("fingerprint", fingerprint))
		return identity, nil
	}

	// A transport failure may hide a publish that did land.
	if IsRetryable(publishErr) {
		if published, err := dir.Lookup(ctx, userID); err == nil && published.PublicKey == publicPEM {
			log.Info("identity registered after ambiguous publish", zap.String("user_id", userID))
			return published, nil
		}
	}

	log.Warn("publish identity failed, rolling back local key", zap.String("user_id", userID), zap.Error(publishErr))
	if err := keys.Wipe(); err != nil {
		log.Error("rollback of local key failed", zap.String("user_id", userID), zap.Error(err))
		return models.Identity{}, errors.Join(publishErr, fmt.Errorf("rollback local key: %w", err))
	}
	return models.Identity{}, publishErr
}
