package commands

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sealchat/chat"
	"sealchat/config"
	"sealchat/discovery"
	"sealchat/keystore"
	"sealchat/network"
	"sealchat/storage"
)

var errNotRegistered = errors.New("no registered user; run `sealchat register <user-id>` first")

func (a *app) keyService() (*keystore.Service, error) {
	store, err := keystore.Open(a.cfg.PrivateKeyPath, a.passphrase)
	if err != nil {
		return nil, err
	}
	return keystore.NewService(store, a.log.Named("keystore")), nil
}

// relayClient connects to the configured relay, or resolves one on the LAN.
func (a *app) relayClient(ctx context.Context) (*network.Client, error) {
	baseURL := a.relayURL
	if baseURL == "" {
		relay, err := discovery.Resolve(ctx, discovery.Config{})
		if err != nil {
			return nil, fmt.Errorf("no relay configured and none found via mDNS: %w", err)
		}
		baseURL = relay.URL()
		a.log.Info("relay resolved via mDNS", zap.String("relay_id", relay.RelayID), zap.String("url", baseURL))
	}

	client, err := network.NewClient(baseURL, network.ClientOptions{}, a.log.Named("relay"))
	if err != nil {
		return nil, err
	}
	if _, err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("relay %s: %w", baseURL, err)
	}
	return client, nil
}

// openSession signs the registered user in. The returned cleanup closes the
// session and the local event log.
func (a *app) openSession(ctx context.Context) (*chat.Session, func(), error) {
	if a.cfg.UserID == "" {
		return nil, nil, errNotRegistered
	}
	keys, err := a.keyService()
	if err != nil {
		return nil, nil, err
	}
	client, err := a.relayClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	echo, err := chat.ParseEchoPolicy(a.cfg.EchoPolicy)
	if err != nil {
		return nil, nil, err
	}

	events, err := storage.OpenPath(a.cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open local database: %w", err)
	}

	session, err := chat.NewSession(chat.Options{
		LocalID:    a.cfg.UserID,
		Directory:  client,
		Channel:    client,
		Presence:   client,
		Keys:       keys,
		Events:     events,
		EchoPolicy: echo,
		Logger:     a.log.Named("session"),
	})
	if err != nil {
		_ = events.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = session.Close()
		if err := events.Close(); err != nil {
			a.log.Warn("close local database failed", zap.Error(err))
		}
	}
	return session, cleanup, nil
}

func (a *app) saveConfig() error {
	return config.Save(a.cfgPath, a.cfg)
}
