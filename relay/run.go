package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sealchat/discovery"
	"sealchat/storage"
)

// DefaultShutdownTimeout bounds graceful HTTP shutdown.
const DefaultShutdownTimeout = 5 * time.Second

// Config controls a standalone relay process.
type Config struct {
	RelayID       string
	ListenAddress string
	DatabasePath  string
	// Advertise publishes the relay on the LAN via mDNS.
	Advertise bool

	// Ready, when set, receives the bound listener address once serving.
	Ready func(addr net.Addr)

	startBroadcaster func(discovery.Config) (*discovery.Broadcaster, error)
}

// Run serves the relay until ctx is cancelled.
func Run(ctx context.Context, cfg Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.startBroadcaster == nil {
		cfg.startBroadcaster = discovery.StartBroadcaster
	}

	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer store.Close()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", cfg.ListenAddress, err)
	}

	service := NewService(store, log.Named("service"))
	server := NewServer(service, ServerOptions{RelayID: cfg.RelayID}, log.Named("http"))
	httpServer := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("relay listening", zap.String("address", listener.Addr().String()), zap.String("relay_id", cfg.RelayID))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})

	if cfg.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		broadcaster, err := cfg.startBroadcaster(discovery.Config{RelayID: cfg.RelayID, Port: port})
		if err != nil {
			log.Warn("mDNS advertisement unavailable", zap.Error(err))
		} else {
			group.Go(func() error {
				<-groupCtx.Done()
				broadcaster.Stop()
				return nil
			})
		}
	}

	group.Go(func() error {
		<-groupCtx.Done()
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown relay: %w", err)
		}
		log.Info("relay stopped")
		return nil
	})

	if cfg.Ready != nil {
		cfg.Ready(listener.Addr())
	}

	return group.Wait()
}
