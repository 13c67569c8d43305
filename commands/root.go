// Package commands implements the sealchat command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sealchat/config"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	dataDir    string
	relayURL   string
	passphrase string

	cfg     *config.DeviceConfig
	cfgPath string
	log     *zap.Logger
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sealchat",
		Short:         "End-to-end encrypted one-to-one chat",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default: OS config dir, or "+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&a.relayURL, "relay", "", "relay base URL (default: config relay_url, then mDNS)")
	root.PersistentFlags().StringVarP(&a.passphrase, "passphrase", "p", "", "passphrase protecting the private key")

	root.AddCommand(
		serveCmd(a),
		registerCmd(a),
		sendCmd(a),
		chatCmd(a),
		typingCmd(a),
		fingerprintCmd(a),
		conversationsCmd(a),
		relaysCmd(a),
		statusCmd(a),
		eventsCmd(a),
	)
	return root
}

func (a *app) load() error {
	var err error
	if a.dataDir == "" {
		a.cfg, a.cfgPath, err = config.LoadOrCreate()
	} else {
		a.cfg, a.cfgPath, err = config.LoadOrCreateAt(a.dataDir)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.dataDir = filepath.Dir(a.cfgPath)
	if a.relayURL == "" {
		a.relayURL = a.cfg.RelayURL
	}
	if a.passphrase == "" {
		a.passphrase = os.Getenv("SEALCHAT_PASSPHRASE")
	}

	a.log, err = newLogger(a.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	return nil
}

// newLogger builds a console logger for debug and a JSON logger otherwise.
func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if parsed.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = parsed
	return cfg.Build()
}
