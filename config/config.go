package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "sealchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SEALCHAT_DATA_DIR"
	// DefaultListenAddress is the relay HTTP address used when no override exists.
	DefaultListenAddress = ":8787"
	// EchoPolicySealed keeps a key wrapped for the sender on every outgoing message.
	EchoPolicySealed = "sealed"
	// EchoPolicyPlain stores the sender's copy as base64 plaintext.
	EchoPolicyPlain = "plain"
	// DefaultLogLevel is the zap level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID          string `json:"device_id"`
	UserID            string `json:"user_id"`
	DisplayName       string `json:"display_name"`
	RelayURL          string `json:"relay_url"`
	ListenAddress     string `json:"listen_address"`
	PrivateKeyPath    string `json:"private_key_path"`
	DatabasePath      string `json:"database_path"`
	RelayDatabasePath string `json:"relay_database_path"`
	EchoPolicy        string `json:"echo_policy"`
	LogLevel          string `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SEALCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and calls LoadOrCreateAt.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then
// returns the config and its path.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setDefault := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}

	setDefault(&cfg.DeviceID, uuid.NewString())
	setDefault(&cfg.ListenAddress, DefaultListenAddress)
	setDefault(&cfg.PrivateKeyPath, filepath.Join(dataDir, "keys", "private.pem"))
	setDefault(&cfg.DatabasePath, filepath.Join(dataDir, "sealchat.db"))
	setDefault(&cfg.RelayDatabasePath, filepath.Join(dataDir, "relay.db"))

	if policy := normalizeEchoPolicy(cfg.EchoPolicy); policy != cfg.EchoPolicy {
		cfg.EchoPolicy = policy
		updated = true
	}
	if level := normalizeLogLevel(cfg.LogLevel); level != cfg.LogLevel {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}

func normalizeEchoPolicy(policy string) string {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case EchoPolicyPlain:
		return EchoPolicyPlain
	default:
		return EchoPolicySealed
	}
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}
