package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.EchoPolicy != EchoPolicySealed {
		t.Fatalf("expected default echo policy %q, got %q", EchoPolicySealed, firstCfg.EchoPolicy)
	}
	if firstCfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, firstCfg.LogLevel)
	}
	if firstCfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address %q, got %q", DefaultListenAddress, firstCfg.ListenAddress)
	}
	if firstCfg.PrivateKeyPath != filepath.Join(tempDir, "keys", "private.pem") {
		t.Fatalf("unexpected private key path %q", firstCfg.PrivateKeyPath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.DatabasePath != firstCfg.DatabasePath {
		t.Fatalf("expected stable database path, got %q then %q", firstCfg.DatabasePath, secondCfg.DatabasePath)
	}
}

func TestLoadOrCreateAtNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := ConfigPath(tempDir)
	partial := &DeviceConfig{
		DeviceID:   "legacy-device",
		UserID:     "alice",
		RelayURL:   "http://relay.local:8787",
		EchoPolicy: "PLAIN",
		LogLevel:   "verbose",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreateAt(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" || cfg.UserID != "alice" {
		t.Fatalf("expected stored identity fields to be retained, got %+v", cfg)
	}
	if cfg.RelayURL != "http://relay.local:8787" {
		t.Fatalf("expected relay URL to be retained, got %q", cfg.RelayURL)
	}
	if cfg.EchoPolicy != EchoPolicyPlain {
		t.Fatalf("expected echo policy to normalize to %q, got %q", EchoPolicyPlain, cfg.EchoPolicy)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected unknown log level to normalize to %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.RelayDatabasePath == "" || cfg.PrivateKeyPath == "" {
		t.Fatalf("expected missing paths to be filled, got %+v", cfg)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.EchoPolicy != EchoPolicyPlain || reloaded.DatabasePath != cfg.DatabasePath {
		t.Fatalf("expected normalized config to be persisted, got %+v", reloaded)
	}
}

func TestSaveWritesOwnerOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, &DeviceConfig{DeviceID: "d"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
