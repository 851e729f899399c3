package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.NameFilter != "LedSaber" {
		t.Errorf("Device.NameFilter = %q, want %q", cfg.Device.NameFilter, "LedSaber")
	}
	if cfg.Transfer.MaxImageSize != 0x1E0000 {
		t.Errorf("Transfer.MaxImageSize = %d, want %d", cfg.Transfer.MaxImageSize, 0x1E0000)
	}
	if cfg.Transfer.StartTimeout != 10*time.Second {
		t.Errorf("Transfer.StartTimeout = %v, want 10s", cfg.Transfer.StartTimeout)
	}
	if cfg.Transfer.VerifyTimeout != 30*time.Second {
		t.Errorf("Transfer.VerifyTimeout = %v, want 30s", cfg.Transfer.VerifyTimeout)
	}
	if cfg.Transfer.AssumeDisconnectOnStart {
		t.Error("Transfer.AssumeDisconnectOnStart should default to false")
	}
	if cfg.Verify.Timeout != time.Minute {
		t.Errorf("Verify.Timeout = %v, want 1m", cfg.Verify.Timeout)
	}
	if !cfg.Verify.Enabled {
		t.Error("Verify.Enabled should default to true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
firmware_path: /tmp/firmware.bin
device:
  address: "24:6F:28:AA:BB:CC"
  scan_timeout: 5s
  mtu_override: 247
  uuids:
    status: "D1E5A4C4-EB10-4A3E-8A4C-1234567890AB"
transfer:
  batch_size: 25
  batch_pause: 50ms
  explicit_verify: true
  assume_disconnect_on_start: true
reconnect:
  attempts: 8
verify:
  enabled: false
log_level: debug
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.FirmwarePath != "/tmp/firmware.bin" {
		t.Errorf("FirmwarePath = %q", cfg.FirmwarePath)
	}
	if cfg.Device.Address != "24:6F:28:AA:BB:CC" {
		t.Errorf("Device.Address = %q", cfg.Device.Address)
	}
	if cfg.Device.ScanTimeout != 5*time.Second {
		t.Errorf("Device.ScanTimeout = %v, want 5s", cfg.Device.ScanTimeout)
	}
	if cfg.Device.MTUOverride != 247 {
		t.Errorf("Device.MTUOverride = %d, want 247", cfg.Device.MTUOverride)
	}
	if cfg.Device.UUIDs.Status != "d1e5a4c4-eb10-4a3e-8a4c-1234567890ab" {
		t.Errorf("Device.UUIDs.Status = %q, want lower case", cfg.Device.UUIDs.Status)
	}
	if cfg.Transfer.BatchSize != 25 || cfg.Transfer.BatchPause != 50*time.Millisecond {
		t.Errorf("Transfer batch = %d/%v, want 25/50ms", cfg.Transfer.BatchSize, cfg.Transfer.BatchPause)
	}
	if !cfg.Transfer.ExplicitVerify || !cfg.Transfer.AssumeDisconnectOnStart {
		t.Error("transfer booleans not loaded")
	}
	if cfg.Reconnect.Attempts != 8 {
		t.Errorf("Reconnect.Attempts = %d, want 8", cfg.Reconnect.Attempts)
	}
	if cfg.Verify.Enabled {
		t.Error("Verify.Enabled should be false")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	// Fields absent from the file keep their defaults.
	if cfg.Device.ConnectTimeout != 20*time.Second {
		t.Errorf("Device.ConnectTimeout = %v, want default 20s", cfg.Device.ConnectTimeout)
	}
	if cfg.Transfer.StartTimeout != 10*time.Second {
		t.Errorf("Transfer.StartTimeout = %v, want default 10s", cfg.Transfer.StartTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfg, err := Load(writeConfig(t, "firmware_path: ~/saber/firmware.bin\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "saber/firmware.bin")
	if cfg.FirmwarePath != expected {
		t.Errorf("FirmwarePath = %q, want %q", cfg.FirmwarePath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "device: [unclosed\n"))
	if err == nil {
		t.Error("Load() should fail for malformed YAML")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "transfer:\n  start_timeout: soon\n"))
	if err == nil {
		t.Error("Load() should fail for a malformed duration")
	}
}

func TestLoadOrDefault(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	cfg, used, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if used != "" {
		t.Errorf("used = %q, want empty for built-in defaults", used)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default", cfg.LogLevel)
	}

	dir := filepath.Join(tmpHome, ".config", "ledsaber-ota")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, used, err = LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if used != filepath.Join(dir, "config.yaml") {
		t.Errorf("used = %q", used)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}

	if _, _, err := LoadOrDefault(filepath.Join(tmpHome, "missing.yaml")); err == nil {
		t.Error("an explicit missing path must be an error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "mac address",
			modify:  func(c *Config) { c.Device.Address = "aa:bb:cc:dd:ee:ff" },
			wantErr: false,
		},
		{
			name:    "corebluetooth uuid address",
			modify:  func(c *Config) { c.Device.Address = "5A1F3C2E-6D7B-4E8A-9C0D-1E2F3A4B5C6D" },
			wantErr: false,
		},
		{
			name:    "invalid address",
			modify:  func(c *Config) { c.Device.Address = "saber" },
			wantErr: true,
		},
		{
			name:    "mtu override too small",
			modify:  func(c *Config) { c.Device.MTUOverride = 10 },
			wantErr: true,
		},
		{
			name:    "mtu override at maximum",
			modify:  func(c *Config) { c.Device.MTUOverride = 517 },
			wantErr: false,
		},
		{
			name:    "invalid uuid override",
			modify:  func(c *Config) { c.Device.UUIDs.Control = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "image size above partition",
			modify:  func(c *Config) { c.Transfer.MaxImageSize = 0x1E0001 },
			wantErr: true,
		},
		{
			name:    "chunk size above protocol maximum",
			modify:  func(c *Config) { c.Transfer.MaxChunkSize = 600 },
			wantErr: true,
		},
		{
			name:    "zero batch size",
			modify:  func(c *Config) { c.Transfer.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero start timeout",
			modify:  func(c *Config) { c.Transfer.StartTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero verify interval",
			modify:  func(c *Config) { c.Verify.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "zero start attempts",
			modify:  func(c *Config) { c.Transfer.MaxStartAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero reconnect attempts",
			modify:  func(c *Config) { c.Reconnect.Attempts = 0 },
			wantErr: true,
		},
		{
			name:    "backoff above max",
			modify:  func(c *Config) { c.Reconnect.Backoff = time.Minute },
			wantErr: true,
		},
		{
			name:    "negative boot delay",
			modify:  func(c *Config) { c.Verify.BootDelay = -time.Second },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "ledsaber-ota", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# ledsaber-ota") {
		t.Error("written config should start with header comment")
	}
	if !strings.Contains(string(data), "start_timeout: 10s") {
		t.Error("durations should be written in Go syntax")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Transfer.StartTimeout != 10*time.Second {
		t.Errorf("written config Transfer.StartTimeout = %v, want 10s", cfg.Transfer.StartTimeout)
	}
	if cfg.Device.NameFilter != "LedSaber" {
		t.Errorf("written config Device.NameFilter = %q", cfg.Device.NameFilter)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "ledsaber-ota")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
