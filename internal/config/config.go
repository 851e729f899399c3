package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
	"github.com/chaz8081/ledsaber-ota/internal/firmware"
)

// maxATTMTU is the largest ATT MTU BLE allows.
const maxATTMTU = 517

// Config holds all application configuration.
type Config struct {
	FirmwarePath string          `yaml:"firmware_path"`
	Device       DeviceConfig    `yaml:"device"`
	Transfer     TransferConfig  `yaml:"transfer"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	Verify       VerifyConfig    `yaml:"verify"`
	LogLevel     string          `yaml:"log_level"`
}

// DeviceConfig selects the device and the link parameters.
type DeviceConfig struct {
	Address        string        `yaml:"address"` // MAC, or a CoreBluetooth UUID on macOS
	NameFilter     string        `yaml:"name_filter"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Settle         time.Duration `yaml:"settle"`
	MTUOverride    int           `yaml:"mtu_override"` // 0 queries the link
	UUIDs          ProfileConfig `yaml:"uuids"`
}

// ProfileConfig overrides GATT UUIDs. Empty fields keep the built-in values.
type ProfileConfig struct {
	Service   string `yaml:"service"`
	Control   string `yaml:"control"`
	Data      string `yaml:"data"`
	Status    string `yaml:"status"`
	Progress  string `yaml:"progress"`
	FWVersion string `yaml:"fw_version"`
}

// TransferConfig holds upload pacing and timeouts.
type TransferConfig struct {
	MaxImageSize            int           `yaml:"max_image_size"`
	MaxChunkSize            int           `yaml:"max_chunk_size"`
	BatchSize               int           `yaml:"batch_size"`
	BatchPause              time.Duration `yaml:"batch_pause"`
	StartTimeout            time.Duration `yaml:"start_timeout"`
	StartPollInterval       time.Duration `yaml:"start_poll_interval"`
	VerifyTimeout           time.Duration `yaml:"verify_timeout"`
	VerifyPollInterval      time.Duration `yaml:"verify_poll_interval"`
	ExplicitVerify          bool          `yaml:"explicit_verify"`
	AssumeDisconnectOnStart bool          `yaml:"assume_disconnect_on_start"`
	MaxStartAttempts        int           `yaml:"max_start_attempts"`
	RebootSettle            time.Duration `yaml:"reboot_settle"`
}

// ReconnectConfig bounds reconnection after a drop during START.
type ReconnectConfig struct {
	Attempts   int           `yaml:"attempts"`
	Settle     time.Duration `yaml:"settle"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// VerifyConfig controls the post-reboot version check.
type VerifyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BootDelay time.Duration `yaml:"boot_delay"`
	Timeout   time.Duration `yaml:"timeout"`
	Interval  time.Duration `yaml:"interval"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ledsaber-ota")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NameFilter:     "LedSaber",
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 20 * time.Second,
			Settle:         time.Second,
		},
		Transfer: TransferConfig{
			MaxImageSize:       firmware.MaxImageSize,
			MaxChunkSize:       protocol.MaxChunkSize,
			BatchSize:          50,
			BatchPause:         20 * time.Millisecond,
			StartTimeout:       10 * time.Second,
			StartPollInterval:  500 * time.Millisecond,
			VerifyTimeout:      30 * time.Second,
			VerifyPollInterval: time.Second,
			MaxStartAttempts:   2,
			RebootSettle:       2 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Attempts:   5,
			Settle:     2 * time.Second,
			Backoff:    time.Second,
			MaxBackoff: 8 * time.Second,
		},
		Verify: VerifyConfig{
			Enabled:   true,
			BootDelay: 3 * time.Second,
			Timeout:   60 * time.Second,
			Interval:  3 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in firmware_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.FirmwarePath = expandTilde(cfg.FirmwarePath)
	cfg.Device.UUIDs = cfg.Device.UUIDs.normalized()

	return cfg, nil
}

// LoadOrDefault loads path if given. Without a path it loads the default
// config file when one exists and otherwise returns built-in defaults.
// The returned string names the file used, or is empty for defaults.
func LoadOrDefault(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}

	defaultPath := DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), "", nil
		}
		return nil, "", fmt.Errorf("checking %s: %w", defaultPath, err)
	}
	cfg, err := Load(defaultPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, defaultPath, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address != "" && !validAddress(c.Device.Address) {
		return fmt.Errorf("device.address must be a MAC address or UUID, got %q", c.Device.Address)
	}
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.Settle < 0 {
		return fmt.Errorf("device.settle must not be negative")
	}
	if c.Device.MTUOverride != 0 && (c.Device.MTUOverride < protocol.DefaultMTU || c.Device.MTUOverride > maxATTMTU) {
		return fmt.Errorf("device.mtu_override must be 0 or between %d and %d, got %d",
			protocol.DefaultMTU, maxATTMTU, c.Device.MTUOverride)
	}
	if err := c.Device.UUIDs.validate(); err != nil {
		return err
	}

	t := c.Transfer
	if t.MaxImageSize <= 0 || t.MaxImageSize > firmware.MaxImageSize {
		return fmt.Errorf("transfer.max_image_size must be between 1 and %d, got %d", firmware.MaxImageSize, t.MaxImageSize)
	}
	if t.MaxChunkSize < protocol.MinChunkSize || t.MaxChunkSize > protocol.MaxChunkSize {
		return fmt.Errorf("transfer.max_chunk_size must be between %d and %d, got %d", protocol.MinChunkSize, protocol.MaxChunkSize, t.MaxChunkSize)
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("transfer.batch_size must be > 0")
	}
	if t.BatchPause < 0 || t.RebootSettle < 0 {
		return fmt.Errorf("transfer pauses must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"transfer.start_timeout":        t.StartTimeout,
		"transfer.start_poll_interval":  t.StartPollInterval,
		"transfer.verify_timeout":       t.VerifyTimeout,
		"transfer.verify_poll_interval": t.VerifyPollInterval,
		"verify.timeout":                c.Verify.Timeout,
		"verify.interval":               c.Verify.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if t.MaxStartAttempts <= 0 {
		return fmt.Errorf("transfer.max_start_attempts must be > 0")
	}

	if c.Reconnect.Attempts <= 0 {
		return fmt.Errorf("reconnect.attempts must be > 0")
	}
	if c.Reconnect.Settle < 0 || c.Reconnect.Backoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.Backoff {
		return fmt.Errorf("reconnect delays need settle >= 0 and 0 < backoff <= max_backoff")
	}
	if c.Verify.BootDelay < 0 {
		return fmt.Errorf("verify.boot_delay must not be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func validAddress(addr string) bool {
	if _, err := net.ParseMAC(addr); err == nil {
		return true
	}
	_, err := uuid.Parse(addr)
	return err == nil
}

func (p ProfileConfig) normalized() ProfileConfig {
	for _, f := range p.fields() {
		*f.value = strings.ToLower(strings.TrimSpace(*f.value))
	}
	return p
}

func (p *ProfileConfig) fields() []struct {
	name  string
	value *string
} {
	return []struct {
		name  string
		value *string
	}{
		{"service", &p.Service},
		{"control", &p.Control},
		{"data", &p.Data},
		{"status", &p.Status},
		{"progress", &p.Progress},
		{"fw_version", &p.FWVersion},
	}
}

func (p ProfileConfig) validate() error {
	for _, f := range p.fields() {
		if *f.value == "" {
			continue
		}
		if _, err := uuid.Parse(*f.value); err != nil {
			return fmt.Errorf("device.uuids.%s: %w", f.name, err)
		}
	}
	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
