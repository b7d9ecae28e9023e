package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/clockwise/internal/ble"
	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	StorePath string         `yaml:"store_path"`
	Device    DeviceConfig   `yaml:"device"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Upload    UploadConfig   `yaml:"upload"`
}

// DeviceConfig identifies the clock and its GATT layout.
type DeviceConfig struct {
	Address          string `yaml:"address"` // MAC, or CoreBluetooth UUID on macOS
	ServiceUUID      string `yaml:"service_uuid"`
	AuthWriteUUID    string `yaml:"auth_write_uuid"`
	AuthNotifyUUID   string `yaml:"auth_notify_uuid"`
	DataWriteUUID    string `yaml:"data_write_uuid"`
	DataNotifyUUID   string `yaml:"data_notify_uuid"`
	SensorNotifyUUID string `yaml:"sensor_notify_uuid"`
}

// TimeoutsConfig bounds waits on the device.
type TimeoutsConfig struct {
	Operation time.Duration `yaml:"operation"`
	Auth      time.Duration `yaml:"auth"`
}

// UploadConfig holds ringtone upload settings.
type UploadConfig struct {
	// SlotSignatures are the two ringtone slots as 8 hex digits each.
	// Uploads alternate between them.
	SlotSignatures []string `yaml:"slot_signatures"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "clockwise")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		StorePath: filepath.Join(DefaultConfigDir(), "state.yaml"),
		Device: DeviceConfig{
			ServiceUUID:      "0000fff0-0000-1000-8000-00805f9b34fb",
			AuthWriteUUID:    "0000fff1-0000-1000-8000-00805f9b34fb",
			AuthNotifyUUID:   "0000fff2-0000-1000-8000-00805f9b34fb",
			DataWriteUUID:    "0000fff3-0000-1000-8000-00805f9b34fb",
			DataNotifyUUID:   "0000fff4-0000-1000-8000-00805f9b34fb",
			SensorNotifyUUID: "0000fff5-0000-1000-8000-00805f9b34fb",
		},
		Timeouts: TimeoutsConfig{
			Operation: 5 * time.Second,
			Auth:      30 * time.Second,
		},
		Upload: UploadConfig{
			SlotSignatures: []string{"43555341", "43555342"},
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StorePath = expandTilde(cfg.StorePath)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path written. If a config file already exists it is left alone and
// ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	cfg := Default()
	cfg.StorePath = "~/.config/clockwise/state.yaml"
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# clockwise configuration\n# Set device.address to the clock's MAC address (or CoreBluetooth UUID on macOS).\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}

	uuids := []struct {
		field string
		value string
	}{
		{"device.service_uuid", c.Device.ServiceUUID},
		{"device.auth_write_uuid", c.Device.AuthWriteUUID},
		{"device.auth_notify_uuid", c.Device.AuthNotifyUUID},
		{"device.data_write_uuid", c.Device.DataWriteUUID},
		{"device.data_notify_uuid", c.Device.DataNotifyUUID},
		{"device.sensor_notify_uuid", c.Device.SensorNotifyUUID},
	}
	for _, u := range uuids {
		if _, err := uuid.Parse(u.value); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q", u.field, u.value)
		}
	}

	if c.Timeouts.Operation <= 0 {
		return fmt.Errorf("timeouts.operation must be > 0")
	}
	if c.Timeouts.Auth < c.Timeouts.Operation {
		return fmt.Errorf("timeouts.auth must be >= timeouts.operation")
	}

	if len(c.Upload.SlotSignatures) != 2 {
		return fmt.Errorf("upload.slot_signatures must list exactly 2 slots, got %d", len(c.Upload.SlotSignatures))
	}
	if _, err := c.SlotSignatures(); err != nil {
		return err
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlotSignatures decodes upload.slot_signatures.
func (c *Config) SlotSignatures() ([]protocol.SlotSignature, error) {
	sigs := make([]protocol.SlotSignature, 0, len(c.Upload.SlotSignatures))
	for _, s := range c.Upload.SlotSignatures {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != len(protocol.SlotSignature{}) {
			return nil, fmt.Errorf("upload.slot_signatures: %q is not 8 hex digits", s)
		}
		var sig protocol.SlotSignature
		copy(sig[:], raw)
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// CharacteristicUUIDs returns the GATT layout for the transport.
func (c *Config) CharacteristicUUIDs() ble.CharacteristicUUIDs {
	return ble.CharacteristicUUIDs{
		Service:      c.Device.ServiceUUID,
		AuthWrite:    c.Device.AuthWriteUUID,
		AuthNotify:   c.Device.AuthNotifyUUID,
		DataWrite:    c.Device.DataWriteUUID,
		DataNotify:   c.Device.DataNotifyUUID,
		SensorNotify: c.Device.SensorNotifyUUID,
	}
}

// SessionOptions returns session timings with the configured bounds.
func (c *Config) SessionOptions() ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.OperationTimeout = c.Timeouts.Operation
	opts.AuthTimeout = c.Timeouts.Auth
	return opts
}

// ParseLogLevel maps log_level to a slog level. Unknown values yield Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
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
