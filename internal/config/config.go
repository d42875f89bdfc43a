package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Lamp     LampConfig   `yaml:"lamp"`
	BLE      BLEConfig    `yaml:"ble"`
	Scenes   ScenesConfig `yaml:"scenes"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	LogLevel string       `yaml:"log_level"`
	// LogFormat is "text" (colored, for terminals) or "json".
	LogFormat string `yaml:"log_format"`
}

// LampConfig identifies the lamp and how commands are written to it.
type LampConfig struct {
	Address           string `yaml:"address"` // MAC on Linux, CoreBluetooth UUID on macOS
	ServiceUUID       string `yaml:"service_uuid"`
	WriteWithResponse bool   `yaml:"write_with_response"`
}

// BLEConfig holds connection settings.
type BLEConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectTries   int           `yaml:"connect_tries"`
	ReconnectMax   int           `yaml:"reconnect_max"` // max backoff seconds
}

// ScenesConfig holds scene enumeration settings.
type ScenesConfig struct {
	PageTimeout time.Duration `yaml:"page_timeout"`
}

// MQTTConfig holds the MQTT bridge settings. An empty broker disables the bridge.
type MQTTConfig struct {
	Broker       string        `yaml:"broker"`
	Port         int           `yaml:"port"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	TopicPrefix  string        `yaml:"topic_prefix"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

const defaultServiceUUID = "44092840-0567-11e6-b862-0002a5d5c51b"

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "luvoctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Lamp: LampConfig{
			ServiceUUID:       defaultServiceUUID,
			WriteWithResponse: true,
		},
		BLE: BLEConfig{
			ConnectTimeout: 10 * time.Second,
			ConnectTries:   1,
			ReconnectMax:   30,
		},
		Scenes: ScenesConfig{
			PageTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Port:         1883,
			ClientID:     "luvoctl",
			TopicPrefix:  "luvoctl",
			PollInterval: 60 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Lamp.Address = strings.TrimSpace(cfg.Lamp.Address)
	cfg.MQTT.TopicPrefix = strings.Trim(cfg.MQTT.TopicPrefix, "/")

	return cfg, nil
}

// Validate checks the config for invalid values. An empty lamp address is
// allowed here since it can be supplied on the command line.
func (c *Config) Validate() error {
	if !uuidPattern.MatchString(c.Lamp.ServiceUUID) {
		return fmt.Errorf("lamp.service_uuid must be a 128-bit UUID, got %q", c.Lamp.ServiceUUID)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.ConnectTries < 1 {
		return fmt.Errorf("ble.connect_tries must be >= 1, got %d", c.BLE.ConnectTries)
	}
	if c.BLE.ReconnectMax < 1 {
		return fmt.Errorf("ble.reconnect_max must be >= 1, got %d", c.BLE.ReconnectMax)
	}

	if c.Scenes.PageTimeout <= 0 {
		return fmt.Errorf("scenes.page_timeout must be > 0")
	}

	if c.MQTT.Enabled() {
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id must not be empty")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			return fmt.Errorf("mqtt.topic_prefix must be non-empty and free of wildcards, got %q", c.MQTT.TopicPrefix)
		}
		if c.MQTT.PollInterval < time.Second {
			return fmt.Errorf("mqtt.poll_interval must be >= 1s, got %s", c.MQTT.PollInterval)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# luvoctl configuration
# lamp.address is the lamp's MAC address (Linux) or CoreBluetooth UUID (macOS).
# Leave mqtt.broker empty to disable the MQTT bridge.
`

// WriteDefault writes the default config to DefaultConfigPath. If a file
// already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
