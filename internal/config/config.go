// Package config loads gateway configuration from MESHCORE_-prefixed
// environment variables, with an optional YAML file overlay for
// deployments that prefer a file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full runtime configuration.
type Config struct {
	SerialPort     string `yaml:"serial_port"`
	SerialBaudRate int    `yaml:"serial_baudrate"`

	TCPHost string `yaml:"tcp_host"`
	TCPPort int    `yaml:"tcp_port"`

	BLEAddress string `yaml:"ble_address"`
	BLEPIN     string `yaml:"ble_pin"`

	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`

	HTTPAddr string `yaml:"http_addr"`

	MaxUndecryptedAgeDays int `yaml:"max_undecrypted_age_days"`
}

// Default returns the baseline configuration before env/file overlays are
// applied.
func Default() Config {
	return Config{
		SerialBaudRate:        115200,
		TCPPort:               4000,
		DatabasePath:          "/var/lib/meshgate/gateway.db",
		LogLevel:              "info",
		HTTPAddr:              ":8765",
		MaxUndecryptedAgeDays: 30,
	}
}

// Load builds a Config from defaults, an optional YAML file (yamlPath may
// be empty to skip it), and MESHCORE_-prefixed environment variables,
// applied in that order so the environment always wins. It returns an
// error if the result fails Validate.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MESHCORE_SERIAL_PORT"); ok {
		cfg.SerialPort = v
	}
	if v, ok := os.LookupEnv("MESHCORE_SERIAL_BAUDRATE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SerialBaudRate = n
		}
	}
	if v, ok := os.LookupEnv("MESHCORE_TCP_HOST"); ok {
		cfg.TCPHost = v
	}
	if v, ok := os.LookupEnv("MESHCORE_TCP_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TCPPort = n
		}
	}
	if v, ok := os.LookupEnv("MESHCORE_BLE_ADDRESS"); ok {
		cfg.BLEAddress = v
	}
	if v, ok := os.LookupEnv("MESHCORE_BLE_PIN"); ok {
		cfg.BLEPIN = v
	}
	if v, ok := os.LookupEnv("MESHCORE_DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("MESHCORE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("MESHCORE_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
}

// Validate enforces the transport-selection and BLE-pairing constraints:
// at most one of serial/TCP/BLE may be explicitly configured, and a BLE
// address requires a PIN. Serial is the implicit default when none are
// set (auto-detection takes over).
func (c Config) Validate() error {
	selected := 0
	if c.TCPHost != "" {
		selected++
	}
	if c.BLEAddress != "" {
		selected++
	}
	if c.SerialPort != "" {
		selected++
	}
	if selected > 1 {
		return fmt.Errorf("config: at most one of serial_port, tcp_host, ble_address may be set")
	}
	if c.BLEAddress != "" && c.BLEPIN == "" {
		return fmt.Errorf("config: ble_pin is required when ble_address is set")
	}
	if c.SerialBaudRate <= 0 {
		return fmt.Errorf("config: serial_baudrate must be positive")
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("config: tcp_port out of range")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path is required")
	}
	return nil
}
