package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks every configuration error
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds driver configuration
type Config struct {
	Devices       uint32 `yaml:"devices" json:"devices" default:"1"`
	Name          string `yaml:"name" json:"name" default:"zanim"`
	IndexedNames  bool   `yaml:"indexed_names" json:"indexed_names"`
	MaxDeviceSize int    `yaml:"max_device_size" json:"max_device_size" default:"0"`
	MaxMinors     int    `yaml:"max_minors" json:"max_minors" default:"128"`
	LogLevel      string `yaml:"log_level" json:"log_level" default:"info"`
	ExportPTY     bool   `yaml:"export_pty" json:"export_pty"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
// Keys missing from the document keep their default values.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfig)
	}
	if c.MaxDeviceSize < 0 {
		return fmt.Errorf("%w: max_device_size must not be negative, got %d", ErrInvalidConfig, c.MaxDeviceSize)
	}
	if c.MaxMinors < 0 {
		return fmt.Errorf("%w: max_minors must not be negative, got %d", ErrInvalidConfig, c.MaxMinors)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseDevices converts the raw representation of the device count.
// Decimal, 0x hex and 0o (or leading 0) octal are accepted; the value must fit in 32 bits.
func ParseDevices(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: devices must not be empty", ErrInvalidConfig)
	}
	// ParseUint with base 0 also takes 0b binary and digit separators
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0b") || strings.Contains(s, "_") {
		return 0, fmt.Errorf("%w: devices %q is not a decimal, hex or octal integer", ErrInvalidConfig, raw)
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: devices %q exceeds %d", ErrInvalidConfig, raw, uint32(math.MaxUint32))
		}
		return 0, fmt.Errorf("%w: devices %q is not a non-negative integer", ErrInvalidConfig, raw)
	}
	return uint32(n), nil
}

// ParseLogLevel accepts debug, info, warn and error
func ParseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%w: invalid log level: %s (must be debug, info, warn, or error)", ErrInvalidConfig, level)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
