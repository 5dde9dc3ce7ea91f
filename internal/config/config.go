// Package config loads the server's TOML configuration.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/loykin/taskwire/internal/protocol"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Listen   string          `toml:"listen" mapstructure:"listen"`
	LogRoot  string          `toml:"log_root" mapstructure:"log_root"`
	LogLevel string          `toml:"log_level" mapstructure:"log_level"`
	HTTP     *HTTPConfig     `toml:"http" mapstructure:"http"`
	Upload   *UploadConfig   `toml:"upload" mapstructure:"upload"`
	History  []HistoryConfig `toml:"history" mapstructure:"history"`
	TLS      *TLSConfig      `toml:"tls" mapstructure:"tls"`
}

// HTTPConfig enables the read-only status API when Listen is set.
type HTTPConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// UploadConfig carries the defaults applied to upload requests that omit the
// corresponding fields.
type UploadConfig struct {
	Host           string `toml:"host" mapstructure:"host"`
	Port           int    `toml:"port" mapstructure:"port"`
	User           string `toml:"user" mapstructure:"user"`
	CertFile       string `toml:"cert_file" mapstructure:"cert_file"`
	MaxBytesPerSec int    `toml:"max_rate" mapstructure:"max_rate"`
}

// HistoryConfig selects one lifecycle-event sink by DSN.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// TLSConfig points at the archive server certificate and key used by the
// upload receiver examples and tests.
type TLSConfig struct {
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Listen == "" {
		fc.Listen = fmt.Sprintf(":%d", protocol.DefaultPort)
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
}

func (fc *FileConfig) validate() error {
	switch fc.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", fc.LogLevel)
	}
	for i, h := range fc.History {
		if h.DSN == "" {
			return fmt.Errorf("history[%d]: empty dsn", i)
		}
	}
	return nil
}
