package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type TelegramConfig struct {
	Token     string              `json:"token" env:"TELEDECK_TELEGRAM_TOKEN"`
	Proxy     string              `json:"proxy" env:"TELEDECK_TELEGRAM_PROXY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"TELEDECK_TELEGRAM_ALLOW_FROM"`
}

type SSHConfig struct {
	Host string `json:"host" env:"TELEDECK_SSH_HOST"`
	Port int    `json:"port" env:"TELEDECK_SSH_PORT"`
	User string `json:"user" env:"TELEDECK_SSH_USER"`

	// Exactly one of KeyPath / KeyBase64 must be set. KeyBase64 is the
	// base64 of the private key, materialized under RuntimeDir at startup.
	KeyPath   string `json:"key_path" env:"TELEDECK_SSH_KEY_PATH"`
	KeyBase64 string `json:"key_base64" env:"TELEDECK_SSH_KEY_BASE64"`

	// KnownHostsLine pins the remote host key. When set, verification is
	// strict; when empty, the host key is accepted as presented.
	KnownHostsLine string `json:"known_hosts_line" env:"TELEDECK_SSH_KNOWN_HOSTS_LINE"`

	ConnectTimeoutSec int `json:"connect_timeout_sec" env:"TELEDECK_SSH_CONNECT_TIMEOUT_SEC"`
	ExecTimeoutSec    int `json:"exec_timeout_sec" env:"TELEDECK_SSH_EXEC_TIMEOUT_SEC"`

	// MaxOutputBytes caps captured command output before it is handed to
	// the dispatcher. Truncation is always marked, never silent.
	MaxOutputBytes int `json:"max_output_bytes" env:"TELEDECK_SSH_MAX_OUTPUT_BYTES"`
}

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	SSH      SSHConfig      `json:"ssh"`

	// MenuPath points at the reloadable menu document (ui.rows + commands).
	MenuPath   string `json:"menu_path" env:"TELEDECK_MENU_PATH"`
	RuntimeDir string `json:"runtime_dir" env:"TELEDECK_RUNTIME_DIR"`

	LogLevel string `json:"log_level" env:"TELEDECK_LOG_LEVEL"`
	LogFile  string `json:"log_file" env:"TELEDECK_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			AllowFrom: FlexibleStringSlice{},
		},
		SSH: SSHConfig{
			Host:              "localhost",
			Port:              22,
			User:              "root",
			ConnectTimeoutSec: 10,
			ExecTimeoutSec:    25,
			MaxOutputBytes:    65536,
		},
		MenuPath:   "./menu.json",
		RuntimeDir: "./runtime",
		LogLevel:   "info",
	}
}

// LoadConfig reads the JSON config at path (missing file means defaults)
// and applies environment overrides on top, so container deployments can
// run config-file-free.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the startup invariants that make the process unable to
// run at all. Menu document validation lives in pkg/menu.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is required")
	}
	if c.SSH.Host == "" {
		return errors.New("ssh host is required")
	}
	if c.SSH.User == "" {
		return errors.New("ssh user is required")
	}
	if c.SSH.KeyPath == "" && c.SSH.KeyBase64 == "" {
		return errors.New("one of ssh key_path or key_base64 is required")
	}
	if c.SSH.KeyPath != "" && c.SSH.KeyBase64 != "" {
		return errors.New("ssh key_path and key_base64 are mutually exclusive")
	}
	if c.SSH.ExecTimeoutSec <= 0 {
		return errors.New("ssh exec_timeout_sec must be positive")
	}
	return nil
}

// RuntimePath resolves RuntimeDir, creating it if needed.
func (c *Config) RuntimePath() (string, error) {
	dir := expandHome(c.RuntimeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runtime dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil
	}
	return abs, nil
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
