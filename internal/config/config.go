package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir         string `json:"data_dir"`
	LogLevel        string `json:"log_level"`
	Addr            string `json:"addr"`
	DSN             string `json:"dsn"`
	TrackingBaseURL string `json:"tracking_base_url"`
	Core            struct {
		BaseURL        string `json:"base_url"`
		AppID          string `json:"app_id"`
		WorkspaceID    string `json:"workspace_id"`
		ServiceToken   string `json:"service_token"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"core"`
	Relay struct {
		BaseURL string `json:"base_url"`
	} `json:"relay"`
	Scan struct {
		T1Minutes       int    `json:"t1_minutes"`
		T2Minutes       int    `json:"t2_minutes"`
		T3Minutes       int    `json:"t3_minutes"`
		CooldownMinutes int    `json:"cooldown_minutes"`
		Schedule        string `json:"schedule"`
	} `json:"scan"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:         filepath.Join(os.Getenv("HOME"), ".aegis"),
		LogLevel:        "info",
		Addr:            ":8787",
		TrackingBaseURL: "https://track.aegis.app",
	}
	cfg.Core.TimeoutSeconds = 10
	cfg.Relay.BaseURL = "http://localhost:8787"
	cfg.Scan.T1Minutes = 60
	cfg.Scan.T2Minutes = 240
	cfg.Scan.T3Minutes = 1440
	cfg.Scan.CooldownMinutes = 120
	cfg.Scan.Schedule = "@every 15m"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("CORE_URL"); v != "" {
		cfg.Core.BaseURL = v
	}
	if v := os.Getenv("CORE_APP_ID"); v != "" {
		cfg.Core.AppID = v
	}
	if v := os.Getenv("CORE_WORKSPACE_ID"); v != "" {
		cfg.Core.WorkspaceID = v
	}
	if v := os.Getenv("CORE_SERVICE_TOKEN"); v != "" {
		cfg.Core.ServiceToken = v
	}
	if v := os.Getenv("AEGIS_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("AEGIS_RELAY_URL"); v != "" {
		cfg.Relay.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// ListValues returns the config as a flat key/value map. Secrets are masked
// when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(nested)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads the config file and returns the value at the dot-separated
// key. Secrets are masked.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	val, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return val, nil
}

// SetValue updates the value at the dot-separated key and rewrites the
// config file.
func SetValue(path, key string, value any) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return err
	}
	if _, ok := flat[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	flat[key] = value

	nested := Unflatten(flat)
	data, err := json.Marshal(nested)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	updated := &Config{}
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("apply config value: %w", err)
	}
	return writeDefaults(path, updated)
}
