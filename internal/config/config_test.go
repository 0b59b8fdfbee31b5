package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8787" {
		t.Errorf("expected default addr, got %s", cfg.Addr)
	}
	if cfg.Scan.T1Minutes != 60 || cfg.Scan.T2Minutes != 240 || cfg.Scan.T3Minutes != 1440 {
		t.Errorf("unexpected default thresholds: %+v", cfg.Scan)
	}
	if cfg.Scan.CooldownMinutes != 120 {
		t.Errorf("expected 120 minute cooldown, got %d", cfg.Scan.CooldownMinutes)
	}
	if cfg.Core.TimeoutSeconds != 10 {
		t.Errorf("expected 10s core timeout, got %d", cfg.Core.TimeoutSeconds)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected defaults written to disk: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CORE_URL", "https://core.example.com")
	t.Setenv("CORE_SERVICE_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Core.BaseURL != "https://core.example.com" {
		t.Errorf("expected env core url, got %s", cfg.Core.BaseURL)
	}
	if cfg.Core.ServiceToken != "env-token" {
		t.Errorf("expected env token, got %s", cfg.Core.ServiceToken)
	}
}

func TestSetAndGetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "core.app_id", "app-77"); err != nil {
		t.Fatal(err)
	}
	val, err := GetValue(path, "core.app_id")
	if err != nil {
		t.Fatal(err)
	}
	if val != "app-77" {
		t.Errorf("expected app-77, got %v", val)
	}

	if err := SetValue(path, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := GetValue(path, "no.such.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestGetValueMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "core.service_token", "supersecret1234"); err != nil {
		t.Fatal(err)
	}

	val, err := GetValue(path, "core.service_token")
	if err != nil {
		t.Fatal(err)
	}
	if val != "***1234" {
		t.Errorf("expected masked token, got %v", val)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	nested := map[string]any{
		"addr": ":8787",
		"core": map[string]any{
			"base_url": "https://core.example.com",
			"app_id":   "app-1",
		},
	}

	flat := Flatten(nested)
	if flat["core.base_url"] != "https://core.example.com" {
		t.Errorf("expected dotted key, got %+v", flat)
	}
	if flat["addr"] != ":8787" {
		t.Errorf("expected top-level key preserved, got %+v", flat)
	}

	back := Unflatten(flat)
	core, ok := back["core"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested core map, got %+v", back)
	}
	if core["app_id"] != "app-1" {
		t.Errorf("expected app_id restored, got %+v", core)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"core.service_token": "abcdefgh",
		"telegram.token":     "xy",
		"core.app_id":        "app-1",
	}

	masked := MaskSecrets(flat)
	if masked["core.service_token"] != "***efgh" {
		t.Errorf("expected last-4 mask, got %v", masked["core.service_token"])
	}
	if masked["telegram.token"] != "***xy" {
		t.Errorf("expected short-value mask, got %v", masked["telegram.token"])
	}
	if masked["core.app_id"] != "app-1" {
		t.Errorf("expected non-secret untouched, got %v", masked["core.app_id"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("core.service_token") {
		t.Error("service token must be secret")
	}
	if !IsSecretKey("telegram.token") {
		t.Error("telegram token must be secret")
	}
	if IsSecretKey("core.app_id") {
		t.Error("app id is not secret")
	}
}
