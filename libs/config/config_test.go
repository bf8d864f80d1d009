package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Remote struct {
		BaseURL string        `yaml:"baseUrl"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"remote"`
	Kiosk struct {
		ComputerID string `yaml:"computerId" env:"KIOSK_COMPUTER_ID"`
	} `yaml:"kiosk"`
	Debug bool `yaml:"debug"`
}

func TestLoadFromYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "remote:\n  baseUrl: https://store.example.com\n  timeout: 30s\nkiosk:\n  computerId: pc-01\ndebug: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("KIOSK_COMPUTER_ID", "pc-42")
	t.Setenv("REMOTE_TIMEOUT", "45s")

	var cfg testConfig
	if err := Load(&cfg); err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Remote.BaseURL != "https://store.example.com" {
		t.Fatalf("unexpected base url %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout != 45*time.Second {
		t.Fatalf("expected env to override timeout, got %s", cfg.Remote.Timeout)
	}
	if cfg.Kiosk.ComputerID != "pc-42" {
		t.Fatalf("expected tagged env override, got %q", cfg.Kiosk.ComputerID)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug true from yaml")
	}
}

func TestLoadRejectsNonPointer(t *testing.T) {
	if err := Load(testConfig{}); err == nil {
		t.Fatalf("expected error for non-pointer target")
	}
	if err := Load(nil); err == nil {
		t.Fatalf("expected error for nil target")
	}
}
