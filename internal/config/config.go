package config

import (
	"errors"
	"strings"
	"time"

	libconfig "kiosknet/libs/config"
)

// Config defines kiosk agent configuration.
type Config struct {
	Kiosk struct {
		ComputerID string `yaml:"computerId" env:"KIOSK_COMPUTER_ID"`
		MachineKey string `yaml:"machineKey" env:"KIOSK_MACHINE_KEY"`
	} `yaml:"kiosk"`
	Remote struct {
		BaseURL        string `yaml:"baseUrl" env:"KIOSK_REMOTE_BASE_URL"`
		TenantID       string `yaml:"tenantId" env:"KIOSK_REMOTE_TENANT_ID"`
		TimeoutSeconds int    `yaml:"timeoutSeconds" env:"KIOSK_REMOTE_TIMEOUT"`
	} `yaml:"remote"`
	Auth struct {
		BaseURL        string `yaml:"baseUrl" env:"KIOSK_AUTH_BASE_URL"`
		APIKey         string `yaml:"apiKey" env:"KIOSK_AUTH_API_KEY"`
		TimeoutSeconds int    `yaml:"timeoutSeconds" env:"KIOSK_AUTH_TIMEOUT"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr" env:"KIOSK_REDIS_ADDR"`
		Password string `yaml:"password" env:"KIOSK_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"KIOSK_REDIS_DB"`
		TTL      int    `yaml:"ttlSeconds" env:"KIOSK_REDIS_TTL"`
	} `yaml:"redis"`
	Ledger struct {
		DSN string `yaml:"dsn" env:"KIOSK_LEDGER_POSTGRES_DSN"`
	} `yaml:"ledger"`
	Spool struct {
		Dir         string `yaml:"dir" env:"KIOSK_SPOOL_DIR"`
		PollSeconds int    `yaml:"pollSeconds" env:"KIOSK_SPOOL_POLL"`
	} `yaml:"spool"`
	Print struct {
		// Fallback price per page when org settings are unreachable.
		UnitPrice float64 `yaml:"unitPrice" env:"KIOSK_PRINT_UNIT_PRICE"`
	} `yaml:"print"`
	Session struct {
		SyncSeconds    int `yaml:"syncSeconds" env:"KIOSK_SESSION_SYNC_SECONDS"`
		EndSyncSeconds int `yaml:"endSyncSeconds" env:"KIOSK_SESSION_END_SYNC_SECONDS"`
	} `yaml:"session"`
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := &Config{
		Redis: struct {
			Addr     string `yaml:"addr" env:"KIOSK_REDIS_ADDR"`
			Password string `yaml:"password" env:"KIOSK_REDIS_PASSWORD"`
			DB       int    `yaml:"db" env:"KIOSK_REDIS_DB"`
			TTL      int    `yaml:"ttlSeconds" env:"KIOSK_REDIS_TTL"`
		}{
			Addr: "localhost:6379",
			TTL:  86400,
		},
		Spool: struct {
			Dir         string `yaml:"dir" env:"KIOSK_SPOOL_DIR"`
			PollSeconds int    `yaml:"pollSeconds" env:"KIOSK_SPOOL_POLL"`
		}{
			Dir: "/var/spool/kiosk-print",
		},
	}

	if err := libconfig.Load(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Kiosk.ComputerID) == "" {
		return nil, errors.New("config: kiosk computer id required")
	}
	if strings.TrimSpace(cfg.Kiosk.MachineKey) == "" {
		return nil, errors.New("config: kiosk machine key required")
	}
	if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
		return nil, errors.New("config: remote base url required")
	}
	if strings.TrimSpace(cfg.Remote.TenantID) == "" {
		return nil, errors.New("config: remote tenant id required")
	}
	if strings.TrimSpace(cfg.Auth.BaseURL) == "" {
		return nil, errors.New("config: auth base url required")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, errors.New("config: redis addr required")
	}
	return cfg, nil
}

// RemoteTimeout returns the remote request timeout.
func (c *Config) RemoteTimeout() time.Duration {
	if c.Remote.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// AuthTimeout returns the auth request timeout.
func (c *Config) AuthTimeout() time.Duration {
	if c.Auth.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Auth.TimeoutSeconds) * time.Second
}

// SnapshotTTL returns the local cache ttl as duration.
func (c *Config) SnapshotTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// SpoolPollInterval returns the spool polling cadence.
func (c *Config) SpoolPollInterval() time.Duration {
	if c.Spool.PollSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Spool.PollSeconds) * time.Second
}

// SyncInterval returns the remote reconciliation cadence.
func (c *Config) SyncInterval() time.Duration {
	if c.Session.SyncSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Session.SyncSeconds) * time.Second
}

// EndSyncTimeout bounds the best-effort final sync on session end.
func (c *Config) EndSyncTimeout() time.Duration {
	if c.Session.EndSyncSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Session.EndSyncSeconds) * time.Second
}

// FallbackUnitPrice is used when org print pricing cannot be fetched.
func (c *Config) FallbackUnitPrice() float64 {
	if c.Print.UnitPrice <= 0 {
		return 0.10
	}
	return c.Print.UnitPrice
}
