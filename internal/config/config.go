package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "RECON"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App    AppConfig
	Store  StoreConfig
	Redis  RedisConfig
	Report ReportConfig
	Seed   SeedConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Store.Timeout <= 0 {
		return nil, fmt.Errorf("%s_STORE_TIMEOUT must be positive", EnvPrefix)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env      string `envconfig:"RECON_APP_ENV" default:"dev"`
	Port     string `envconfig:"RECON_APP_PORT" default:"8080"`
	LogLevel string `envconfig:"RECON_LOG_LEVEL" default:"info"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type StoreConfig struct {
	// Path of the SQLite file backing the keyed store. ":memory:" keeps
	// everything in process.
	Path    string        `envconfig:"RECON_STORE_PATH" default:"agentsettle.db"`
	Timeout time.Duration `envconfig:"RECON_STORE_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RECON_REDIS_URL"`
	CacheTTL     time.Duration `envconfig:"RECON_CACHE_TTL" default:"5m"`
	DialTimeout  time.Duration `envconfig:"RECON_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RECON_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"RECON_REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Enabled reports whether a redis cache should be wired at all.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type ReportConfig struct {
	Timeout time.Duration `envconfig:"RECON_REPORT_TIMEOUT" default:"30s"`
}

type SeedConfig struct {
	Dir     string `envconfig:"RECON_SEED_DIR" default:"testdata"`
	OnEmpty bool   `envconfig:"RECON_SEED_ON_EMPTY" default:"true"`
}
