// Package config loads the trove engine's runtime settings from a YAML file
// and the process environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Ledger sources for population reads.
const (
	LedgerChain  = "chain"
	LedgerMirror = "mirror"
)

// Config captures the runtime settings for the trove engine daemon.
type Config struct {
	Service string       `yaml:"service"`
	Env     string       `yaml:"env"`
	Port    string       `yaml:"port"`
	Chain   ChainConfig  `yaml:"chain"`
	Store   StoreConfig  `yaml:"store"`
	Mirror  MirrorConfig `yaml:"mirror"`
	Txn     TxnConfig    `yaml:"txn"`
}

// ChainConfig points the engine at a node and a deployment.
type ChainConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	DeploymentPath string `yaml:"deployment"`
	// SignerKey is a hex private key. Without one the engine populates
	// transactions but cannot send them.
	SignerKey     string  `yaml:"signer_key"`
	Confirmations uint64  `yaml:"confirmations"`
	RateLimit     float64 `yaml:"rate_limit"` // oracle calls per second, 0 = unlimited
	Burst         int     `yaml:"burst"`
}

// StoreConfig selects persistence. An empty DatabaseURL means in-memory.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// MirrorConfig controls the periodic copy of the trove list into the store.
type MirrorConfig struct {
	Schedule string `yaml:"schedule"`
	// Ledger chooses where population reads troves and totals from.
	Ledger string `yaml:"ledger"`
}

// TxnConfig tunes transaction population.
type TxnConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxIterations int           `yaml:"max_iterations"`
}

// Default returns the settings used when neither file nor environment set a
// value.
func Default() Config {
	return Config{
		Service: "trove-engine",
		Port:    "8080",
		Chain: ChainConfig{
			Confirmations: 1,
			RateLimit:     20,
			Burst:         40,
		},
		Store: StoreConfig{CacheTTL: 30 * time.Second},
		Mirror: MirrorConfig{
			Schedule: "@every 1m",
			Ledger:   LedgerChain,
		},
		Txn: TxnConfig{
			PollInterval:  4 * time.Second,
			MaxIterations: 70,
		},
	}
}

// Load reads the YAML configuration at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Port, "PORT")
	set(&cfg.Env, "ENV")
	set(&cfg.Chain.RPCURL, "RPC_URL")
	set(&cfg.Chain.DeploymentPath, "DEPLOYMENT_PATH")
	set(&cfg.Chain.SignerKey, "SIGNER_KEY")
	set(&cfg.Store.DatabaseURL, "DATABASE_URL")
	set(&cfg.Store.RedisURL, "REDIS_URL")
	set(&cfg.Mirror.Schedule, "MIRROR_SCHEDULE")
	set(&cfg.Mirror.Ledger, "LEDGER_SOURCE")

	if v := getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		cfg.Txn.PollInterval = d
	}
	if v := getenv("RPC_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RPC_RATE_LIMIT: %w", err)
		}
		cfg.Chain.RateLimit = f
	}
	return nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.Service = strings.TrimSpace(cfg.Service)
	if cfg.Service == "" {
		cfg.Service = "trove-engine"
	}
	cfg.Env = strings.TrimSpace(cfg.Env)
	cfg.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Port), ":")
	cfg.Chain.normalize()
	cfg.Store.DatabaseURL = strings.TrimSpace(cfg.Store.DatabaseURL)
	cfg.Store.RedisURL = strings.TrimSpace(cfg.Store.RedisURL)
	cfg.Mirror.Schedule = strings.TrimSpace(cfg.Mirror.Schedule)
	cfg.Mirror.Ledger = strings.ToLower(strings.TrimSpace(cfg.Mirror.Ledger))
	if cfg.Mirror.Ledger == "" {
		cfg.Mirror.Ledger = LedgerChain
	}
}

func (cfg *ChainConfig) normalize() {
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)
	cfg.DeploymentPath = strings.TrimSpace(cfg.DeploymentPath)
	cfg.SignerKey = strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x")
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if _, err := strconv.ParseUint(cfg.Port, 10, 16); err != nil {
		return fmt.Errorf("port %q: %w", cfg.Port, err)
	}
	if err := cfg.Chain.validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := cfg.Mirror.validate(); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	if cfg.Store.RedisURL != "" && cfg.Store.DatabaseURL == "" {
		return fmt.Errorf("store: redis_url requires database_url")
	}
	if cfg.Txn.PollInterval <= 0 {
		return fmt.Errorf("txn: poll_interval must be positive")
	}
	if cfg.Txn.MaxIterations <= 0 {
		return fmt.Errorf("txn: max_iterations must be positive")
	}
	return nil
}

func (cfg ChainConfig) validate() error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if cfg.DeploymentPath == "" {
		return fmt.Errorf("deployment is required")
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

func (cfg MirrorConfig) validate() error {
	switch cfg.Ledger {
	case LedgerChain:
		if cfg.Schedule == "" {
			return nil
		}
	case LedgerMirror:
		if cfg.Schedule == "" {
			return fmt.Errorf("ledger=mirror requires a schedule")
		}
	default:
		return fmt.Errorf("unknown ledger %q", cfg.Ledger)
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	return nil
}

// SigningEnabled reports whether transactions can be sent.
func (cfg ChainConfig) SigningEnabled() bool {
	return cfg.SignerKey != ""
}
