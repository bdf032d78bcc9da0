package claimd

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"claimengine/crypto"
	"claimengine/native/claims"
)

// Duration wraps time.Duration so YAML and TOML files can use strings like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for claimd.
type Config struct {
	Listen          string                      `yaml:"listen" toml:"listen"`
	Environment     string                      `yaml:"environment" toml:"environment"`
	ChainID         uint64                      `yaml:"chain_id" toml:"chain_id"`
	Engine          string                      `yaml:"engine" toml:"engine"`
	Owner           string                      `yaml:"owner" toml:"owner"`
	Signer          string                      `yaml:"signer" toml:"signer"`
	PauseOnStart    bool                        `yaml:"pause_on_start" toml:"pause_on_start"`
	UnitStep        uint64                      `yaml:"unit_step" toml:"unit_step"`
	Conversions     map[string]ConversionConfig `yaml:"conversions" toml:"conversions"`
	Assets          map[string]string           `yaml:"assets" toml:"assets"`
	DropAsset       string                      `yaml:"drop_asset" toml:"drop_asset"`
	Storage         StorageConfig               `yaml:"storage" toml:"storage"`
	Journal         JournalConfig               `yaml:"journal" toml:"journal"`
	Admin           AdminConfig                 `yaml:"admin" toml:"admin"`
	RateLimit       RateLimitConfig             `yaml:"rate_limit" toml:"rate_limit"`
	Custody         CustodyConfig               `yaml:"custody" toml:"custody"`
	Telemetry       TelemetryConfig             `yaml:"telemetry" toml:"telemetry"`
	ShutdownTimeout Duration                    `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// ConversionConfig is the fixed ratio of one token asset.
type ConversionConfig struct {
	Ratio uint64 `yaml:"ratio" toml:"ratio"`
	Scale uint64 `yaml:"scale" toml:"scale"`
}

// StorageConfig selects the engine state backend.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// JournalConfig selects the audit journal database. DSNs are prefixed with
// "sqlite:" or "postgres:"; empty uses an in-memory sqlite database.
type JournalConfig struct {
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
	DSNFile string `yaml:"dsn_file" toml:"dsn_file"`
}

// AdminConfig configures bearer token verification for the admin API.
type AdminConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv  string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTSecretFile string `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// RateLimitConfig bounds claim submissions per client address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
	// TrustProxyHeaders keys clients by X-Real-IP / X-Forwarded-For. Enable it
	// only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
}

// CustodyConfig seeds the in-process custody ledger on first start.
type CustodyConfig struct {
	NativeBalance string        `yaml:"native_balance" toml:"native_balance"`
	Tokens        []TokenConfig `yaml:"tokens" toml:"tokens"`
}

// TokenConfig describes one fungible token held in custody.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Address  string `yaml:"address" toml:"address"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
	Balance  string `yaml:"balance" toml:"balance"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	// SampleRatio is the fraction of claim traces kept; 0 keeps all.
	SampleRatio    float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	MetricInterval Duration `yaml:"metric_interval" toml:"metric_interval"`
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(contents))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Journal.normalise(); err != nil {
		return cfg, fmt.Errorf("journal: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":7090"
	}
	if cfg.UnitStep == 0 {
		cfg.UnitStep = claims.DefaultUnitStep
	}
	if cfg.DropAsset == "" {
		cfg.DropAsset = claims.AssetUSDC.String()
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Assets == nil {
		cfg.Assets = map[string]string{}
	}
	// Token custody entries named after a token asset double as its registry
	// entry unless the registry names one explicitly.
	for _, token := range cfg.Custody.Tokens {
		asset, err := claims.ParseAsset(token.Symbol)
		if err != nil || !asset.Fungible() {
			continue
		}
		if _, ok := cfg.Assets[asset.String()]; !ok {
			cfg.Assets[asset.String()] = token.Address
		}
	}
}

func validateConfig(cfg Config) error {
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain_id must be configured")
	}
	for name, value := range map[string]string{"engine": cfg.Engine, "owner": cfg.Owner, "signer": cfg.Signer} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s address must be configured", name)
		}
		if _, err := crypto.ParseAddress(value); err != nil {
			return fmt.Errorf("%s address: %w", name, err)
		}
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return fmt.Errorf("admin jwt_secret must be configured")
	}
	if len(cfg.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin jwt_secret must be at least 32 bytes")
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0, 1]")
	}
	if _, err := cfg.EngineConfig(); err != nil {
		return err
	}
	for _, token := range cfg.Custody.Tokens {
		if _, err := crypto.ParseAddress(token.Address); err != nil {
			return fmt.Errorf("custody token %s: %w", token.Symbol, err)
		}
		if _, err := parseAmount(token.Balance); err != nil {
			return fmt.Errorf("custody token %s balance: %w", token.Symbol, err)
		}
	}
	if _, err := parseAmount(cfg.Custody.NativeBalance); err != nil {
		return fmt.Errorf("custody native_balance: %w", err)
	}
	return nil
}

// EngineConfig converts the file representation into engine parameters.
func (c Config) EngineConfig() (claims.Config, error) {
	out := claims.Config{ChainID: c.ChainID, Assets: map[claims.Asset][20]byte{}}
	var err error
	if out.Address, err = crypto.ParseAddress(c.Engine); err != nil {
		return out, fmt.Errorf("engine address: %w", err)
	}
	if out.Owner, err = crypto.ParseAddress(c.Owner); err != nil {
		return out, fmt.Errorf("owner address: %w", err)
	}
	if out.Signer, err = crypto.ParseAddress(c.Signer); err != nil {
		return out, fmt.Errorf("signer address: %w", err)
	}
	for name, value := range c.Assets {
		asset, err := claims.ParseAsset(name)
		if err != nil {
			return out, err
		}
		if !asset.Fungible() {
			return out, fmt.Errorf("asset %s cannot be registered", asset)
		}
		addr, err := crypto.ParseAddress(value)
		if err != nil {
			return out, fmt.Errorf("asset %s address: %w", asset, err)
		}
		out.Assets[asset] = addr
	}
	if out.DropAsset, err = claims.ParseAsset(c.DropAsset); err != nil {
		return out, fmt.Errorf("drop_asset: %w", err)
	}
	table := claims.DefaultConversionTable()
	table.UnitStep = c.UnitStep
	for name, conv := range c.Conversions {
		asset, err := claims.ParseAsset(name)
		if err != nil {
			return out, err
		}
		if !asset.Fungible() {
			return out, fmt.Errorf("conversion for %s is price based", asset)
		}
		table.Rates[asset] = claims.Conversion{Ratio: conv.Ratio, Scale: conv.Scale}
	}
	if err := table.Validate(); err != nil {
		return out, err
	}
	out.Conversions = table
	return out, nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	secret, err := resolveSecret("jwt_secret", a.JWTSecret, a.JWTSecretEnv, a.JWTSecretFile)
	if err != nil {
		return err
	}
	a.JWTSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (j *JournalConfig) normalise() error {
	if j == nil {
		return nil
	}
	dsn, err := resolveSecret("dsn", j.DSN, j.DSNEnv, j.DSNFile)
	if err != nil {
		return err
	}
	j.DSN = dsn
	return nil
}

// resolveSecret prefers the inline value, then the named environment variable,
// then the file contents.
func resolveSecret(name, inline, env, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", name, env)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

// parseAmount decodes a non-negative base-10 integer. Empty means zero.
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
