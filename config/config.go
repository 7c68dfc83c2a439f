package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Webhook describes one notification endpoint. The signing secret is read
// from the named environment variable so secrets never live in the file.
type Webhook struct {
	Name      string   `toml:"Name"`
	URL       string   `toml:"URL"`
	SecretEnv string   `toml:"SecretEnv"`
	Types     []string `toml:"Types"`
}

// Config is the daemon configuration, loaded from TOML with environment
// overrides applied on top.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DatabaseDSN   string `toml:"DatabaseDSN"`
	LogFile       string `toml:"LogFile"`

	ChainRPCURL        string   `toml:"ChainRPCURL"`
	ChainConfirmations uint64   `toml:"ChainConfirmations"`
	ContractAddress    string   `toml:"ContractAddress"`
	TreasuryAddress    string   `toml:"TreasuryAddress"`
	PlatformAddress    string   `toml:"PlatformAddress"`
	SignerKeyEnv       string   `toml:"SignerKeyEnv"`
	AdminAddresses     []string `toml:"AdminAddresses"`

	NativeDecimals   uint8  `toml:"NativeDecimals"`
	OracleAssetID    string `toml:"OracleAssetID"`
	OracleFiat       string `toml:"OracleFiat"`
	OracleTTLSeconds int    `toml:"OracleTTLSeconds"`
	FeedAddress      string `toml:"FeedAddress"`

	RegistrationFeeCents int64 `toml:"RegistrationFeeCents"`
	PlatformFeeCents     int64 `toml:"PlatformFeeCents"`
	CommissionBps        int64 `toml:"CommissionBps"`
	RefundSweepMinutes   int   `toml:"RefundSweepMinutes"`

	JWTSecretEnv       string `toml:"JWTSecretEnv"`
	RateLimitPerMinute int    `toml:"RateLimitPerMinute"`

	TelemetryEndpoint string `toml:"TelemetryEndpoint"`
	TelemetryInsecure bool   `toml:"TelemetryInsecure"`
	TelemetryMetrics  bool   `toml:"TelemetryMetrics"`
	TelemetryTraces   bool   `toml:"TelemetryTraces"`
	// TelemetryHeaders is a comma-separated key=value list forwarded to the
	// OTLP exporters, typically collector auth.
	TelemetryHeaders string `toml:"TelemetryHeaders"`

	Webhooks []Webhook `toml:"Webhooks"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:        ":8080",
		Environment:          "dev",
		DatabaseDSN:          "file:wellswap.db",
		ChainConfirmations:   1,
		SignerKeyEnv:         "WELLSWAP_SIGNER_KEY",
		NativeDecimals:       18,
		OracleAssetID:        "ethereum",
		OracleFiat:           "usd",
		OracleTTLSeconds:     30,
		RegistrationFeeCents: 30000,
		PlatformFeeCents:     0,
		CommissionBps:        250,
		RefundSweepMinutes:   60,
		JWTSecretEnv:         "WELLSWAP_JWT_SECRET",
		RateLimitPerMinute:   120,
	}
}

// Load reads the configuration file when path is non-empty, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WELLSWAP_LISTEN"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("WELLSWAP_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("WELLSWAP_DB_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("WELLSWAP_CHAIN_RPC"); v != "" {
		c.ChainRPCURL = v
	}
	if v := os.Getenv("WELLSWAP_CONTRACT"); v != "" {
		c.ContractAddress = v
	}
	if v := os.Getenv("WELLSWAP_TREASURY"); v != "" {
		c.TreasuryAddress = v
	}
	if v := os.Getenv("WELLSWAP_PLATFORM"); v != "" {
		c.PlatformAddress = v
	}
	if v := os.Getenv("WELLSWAP_CONFIRMATIONS"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil && parsed > 0 {
			c.ChainConfirmations = parsed
		}
	}
	if v := os.Getenv("WELLSWAP_RATE_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.RateLimitPerMinute = parsed
		}
	}
}

// Validate checks the settings a running daemon cannot do without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: listen address required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("config: database dsn required")
	}
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("config: chain rpc url required")
	}
	for _, field := range []struct{ name, value string }{
		{"contract address", c.ContractAddress},
		{"treasury address", c.TreasuryAddress},
		{"platform address", c.PlatformAddress},
	} {
		if !common.IsHexAddress(field.value) {
			return fmt.Errorf("config: %s invalid: %q", field.name, field.value)
		}
	}
	for _, admin := range c.AdminAddresses {
		if !common.IsHexAddress(admin) {
			return fmt.Errorf("config: admin address invalid: %q", admin)
		}
	}
	if c.FeedAddress != "" && !common.IsHexAddress(c.FeedAddress) {
		return fmt.Errorf("config: feed address invalid: %q", c.FeedAddress)
	}
	if c.NativeDecimals == 0 {
		return fmt.Errorf("config: native decimals required")
	}
	if c.RegistrationFeeCents <= 0 {
		return fmt.Errorf("config: registration fee must be positive")
	}
	if c.CommissionBps < 0 || c.CommissionBps > 10000 {
		return fmt.Errorf("config: commission bps out of range")
	}
	if strings.TrimSpace(c.SignerKeyEnv) == "" {
		return fmt.Errorf("config: signer key env name required")
	}
	if strings.TrimSpace(c.JWTSecretEnv) == "" {
		return fmt.Errorf("config: jwt secret env name required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config: webhook %d: url required", i)
		}
	}
	return nil
}

// SignerKey resolves the signing key from the configured environment
// variable.
func (c *Config) SignerKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
	if key == "" {
		return "", fmt.Errorf("config: signer key missing from %s", c.SignerKeyEnv)
	}
	return key, nil
}

// JWTSecret resolves the gateway's token-signing secret from the configured
// environment variable.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(c.JWTSecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("config: jwt secret missing from %s", c.JWTSecretEnv)
	}
	return []byte(secret), nil
}
