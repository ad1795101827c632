package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingOperatorKey = errors.New("OPERATOR_KEY environment variable is required")
	ErrMissingContract    = errors.New("CONTRACT_ADDRESS environment variable is required")
	ErrMissingPayTo       = errors.New("PAY_TO environment variable is required")
	ErrMissingDBSource    = errors.New("DB_SOURCE environment variable is required for the postgres backend")
	ErrUnknownBackend     = errors.New("unknown STORE_BACKEND")
)

// Store backends.
const (
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"environment"`
	LogLevel string `yaml:"logLevel"`

	StoreBackend  string `yaml:"storeBackend"`
	DataDir       string `yaml:"dataDir"`
	DBSource      string `yaml:"dbSource"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	RPCURL          string `yaml:"rpcURL"`
	ChainID         int64  `yaml:"chainID"`
	OperatorKey     string `yaml:"-"`
	ContractAddress string `yaml:"contractAddress"`
	GasLimit        uint64 `yaml:"gasLimit"`
	ExplorerURL     string `yaml:"explorerURL"`

	FacilitatorURL     string `yaml:"facilitatorURL"`
	PayTo              string `yaml:"payTo"`
	PaymentAsset       string `yaml:"paymentAsset"`
	PaymentNetwork     string `yaml:"paymentNetwork"`
	PriceUSD           string `yaml:"priceUSD"`
	PaymentDescription string `yaml:"paymentDescription"`
	PaymentTimeoutSecs int    `yaml:"paymentTimeoutSeconds"`
	LegacyProofs       bool   `yaml:"legacyProofs"`

	CooldownWindow      time.Duration `yaml:"cooldownWindow"`
	VerifyTimeout       time.Duration `yaml:"verifyTimeout"`
	SettleTimeout       time.Duration `yaml:"settleTimeout"`
	ReceiptTimeout      time.Duration `yaml:"receiptTimeout"`
	ReceiptPollInterval time.Duration `yaml:"receiptPollInterval"`
	SubmitMaxAttempts   int           `yaml:"submitMaxAttempts"`
	SubmitBackoff       time.Duration `yaml:"submitBackoff"`

	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`

	SIWADomain string        `yaml:"siwaDomain"`
	SIWAMaxAge time.Duration `yaml:"siwaMaxAge"`
}

// Default returns the reference policy values.
func Default() *Config {
	return &Config{
		Port:                "8080",
		Env:                 "development",
		LogLevel:            "info",
		StoreBackend:        BackendLevelDB,
		DataDir:             "data/ledgergate",
		RPCURL:              "https://mainnet.base.org",
		ChainID:             8453,
		ExplorerURL:         "https://basescan.org",
		FacilitatorURL:      "https://x402.org/facilitator",
		PaymentAsset:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PaymentNetwork:      "base",
		PriceUSD:            "1",
		PaymentDescription:  "Register an agent record",
		PaymentTimeoutSecs:  300,
		CooldownWindow:      time.Hour,
		VerifyTimeout:       15 * time.Second,
		SettleTimeout:       30 * time.Second,
		ReceiptTimeout:      2 * time.Minute,
		ReceiptPollInterval: 2 * time.Second,
		SubmitMaxAttempts:   3,
		SubmitBackoff:       2 * time.Second,
		RateLimitRPS:        0.5,
		RateLimitBurst:      30,
		SIWADomain:          "api.ledgergate.local",
		SIWAMaxAge:          time.Hour,
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE and
// the environment, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "SERVER_PORT")
	setString(&c.Env, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.StoreBackend, "STORE_BACKEND")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.DBSource, "DB_SOURCE")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.RPCURL, "RPC_URL")
	setString(&c.OperatorKey, "OPERATOR_KEY")
	setString(&c.ContractAddress, "CONTRACT_ADDRESS")
	setString(&c.ExplorerURL, "EXPLORER_URL")
	setString(&c.FacilitatorURL, "FACILITATOR_URL")
	setString(&c.PayTo, "PAY_TO")
	setString(&c.PaymentAsset, "PAYMENT_ASSET")
	setString(&c.PaymentNetwork, "PAYMENT_NETWORK")
	setString(&c.PriceUSD, "PRICE_USD")
	setString(&c.PaymentDescription, "PAYMENT_DESCRIPTION")
	setString(&c.SIWADomain, "SIWA_DOMAIN")

	var errs []error
	errs = append(errs,
		setInt(&c.RedisDB, "REDIS_DB"),
		setInt64(&c.ChainID, "CHAIN_ID"),
		setUint64(&c.GasLimit, "GAS_LIMIT"),
		setInt(&c.PaymentTimeoutSecs, "PAYMENT_TIMEOUT_SECONDS"),
		setInt(&c.SubmitMaxAttempts, "SUBMIT_MAX_ATTEMPTS"),
		setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST"),
		setFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS"),
		setBool(&c.LegacyProofs, "LEGACY_PROOFS"),
		setDuration(&c.CooldownWindow, "COOLDOWN_WINDOW"),
		setDuration(&c.VerifyTimeout, "VERIFY_TIMEOUT"),
		setDuration(&c.SettleTimeout, "SETTLE_TIMEOUT"),
		setDuration(&c.ReceiptTimeout, "RECEIPT_TIMEOUT"),
		setDuration(&c.ReceiptPollInterval, "RECEIPT_POLL_INTERVAL"),
		setDuration(&c.SubmitBackoff, "SUBMIT_BACKOFF"),
		setDuration(&c.SIWAMaxAge, "SIWA_MAX_AGE"),
	)
	return errors.Join(errs...)
}

// Validate checks required values and backend-specific settings.
func (c *Config) Validate() error {
	if c.OperatorKey == "" {
		return ErrMissingOperatorKey
	}
	if c.ContractAddress == "" {
		return ErrMissingContract
	}
	if c.PayTo == "" {
		return ErrMissingPayTo
	}

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendLevelDB, BackendRedis, BackendMemory:
	case BackendPostgres:
		if c.DBSource == "" {
			return ErrMissingDBSource
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.StoreBackend)
	}

	if c.SubmitMaxAttempts < 1 {
		c.SubmitMaxAttempts = 1
	}
	return nil
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setUint64(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
