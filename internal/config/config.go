// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (required)

	// Payment provider
	StripeSecretKey     string
	StripeWebhookSecret string

	// Audit notary: HMAC secret, secp256k1 key, or both (key wins)
	NotaryHMACSecret string
	NotaryPrivateKey string
	NotaryTimeout    time.Duration

	// USDC payout rail (optional)
	ChainRPCURL     string
	ChainID         int64
	ChainPrivateKey string // Hex-encoded, with or without 0x prefix
	USDCContract    string

	// Event publishing and coordination (optional)
	KafkaBrokers []string
	KafkaTopic   string
	RedisURL     string

	// Tracing (optional)
	OTLPEndpoint string

	// Security
	AdminSecret        string
	RateLimitPerMinute int // 0 disables limiting
	RateLimitBurst     int

	// Settlement batch
	SettlementMaturity    time.Duration
	SettlementInterval    time.Duration
	SettlementConcurrency int
	TransferTimeout       time.Duration
	TransferMaxAttempts   int
	TransferRetryBackoff  time.Duration

	// Escrow sweep
	EscrowSweepInterval   time.Duration
	EscrowAutoReleaseDays int
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultChainID               = 84532                                        // Base Sepolia
	DefaultUSDCContract          = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultKafkaTopic            = "splitpay.events"
	DefaultSettlementMaturity    = 72 * time.Hour
	DefaultSettlementInterval    = 24 * time.Hour
	DefaultSettlementConcurrency = 4
	DefaultTransferTimeout       = 15 * time.Second
	DefaultTransferMaxAttempts   = 3
	DefaultTransferRetryBackoff  = 15 * time.Minute
	DefaultNotaryTimeout         = 5 * time.Second
	DefaultEscrowSweepInterval   = time.Hour
	DefaultEscrowAutoReleaseDays = 7
	DefaultRateLimitPerMinute    = 120
	DefaultRateLimitBurst        = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		NotaryHMACSecret:      os.Getenv("NOTARY_HMAC_SECRET"),
		NotaryPrivateKey:      os.Getenv("NOTARY_PRIVATE_KEY"),
		NotaryTimeout:         getEnvDuration("NOTARY_TIMEOUT", DefaultNotaryTimeout),
		ChainRPCURL:           os.Getenv("CHAIN_RPC_URL"),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		ChainPrivateKey:       os.Getenv("CHAIN_PRIVATE_KEY"),
		USDCContract:          getEnv("USDC_CONTRACT", DefaultUSDCContract),
		KafkaBrokers:          getEnvList("KAFKA_BROKERS"),
		KafkaTopic:            getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		RedisURL:              os.Getenv("REDIS_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitPerMinute:    int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		SettlementMaturity:    getEnvDuration("SETTLEMENT_MATURITY", DefaultSettlementMaturity),
		SettlementInterval:    getEnvDuration("SETTLEMENT_INTERVAL", DefaultSettlementInterval),
		SettlementConcurrency: int(getEnvInt64("SETTLEMENT_CONCURRENCY", DefaultSettlementConcurrency)),
		TransferTimeout:       getEnvDuration("TRANSFER_TIMEOUT", DefaultTransferTimeout),
		TransferMaxAttempts:   int(getEnvInt64("TRANSFER_MAX_ATTEMPTS", DefaultTransferMaxAttempts)),
		TransferRetryBackoff:  getEnvDuration("TRANSFER_RETRY_BACKOFF", DefaultTransferRetryBackoff),
		EscrowSweepInterval:   getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultEscrowSweepInterval),
		EscrowAutoReleaseDays: int(getEnvInt64("ESCROW_AUTO_RELEASE_DAYS", DefaultEscrowAutoReleaseDays)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.ChainPrivateKey != "" {
		if !validHexKey(c.ChainPrivateKey) {
			return fmt.Errorf("CHAIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ChainRPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL is required when CHAIN_PRIVATE_KEY is set")
		}
	}
	if c.NotaryPrivateKey != "" && !validHexKey(c.NotaryPrivateKey) {
		return fmt.Errorf("NOTARY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.SettlementMaturity < 0 {
		return fmt.Errorf("SETTLEMENT_MATURITY must not be negative")
	}
	if c.SettlementInterval <= 0 || c.EscrowSweepInterval <= 0 {
		return fmt.Errorf("SETTLEMENT_INTERVAL and ESCROW_SWEEP_INTERVAL must be positive")
	}
	if c.SettlementConcurrency < 1 {
		return fmt.Errorf("SETTLEMENT_CONCURRENCY must be at least 1")
	}
	if c.TransferMaxAttempts < 1 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1")
	}
	if c.TransferRetryBackoff < 0 {
		return fmt.Errorf("TRANSFER_RETRY_BACKOFF must not be negative")
	}
	if c.EscrowAutoReleaseDays < 1 {
		return fmt.Errorf("ESCROW_AUTO_RELEASE_DAYS must be at least 1")
	}

	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func validHexKey(key string) bool {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
