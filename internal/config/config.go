// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	USDCContract   string // Settlement token contract
	ServiceAddress string // Recipient address payments must settle to

	// Payment settings
	PriceUSDC  string        // Price per analysis in USDC (e.g., "0.05")
	MinPayment string        // Minimum accepted payment
	PaymentTTL time.Duration // How long a consumed payment ID stays in the replay cache

	// Rate limiting
	RateLimitPerMinute        int // General traffic budget per client
	PaymentRateLimitPerMinute int // Payment-verification budget per client

	// Pipeline stage timeouts
	ExtractTimeout time.Duration
	InferTimeout   time.Duration
	ProveTimeout   time.Duration
	VerifyTimeout  time.Duration
	RPCTimeout     time.Duration // Per-call timeout for chain verification

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Model
	ModelPath string // Path to the model weights file (optional)
}

// Base mainnet defaults
const (
	DefaultRPCURL       = "https://mainnet.base.org"
	DefaultChainID      = 8453                                         // Base
	DefaultUSDCContract = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" // Base USDC
	DefaultPort         = "3000"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultPrice        = "0.05"
	DefaultMinPayment   = "0.05"
	DefaultPaymentTTL   = time.Hour
	DefaultRateLimit    = 60
	DefaultPaymentRate  = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		RPCURL:                    getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                   getEnvInt64("CHAIN_ID", DefaultChainID),
		USDCContract:              getEnv("USDC_CONTRACT", DefaultUSDCContract),
		ServiceAddress:            os.Getenv("SERVICE_ADDRESS"),
		PriceUSDC:                 getEnv("PRICE_USDC", DefaultPrice),
		MinPayment:                getEnv("MIN_PAYMENT", DefaultMinPayment),
		PaymentTTL:                getEnvDuration("PAYMENT_TTL", DefaultPaymentTTL),
		RateLimitPerMinute:        int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		PaymentRateLimitPerMinute: int(getEnvInt64("PAYMENT_RATE_LIMIT_PER_MINUTE", DefaultPaymentRate)),
		ExtractTimeout:            getEnvDuration("EXTRACT_TIMEOUT", 30*time.Second),
		InferTimeout:              getEnvDuration("INFER_TIMEOUT", 10*time.Second),
		ProveTimeout:              getEnvDuration("PROVE_TIMEOUT", 60*time.Second),
		VerifyTimeout:             getEnvDuration("VERIFY_TIMEOUT", 30*time.Second),
		RPCTimeout:                getEnvDuration("RPC_TIMEOUT", 15*time.Second),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ModelPath:                 os.Getenv("MODEL_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ServiceAddress != "" {
		addr := c.ServiceAddress
		if len(addr) != 42 || addr[:2] != "0x" {
			return fmt.Errorf("SERVICE_ADDRESS must be a 0x-prefixed 40 hex char address")
		}
	}

	if c.PaymentTTL <= 0 {
		return fmt.Errorf("PAYMENT_TTL must be positive")
	}

	if c.RateLimitPerMinute <= 0 || c.PaymentRateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limits must be positive")
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
