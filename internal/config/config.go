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
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Cardano indexer (Blockfrost API v0)
	CardanoNetwork       string // "mainnet", "preprod", "preview"
	CardanoNodeURL       string
	CardanoAPIKey        string
	CardanoAPITimeout    time.Duration
	CardanoRetryAttempts int
	CardanoRateLimitRPS  float64

	// Escrow contract
	EscrowContractAddress string // bech32 script address; derived from EscrowScriptHash when empty
	EscrowScriptHash      string // hex, 28 bytes
	ArbiterKeyHash        string // hex, 28 bytes; placed in the lock datum
	RequireDepositMatch   bool   // lock requires an output paying the escrow amount to the script
	MinUTxOLovelace       int64  // smallest escrow amount the ledger accepts in a script output

	// Expiry monitor
	MonitorSchedule string // robfig/cron spec, e.g. "@every 30s"

	// HTTP edge
	CORSOrigins  []string
	RateLimitRPM int

	// Notifications
	EmailProvider string // "console" logs outgoing mail
	FromEmail     string
	AMQPURL       string // optional; enables the RabbitMQ event sink
	AMQPExchange  string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultNetwork         = "preprod"
	DefaultAPITimeout      = 30 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRateLimitRPS    = 10
	DefaultMinUTxO         = 1_000_000
	DefaultMonitorSchedule = "@every 30s"
	DefaultRateLimitRPM    = 120
	DefaultEmailProvider   = "console"
	DefaultFromEmail       = "noreply@gigvault.io"
	DefaultAMQPExchange    = "escrow.notifications"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	network := getEnv("CARDANO_NETWORK", DefaultNetwork)

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		CardanoNetwork:        network,
		CardanoNodeURL:        getEnv("CARDANO_NODE_URL", DefaultNodeURL(network)),
		CardanoAPIKey:         os.Getenv("CARDANO_API_KEY"),
		CardanoAPITimeout:     getEnvDuration("CARDANO_API_TIMEOUT", DefaultAPITimeout),
		CardanoRetryAttempts:  int(getEnvInt64("CARDANO_RETRY_ATTEMPTS", DefaultRetryAttempts)),
		CardanoRateLimitRPS:   getEnvFloat("CARDANO_RATE_LIMIT_RPS", DefaultRateLimitRPS),
		EscrowContractAddress: os.Getenv("ESCROW_CONTRACT_ADDRESS"),
		EscrowScriptHash:      os.Getenv("ESCROW_SCRIPT_HASH"),
		ArbiterKeyHash:        os.Getenv("ARBITER_KEY_HASH"),
		RequireDepositMatch:   getEnvBool("REQUIRE_DEPOSIT_MATCH", true),
		MinUTxOLovelace:       getEnvInt64("MIN_UTXO", DefaultMinUTxO),
		MonitorSchedule:       getEnv("MONITOR_SCHEDULE", DefaultMonitorSchedule),
		CORSOrigins:           getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		EmailProvider:         getEnv("EMAIL_PROVIDER", DefaultEmailProvider),
		FromEmail:             getEnv("FROM_EMAIL", DefaultFromEmail),
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultNodeURL returns the public Blockfrost endpoint for a network.
func DefaultNodeURL(network string) string {
	return fmt.Sprintf("https://cardano-%s.blockfrost.io/api/v0", network)
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.CardanoNetwork {
	case "mainnet", "preprod", "preview":
	default:
		return fmt.Errorf("CARDANO_NETWORK must be one of mainnet, preprod, preview (got %q)", c.CardanoNetwork)
	}

	if c.CardanoNodeURL == "" {
		return fmt.Errorf("CARDANO_NODE_URL is required")
	}
	if c.CardanoAPITimeout <= 0 {
		return fmt.Errorf("CARDANO_API_TIMEOUT must be positive")
	}
	if c.CardanoRetryAttempts < 1 || c.CardanoRetryAttempts > 10 {
		return fmt.Errorf("CARDANO_RETRY_ATTEMPTS must be between 1 and 10")
	}
	if c.CardanoRateLimitRPS <= 0 {
		return fmt.Errorf("CARDANO_RATE_LIMIT_RPS must be positive")
	}

	if c.EscrowScriptHash != "" && len(c.EscrowScriptHash) != 56 {
		return fmt.Errorf("ESCROW_SCRIPT_HASH must be 56 hex characters")
	}
	if c.ArbiterKeyHash != "" && len(c.ArbiterKeyHash) != 56 {
		return fmt.Errorf("ARBITER_KEY_HASH must be 56 hex characters")
	}

	if c.MinUTxOLovelace < 0 {
		return fmt.Errorf("MIN_UTXO must not be negative")
	}

	if c.IsProduction() {
		if c.CardanoAPIKey == "" {
			return fmt.Errorf("CARDANO_API_KEY is required in production")
		}
		if c.EscrowContractAddress == "" && c.EscrowScriptHash == "" {
			return fmt.Errorf("ESCROW_CONTRACT_ADDRESS or ESCROW_SCRIPT_HASH is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
