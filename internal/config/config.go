// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreLevel    = "level"
	StorePostgres = "postgres"
)

// Token backends.
const (
	TokenMemory = "memory"
	TokenERC20  = "erc20"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Market storage
	StoreBackend string
	DatabaseURL  string // required for the postgres backend
	LevelDBPath  string

	// Market identities and pricing
	OwnerAddress   string // dispute council owner
	CustodyAddress string // escrow custody for the memory token; erc20 derives it from PrivateKey
	InitialPrice   string

	// Settlement token
	TokenBackend  string
	RPCURL        string
	ChainID       int64
	PrivateKey    string // custody key, hex with or without 0x
	TokenContract string

	// Event stream (optional)
	RedisURL   string
	EventTopic string

	// Tracing (optional)
	OTLPEndpoint string

	// Security
	AdminSecret     string
	SignatureWindow time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
	CORSOrigins     []string
}

// Defaults
const (
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532 // Base Sepolia
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultLevelDBPath     = "data/market"
	DefaultInitialPrice    = "0.2"
	DefaultCustodyAddress  = "0x000000000000000000000000000000000000c0de"
	DefaultEventTopic      = "voltgrid.market.events"
	DefaultRateLimit       = 100
	DefaultRateLimitBurst  = 20
	DefaultSignatureWindow = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:    strings.ToLower(os.Getenv("STORE_BACKEND")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		LevelDBPath:     getEnv("LEVELDB_PATH", DefaultLevelDBPath),
		OwnerAddress:    os.Getenv("OWNER_ADDRESS"),
		CustodyAddress:  getEnv("CUSTODY_ADDRESS", DefaultCustodyAddress),
		InitialPrice:    getEnv("INITIAL_PRICE", DefaultInitialPrice),
		TokenBackend:    strings.ToLower(getEnv("TOKEN_BACKEND", TokenMemory)),
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		TokenContract:   os.Getenv("TOKEN_CONTRACT"),
		RedisURL:        os.Getenv("REDIS_URL"),
		EventTopic:      getEnv("EVENT_TOPIC", DefaultEventTopic),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		SignatureWindow: getEnvDuration("SIGNATURE_WINDOW", DefaultSignatureWindow),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		RateLimitBurst:  int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = StorePostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.OwnerAddress) {
		return fmt.Errorf("OWNER_ADDRESS must be a valid address")
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StoreLevel:
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required for the level store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, level, postgres (got %q)", c.StoreBackend)
	}

	switch c.TokenBackend {
	case TokenMemory:
		if !common.IsHexAddress(c.CustodyAddress) {
			return fmt.Errorf("CUSTODY_ADDRESS must be a valid address")
		}
	case TokenERC20:
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if key == "" {
			return fmt.Errorf("PRIVATE_KEY is required for the erc20 token")
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for the erc20 token")
		}
		if !common.IsHexAddress(c.TokenContract) {
			return fmt.Errorf("TOKEN_CONTRACT must be a valid address")
		}
	default:
		return fmt.Errorf("TOKEN_BACKEND must be memory or erc20 (got %q)", c.TokenBackend)
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
