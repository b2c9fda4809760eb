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

// ChainConfig holds the per-chain connection settings.
type ChainConfig struct {
	ChainID          int64
	RPCURL           string
	EscrowFactory    string // escrow factory contract (EVM chains only)
	BridgeContract   string // native bridge contract, empty = custodial path
	CustodianKey     string // hex private key of the custodial pool signer
	CustodianAddress string // custodial pool address on this chain
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chains, keyed by chain ID
	Chains map[int64]ChainConfig

	// Arbiter: the single key authorized to force-resolve disputes.
	ArbiterAddress    string
	ArbiterPrivateKey string // Hex-encoded, with or without 0x prefix

	// KeystoreSecret encrypts generated custodial wallet keys at rest.
	KeystoreSecret string

	// Escrow monitoring deadlines
	PaymentTimeout    time.Duration
	CompletionTimeout time.Duration

	// Confirmation overrides, e.g. "BTC=6,ETH=12"
	ConfirmationOverrides map[string]uint64

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPaymentTimeout    = 30 * time.Minute
	DefaultCompletionTimeout = 24 * time.Hour

	DefaultEthereumRPC = "https://eth.llamarpc.com"
	DefaultBNBRPC      = "https://bsc-dataseed.binance.org"
	DefaultPolygonRPC  = "https://polygon-rpc.com"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ArbiterAddress:    os.Getenv("ARBITER_ADDRESS"),
		ArbiterPrivateKey: os.Getenv("ARBITER_PRIVATE_KEY"),
		KeystoreSecret:    os.Getenv("KEYSTORE_SECRET"),
		PaymentTimeout:    getEnvDuration("PAYMENT_TIMEOUT", DefaultPaymentTimeout),
		CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", DefaultCompletionTimeout),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Chains:            loadChains(),
	}

	overrides, err := parseConfirmationOverrides(os.Getenv("CONFIRMATION_OVERRIDES"))
	if err != nil {
		return nil, err
	}
	cfg.ConfirmationOverrides = overrides

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadChains builds the chain table from per-chain environment variables.
// Non-EVM chains use internal negative chain IDs and are only enabled when
// an RPC URL is explicitly configured.
func loadChains() map[int64]ChainConfig {
	chains := map[int64]ChainConfig{}

	add := func(id int64, envPrefix, defaultRPC string) {
		rpc := getEnv(envPrefix+"_RPC_URL", defaultRPC)
		if rpc == "" {
			return
		}
		chains[id] = ChainConfig{
			ChainID:          id,
			RPCURL:           rpc,
			EscrowFactory:    os.Getenv(envPrefix + "_ESCROW_FACTORY"),
			BridgeContract:   os.Getenv(envPrefix + "_BRIDGE_CONTRACT"),
			CustodianKey:     os.Getenv(envPrefix + "_CUSTODIAN_KEY"),
			CustodianAddress: os.Getenv(envPrefix + "_CUSTODIAN_ADDRESS"),
		}
	}

	add(1, "ETHEREUM", DefaultEthereumRPC)
	add(56, "BNB", DefaultBNBRPC)
	add(137, "POLYGON", DefaultPolygonRPC)
	add(-1, "BITCOIN", "")
	add(-2, "TRON", "")
	add(-3, "SOLANA", "")

	return chains
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ArbiterPrivateKey == "" {
		return fmt.Errorf("ARBITER_PRIVATE_KEY is required")
	}

	key := c.ArbiterPrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("ARBITER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	if c.PaymentTimeout <= 0 || c.CompletionTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	return nil
}

// parseConfirmationOverrides parses "SYMBOL=N,SYMBOL=N" pairs.
func parseConfirmationOverrides(s string) (map[string]uint64, error) {
	out := map[string]uint64{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid CONFIRMATION_OVERRIDES entry %q", pair)
		}
		n, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid confirmation count in %q: %w", pair, err)
		}
		out[strings.ToUpper(parts[0])] = n
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
