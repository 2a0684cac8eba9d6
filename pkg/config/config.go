// Copyright 2025 Certen Protocol
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultInitialBlockHash seeds block 1's previous-block link when no
// INITIAL_BLOCK_HASH is configured. Every node in a deployment must agree
// on this value or their chains diverge at the first block.
const DefaultInitialBlockHash = "185f362ef2d8f2e6a0b03b8c6e1d2a74f09d5e4c7b8a1936c5d0e8f1a2b41969"

// defaultNodeID derives a host-and-pid node identity for deployments that
// do not assign stable names.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "aggregator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Config holds all configuration for the aggregator service, loaded from
// environment variables.
type Config struct {
	// Server Configuration
	ListenAddr string

	// Database Configuration
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Trust Anchor (EVM) Configuration
	EthereumURL           string
	EthChainID            int64
	EthPrivateKey         string
	AnchorContractAddress string
	AnchorMock            bool // run with a synthesizing mock anchor client instead of a real EVM submission
	// AnchorConfigPath optionally points at a YAML file with gas and
	// event-watcher tuning for the EVM anchor client.
	AnchorConfigPath string

	// Block header identity. ChainID/Version/ForkID are stamped into every
	// sealed block; InitialBlockHash seeds block 1's previous-block link.
	ChainID          int64
	Version          int
	ForkID           int
	InitialBlockHash string // hex, no 0x prefix

	// Round / Block Production Configuration
	BlockCreationWaitTimeSeconds int
	AdmissionConcurrencyLimit    int

	// ReceiptPrivateKey signs submit_commitment acknowledgments (hex-encoded
	// ed25519 seed). Generated fresh at boot when unset, which is fine for
	// receipts that only need to be verifiable for the life of the process.
	ReceiptPrivateKey string

	// Leader Election Configuration
	NodeID                  string
	LeaseTTLSeconds         int
	LeaseHeartbeatSeconds   int
	LeasePollIntervalMillis int

	// Follower Synchronizer Configuration
	FollowerBootChunkSize int

	// Boot cache (cometbft-db backed scratch storage)
	BootCacheDir string

	// Firestore audit trail mirror (best-effort, non-critical-path)
	FirestoreEnabled        bool
	FirebaseProjectID       string
	FirebaseCredentialsFile string

	LogLevel string
}

// Load reads configuration from environment variables. Call Validate()
// afterward to enforce the settings required for a production boot.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		EthereumURL:           getEnv("ETHEREUM_URL", ""),
		EthChainID:            getEnvInt64("ETH_CHAIN_ID", 11155111),
		EthPrivateKey:         getEnv("ETH_PRIVATE_KEY", ""),
		AnchorContractAddress: getEnv("ANCHOR_CONTRACT_ADDRESS", ""),
		AnchorMock:            getEnvBool("ANCHOR_MOCK", true),
		AnchorConfigPath:      getEnv("ANCHOR_CONFIG_PATH", ""),

		ChainID:          getEnvInt64("CHAIN_ID", 1),
		Version:          getEnvInt("BLOCK_VERSION", 1),
		ForkID:           getEnvInt("FORK_ID", 1),
		InitialBlockHash: getEnv("INITIAL_BLOCK_HASH", DefaultInitialBlockHash),

		BlockCreationWaitTimeSeconds: getEnvInt("BLOCK_CREATION_WAIT_TIME_SECONDS", 10),
		AdmissionConcurrencyLimit:    getEnvInt("ADMISSION_CONCURRENCY_LIMIT", 100),

		ReceiptPrivateKey: getEnv("RECEIPT_PRIVATE_KEY", ""),

		NodeID:                  getEnv("NODE_ID", defaultNodeID()),
		LeaseTTLSeconds:         getEnvInt("LEASE_TTL_SECONDS", 30),
		LeaseHeartbeatSeconds:   getEnvInt("LEASE_HEARTBEAT_SECONDS", 10),
		LeasePollIntervalMillis: getEnvInt("LEASE_POLL_INTERVAL_MILLIS", 5000),

		FollowerBootChunkSize: getEnvInt("FOLLOWER_BOOT_CHUNK_SIZE", 1000),

		BootCacheDir: getEnv("BOOT_CACHE_DIR", "./data/bootcache"),

		FirestoreEnabled:        getEnvBool("FIRESTORE_ENABLED", false),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that configuration required for a production boot is
// present.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if !c.AnchorMock {
		if c.EthereumURL == "" {
			errs = append(errs, "ETHEREUM_URL is required when ANCHOR_MOCK=false")
		}
		if c.EthPrivateKey == "" {
			errs = append(errs, "ETH_PRIVATE_KEY is required when ANCHOR_MOCK=false")
		}
		if c.AnchorContractAddress == "" {
			errs = append(errs, "ANCHOR_CONTRACT_ADDRESS is required when ANCHOR_MOCK=false")
		}
	}
	if c.NodeID == "" {
		errs = append(errs, "NODE_ID is required but not set")
	}
	if _, err := c.InitialBlockHashBytes(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// InitialBlockHashBytes decodes InitialBlockHash.
func (c *Config) InitialBlockHashBytes() ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(c.InitialBlockHash, "0x"))
	if err != nil {
		return nil, fmt.Errorf("INITIAL_BLOCK_HASH is not valid hex: %v", err)
	}
	return b, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
