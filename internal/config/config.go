package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	L1         ChainConfig
	L2         ChainConfig
	Bridge     BridgeConfig
	Retry      RetryConfig
	Agent      AgentConfig
	Delegation DelegationConfig
	Events     EventsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	AdminJWTSecret string // HMAC secret for admin-only ledger endpoints
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Backend        string // "postgres" or "memory"
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrationsPath string
}

// ChainConfig holds configuration for one EVM chain
type ChainConfig struct {
	ChainID           int64
	Name              string
	RPCEndpoint       string
	RPCRequestsPerSec float64
	CCIPChainSelector uint64

	// L1 contracts
	AgentFactoryAddress      string
	DelegationManagerAddress string
	StrategyManagerAddress   string
	ReceiverAddress          string // CCIP receiver that forwards envelopes to agents

	// L2 contracts
	SenderAddress string // CCIP sender exposing sendMessagePayNative
}

// BridgeConfig holds the message-status API configuration
type BridgeConfig struct {
	StatusAPIEndpoint string
	PollInterval      time.Duration
	RequestTimeout    time.Duration
	RequestsPerSec    float64
}

// RetryConfig holds the retry policy for RPC and bridge calls
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// AgentConfig holds agent-execution signing configuration
type AgentConfig struct {
	DomainVersion string // major version of the EigenAgent contracts
	SignatureTTL  time.Duration
}

// DelegationConfig holds delegation-approval signing configuration
type DelegationConfig struct {
	OperatorKeysFile  string
	SignatureTTL      time.Duration
	StrictDigestCheck bool
}

// EventsConfig holds the NATS publisher configuration
type EventsConfig struct {
	NATSURL string
	Subject string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		},
		Database: DatabaseConfig{
			Backend:        getEnv("LEDGER_BACKEND", "postgres"),
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvInt("DB_PORT", 5432),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "eigenl2_ledger"),
			SSLMode:        getEnv("DB_SSL_MODE", "disable"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "internal/database/migrations/001_schema.sql"),
		},
		L1: ChainConfig{
			ChainID:                  getEnvInt64("L1_CHAIN_ID", 11155111),
			Name:                     getEnv("L1_CHAIN_NAME", "Ethereum Sepolia"),
			RPCEndpoint:              getEnv("L1_RPC_ENDPOINT", ""),
			RPCRequestsPerSec:        getEnvFloat("L1_RPC_RPS", 10),
			CCIPChainSelector:        getEnvUint64("L1_CCIP_CHAIN_SELECTOR", 16015286601757825753),
			AgentFactoryAddress:      getEnv("L1_AGENT_FACTORY_ADDRESS", ""),
			DelegationManagerAddress: getEnv("L1_DELEGATION_MANAGER_ADDRESS", ""),
			StrategyManagerAddress:   getEnv("L1_STRATEGY_MANAGER_ADDRESS", ""),
			ReceiverAddress:          getEnv("L1_RECEIVER_ADDRESS", ""),
		},
		L2: ChainConfig{
			ChainID:           getEnvInt64("L2_CHAIN_ID", 84532),
			Name:              getEnv("L2_CHAIN_NAME", "Base Sepolia"),
			RPCEndpoint:       getEnv("L2_RPC_ENDPOINT", ""),
			RPCRequestsPerSec: getEnvFloat("L2_RPC_RPS", 10),
			CCIPChainSelector: getEnvUint64("L2_CCIP_CHAIN_SELECTOR", 10344971235874465080),
			SenderAddress:     getEnv("L2_SENDER_ADDRESS", ""),
		},
		Bridge: BridgeConfig{
			StatusAPIEndpoint: getEnv("CCIP_STATUS_API_ENDPOINT", "https://ccip.chain.link/api/h/atlas"),
			PollInterval:      getEnvDuration("RECONCILE_INTERVAL", 20*time.Second),
			RequestTimeout:    getEnvDuration("CCIP_REQUEST_TIMEOUT", 10*time.Second),
			RequestsPerSec:    getEnvFloat("CCIP_RPS", 5),
		},
		Retry: RetryConfig{
			MaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 4),
			InitialInterval: getEnvDuration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     getEnvDuration("RETRY_MAX_INTERVAL", 8*time.Second),
		},
		Agent: AgentConfig{
			DomainVersion: getEnv("EIGEN_AGENT_VERSION", "1"),
			SignatureTTL:  getEnvDuration("AGENT_SIGNATURE_TTL", 45*time.Minute),
		},
		Delegation: DelegationConfig{
			OperatorKeysFile:  getEnv("OPERATOR_KEYS_FILE", ""),
			SignatureTTL:      getEnvDuration("DELEGATION_SIGNATURE_TTL", time.Hour),
			StrictDigestCheck: getEnvBool("DELEGATION_STRICT_DIGEST_CHECK", false),
		},
		Events: EventsConfig{
			NATSURL: getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "ledger.transactions.completed"),
		},
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Database.Backend)
	}

	if c.L1.ChainID <= 0 || c.L2.ChainID <= 0 {
		return fmt.Errorf("L1 and L2 chain ids must be positive")
	}
	if c.L1.ChainID == c.L2.ChainID {
		return fmt.Errorf("L1 and L2 chain ids must differ")
	}

	if c.L1.RPCEndpoint == "" {
		return fmt.Errorf("L1_RPC_ENDPOINT is required")
	}

	for name, addr := range map[string]string{
		"L1_AGENT_FACTORY_ADDRESS":      c.L1.AgentFactoryAddress,
		"L1_DELEGATION_MANAGER_ADDRESS": c.L1.DelegationManagerAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address, got %q", name, addr)
		}
	}

	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("invalid reconcile interval: %s", c.Bridge.PollInterval)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	if c.Agent.DomainVersion == "" {
		return fmt.Errorf("EIGEN_AGENT_VERSION is required")
	}

	return nil
}

// Helper functions

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

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return uintValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
