package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger variant selectors. The factory refuses anything else.
const (
	LedgerTypeFabric   = "fabric"
	LedgerTypeEthereum = "ethereum"
)

// Config captures everything the server needs from the environment so main
// stays lean.
type Config struct {
	HTTPAddr    string
	PostgresDSN string
	RedisURL    string

	// SigningSecret feeds the symmetric HMAC fallback. SigningKeyHex, when
	// set, switches transfer signing to secp256k1.
	SigningSecret string
	SigningKeyHex string

	Ledger LedgerConfig
	Queue  QueueConfig
	Health HealthConfig
	Kafka  KafkaConfig
}

// LedgerConfig selects and parameterizes the ledger variant.
type LedgerConfig struct {
	Type        string
	CallTimeout time.Duration

	// Public EVM-compatible chain.
	RPCURL          string
	ContractAddress string
	WalletKeyHex    string

	// Permissioned network, addressed through its HTTP gateway.
	GatewayURL string
	Channel    string
	Chaincode  string
	Identity   string
}

// QueueConfig tunes the delivery queue manager.
type QueueConfig struct {
	MaxRetries    int
	DrainInterval time.Duration
	RetryInterval time.Duration
	RetryBackoff  time.Duration
	BatchSize     int

	// StaleClaimAfter bounds how long an item may sit in processing before
	// its claim is treated as orphaned. Must exceed the longest plausible
	// delivery attempt.
	StaleClaimAfter time.Duration
}

// HealthConfig tunes the ledger health monitor.
type HealthConfig struct {
	ProbeInterval time.Duration
}

// KafkaConfig points the custody event publisher at a broker. An empty
// broker list disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds the full configuration from environment variables with
// development defaults.
func FromEnv() Config {
	return Config{
		HTTPAddr:      envString("CUSTODIA_ADDR", ":8080"),
		PostgresDSN:   envString("CUSTODIA_POSTGRES_DSN", ""),
		RedisURL:      envString("CUSTODIA_REDIS_URL", ""),
		SigningSecret: envString("CUSTODIA_SIGNING_SECRET", "dev-secret-change-in-production"),
		SigningKeyHex: envString("CUSTODIA_SIGNING_KEY", ""),
		Ledger: LedgerConfig{
			Type:            envString("CUSTODIA_LEDGER_TYPE", LedgerTypeFabric),
			CallTimeout:     envDuration("CUSTODIA_LEDGER_TIMEOUT", 10*time.Second),
			RPCURL:          envString("CUSTODIA_ETH_RPC_URL", ""),
			ContractAddress: envString("CUSTODIA_ETH_CONTRACT", ""),
			WalletKeyHex:    envString("CUSTODIA_ETH_WALLET_KEY", ""),
			GatewayURL:      envString("CUSTODIA_FABRIC_GATEWAY_URL", ""),
			Channel:         envString("CUSTODIA_FABRIC_CHANNEL", "custody-channel"),
			Chaincode:       envString("CUSTODIA_FABRIC_CHAINCODE", "custody"),
			Identity:        envString("CUSTODIA_FABRIC_IDENTITY", ""),
		},
		Queue: QueueConfig{
			MaxRetries:      envInt("CUSTODIA_QUEUE_MAX_RETRIES", 5),
			DrainInterval:   envDuration("CUSTODIA_QUEUE_DRAIN_INTERVAL", 30*time.Second),
			RetryInterval:   envDuration("CUSTODIA_QUEUE_RETRY_INTERVAL", time.Minute),
			RetryBackoff:    envDuration("CUSTODIA_QUEUE_RETRY_BACKOFF", 5*time.Minute),
			BatchSize:       envInt("CUSTODIA_QUEUE_BATCH_SIZE", 10),
			StaleClaimAfter: envDuration("CUSTODIA_QUEUE_STALE_CLAIM_AFTER", 10*time.Minute),
		},
		Health: HealthConfig{
			ProbeInterval: envDuration("CUSTODIA_HEALTH_PROBE_INTERVAL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: envList("CUSTODIA_KAFKA_BROKERS"),
			Topic:   envString("CUSTODIA_KAFKA_TOPIC", "custody.events"),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
