package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type ChainConfig struct {
	RpcURL          string
	ConfirmationAge time.Duration // age a source tx must reach before it counts as final
	PollInterval    time.Duration
}

type Config struct {
	DbURL       string
	KafkaBroker string
	KafkaTopic  string
	APIPort     int

	CustodyBaseURL         string
	CustodyAPIKey          string
	CustodyWebhookSecret   string
	CustodyFreshnessWindow time.Duration

	Chains map[string]ChainConfig

	// Per-token daily withdrawal ceilings. A token with no entry is not
	// limited.
	WithdrawDailyLimits map[string]decimal.Decimal

	SwapSlippageBps      int64
	SwapReserveStaleness time.Duration
	SwapMinOutput        map[string]decimal.Decimal

	OrderTTL      time.Duration
	MonitorShards int
	CallTimeout   time.Duration
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	return &Config{
		DbURL:       getEnvOrFatal("DB_URL"),
		KafkaBroker: getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:  getEnvOrFatal("KAFKA_TOPIC"),
		APIPort:     getEnvInt("API_PORT", 8080),

		CustodyBaseURL:         getEnvOrFatal("CUSTODY_BASE_URL"),
		CustodyAPIKey:          getEnvOrFatal("CUSTODY_API_KEY"),
		CustodyWebhookSecret:   getEnvOrFatal("CUSTODY_WEBHOOK_SECRET"),
		CustodyFreshnessWindow: getEnvDuration("CUSTODY_FRESHNESS_WINDOW", 5*time.Minute),

		Chains: parseChains(
			os.Getenv("CHAIN_RPC_URLS"),
			os.Getenv("CHAIN_CONFIRMATION_AGES"),
			os.Getenv("CHAIN_POLL_INTERVALS"),
		),

		WithdrawDailyLimits: parseDecimalMap(os.Getenv("WITHDRAW_DAILY_LIMITS")),

		SwapSlippageBps:      int64(getEnvInt("SWAP_SLIPPAGE_BPS", 50)),
		SwapReserveStaleness: getEnvDuration("SWAP_RESERVE_STALENESS", 30*time.Second),
		SwapMinOutput:        parseDecimalMap(os.Getenv("SWAP_MIN_OUTPUT")),

		OrderTTL:      getEnvDuration("ORDER_TTL", 24*time.Hour),
		MonitorShards: getEnvInt("MONITOR_SHARDS", 8),
		CallTimeout:   getEnvDuration("CALL_TIMEOUT", 15*time.Second),
	}
}

// parseChains merges the three per-chain env lists ("tron=https://...,ton=...")
// into one ChainConfig map keyed by network name.
func parseChains(rpcs, ages, intervals string) map[string]ChainConfig {
	chains := make(map[string]ChainConfig)
	for network, value := range parseKVList(rpcs) {
		chains[network] = ChainConfig{
			RpcURL:          value,
			ConfirmationAge: 60 * time.Second,
			PollInterval:    12 * time.Second,
		}
	}
	for network, value := range parseKVList(ages) {
		cc, ok := chains[network]
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(value); err == nil {
			cc.ConfirmationAge = d
			chains[network] = cc
		}
	}
	for network, value := range parseKVList(intervals) {
		cc, ok := chains[network]
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(value); err == nil {
			cc.PollInterval = d
			chains[network] = cc
		}
	}
	return chains
}

func parseDecimalMap(raw string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for key, value := range parseKVList(raw) {
		if d, err := decimal.NewFromString(value); err == nil {
			out[key] = d
		}
	}
	return out
}

func parseKVList(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("Warning: environment variable %s not set", key)

	return ""
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
