package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string
	DataDir     string

	// Logging
	LogLevel  string
	LogFormat string

	// Store
	DatabasePath string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Order lifecycle
	PaymentTimeout      time.Duration
	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int

	// Payment reconciliation
	PaymentPollInterval time.Duration
	PaymentPollMinAge   time.Duration
	DefaultProvider     string
	MockWebhookSecret   string
	JDBConfig           JDBConfig
	LDBConfig           LDBConfig

	// Check-in
	ScanRateLimit   int
	ScanRateWindow  time.Duration
	GateTokenSecret string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

// JDBConfig holds the JDB Yespay credentials. Payment pushes arrive over
// the bank's own PubNub keyset.
type JDBConfig struct {
	BaseURL    string
	PartnerID  string
	ClientID   string
	ClientKey  string
	HMACKey    string
	MerchantID string

	PNSubKey    string
	PNSecretKey string
	PNCipherKey string
	PNUUID      string
	PNChannel   string
}

type LDBConfig struct {
	BaseURL        string
	AccessTokenURL string
	ClientID       string
	ClientSecret   string
	MerchantID     string
	PromotionCode  string
	PartnerID      string
	KeyID          string
	HMACKey        string
	SwitchBackURL  string
	WebhookSecret  string
}

// LoadConfig reads .env when present and then the process environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Error loading .env file: %v", err)
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DataDir:     getEnv("DATA_DIR", "pb_data"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// Store
		DatabasePath: getEnv("DATABASE_PATH", "pb_data/tickets.db"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "ticket-engine"),

		// Orders
		PaymentTimeout:      getEnvAsDuration("PAYMENT_TIMEOUT", "10m"),
		ExpirySweepInterval: getEnvAsDuration("EXPIRY_SWEEP_INTERVAL", "15s"),
		ExpirySweepBatch:    getEnvAsInt("EXPIRY_SWEEP_BATCH", 100),

		// Payments
		PaymentPollInterval: getEnvAsDuration("PAYMENT_POLL_INTERVAL", "30s"),
		PaymentPollMinAge:   getEnvAsDuration("PAYMENT_POLL_MIN_AGE", "1m"),
		DefaultProvider:     getEnv("PAYMENT_PROVIDER", "mock"),
		MockWebhookSecret:   getEnv("MOCK_WEBHOOK_SECRET", "mock-secret"),
		JDBConfig: JDBConfig{
			BaseURL:     getEnv("JDB_BASE_URL", ""),
			PartnerID:   getEnv("JDB_PARTNER_ID", ""),
			ClientID:    getEnv("JDB_CLIENT_ID", ""),
			ClientKey:   getEnv("JDB_CLIENT_KEY", ""),
			HMACKey:     getEnv("JDB_HMAC_KEY", ""),
			MerchantID:  getEnv("JDB_MERCHANT_ID", ""),
			PNSubKey:    getEnv("JDB_PN_SUBSCRIBE_KEY", ""),
			PNSecretKey: getEnv("JDB_PN_SECRET_KEY", ""),
			PNCipherKey: getEnv("JDB_PN_CIPHER_KEY", ""),
			PNUUID:      getEnv("JDB_PN_UUID", ""),
			PNChannel:   getEnv("JDB_PN_CHANNEL", ""),
		},
		LDBConfig: LDBConfig{
			BaseURL:        getEnv("LDB_BASE_URL", ""),
			AccessTokenURL: getEnv("LDB_ACCESS_TOKEN_URL", ""),
			ClientID:       getEnv("LDB_CLIENT_ID", ""),
			ClientSecret:   getEnv("LDB_CLIENT_SECRET", ""),
			MerchantID:     getEnv("LDB_MERCHANT_ID", ""),
			PromotionCode:  getEnv("LDB_PROMOTION_CODE", ""),
			PartnerID:      getEnv("LDB_PARTNER_ID", ""),
			KeyID:          getEnv("LDB_KEY_ID", ""),
			HMACKey:        getEnv("LDB_HMAC_KEY", ""),
			SwitchBackURL:  getEnv("LDB_SWITCH_BACK_URL", ""),
			WebhookSecret:  getEnv("LDB_WEBHOOK_SECRET", ""),
		},

		// Check-in
		ScanRateLimit:   getEnvAsInt("SCAN_RATE_LIMIT", 120),
		ScanRateWindow:  getEnvAsDuration("SCAN_RATE_WINDOW", "1m"),
		GateTokenSecret: getEnv("GATE_TOKEN_SECRET", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
