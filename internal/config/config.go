// Package config loads the optimizer's configuration surface from the
// environment, following the teacher's LoadFromEnv/getEnv* shape.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized configuration option from spec §6.
type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Optimizer surface (spec §6)
	CycleDefault             time.Duration
	RiskToleranceDefault     float64
	VarianceLimitDefault     float64
	MinTrialsForRiskGate     int
	MaxStep                  float64
	MinAllocFloor            float64
	ReportThreshold          float64
	AnomalyZ                 float64
	DrainTimeout             time.Duration
	CarryoverDecay           float64
	CarryoverCap             float64
	MaxTrialsPerCycle        int
	WebhookHintThreshold     float64 // open-question resolution, see DESIGN.md
	RetentionDays            int
	ColdStorageDir           string
	MinBidMultiplier         float64 // open-question resolution, see DESIGN.md
	MaxBidMultiplier         float64
	CycleTaskConcurrency     int // 0 means "cpu cores * 4", per spec §4.5
	PlatformCallConcurrency  int

	// Per-platform poll QPS, keyed by lowercase platform name.
	PollRatePerPlatform map[string]float64

	// Webhook server
	WebhookAddr string

	// Platform credentials, keyed by lowercase platform name. Absence
	// disables that platform's poller without crashing the engine.
	PlatformCredentials map[string]string

	// Platform webhook signing secrets, keyed by lowercase platform name.
	PlatformWebhookSecrets map[string]string

	// Remote account ID to address on each vendor's side, keyed by
	// lowercase platform name. Distinct from PlatformCredentials, which
	// holds the API key/secret used to authenticate the call itself.
	PlatformAccountID map[string]string
}

var knownPlatforms = []string{"google", "meta", "trade_desk"}

// Load reads configuration from the environment, loading an optional
// .env file first the way the teacher's LoadFromEnv does.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		DBHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("DB_PORT", "5432"),
		DBName:     getEnvOrDefault("DB_NAME", "ads_optimizer"),
		DBUser:     getEnvOrDefault("DB_USER", "optimizer"),
		DBPassword: getEnvOrDefault("DB_PASSWORD", ""),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		CycleDefault:         getEnvDuration("CYCLE_DEFAULT_MS", 15*time.Minute),
		RiskToleranceDefault: getEnvFloat("RISK_TOLERANCE_DEFAULT", 0.3),
		VarianceLimitDefault: getEnvFloat("VARIANCE_LIMIT_DEFAULT", 0.1),
		MinTrialsForRiskGate: getEnvInt("MIN_TRIALS_FOR_RISK_GATE", 30),
		MaxStep:              getEnvFloat("MAX_STEP", 0.1),
		MinAllocFloor:        getEnvFloat("MIN_ALLOC_FLOOR", 0.01),
		ReportThreshold:      getEnvFloat("REPORT_THRESHOLD", 1e-4),
		AnomalyZ:             getEnvFloat("ANOMALY_Z", 3.0),
		DrainTimeout:         getEnvDuration("DRAIN_TIMEOUT_MS", 30*time.Second),
		CarryoverDecay:       getEnvFloat("CARRYOVER_DECAY", 0.5),
		CarryoverCap:         getEnvFloat("CARRYOVER_CAP", 2.0),
		MaxTrialsPerCycle:    getEnvInt("MAX_TRIALS_PER_CYCLE", 100000),
		WebhookHintThreshold: getEnvFloat("WEBHOOK_HINT_THRESHOLD", 0.15),
		RetentionDays:        getEnvInt("CHANGELOG_RETENTION_DAYS", 90),
		ColdStorageDir:       os.Getenv("COLD_STORAGE_DIR"),
		MinBidMultiplier:     getEnvFloat("MIN_BID_MULTIPLIER", 0.5),
		MaxBidMultiplier:     getEnvFloat("MAX_BID_MULTIPLIER", 2.0),
		CycleTaskConcurrency: getEnvInt("CYCLE_TASK_CONCURRENCY", 0),
		PlatformCallConcurrency: getEnvInt("PLATFORM_CALL_CONCURRENCY", 4),

		WebhookAddr: getEnvOrDefault("WEBHOOK_ADDR", "0.0.0.0:8090"),

		PollRatePerPlatform:    map[string]float64{},
		PlatformCredentials:    map[string]string{},
		PlatformWebhookSecrets: map[string]string{},
		PlatformAccountID:      map[string]string{},
	}

	for _, p := range knownPlatforms {
		upper := strings.ToUpper(p)
		cfg.PollRatePerPlatform[p] = getEnvFloat("AD_PLATFORM_"+upper+"_POLL_QPS", 1.0)
		if key := os.Getenv("AD_PLATFORM_" + upper + "_API_KEY"); key != "" {
			cfg.PlatformCredentials[p] = key
		}
		if secret := os.Getenv("AD_PLATFORM_" + upper + "_WEBHOOK_SECRET"); secret != "" {
			cfg.PlatformWebhookSecrets[p] = secret
		}
		if acct := os.Getenv("AD_PLATFORM_" + upper + "_ACCOUNT_ID"); acct != "" {
			cfg.PlatformAccountID[p] = acct
		}
	}

	return cfg
}

// PlatformEnabled reports whether credentials were found for platform.
// A missing credential disables the poller for that platform only; it
// must never crash the engine (spec §6 Environment).
func (c *Config) PlatformEnabled(platform string) bool {
	_, ok := c.PlatformCredentials[strings.ToLower(platform)]
	return ok
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
