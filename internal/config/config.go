package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string
	MongoURI    string
	RedisURL    string // empty: in-process cache and locks

	MongoMaxPoolSize int

	ServiceAPIKey string // shared secret for /api/v1; empty disables the check outside production

	EncryptionMasterKey string // empty: sensitive content stored in plaintext

	// Embedding and summarization
	OpenAIAPIKey        string // empty: local hash embedder and extractive summaries
	OpenAIBaseURL       string
	EmbeddingModel      string
	EmbeddingDimensions int
	SummaryModel        string

	// Vector index
	VectorPersistPath string // empty: in-memory index
	VectorCompress    bool

	// Extraction
	ExtractionRulesFile string
	MaxContentLength    int

	// Retrieval
	SessionTTL        time.Duration
	RetrievalCacheTTL time.Duration
	ShortTermTurns    int
	TierTimeout       time.Duration
	SummaryTimeout    time.Duration
	LongTermTopK      int
	DefaultMaxTokens  int

	// Background jobs
	ConsolidationInterval time.Duration
	ConsolidationJitter   time.Duration
	ConsolidationBatch    int
	ConsolidationMinIdle  time.Duration
	DecayCron             string // takes precedence over DecayInterval when set
	DecayInterval         time.Duration
	DecayJitter           time.Duration
	DecayBatch            int
	ReconcileInterval     time.Duration
	ReconcileBatch        int
	HealthInterval        time.Duration
	JobWorkers            int
	JobRatePerSecond      float64

	UserLockTTL      time.Duration
	RetryMaxAttempts int

	// Health tracking
	FailureThreshold int
	TierCooldown     time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3002"),
		Environment: strings.ToLower(getEnv("ENVIRONMENT", "development")),
		MongoURI:    getEnv("MONGODB_URI", "mongodb://localhost:27017/tutormemory"),
		RedisURL:    getEnv("REDIS_URL", ""),

		MongoMaxPoolSize: getIntEnv("MONGODB_MAX_POOL_SIZE", 50),

		ServiceAPIKey: getEnv("SERVICE_API_KEY", ""),

		EncryptionMasterKey: getEnv("ENCRYPTION_MASTER_KEY", ""),

		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: getIntEnv("EMBEDDING_DIMENSIONS", 256),
		SummaryModel:        getEnv("SUMMARY_MODEL", "gpt-4o-mini"),

		VectorPersistPath: getEnv("VECTOR_PERSIST_PATH", ""),
		VectorCompress:    getBoolEnv("VECTOR_COMPRESS", false),

		ExtractionRulesFile: getEnv("EXTRACTION_RULES_FILE", ""),
		MaxContentLength:    getIntEnv("MAX_CONTENT_LENGTH", 500),

		SessionTTL:        getDurationEnv("SESSION_TTL", 2*time.Hour),
		RetrievalCacheTTL: getDurationEnv("RETRIEVAL_CACHE_TTL", time.Minute),
		ShortTermTurns:    getIntEnv("SHORT_TERM_TURNS", 10),
		TierTimeout:       getDurationEnv("TIER_TIMEOUT", 250*time.Millisecond),
		SummaryTimeout:    getDurationEnv("SUMMARY_TIMEOUT", 2*time.Second),
		LongTermTopK:      getIntEnv("LONG_TERM_TOP_K", 20),
		DefaultMaxTokens:  getIntEnv("DEFAULT_MAX_TOKENS", 2000),

		ConsolidationInterval: getDurationEnv("CONSOLIDATION_INTERVAL", 30*time.Minute),
		ConsolidationJitter:   getDurationEnv("CONSOLIDATION_JITTER", 5*time.Minute),
		ConsolidationBatch:    getIntEnv("CONSOLIDATION_BATCH", 10),
		ConsolidationMinIdle:  getDurationEnv("CONSOLIDATION_MIN_IDLE", 24*time.Hour),
		DecayCron:             getEnv("DECAY_CRON", "30 3 * * *"),
		DecayInterval:         getDurationEnv("DECAY_INTERVAL", 24*time.Hour),
		DecayJitter:           getDurationEnv("DECAY_JITTER", 10*time.Minute),
		DecayBatch:            getIntEnv("DECAY_BATCH", 100),
		ReconcileInterval:     getDurationEnv("RECONCILE_INTERVAL", 10*time.Minute),
		ReconcileBatch:        getIntEnv("RECONCILE_BATCH", 200),
		HealthInterval:        getDurationEnv("HEALTH_INTERVAL", 30*time.Second),
		JobWorkers:            getIntEnv("JOB_WORKERS", 4),
		JobRatePerSecond:      getFloatEnv("JOB_RATE_PER_SECOND", 20),

		UserLockTTL:      getDurationEnv("USER_LOCK_TTL", 2*time.Minute),
		RetryMaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 4),

		FailureThreshold: getIntEnv("HEALTH_FAILURE_THRESHOLD", 3),
		TierCooldown:     getDurationEnv("TIER_COOLDOWN", 30*time.Second),
	}
}

// IsProduction reports whether the process runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects settings the scheduler or engine cannot work with
func (c *Config) Validate() error {
	if c.IsProduction() && c.ServiceAPIKey == "" {
		return fmt.Errorf("SERVICE_API_KEY is required in production")
	}
	if c.DecayCron != "" {
		if _, err := cron.ParseStandard(c.DecayCron); err != nil {
			return fmt.Errorf("invalid DECAY_CRON %q: %w", c.DecayCron, err)
		}
	}

	positive := map[string]time.Duration{
		"CONSOLIDATION_INTERVAL": c.ConsolidationInterval,
		"DECAY_INTERVAL":         c.DecayInterval,
		"RECONCILE_INTERVAL":     c.ReconcileInterval,
		"HEALTH_INTERVAL":        c.HealthInterval,
		"TIER_TIMEOUT":           c.TierTimeout,
		"SESSION_TTL":            c.SessionTTL,
		"USER_LOCK_TTL":          c.UserLockTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if c.ConsolidationJitter < 0 || c.DecayJitter < 0 {
		return fmt.Errorf("job jitter must not be negative")
	}
	if c.ConsolidationBatch <= 0 || c.DecayBatch <= 0 || c.ReconcileBatch <= 0 {
		return fmt.Errorf("job batch sizes must be positive")
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.JobWorkers)
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("MAX_CONTENT_LENGTH must be positive, got %d", c.MaxContentLength)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", c.EmbeddingDimensions)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
