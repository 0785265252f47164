package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration, loaded from environment
// variables with an optional .env file for local development.
type Config struct {
	Addr        string
	DBPath      string
	ArtifactDir string
	TeamCatalog string

	Retention      time.Duration
	SweepInterval  time.Duration
	MaxJobLifetime time.Duration

	MaxConcurrentJobs int
	TaskConcurrency   int
	QueueCapacity     int

	HeartbeatInterval time.Duration

	Cache    CacheConfig
	Upstream UpstreamConfig
}

// CacheConfig carries per-namespace TTLs. Warehouse results churn daily,
// AI narratives weekly, logos almost never.
type CacheConfig struct {
	WarehouseTTL time.Duration
	AIInsightTTL time.Duration
	LogoTTL      time.Duration
}

// UpstreamConfig points at the collaborator services.
type UpstreamConfig struct {
	WarehouseURL string
	InsightURL   string
	LogoURL      string
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Addr:        getEnv("DECKFORGE_ADDR", ":8080"),
		DBPath:      getEnv("DECKFORGE_DB_PATH", "deckforge.db"),
		ArtifactDir: getEnv("DECKFORGE_ARTIFACT_DIR", "artifacts"),
		TeamCatalog: getEnv("DECKFORGE_TEAM_CATALOG", ""),

		Retention:      getEnvAsDuration("DECKFORGE_RETENTION", 24*time.Hour),
		SweepInterval:  getEnvAsDuration("DECKFORGE_SWEEP_INTERVAL", 10*time.Minute),
		MaxJobLifetime: getEnvAsDuration("DECKFORGE_MAX_JOB_LIFETIME", 30*time.Minute),

		MaxConcurrentJobs: getEnvAsInt("DECKFORGE_MAX_CONCURRENT_JOBS", 4),
		TaskConcurrency:   getEnvAsInt("DECKFORGE_TASK_CONCURRENCY", 4),
		QueueCapacity:     getEnvAsInt("DECKFORGE_QUEUE_CAPACITY", 100),

		HeartbeatInterval: getEnvAsDuration("DECKFORGE_HEARTBEAT_INTERVAL", 15*time.Second),

		Cache: CacheConfig{
			WarehouseTTL: getEnvAsDuration("DECKFORGE_CACHE_TTL_WAREHOUSE", 24*time.Hour),
			AIInsightTTL: getEnvAsDuration("DECKFORGE_CACHE_TTL_AI_INSIGHT", 168*time.Hour),
			LogoTTL:      getEnvAsDuration("DECKFORGE_CACHE_TTL_LOGO", 1440*time.Hour),
		},
		Upstream: UpstreamConfig{
			WarehouseURL: getEnv("DECKFORGE_WAREHOUSE_URL", ""),
			InsightURL:   getEnv("DECKFORGE_INSIGHT_URL", ""),
			LogoURL:      getEnv("DECKFORGE_LOGO_URL", ""),
		},
	}

	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("DECKFORGE_MAX_CONCURRENT_JOBS must be at least 1")
	}
	if cfg.TaskConcurrency < 1 {
		return nil, fmt.Errorf("DECKFORGE_TASK_CONCURRENCY must be at least 1")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
