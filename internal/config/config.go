// Package config provides configuration management functionality.
// Configuration is loaded from environment variables (optionally a .env file)
// and carries every tunable the platform recognizes as a named field rather
// than a magic number scattered through the code.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Config holds application configuration for the control plane and workers.
type Config struct {
	DataDir  string // Base directory for sqlite databases, vector store and logs
	Port     int    // Gateway HTTP port
	LogLevel string
	DevMode  bool

	// Relational database (DATABASE_* env vars). When Host is empty the
	// platform runs entirely on local sqlite files under DataDir.
	Database DatabaseConfig

	// Vector store persistence directory (four collections).
	ChromaPersistDir string

	// Redis shared cache for the LLM gateway. Empty address disables the
	// shared tier; the local LRU still applies.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Telegram bot transport.
	TelegramBotToken  string
	TelegramChatID    string
	TelegramParseMode string

	// Provider API keys.
	HyperclovaAPIKey string
	OpenAIAPIKey     string
	ClaudeAPIKey     string
	GeminiAPIKey     string
	GrokAPIKey       string
	DartAPIKey       string
	KISAppKey        string
	KISAppSecret     string

	// LLM gateway behavior.
	LLMFallbackOrder  []domain.ModelTag
	CacheDefaultTTL   time.Duration // LLM cache default TTL
	LocalCacheMaxSize int           // LLM local LRU capacity
	LLMTimeout        time.Duration

	// Dedup filter.
	HammingThreshold int
	TTLHours         int // SimHash retention
	DuplicateLogPath string

	// News pipeline.
	NewsImpactThreshold float64 // lower bound to classify high-impact

	// Chart engine context thresholds (alert context, not firing rules).
	ChartVolumeThreshold      int64
	ChartPriceChangeThreshold float64

	// Flow engine triggers.
	InstitutionalTriggerDays      int
	InstitutionalTriggerThreshold int
	ProgramTriggerMultiplier      float64

	// Supervisor.
	MaxRestarts    int
	WorkerBasePort int

	// Check-signal scheduler.
	CheckIntervalMinutes int

	// Retention.
	DataRetentionDays int

	// Market calendar. All date-boundary decisions (close-time cadence,
	// daily_news purge, weekly report) consult this zone.
	MarketTimezone string

	// Backup (optional; disabled when bucket is empty).
	BackupBucket    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string

	// Worker identity (set for worker processes only).
	WorkerService string // news|disclosure|chart|report|flow|user
	WorkerUserID  string // HYPERASSET_USER_ID
}

// DatabaseConfig holds the DATABASE_* connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HYPERASSET_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GATEWAY_PORT", 8000),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		Database: DatabaseConfig{
			Host:     getEnv("DATABASE_HOST", ""),
			Port:     getEnvAsInt("DATABASE_PORT", 5432),
			User:     getEnv("DATABASE_USER", ""),
			Password: getEnv("DATABASE_PASSWORD", ""),
			Name:     getEnv("DATABASE_NAME", "hyperasset"),
		},

		ChromaPersistDir: getEnv("CHROMADB_PERSIST_DIRECTORY", filepath.Join(absDataDir, "vectors")),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramParseMode: getEnv("TELEGRAM_PARSE_MODE", "HTML"),

		HyperclovaAPIKey: getEnv("HYPERCLOVA_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		ClaudeAPIKey:     getEnv("CLAUDE_API_KEY", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GrokAPIKey:       getEnv("GROK_API_KEY", ""),
		DartAPIKey:       getEnv("DART_API_KEY", ""),
		KISAppKey:        getEnv("KIS_APP_KEY", ""),
		KISAppSecret:     getEnv("KIS_APP_SECRET", ""),

		LLMFallbackOrder:  parseFallbackOrder(getEnv("LLM_FALLBACK_ORDER", "hyperclova,chatgpt,claude,gemini,grok")),
		CacheDefaultTTL:   time.Duration(getEnvAsInt("CACHE_DEFAULT_TTL", 3600)) * time.Second,
		LocalCacheMaxSize: getEnvAsInt("LOCAL_CACHE_MAX_SIZE", 500),
		LLMTimeout:        time.Duration(getEnvAsInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,

		HammingThreshold: getEnvAsInt("HAMMING_THRESHOLD", 3),
		TTLHours:         getEnvAsInt("TTL_HOURS", 48),
		DuplicateLogPath: getEnv("DUPLICATE_LOG_PATH", filepath.Join(absDataDir, "duplicates.csv")),

		NewsImpactThreshold: getEnvAsFloat("NEWS_IMPACT_THRESHOLD", 0.5),

		ChartVolumeThreshold:      int64(getEnvAsInt("CHART_VOLUME_THRESHOLD", 10_000_000)),
		ChartPriceChangeThreshold: getEnvAsFloat("CHART_PRICE_CHANGE_THRESHOLD", 0.10),

		InstitutionalTriggerDays:      getEnvAsInt("INSTITUTIONAL_TRIGGER_DAYS", 5),
		InstitutionalTriggerThreshold: getEnvAsInt("INSTITUTIONAL_TRIGGER_THRESHOLD", 3),
		ProgramTriggerMultiplier:      getEnvAsFloat("PROGRAM_TRIGGER_MULTIPLIER", 2.5),

		MaxRestarts:    getEnvAsInt("MAX_RESTARTS", 3),
		WorkerBasePort: getEnvAsInt("WORKER_BASE_PORT", 8100),

		CheckIntervalMinutes: getEnvAsInt("CHECK_INTERVAL_MINUTES", 10),

		DataRetentionDays: getEnvAsInt("DATA_RETENTION_DAYS", 30),

		MarketTimezone: getEnv("MARKET_TIMEZONE", "Asia/Seoul"),

		BackupBucket:    getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint:  getEnv("BACKUP_ENDPOINT", ""),
		BackupAccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_SECRET_KEY", ""),

		WorkerService: getEnv("WORKER_SERVICE", ""),
		WorkerUserID:  getEnv("HYPERASSET_USER_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return domain.ConfigError("invalid gateway port %d", c.Port)
	}
	if c.HammingThreshold < 0 || c.HammingThreshold > 63 {
		return domain.ConfigError("hamming threshold %d out of range", c.HammingThreshold)
	}
	if c.NewsImpactThreshold < 0 || c.NewsImpactThreshold > 1 {
		return domain.ConfigError("news impact threshold %.2f out of [0,1]", c.NewsImpactThreshold)
	}
	if c.InstitutionalTriggerThreshold > c.InstitutionalTriggerDays {
		return domain.ConfigError("institutional threshold %d exceeds lookback days %d",
			c.InstitutionalTriggerThreshold, c.InstitutionalTriggerDays)
	}
	if c.WorkerService != "" && c.WorkerService != "user" && !domain.ValidService(domain.ServiceName(c.WorkerService)) {
		return domain.ConfigError("unknown worker service %q", c.WorkerService)
	}
	if _, err := c.Location(); err != nil {
		return domain.ConfigError("invalid MARKET_TIMEZONE %q: %v", c.MarketTimezone, err)
	}
	return nil
}

// Location resolves the market timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.MarketTimezone)
}

// WorkerPort returns the fixed local port for a worker service. Ports are
// assigned from WorkerBasePort in the stable AllServices order, with the
// user-config worker one past the end.
func (c *Config) WorkerPort(service domain.ServiceName) int {
	for i, s := range domain.AllServices {
		if s == service {
			return c.WorkerBasePort + i
		}
	}
	return c.WorkerBasePort + len(domain.AllServices) // user-config worker
}

// WorkerURL returns the local base URL for a worker service.
func (c *Config) WorkerURL(service domain.ServiceName) string {
	return fmt.Sprintf("http://localhost:%d", c.WorkerPort(service))
}

func parseFallbackOrder(raw string) []domain.ModelTag {
	var out []domain.ModelTag
	for _, part := range strings.Split(raw, ",") {
		tag := domain.ModelTag(strings.TrimSpace(part))
		if domain.ValidModelTag(tag) {
			out = append(out, tag)
		}
	}
	if len(out) == 0 {
		out = []domain.ModelTag{domain.ModelHyperclova}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
