package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	AuditStore  = "store"
	AuditSQLite = "sqlite"
	AuditNone   = "none"
)

// Config is read from defaults, then an optional YAML file, then the
// environment (including a .env file), each layer overriding the last.
type Config struct {
	Port         string `yaml:"port"`
	DatabaseURL  string `yaml:"db_dsn"`
	StoreBackend string `yaml:"store_backend"`

	RedisURL          string `yaml:"redis_url"`
	RedisStream       string `yaml:"redis_stream"`
	RedisStreamMaxLen int    `yaml:"redis_stream_max_len"`

	AuditBackend    string `yaml:"audit_backend"`
	AuditSQLitePath string `yaml:"audit_sqlite_path"`

	Timezone           string `yaml:"timezone"`
	DailyResetSchedule string `yaml:"daily_reset_schedule"`
	DailyResetCatchUp  bool   `yaml:"daily_reset_catch_up"`

	WriteRetries     int `yaml:"write_retries"`
	ToggleDebounceMS int `yaml:"toggle_debounce_ms"`

	FeedFreshnessSeconds int `yaml:"feed_freshness_seconds"`
	FeedHealthSeconds    int `yaml:"feed_health_seconds"`
	DedupCapacity        int `yaml:"dedup_capacity"`
	DedupTTLSeconds      int `yaml:"dedup_ttl_seconds"`

	RateLimitPerMinute         int `yaml:"rate_limit_per_min"`
	RateLimitBurst             int `yaml:"rate_limit_burst"`
	EmployeeRateLimitPerMinute int `yaml:"employee_rate_limit_per_min"`
	EmployeeRateLimitBurst     int `yaml:"employee_rate_limit_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Location *time.Location `yaml:"-"`
}

func Default() Config {
	return Config{
		Port:                       "8080",
		StoreBackend:               BackendPostgres,
		RedisStream:                "queue.engine.changes",
		RedisStreamMaxLen:          10000,
		AuditBackend:               AuditStore,
		AuditSQLitePath:            "audit.db",
		Timezone:                   "Local",
		DailyResetSchedule:         "59 23 * * *",
		DailyResetCatchUp:          true,
		WriteRetries:               3,
		ToggleDebounceMS:           1500,
		FeedFreshnessSeconds:       120,
		FeedHealthSeconds:          5,
		DedupCapacity:              1024,
		DedupTTLSeconds:            300,
		RateLimitPerMinute:         120,
		RateLimitBurst:             30,
		EmployeeRateLimitPerMinute: 60,
		EmployeeRateLimitBurst:     10,
		LogLevel:                   "info",
		LogFormat:                  "text",
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = readString("PORT", c.Port)
	c.DatabaseURL = readString("DB_DSN", c.DatabaseURL)
	c.StoreBackend = readString("STORE_BACKEND", c.StoreBackend)
	c.RedisURL = readString("REDIS_URL", c.RedisURL)
	c.RedisStream = readString("REDIS_STREAM", c.RedisStream)
	c.RedisStreamMaxLen = readInt("REDIS_STREAM_MAX_LEN", c.RedisStreamMaxLen)
	c.AuditBackend = readString("AUDIT_BACKEND", c.AuditBackend)
	c.AuditSQLitePath = readString("AUDIT_SQLITE_PATH", c.AuditSQLitePath)
	c.Timezone = readString("TIMEZONE", c.Timezone)
	c.DailyResetSchedule = readString("DAILY_RESET_SCHEDULE", c.DailyResetSchedule)
	c.DailyResetCatchUp = readBool("DAILY_RESET_CATCH_UP", c.DailyResetCatchUp)
	c.WriteRetries = readInt("WRITE_RETRIES", c.WriteRetries)
	c.ToggleDebounceMS = readInt("TOGGLE_DEBOUNCE_MS", c.ToggleDebounceMS)
	c.FeedFreshnessSeconds = readInt("FEED_FRESHNESS_SECONDS", c.FeedFreshnessSeconds)
	c.FeedHealthSeconds = readInt("FEED_HEALTH_SECONDS", c.FeedHealthSeconds)
	c.DedupCapacity = readInt("DEDUP_CAPACITY", c.DedupCapacity)
	c.DedupTTLSeconds = readInt("DEDUP_TTL_SECONDS", c.DedupTTLSeconds)
	c.RateLimitPerMinute = readInt("RATE_LIMIT_PER_MIN", c.RateLimitPerMinute)
	c.RateLimitBurst = readInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.EmployeeRateLimitPerMinute = readInt("EMPLOYEE_RATE_LIMIT_PER_MIN", c.EmployeeRateLimitPerMinute)
	c.EmployeeRateLimitBurst = readInt("EMPLOYEE_RATE_LIMIT_BURST", c.EmployeeRateLimitBurst)
	c.LogLevel = readString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = readString("LOG_FORMAT", c.LogFormat)
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DB_DSN is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.AuditBackend {
	case AuditStore, AuditSQLite, AuditNone:
	default:
		return fmt.Errorf("config: unknown AUDIT_BACKEND %q", c.AuditBackend)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("config: TIMEZONE: %w", err)
	}
	c.Location = loc
	return nil
}

func (c Config) ToggleDebounce() time.Duration {
	if c.ToggleDebounceMS <= 0 {
		return -1
	}
	return time.Duration(c.ToggleDebounceMS) * time.Millisecond
}

func (c Config) FeedFreshness() time.Duration {
	return seconds(c.FeedFreshnessSeconds)
}

func (c Config) FeedHealthInterval() time.Duration {
	return seconds(c.FeedHealthSeconds)
}

func (c Config) DedupTTL() time.Duration {
	return seconds(c.DedupTTLSeconds)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readString(key, fallback string) string {
	if raw := os.Getenv(key); raw != "" {
		return raw
	}
	return fallback
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
