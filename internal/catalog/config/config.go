package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreFile     = "file"

	QueueRedis  = "redis"
	QueueMemory = "memory"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Store     StoreConfig
	Scraper   ScraperConfig
	Scheduler SchedulerConfig
	Relay     RelayConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

// StoreConfig selects where sellers, jobs and products live and which queue
// carries job messages. The file store and memory queue serve single-node runs.
type StoreConfig struct {
	Backend string
	File    string
	Queue   string
}

type ScraperConfig struct {
	Workers         int
	RequestTimeout  time.Duration
	PolitenessMin   time.Duration
	PolitenessMax   time.Duration
	MaxRetries      int
	UserAgent       string
	SitesFile       string
	FrequencyWindow time.Duration
}

type SchedulerConfig struct {
	DispatchInterval time.Duration
	StaleAfter       time.Duration
	ReconcileOnStart bool
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("PORT", 8085),
			ReadTimeout:     envDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: envDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     envString("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			User:     envString("DB_USER", "postgres"),
			Password: envString("DB_PASSWORD", ""),
			Name:     envString("DB_NAME", "catalog"),
			SSLMode:  envString("DB_SSLMODE", "disable"),
			MaxConns: int32(envInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
			Stream:   envString("REDIS_JOB_STREAM", "stream:catalog_crawl_jobs"),
			Group:    envString("REDIS_JOB_GROUP", "catalog-workers"),
			Consumer: envString("REDIS_CONSUMER", hostname()),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(envString("STORE_BACKEND", StorePostgres)),
			File:    envString("STORE_FILE", "catalog-store.json"),
			Queue:   strings.ToLower(envString("QUEUE_BACKEND", QueueRedis)),
		},
		Scraper: ScraperConfig{
			Workers:         envInt("SCRAPER_WORKERS", 2),
			RequestTimeout:  envDuration("SCRAPER_REQUEST_TIMEOUT", 30*time.Second),
			PolitenessMin:   envDuration("SCRAPER_POLITENESS_MIN", 2*time.Second),
			PolitenessMax:   envDuration("SCRAPER_POLITENESS_MAX", 5*time.Second),
			MaxRetries:      envInt("SCRAPER_MAX_RETRIES", 3),
			UserAgent:       envString("SCRAPER_USER_AGENT", "catalog-scraper/1.0 (+https://github.com/maltedev/catalog-scraper)"),
			SitesFile:       envString("SITES_FILE", "configs/sites.yaml"),
			FrequencyWindow: envDuration("SCRAPER_ERROR_WINDOW", time.Hour),
		},
		Scheduler: SchedulerConfig{
			DispatchInterval: envDuration("SCHEDULER_DISPATCH_INTERVAL", time.Minute),
			StaleAfter:       envDuration("SCHEDULER_STALE_AFTER", 30*time.Minute),
			ReconcileOnStart: envBool("SCHEDULER_RECONCILE_ON_START", true),
		},
		Relay: RelayConfig{
			PollInterval: envDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
			BatchSize:    envInt("OUTBOX_BATCH_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(envString("LOG_LEVEL", "info")),
			Format: strings.ToLower(envString("LOG_FORMAT", "json")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every problem at once so a bad deployment can be fixed in
// one pass.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "PORT out of range: %d", c.Server.Port)

	switch c.Store.Backend {
	case StorePostgres:
		check(c.Database.Host != "", "DB_HOST is required for the postgres store")
		check(c.Database.Name != "", "DB_NAME is required for the postgres store")
	case StoreFile:
		check(c.Store.File != "", "STORE_FILE is required for the file store")
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.Store.Backend))
	}

	switch c.Store.Queue {
	case QueueRedis:
		check(c.Redis.Addr != "", "REDIS_ADDR is required for the redis queue")
	case QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND: unknown backend %q", c.Store.Queue))
	}

	sc := c.Scraper
	check(sc.Workers >= 1, "SCRAPER_WORKERS must be at least 1, got %d", sc.Workers)
	check(sc.MaxRetries >= 0, "SCRAPER_MAX_RETRIES cannot be negative, got %d", sc.MaxRetries)
	check(sc.RequestTimeout > 0, "SCRAPER_REQUEST_TIMEOUT must be positive")
	check(sc.PolitenessMin >= 0 && sc.PolitenessMax >= sc.PolitenessMin,
		"politeness range %s..%s is inverted or negative", sc.PolitenessMin, sc.PolitenessMax)
	check(sc.SitesFile != "", "SITES_FILE is required")

	check(c.Scheduler.DispatchInterval > 0, "SCHEDULER_DISPATCH_INTERVAL must be positive")
	check(c.Scheduler.StaleAfter > 0, "SCHEDULER_STALE_AFTER must be positive")

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %q", level)
}

// env reads key and parses it, keeping def when the variable is unset or malformed.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func envString(key, def string) string {
	return env(key, def, func(s string) (string, error) { return s, nil })
}

func envInt(key string, def int) int {
	return env(key, def, strconv.Atoi)
}

func envBool(key string, def bool) bool {
	return env(key, def, strconv.ParseBool)
}

func envDuration(key string, def time.Duration) time.Duration {
	return env(key, def, time.ParseDuration)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "catalog-worker"
	}
	return name
}
