package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Kafka     KafkaConfig
	Log       LogConfig
	Metrics   MetricsConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns host:port for the HTTP listener
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	MigrationsDir   string
}

// CacheConfig holds aggregate cache configuration. Backend is redis, memory
// or none; when unset it is redis if RedisAddr is set, otherwise none.
type CacheConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	ScannerTopic string
	GroupID      string
}

// LogConfig holds zap logger configuration
type LogConfig struct {
	Level       string
	Encoding    string
	Development bool
	Sampling    bool
}

// MetricsConfig controls the dashboard composer and the mutating-route limiter
type MetricsConfig struct {
	// Strict fails the whole dashboard request when any section fetch fails.
	Strict         bool
	RateLimitRPS   float64
	RateLimitBurst int
}

// SchedulerConfig holds cron schedules for background jobs. An empty schedule
// disables the job.
type SchedulerConfig struct {
	Enabled         bool
	ExpireSpec      string
	RebuildSpec     string
	ReconcileSpec   string
	RebuildLookback time.Duration
}

// Load reads configuration from environment variables, after loading a .env
// file when one is present
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "opportunities"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 5*time.Second),
			MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", "db/migrations"),
		},
		Cache: CacheConfig{
			Backend:       getEnv("CACHE_BACKEND", ""),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			TTL:           getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled:      getEnvBool("KAFKA_ENABLED", false),
			Brokers:      getEnvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:        getEnv("KAFKA_TOPIC", "portfolio-events"),
			ScannerTopic: getEnv("KAFKA_SCANNER_TOPIC", "scanner-events"),
			GroupID:      getEnv("KAFKA_GROUP_ID", "opportunity-metrics"),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Encoding:    getEnv("LOG_ENCODING", "json"),
			Development: getEnvBool("LOG_DEVELOPMENT", false),
			Sampling:    getEnvBool("LOG_SAMPLING", false),
		},
		Metrics: MetricsConfig{
			Strict:         getEnvBool("METRICS_STRICT", false),
			RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnvBool("SCHEDULER_ENABLED", true),
			ExpireSpec:      getEnv("CRON_EXPIRE_OPPORTUNITIES", "0 * * * * *"),
			RebuildSpec:     getEnv("CRON_REBUILD_DAILY_METRICS", "0 15 0 * * *"),
			ReconcileSpec:   getEnv("CRON_RECONCILE_PORTFOLIOS", "0 30 0 * * *"),
			RebuildLookback: getEnvDuration("REBUILD_LOOKBACK", 30*24*time.Hour),
		},
	}
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
