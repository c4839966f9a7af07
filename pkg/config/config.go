package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	HMRC     HMRCConfig
	Licences LicencesConfig
	Reports  ReportsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// HMRCConfig governs outbound delivery to the customs integration service.
type HMRCConfig struct {
	Enabled        bool
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	CoolDown       time.Duration
	Workers        int
}

// LicencesConfig tunes licence behaviour and the read cache.
type LicencesConfig struct {
	CacheTTL            time.Duration
	ExpirySweepInterval time.Duration
	AppealWindowDays    int
}

// ReportsConfig configures asynchronous licence register exports.
type ReportsConfig struct {
	Enabled           bool
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.HMRC = HMRCConfig{
		Enabled:        v.GetBool("HMRC_INTEGRATION_ENABLED"),
		BaseURL:        v.GetString("HMRC_INTEGRATION_URL"),
		APIKey:         v.GetString("HMRC_INTEGRATION_API_KEY"),
		RequestTimeout: parseDuration(v.GetString("HMRC_REQUEST_TIMEOUT"), 30*time.Second),
		MaxAttempts:    v.GetInt("HMRC_MAX_ATTEMPTS"),
		RetryDelay:     parseDuration(v.GetString("HMRC_RETRY_DELAY"), 30*time.Second),
		CoolDown:       parseDuration(v.GetString("HMRC_TASK_BACK_OFF"), time.Hour),
		Workers:        v.GetInt("HMRC_WORKERS"),
	}

	cfg.Licences = LicencesConfig{
		CacheTTL:            parseDuration(v.GetString("LICENCE_CACHE_TTL"), 5*time.Minute),
		ExpirySweepInterval: parseDuration(v.GetString("LICENCE_EXPIRY_SWEEP_INTERVAL"), 24*time.Hour),
		AppealWindowDays:    v.GetInt("APPEAL_WINDOW_DAYS"),
	}

	cfg.Reports = ReportsConfig{
		Enabled:           v.GetBool("ENABLE_REPORTS"),
		StorageDir:        v.GetString("REPORTS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("REPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("REPORTS_SIGNED_URL_TTL"), 24*time.Hour),
		WorkerConcurrency: v.GetInt("REPORTS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("REPORTS_WORKER_RETRIES"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "licensing")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("HMRC_INTEGRATION_ENABLED", false)
	v.SetDefault("HMRC_INTEGRATION_URL", "http://localhost:8100")
	v.SetDefault("HMRC_INTEGRATION_API_KEY", "")
	v.SetDefault("HMRC_REQUEST_TIMEOUT", "30s")
	v.SetDefault("HMRC_MAX_ATTEMPTS", 3)
	v.SetDefault("HMRC_RETRY_DELAY", "30s")
	v.SetDefault("HMRC_TASK_BACK_OFF", "1h")
	v.SetDefault("HMRC_WORKERS", 2)

	v.SetDefault("LICENCE_CACHE_TTL", "5m")
	v.SetDefault("LICENCE_EXPIRY_SWEEP_INTERVAL", "24h")
	v.SetDefault("APPEAL_WINDOW_DAYS", 28)

	v.SetDefault("ENABLE_REPORTS", false)
	v.SetDefault("REPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("REPORTS_SIGNED_URL_SECRET", "dev_reports_secret")
	v.SetDefault("REPORTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("REPORTS_WORKER_CONCURRENCY", 1)
	v.SetDefault("REPORTS_WORKER_RETRIES", 3)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
