package config

import (
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds PostgreSQL database connection settings.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
	// ApplicationName is reported to the server and shows up in pg_stat_activity.
	ApplicationName string
	// StatementTimeoutMs bounds every catalog statement; 0 leaves the server default.
	StatementTimeoutMs int
}

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ExtractionConfig selects and tunes the text extraction backend.
// Driver is "local" (in-process PDF/DOCX/XLSX/text parsing) or "gemini".
type ExtractionConfig struct {
	Driver       string
	Timeout      time.Duration
	Workers      int
	GeminiAPIKey string
	GeminiModel  string
}

// RetryConfig is the backoff policy applied to blob store and extraction calls.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// UploadConfig bounds a single upload batch.
type UploadConfig struct {
	MaxFileBytes int64
	MaxFiles     int
}

// AggregateConfig controls how long a replica serves its cached aggregate
// before re-reading the catalog.
type AggregateConfig struct {
	MaxAge time.Duration
}

// AppConfig is the centralized configuration struct for the application.
// It is populated from environment variables. Sensitive values are not hardcoded.
type AppConfig struct {
	AppHost  string
	Port     string
	TimeZone string
	// StorageDriver is "minio" or "memory"; CatalogDriver is "postgres" or "memory".
	StorageDriver string
	CatalogDriver string
	Database      DatabaseConfig
	MinIO         MinIOConfig
	Extraction    ExtractionConfig
	Retry         RetryConfig
	Upload        UploadConfig
	Aggregate     AggregateConfig
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
func Load() *AppConfig {
	return &AppConfig{
		AppHost:       getEnv("APP_HOST", "localhost:8080"),
		Port:          getEnv("PORT", "8080"), // default only for non-sensitive value
		TimeZone:      getEnv("APP_TIMEZONE", "UTC"),
		StorageDriver: getEnv("STORAGE_DRIVER", "minio"),
		CatalogDriver: getEnv("CATALOG_DRIVER", "postgres"),
		Database: DatabaseConfig{
			Host:               getEnv("DB_HOST", ""),
			Port:               getEnv("DB_PORT", "5432"),
			User:               getEnv("DB_USER", ""),
			Password:           getEnv("DB_PASSWORD", ""),
			Name:               getEnv("DB_NAME", ""),
			SSLMode:            getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
			ApplicationName:    getEnv("DB_APPLICATION_NAME", "kbapi"),
			StatementTimeoutMs: getEnvInt("DB_STATEMENT_TIMEOUT_MS", 30000),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", ""),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Extraction: ExtractionConfig{
			Driver:       getEnv("EXTRACTION_DRIVER", "local"),
			Timeout:      getEnvDuration("EXTRACTION_TIMEOUT", 60*time.Second),
			Workers:      getEnvInt("EXTRACTION_WORKERS", 4),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", 200*time.Millisecond),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
			Multiplier:   getEnvFloat("RETRY_MULTIPLIER", 2),
		},
		Upload: UploadConfig{
			MaxFileBytes: int64(getEnvInt("UPLOAD_MAX_FILE_BYTES", 5<<20)),
			MaxFiles:     getEnvInt("UPLOAD_MAX_FILES", 20),
		},
		Aggregate: AggregateConfig{
			MaxAge: getEnvDuration("AGGREGATE_MAX_AGE", 30*time.Second),
		},
	}
}

// Location resolves TimeZone, falling back to UTC when it is unknown.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("30s", "1m").
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
