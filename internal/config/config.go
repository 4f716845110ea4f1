package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all gateway configuration, loaded from the environment with
// an optional .env file.
type Config struct {
	DIMSE         DIMSEConfig
	Upstream      UpstreamConfig
	Move          MoveConfig
	InstanceCache InstanceCacheConfig
	MetadataCache MetadataCacheConfig
	ManifestCache ManifestCacheConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	AE            AEConfig
	Server        ServerConfig
	CORS          CORSConfig
	Metrics       MetricsConfig
	Log           LogConfig
}

// DIMSEConfig configures the inbound DIMSE SCP listener.
type DIMSEConfig struct {
	AETitle         string        `validate:"required,max=16"`
	Host            string        `validate:"required"`
	Port            int           `validate:"gte=1,lte=65535"`
	AutoStart       bool
	MaxPDULength    uint32        `validate:"gte=4096"`
	ConnectTimeout  time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	MaxAssociations int           `validate:"gte=1"`
}

// UpstreamConfig configures the MHD FHIR and WADO-RS endpoints.
type UpstreamConfig struct {
	MHDBaseURL      string        `validate:"required,url"`
	WADOBaseURL     string        `validate:"required,url"`
	ConnectTimeout  time.Duration `validate:"gt=0"`
	SearchTimeout   time.Duration `validate:"gt=0"`
	ManifestTimeout time.Duration `validate:"gt=0"`
	InstanceTimeout time.Duration `validate:"gt=0"`
}

// MoveConfig bounds the C-MOVE streaming pipeline.
type MoveConfig struct {
	MaxParallelDownloads int           `validate:"gte=1"`
	MaxParallelStores    int           `validate:"gte=1"`
	FirstInstanceWait    time.Duration `validate:"gt=0"`
}

// InstanceCacheConfig configures the in-memory instance byte cache.
type InstanceCacheConfig struct {
	Enabled   bool
	MaxSizeMB int           `validate:"gte=1"`
	TTL       time.Duration `validate:"gt=0"`
}

// MetadataCacheConfig configures the parsed-metadata TTL cache.
type MetadataCacheConfig struct {
	TTL time.Duration `validate:"gt=0"`
}

// ManifestCacheConfig configures the raw manifest byte cache.
type ManifestCacheConfig struct {
	Enabled bool
	Type    string        `validate:"oneof=memory redis"`
	TTL     time.Duration `validate:"gt=0"`
}

// RedisConfig configures the optional Redis backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DatabaseConfig configures the optional Postgres AE directory store.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// AEConfig seeds the AE destination directory.
type AEConfig struct {
	// Destinations is a comma-separated list of TITLE=host:port entries.
	Destinations    string
	FallbackEnabled bool
	FallbackHost    string
	FallbackPort    int
}

// ServerConfig configures the management HTTP server.
type ServerConfig struct {
	Host         string
	Port         int `validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CORSConfig configures CORS on the management API.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DIMSE: DIMSEConfig{
			AETitle:         getEnv("DIMSE_AE_TITLE", "MADO_GATEWAY"),
			Host:            getEnv("DIMSE_HOST", "0.0.0.0"),
			Port:            getEnvInt("DIMSE_PORT", 11112),
			AutoStart:       getEnvBool("DIMSE_AUTO_START", true),
			MaxPDULength:    uint32(getEnvInt("DIMSE_MAX_PDU_LENGTH", 16384)),
			ConnectTimeout:  getEnvDuration("DIMSE_CONNECT_TIMEOUT_MS", 10*time.Second),
			IdleTimeout:     getEnvDuration("DIMSE_IDLE_TIMEOUT_MS", 60*time.Second),
			MaxAssociations: getEnvInt("DIMSE_MAX_ASSOCIATIONS", 25),
		},
		Upstream: UpstreamConfig{
			MHDBaseURL:      getEnv("MHD_FHIR_BASE_URL", "http://localhost:8080/fhir"),
			WADOBaseURL:     getEnv("WADO_RS_BASE_URL", "http://localhost:8080/dicom-web"),
			ConnectTimeout:  getEnvDuration("UPSTREAM_CONNECT_TIMEOUT_MS", 10*time.Second),
			SearchTimeout:   getEnvDuration("UPSTREAM_SEARCH_TIMEOUT_MS", 30*time.Second),
			ManifestTimeout: getEnvDuration("UPSTREAM_MANIFEST_TIMEOUT_MS", 60*time.Second),
			InstanceTimeout: getEnvDuration("UPSTREAM_INSTANCE_TIMEOUT_MS", 120*time.Second),
		},
		Move: MoveConfig{
			MaxParallelDownloads: getEnvInt("MOVE_MAX_PARALLEL_DOWNLOADS", 4),
			MaxParallelStores:    getEnvInt("MOVE_MAX_PARALLEL_STORES", 2),
			FirstInstanceWait:    getEnvDuration("MOVE_FIRST_INSTANCE_WAIT_MS", 60*time.Second),
		},
		InstanceCache: InstanceCacheConfig{
			Enabled:   getEnvBool("INSTANCE_CACHE_ENABLED", true),
			MaxSizeMB: getEnvInt("INSTANCE_CACHE_MAX_SIZE_MB", 512),
			TTL:       getEnvDuration("INSTANCE_CACHE_TTL_MINUTES", 15*time.Minute),
		},
		MetadataCache: MetadataCacheConfig{
			TTL: getEnvDuration("METADATA_CACHE_TTL_MINUTES", 10*time.Minute),
		},
		ManifestCache: ManifestCacheConfig{
			Enabled: getEnvBool("MANIFEST_CACHE_ENABLED", true),
			Type:    getEnv("MANIFEST_CACHE_TYPE", "memory"),
			TTL:     getEnvDuration("MANIFEST_CACHE_TTL_MINUTES", 10*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DATABASE_ENABLED", false),
			Host:     getEnv("DATABASE_HOST", "localhost"),
			Port:     getEnvInt("DATABASE_PORT", 5432),
			User:     getEnv("DATABASE_USER", "gateway"),
			Password: getEnv("DATABASE_PASSWORD", ""),
			DBName:   getEnv("DATABASE_NAME", "mado_gateway"),
			SSLMode:  getEnv("DATABASE_SSL_MODE", "disable"),
			LogLevel: getEnv("DATABASE_LOG_LEVEL", "warn"),
		},
		AE: AEConfig{
			Destinations:    getEnv("AE_DESTINATIONS", ""),
			FallbackEnabled: getEnvBool("AE_FALLBACK_ENABLED", false),
			FallbackHost:    getEnv("AE_FALLBACK_HOST", ""),
			FallbackPort:    getEnvInt("AE_FALLBACK_PORT", 104),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8042),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT_MS", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT_MS", 30*time.Second),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate checks the loaded configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.AE.FallbackEnabled && c.AE.FallbackHost == "" {
		return fmt.Errorf("invalid configuration: AE_FALLBACK_ENABLED requires AE_FALLBACK_HOST")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration reads durations given as integer counts of the unit named
// by the key suffix (_MS or _MINUTES).
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	if strings.HasSuffix(key, "_MINUTES") {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
