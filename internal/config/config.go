package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	PublicURL   string

	// Backend collaborator
	BackendURL     string
	APIPrefix      string
	StreamPath     string
	BackendTimeout time.Duration

	// Blob store configuration
	StoreBackend  string // "bolt" or "minio"
	BoltPath      string
	StoreMaxBytes int64 // 0 means unlimited
	ChunkSizeMB   int

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Response caches
	CacheBackend     string // "memory" or "redis"
	CacheVersion     string
	OfflinePagePath  string
	OfflinePageFile  string
	PrecacheURLs     []string
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	RedisCachePrefix string

	// Connectivity
	ProbeInterval time.Duration
	ProbePath     string

	// Source sessions kept by the management API
	MaxSourceSessions int

	// Downloads
	DownloadRetries   int
	DownloadBaseDelay time.Duration
	DownloadMaxDelay  time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Jaeger configuration
	TracingEnabled bool
	JaegerEndpoint string
}

// LoadConfig loads configuration from an optional audioshelf.yaml and
// environment variables, with sensible defaults
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("audioshelf")
	v.SetConfigType("yaml")
	if dir := os.Getenv("AUDIOSHELF_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("SERVICE_PORT", "8080")
	v.SetDefault("SERVICE_NAME", "audioshelf")
	v.SetDefault("PUBLIC_URL", "")

	// Backend defaults
	v.SetDefault("BACKEND_URL", "http://localhost:8000")
	v.SetDefault("API_PREFIX", "/api/")
	v.SetDefault("STREAM_PATH", "/api/stream/")
	v.SetDefault("BACKEND_TIMEOUT", "0s")

	// Blob store defaults
	v.SetDefault("STORE_BACKEND", "bolt")
	v.SetDefault("BOLT_PATH", "./data/audiobook-library.db")
	v.SetDefault("STORE_MAX_BYTES", 0)
	v.SetDefault("CHUNK_SIZE_MB", 1)

	// MinIO defaults
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET_NAME", "audioshelf")
	v.SetDefault("MINIO_USE_SSL", false)

	// TiDB defaults
	v.SetDefault("TIDB_HOST", "localhost")
	v.SetDefault("TIDB_PORT", "4000")
	v.SetDefault("TIDB_USER", "root")
	v.SetDefault("TIDB_PASSWORD", "")
	v.SetDefault("TIDB_DATABASE", "audioshelf")

	// Cache defaults
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CACHE_VERSION", "v2")
	v.SetDefault("OFFLINE_PAGE_PATH", "/offline.html")
	v.SetDefault("OFFLINE_PAGE_FILE", "")
	v.SetDefault("PRECACHE_URLS", "/offline.html,/")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CACHE_PREFIX", "audioshelf")

	// Connectivity defaults
	v.SetDefault("PROBE_INTERVAL", "15s")
	v.SetDefault("PROBE_PATH", "/health")
	v.SetDefault("MAX_SOURCE_SESSIONS", 32)

	// Download defaults
	v.SetDefault("DOWNLOAD_RETRIES", 0)
	v.SetDefault("DOWNLOAD_BASE_DELAY", "500ms")
	v.SetDefault("DOWNLOAD_MAX_DELAY", "10s")

	// Logging defaults
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("LOG_FORMAT", "json")

	// Jaeger defaults
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("JAEGER_ENDPOINT", "localhost:4318")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServicePort: v.GetString("SERVICE_PORT"),
		ServiceName: v.GetString("SERVICE_NAME"),
		PublicURL:   v.GetString("PUBLIC_URL"),

		BackendURL:     strings.TrimRight(v.GetString("BACKEND_URL"), "/"),
		APIPrefix:      v.GetString("API_PREFIX"),
		StreamPath:     v.GetString("STREAM_PATH"),
		BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),

		StoreBackend:  strings.ToLower(v.GetString("STORE_BACKEND")),
		BoltPath:      v.GetString("BOLT_PATH"),
		StoreMaxBytes: v.GetInt64("STORE_MAX_BYTES"),
		ChunkSizeMB:   v.GetInt("CHUNK_SIZE_MB"),

		MinIOEndpoint:   v.GetString("MINIO_ENDPOINT"),
		MinIOAccessKey:  v.GetString("MINIO_ACCESS_KEY"),
		MinIOSecretKey:  v.GetString("MINIO_SECRET_KEY"),
		MinIOBucketName: v.GetString("MINIO_BUCKET_NAME"),
		MinIOUseSSL:     v.GetBool("MINIO_USE_SSL"),

		TiDBHost:     v.GetString("TIDB_HOST"),
		TiDBPort:     v.GetString("TIDB_PORT"),
		TiDBUser:     v.GetString("TIDB_USER"),
		TiDBPassword: v.GetString("TIDB_PASSWORD"),
		TiDBDatabase: v.GetString("TIDB_DATABASE"),

		CacheBackend:     strings.ToLower(v.GetString("CACHE_BACKEND")),
		CacheVersion:     v.GetString("CACHE_VERSION"),
		OfflinePagePath:  v.GetString("OFFLINE_PAGE_PATH"),
		OfflinePageFile:  v.GetString("OFFLINE_PAGE_FILE"),
		PrecacheURLs:     splitList(v.GetString("PRECACHE_URLS")),
		RedisHost:        v.GetString("REDIS_HOST"),
		RedisPort:        v.GetString("REDIS_PORT"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisDB:          v.GetInt("REDIS_DB"),
		RedisCachePrefix: v.GetString("REDIS_CACHE_PREFIX"),

		ProbeInterval: v.GetDuration("PROBE_INTERVAL"),
		ProbePath:     v.GetString("PROBE_PATH"),

		MaxSourceSessions: v.GetInt("MAX_SOURCE_SESSIONS"),

		DownloadRetries:   v.GetInt("DOWNLOAD_RETRIES"),
		DownloadBaseDelay: v.GetDuration("DOWNLOAD_BASE_DELAY"),
		DownloadMaxDelay:  v.GetDuration("DOWNLOAD_MAX_DELAY"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		TracingEnabled: v.GetBool("TRACING_ENABLED"),
		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "bolt", "minio":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.StoreMaxBytes < 0 {
		return fmt.Errorf("STORE_MAX_BYTES must not be negative")
	}
	if c.MaxSourceSessions < 1 {
		return fmt.Errorf("MAX_SOURCE_SESSIONS must be at least 1")
	}
	if c.DownloadRetries < 0 {
		return fmt.Errorf("DOWNLOAD_RETRIES must not be negative")
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// GetPublicURL returns the base URL the service is reachable at
func (c *Config) GetPublicURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://localhost:" + c.ServicePort
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
