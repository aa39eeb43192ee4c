package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/releasegate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Identity      IdentityConfig
	Access        AccessConfig
	Audit         AuditConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL string
	// ReplicaURLs serve audit reads; writes always go to URL
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	AutoMigrate bool
}

// RedisConfig holds the stats read model store settings. An empty URL disables
// the Redis-backed stats cache.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// IdentityConfig holds the hosted identity provider (OIDC) settings
type IdentityConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// SessionCookie is read when no bearer token is present
	SessionCookie string
}

// AccessConfig holds permission and UI resolver settings
type AccessConfig struct {
	CatalogCacheSize int
	CatalogCacheTTL  time.Duration
}

// AuditConfig holds audit recorder, query and retention settings
type AuditConfig struct {
	UnitOfWorkTimeout    time.Duration
	StatsRefreshInterval time.Duration
	StatsTTL             time.Duration
	ExportMaxRows        int
	// ExportRateLimit bounds exports per subject per ExportRateWindow when
	// Redis is configured. Zero disables the limit.
	ExportRateLimit   int
	ExportRateWindow  time.Duration
	RetentionAge      time.Duration
	RetentionSchedule string
	// RetentionBatchSize bounds the rows archived into one object and
	// deleted in one transaction.
	RetentionBatchSize int
}

// ArchiveConfig holds S3 settings for archiving audit records before
// retention deletes them. An empty Bucket disables archiving.
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Enabled reports whether archiving is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelEnvironment    string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Identity:      loadIdentityConfig(),
		Access:        loadAccessConfig(),
		Audit:         loadAuditConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RELEASEGATE_HOST", "0.0.0.0"),
		Port:            getEnv("RELEASEGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RELEASEGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RELEASEGATE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("RELEASEGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RELEASEGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("RELEASEGATE_DATABASE_URL", ""),
		ReplicaURLs: getEnvList("RELEASEGATE_DATABASE_REPLICA_URLS", nil),
		MaxConns:    getEnvInt("RELEASEGATE_DATABASE_MAX_CONNS", 20),
		MinConns:    getEnvInt("RELEASEGATE_DATABASE_MIN_CONNS", 2),
		Timeout:     getEnvDuration("RELEASEGATE_DATABASE_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("RELEASEGATE_DATABASE_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("RELEASEGATE_DATABASE_MAX_IDLE_TIME", 5*time.Minute),
		AutoMigrate: getEnvBool("RELEASEGATE_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("RELEASEGATE_REDIS_URL", ""),
		Password:   getEnv("RELEASEGATE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("RELEASEGATE_REDIS_DB", -1),
		MaxRetries: getEnvInt("RELEASEGATE_REDIS_MAX_RETRIES", 0),
		PoolSize:   getEnvInt("RELEASEGATE_REDIS_POOL_SIZE", 0),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		IssuerURL:     getEnv("RELEASEGATE_OIDC_ISSUER_URL", ""),
		ClientID:      getEnv("RELEASEGATE_OIDC_CLIENT_ID", ""),
		ClientSecret:  getEnv("RELEASEGATE_OIDC_CLIENT_SECRET", ""),
		RedirectURL:   getEnv("RELEASEGATE_OIDC_REDIRECT_URL", ""),
		Scopes:        getEnvList("RELEASEGATE_OIDC_SCOPES", []string{"openid", "email", "profile"}),
		SessionCookie: getEnv("RELEASEGATE_SESSION_COOKIE", "releasegate_session"),
	}
}

func loadAccessConfig() AccessConfig {
	return AccessConfig{
		CatalogCacheSize: getEnvInt("RELEASEGATE_UI_CATALOG_CACHE_SIZE", 512),
		CatalogCacheTTL:  getEnvDuration("RELEASEGATE_UI_CATALOG_CACHE_TTL", 5*time.Minute),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		UnitOfWorkTimeout:    getEnvDuration("RELEASEGATE_UNIT_OF_WORK_TIMEOUT", 10*time.Second),
		StatsRefreshInterval: getEnvDuration("RELEASEGATE_AUDIT_STATS_REFRESH_INTERVAL", 30*time.Second),
		StatsTTL:             getEnvDuration("RELEASEGATE_AUDIT_STATS_TTL", 2*time.Minute),
		ExportMaxRows:        getEnvInt("RELEASEGATE_AUDIT_EXPORT_MAX_ROWS", 100000),
		ExportRateLimit:      getEnvInt("RELEASEGATE_AUDIT_EXPORT_RATE_LIMIT", 10),
		ExportRateWindow:     getEnvDuration("RELEASEGATE_AUDIT_EXPORT_RATE_WINDOW", time.Hour),
		RetentionAge:         getEnvDuration("RELEASEGATE_AUDIT_RETENTION_AGE", 90*24*time.Hour),
		RetentionSchedule:    getEnv("RELEASEGATE_AUDIT_RETENTION_SCHEDULE", "0 3 * * *"),
		RetentionBatchSize:   getEnvInt("RELEASEGATE_AUDIT_RETENTION_BATCH_SIZE", 5000),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("RELEASEGATE_ARCHIVE_S3_BUCKET", ""),
		Prefix:       getEnv("RELEASEGATE_ARCHIVE_S3_PREFIX", "audit"),
		Region:       getEnv("RELEASEGATE_ARCHIVE_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("RELEASEGATE_ARCHIVE_S3_ENDPOINT", ""),
		AccessKey:    getEnv("RELEASEGATE_ARCHIVE_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("RELEASEGATE_ARCHIVE_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("RELEASEGATE_ARCHIVE_S3_USE_PATH_STYLE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("RELEASEGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("RELEASEGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RELEASEGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RELEASEGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RELEASEGATE_OTEL_SERVICE_NAME", "releasegate"),
		OTelServiceVersion: getEnv("RELEASEGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelEnvironment:    getEnv("RELEASEGATE_OTEL_ENVIRONMENT", ""),
		OTelInsecure:       getEnvBool("RELEASEGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("RELEASEGATE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Identity.IssuerURL != "" && c.Identity.ClientID == "" {
		return fmt.Errorf("OIDC client ID is required when an issuer is configured")
	}

	if c.Audit.UnitOfWorkTimeout <= 0 {
		return fmt.Errorf("unit of work timeout must be positive")
	}
	if c.Audit.StatsRefreshInterval <= 0 {
		return fmt.Errorf("audit stats refresh interval must be positive")
	}
	if c.Audit.StatsTTL < c.Audit.StatsRefreshInterval {
		return fmt.Errorf("audit stats TTL (%s) must not be shorter than the refresh interval (%s)",
			c.Audit.StatsTTL, c.Audit.StatsRefreshInterval)
	}
	if c.Audit.ExportRateLimit > 0 && c.Audit.ExportRateWindow <= 0 {
		return fmt.Errorf("audit export rate window must be positive when a limit is set")
	}
	if c.Audit.RetentionAge < 24*time.Hour {
		return fmt.Errorf("audit retention age must be at least 24h, got %s", c.Audit.RetentionAge)
	}

	if c.Archive.Enabled() && c.Archive.Region == "" {
		return fmt.Errorf("archive region is required when an archive bucket is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %g", r)
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
