// Package config provides application configuration management from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	RELEASEGATE_HOST="0.0.0.0"
//	RELEASEGATE_PORT="8080"
//	RELEASEGATE_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	RELEASEGATE_DATABASE_URL="postgres://localhost/releasegate?sslmode=disable"
//	RELEASEGATE_DATABASE_MAX_CONNS="20"
//	RELEASEGATE_REDIS_URL="redis://localhost:6379/0"
//
// Identity provider:
//
//	RELEASEGATE_OIDC_ISSUER_URL="https://auth.example.com"
//	RELEASEGATE_OIDC_CLIENT_ID="releasegate"
//
// Audit settings:
//
//	RELEASEGATE_UNIT_OF_WORK_TIMEOUT="10s"
//	RELEASEGATE_AUDIT_STATS_REFRESH_INTERVAL="30s"
//	RELEASEGATE_AUDIT_RETENTION_AGE="2160h"
//	RELEASEGATE_AUDIT_RETENTION_SCHEDULE="0 3 * * *"
//	RELEASEGATE_ARCHIVE_S3_BUCKET="releasegate-audit-archive"
//
// Observability:
//
//	RELEASEGATE_LOG_LEVEL="info"
//	RELEASEGATE_OTEL_ENABLED="false"
//	RELEASEGATE_OTEL_ENDPOINT="localhost:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
package config
