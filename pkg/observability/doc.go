// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("table", "versions").Info("audit record written")
//
// Handlers should log through the request logger so request and subject IDs
// are attached:
//
//	observability.FromContext(r.Context()).WithError(err).Error("override lookup failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordPermissionDecision("versions", "delete", "deny")
//
// A nil *Metrics is accepted everywhere and records nothing.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "releasegate",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
