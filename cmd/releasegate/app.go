package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/releasegate/pkg/admin"
	"github.com/platinummonkey/releasegate/pkg/audit"
	"github.com/platinummonkey/releasegate/pkg/auth"
	"github.com/platinummonkey/releasegate/pkg/config"
	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/middleware"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
	"github.com/platinummonkey/releasegate/pkg/tracking"
	"github.com/platinummonkey/releasegate/pkg/uiperm"
)

const (
	replicaCheckInterval = 30 * time.Second
	dbStatsInterval      = 15 * time.Second
)

// app holds the server's long-lived dependencies
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	db      *postgres.ConnectionManager
	redis   *redis.Client
	otel    *observability.OTelProviders
	metrics *observability.Metrics
	stats   *audit.StatsCache
	handler http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	if err := auth.ValidateConfig(cfg.Identity); err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Observability.OTelEnvironment,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.otel = otelProviders

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(registry)
	}

	a.db, err = postgres.NewConnectionManager(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	primary := a.db.Primary()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, primary, logger); err != nil {
			return nil, err
		}
	}

	uiStore := uiperm.NewStore(primary)
	elements, err := uiperm.EmbeddedCatalog()
	if err != nil {
		return nil, err
	}
	if err := uiStore.SyncCatalog(ctx, elements); err != nil {
		return nil, fmt.Errorf("failed to sync UI catalog: %w", err)
	}

	if cfg.Redis.URL != "" {
		a.redis, err = postgres.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("Redis not configured; audit stats are computed per request")
	}

	profiles := profile.NewStore(primary)
	overrides := rbac.NewStore(primary)
	resolver := rbac.NewResolver(overrides, a.metrics)

	uiResolver, err := uiperm.NewResolver(uiStore, cfg.Access.CatalogCacheSize, cfg.Access.CatalogCacheTTL, a.metrics)
	if err != nil {
		return nil, err
	}

	uow := audit.NewUnitOfWork(primary, cfg.Audit.UnitOfWorkTimeout, a.metrics)
	recorder := audit.NewRecorder(a.metrics)

	// Audit reads may lag the primary by replication delay.
	a.stats = audit.NewStatsCache(a.db.Replica(), a.redis, cfg.Audit.StatsTTL, logger, a.metrics)
	auditService := audit.NewService(a.db.Replica(), resolver, a.stats, cfg.Audit.ExportMaxRows)

	adminService := admin.NewService(profiles, overrides, uiStore, resolver, uow, recorder)
	trackingService := tracking.NewService(tracking.NewStore(primary), resolver, uow, recorder)

	adapter, err := auth.NewOIDCAdapter(ctx, cfg.Identity)
	if err != nil {
		return nil, err
	}
	sessions := auth.NewSessions(adapter, profiles, logger)

	// Denied callers are rejected before they spend export budget.
	exportGuard := []mux.MiddlewareFunc{rbac.RequirePermission(resolver, rbac.ResourceAudit, rbac.ActionExport)}
	if a.redis != nil && cfg.Audit.ExportRateLimit > 0 {
		limiter := middleware.NewRateLimiter(a.redis, middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Audit.ExportRateLimit,
			WindowDuration:    cfg.Audit.ExportRateWindow,
		}, "releasegate:ratelimit:export", logger)
		exportGuard = append(exportGuard, limiter.Middleware())
	}

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware(logger),
		observability.HTTPMetricsMiddleware(a.metrics),
	)

	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(primary, a.redis, cfg.Observability.OTelServiceVersion))
	router.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	auth.NewHandlers(adapter, cfg.Identity.SessionCookie).RegisterRoutes(router)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewSessionMiddleware(sessions, cfg.Identity.SessionCookie, logger).Handler)
	admin.NewHandlers(adminService).RegisterRoutes(api)
	audit.NewHandlers(auditService, exportGuard...).RegisterRoutes(api)
	uiperm.NewHandlers(uiResolver).RegisterRoutes(api)
	tracking.NewHandlers(trackingService).RegisterRoutes(api)

	a.handler = otelhttp.NewHandler(router, "releasegate")
	return a, nil
}

// startBackground starts the stats refresher, replica pruning and pool
// stats sampling. All stop when ctx is done.
func (a *app) startBackground(ctx context.Context) {
	go a.stats.Run(ctx, a.cfg.Audit.StatsRefreshInterval)
	a.db.StartHealthCheckRoutine(ctx, replicaCheckInterval)

	if a.metrics != nil {
		go func() {
			defer observability.RecoverPanic(a.logger, "db stats sampler")
			ticker := time.NewTicker(dbStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.metrics.ObserveDBStats(a.db.Primary().Stats())
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// registerShutdown registers hooks; they run in reverse after the server
// drains, so telemetry flushes first and the database closes last.
func (a *app) registerShutdown(sm *observability.ShutdownManager) {
	sm.Register("database", func(ctx context.Context) error { return a.db.Close() })
	if a.redis != nil {
		sm.Register("redis", func(ctx context.Context) error { return a.redis.Close() })
	}
	sm.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, a.otel, a.logger)
	})
}

// newAdminService builds the admin service on db for command-line use
func newAdminService(db *sql.DB, cfg *config.Config, metrics *observability.Metrics) *admin.Service {
	overrides := rbac.NewStore(db)
	return admin.NewService(
		profile.NewStore(db),
		overrides,
		uiperm.NewStore(db),
		rbac.NewResolver(overrides, metrics),
		audit.NewUnitOfWork(db, cfg.Audit.UnitOfWorkTimeout, metrics),
		audit.NewRecorder(metrics),
	)
}
