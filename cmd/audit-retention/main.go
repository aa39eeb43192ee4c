package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/releasegate/pkg/audit"
	"github.com/platinummonkey/releasegate/pkg/config"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
)

var (
	runOnce    = flag.Bool("once", false, "Run one cleanup and exit")
	runTimeout = flag.Duration("timeout", 30*time.Minute, "Maximum duration of one cleanup run")
)

// The retention job deletes audit records older than the configured age,
// archiving them to S3 first when an archive bucket is configured.
func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg.Observability.LogLevel.String())

	cm, err := postgres.NewConnectionManager(cfg.Database, observability.NewLogger(cfg.Observability.LogLevel, nil))
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()

	var archiver audit.Archiver
	if cfg.Archive.Enabled() {
		s3Client, err := postgres.NewS3Client(context.Background(), cfg.Archive)
		if err != nil {
			logger.Fatalf("Failed to create archive client: %v", err)
		}
		archiver = s3Client
		logger.WithField("bucket", s3Client.Bucket()).Info("Archiving expired audit records before deletion")
	} else {
		logger.Warn("No archive bucket configured; expired audit records are deleted without archiving")
	}

	retention := audit.NewRetention(cm.Primary(), archiver, observability.NewLogger(cfg.Observability.LogLevel, nil), nil).
		WithBatchSize(cfg.Audit.RetentionBatchSize)

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), *runTimeout)
		defer cancel()

		start := time.Now()
		deleted, err := retention.CleanupOlderThan(ctx, cfg.Audit.RetentionAge)
		entry := logger.WithFields(logrus.Fields{
			"deleted":  deleted,
			"age":      cfg.Audit.RetentionAge.String(),
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Error("Audit retention run failed")
			return
		}
		entry.Info("Audit retention run completed")
	}

	if *runOnce {
		run()
		return
	}

	cronLogger := cron.VerbosePrintfLogger(logger)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(cfg.Audit.RetentionSchedule, run); err != nil {
		logger.Fatalf("Failed to schedule audit retention: %v", err)
	}

	c.Start()
	logger.WithField("schedule", cfg.Audit.RetentionSchedule).Info("Audit retention scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()
	logger.Info("Audit retention scheduler stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
