package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/platinummonkey/releasegate/pkg/admin"
	"github.com/platinummonkey/releasegate/pkg/config"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
)

const usage = `Usage: releasegate <command> [flags]

Commands:
  serve             Run the HTTP API (default)
  migrate           Apply pending schema migrations and exit
  bootstrap-admin   Promote one existing profile to the first super admin
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, nil).WithField("command", cmd)

	ctx := context.Background()
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "bootstrap-admin":
		err = bootstrapAdmin(ctx, cfg, logger, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      app.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	app.registerShutdown(shutdown)

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	app.startBackground(serveCtx)

	go func() {
		logger.Infof("Starting releasegate on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	return shutdown.WaitForShutdown(serveCtx)
}

func migrate(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	cm, err := postgres.NewConnectionManager(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer cm.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return postgres.Migrate(ctx, cm.Primary(), logger)
}

func bootstrapAdmin(ctx context.Context, cfg *config.Config, logger *observability.Logger, args []string) error {
	fs := flag.NewFlagSet("bootstrap-admin", flag.ContinueOnError)
	email := fs.String("email", "", "Email of the existing profile to promote")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("-email is required")
	}

	cm, err := postgres.NewConnectionManager(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer cm.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, cm.Primary(), logger); err != nil {
			return err
		}
	}

	svc := newAdminService(cm.Primary(), cfg, nil)
	subject, err := svc.BootstrapSuperAdmin(ctx, *email)
	if admin.IsAlreadyBootstrapped(err) {
		logger.Warn("An active super admin already exists; nothing to do")
		return err
	}
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"subject_id": subject.ID,
		"email":      subject.Email,
	}).Info("Promoted profile to super admin")
	return nil
}
