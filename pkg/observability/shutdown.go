package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager handles graceful shutdown of the server and its dependencies.
// Hooks run after the HTTP server has drained, in reverse registration order,
// so resources opened first (the database) are released last.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// Register adds a named shutdown hook
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT/SIGTERM or ctx is done, then shuts down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)
	case <-ctx.Done():
		sm.logger.Info("Context cancelled, starting graceful shutdown")
	}

	return sm.Shutdown()
}

// Shutdown drains the HTTP server and runs every hook within the timeout
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error

	if sm.server != nil {
		sm.logger.Info("Shutting down HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	sm.mu.Lock()
	hooks := make([]shutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if err := hook.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("hook", hook.name).Error("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			continue
		}
		sm.logger.WithField("hook", hook.name).Info("Shutdown hook complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
