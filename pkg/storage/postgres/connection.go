package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/releasegate/pkg/config"
	"github.com/platinummonkey/releasegate/pkg/observability"
)

// ConnectionManager manages the primary connection and optional read
// replicas. Every mutation and its audit record go through Primary; audit
// queries may be served by a replica.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   config.DatabaseConfig
	logger   *observability.Logger
}

// NewConnectionManager opens and pings the primary and any replicas.
// Replicas that fail to connect are skipped.
func NewConnectionManager(cfg config.DatabaseConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	cm := &ConnectionManager{config: cfg, logger: logger}

	primary, err := cm.open(cfg.URL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	for i, url := range cfg.ReplicaURLs {
		replica, err := cm.open(url, replicaPoolSize(cfg.MaxConns))
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable read replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("Database connections initialized")
	return cm, nil
}

// NewConnectionManagerFromDB wraps an existing handle with no replicas
func NewConnectionManagerFromDB(db *sql.DB) *ConnectionManager {
	return &ConnectionManager{
		primary: db,
		logger:  observability.NewLogger(observability.InfoLevel, nil),
	}
}

func (cm *ConnectionManager) open(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func replicaPoolSize(maxConns int) int {
	if n := maxConns / 2; n >= 2 {
		return n
	}
	return 2
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return removed
}

// StartHealthCheckRoutine prunes unhealthy replicas every interval until ctx
// is done.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(cm.logger, "replica health check")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if removed := cm.RemoveUnhealthyReplicas(checkCtx); removed > 0 {
					cm.logger.WithField("removed", removed).Warn("Removed unhealthy read replicas")
				}
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
