package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/releasegate/pkg/observability"
)

const (
	// StatsKey is the Redis key of the materialized stats
	StatsKey = "releasegate:audit:stats"

	defaultStatsTTL = 5 * time.Minute
	statsWindow     = 7 * 24 * time.Hour
)

// StatsCache is the materialized audit summary. Redis holds the latest
// snapshot; when Redis is absent or failing, stats are computed from SQL.
type StatsCache struct {
	db      *sql.DB
	redis   *redis.Client
	ttl     time.Duration
	group   singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStatsCache creates a stats read model. redis, logger and metrics may be nil.
func NewStatsCache(db *sql.DB, client *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *StatsCache {
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &StatsCache{
		db:      db,
		redis:   client,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the cached stats, refreshing on a miss. Concurrent misses
// share one refresh.
func (c *StatsCache) Get(ctx context.Context) (*Stats, error) {
	if c.redis == nil {
		return c.compute(ctx)
	}

	cached, err := c.redis.Get(ctx, StatsKey).Bytes()
	switch {
	case err == nil:
		var stats Stats
		if jsonErr := json.Unmarshal(cached, &stats); jsonErr == nil {
			return &stats, nil
		}
		c.logger.Warn("Discarding undecodable cached audit stats")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WithError(err).Warn("Stats cache unavailable, computing audit stats from SQL")
		return c.compute(ctx)
	}

	result := c.group.DoChan(StatsKey, func() (interface{}, error) {
		return c.Refresh(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Stats), nil
	}
}

// Refresh recomputes the stats and stores them with the configured TTL. A
// Redis write failure is logged; the computed stats are still returned.
func (c *StatsCache) Refresh(ctx context.Context) (*Stats, error) {
	stats, err := c.compute(ctx)
	c.metrics.RecordStatsRefresh(err)
	if err != nil {
		return nil, err
	}
	if c.redis == nil {
		return stats, nil
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit stats: %w", err)
	}
	if err := c.redis.Set(ctx, StatsKey, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to store audit stats")
	}
	return stats, nil
}

// Run refreshes the stats every interval until ctx is cancelled
func (c *StatsCache) Run(ctx context.Context, interval time.Duration) {
	defer observability.RecoverPanic(c.logger, "audit stats refresher")

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.WithField("interval", interval.String()).Info("Starting audit stats refresher")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping audit stats refresher")
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Error("Failed to refresh audit stats")
			}
		}
	}
}

func (c *StatsCache) compute(ctx context.Context) (*Stats, error) {
	now := c.now().UTC()
	stats := &Stats{RefreshedAt: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.db.QueryRowContext(gctx, "SELECT COUNT(*) FROM audit_logs").Scan(&stats.TotalLogs)
		if err != nil {
			return fmt.Errorf("failed to count audit records: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := c.db.QueryRowContext(gctx,
			"SELECT COUNT(*) FROM audit_logs WHERE timestamp >= $1", now.Add(-statsWindow),
		).Scan(&stats.LogsLast7Days)
		if err != nil {
			return fmt.Errorf("failed to count recent audit records: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		table, err := c.mostFrequent(gctx, `
			SELECT table_name FROM audit_logs
			GROUP BY table_name
			ORDER BY COUNT(*) DESC, table_name ASC
			LIMIT 1`)
		if err != nil {
			return fmt.Errorf("failed to find most active table: %w", err)
		}
		stats.MostActiveTable = table
		return nil
	})
	g.Go(func() error {
		user, err := c.mostFrequent(gctx, `
			SELECT subject_email FROM audit_logs
			WHERE subject_email IS NOT NULL
			GROUP BY subject_email
			ORDER BY COUNT(*) DESC, subject_email ASC
			LIMIT 1`)
		if err != nil {
			return fmt.Errorf("failed to find most active user: %w", err)
		}
		stats.MostActiveUser = user
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *StatsCache) mostFrequent(ctx context.Context, query string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
