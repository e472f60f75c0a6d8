package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"channelctl/internal/models"
	"channelctl/internal/observability/logging"
	"channelctl/internal/observability/metrics"
	"channelctl/internal/storage"
)

// StatisticsPublisher receives every snapshot pair after it has been swapped
// in. Failures are logged and counted only.
type StatisticsPublisher interface {
	PublishStatistics(ctx context.Context, current, total models.Statistics, loadedAt time.Time) error
}

// StatisticsSnapshot is one reloaded current/total pair and the time it was
// swapped in.
type StatisticsSnapshot struct {
	Current  models.Statistics
	Total    models.Statistics
	LoadedAt time.Time
}

// statisticsCache holds the latest current/total pair behind one atomic
// pointer so readers never observe a mix of two reloads.
type statisticsCache struct {
	gateway   storage.Gateway
	publisher StatisticsPublisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	snapshot atomic.Pointer[StatisticsSnapshot]
}

func (c *statisticsCache) reload(ctx context.Context, serverID string) error {
	pair, err := c.fetch(ctx, serverID)
	if err != nil {
		logging.WithContext(ctx, c.logger).Warn("statistics reload failed; keeping previous snapshot", "server_id", serverID, "error", err)
		return err
	}
	c.snapshot.Store(pair)
	c.metrics.StatisticsLoaded(pair.LoadedAt)
	logging.WithContext(ctx, c.logger).Debug("statistics reloaded",
		"server_id", serverID,
		"channels", pair.Current.Len(),
	)

	if c.publisher != nil {
		if err := c.publisher.PublishStatistics(ctx, pair.Current, pair.Total, pair.LoadedAt); err != nil {
			c.metrics.StatisticsPublishFailed()
			logging.WithContext(ctx, c.logger).Warn("publish statistics", "server_id", serverID, "error", err)
		}
	}
	return nil
}

// fetch reads both snapshots on one session. Sessions are single-owner, so
// the reads run one after the other.
func (c *statisticsCache) fetch(ctx context.Context, serverID string) (*StatisticsSnapshot, error) {
	sess, err := c.gateway.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	current, err := sess.ChannelStatistics(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load current statistics: %w", err)
	}
	total, err := sess.ChannelTotalStatistics(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load total statistics: %w", err)
	}
	return &StatisticsSnapshot{Current: current, Total: total, LoadedAt: c.now().UTC()}, nil
}

func (c *statisticsCache) load() (StatisticsSnapshot, bool) {
	pair := c.snapshot.Load()
	if pair == nil {
		return StatisticsSnapshot{}, false
	}
	return *pair, true
}
