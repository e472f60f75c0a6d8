package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"channelctl/internal/models"
	"channelctl/internal/observability/logging"
	"channelctl/internal/observability/metrics"
	"channelctl/internal/storage"
)

// Controller is the surface the message engine uses to manage channel
// identities and statistics.
type Controller interface {
	GetOrCreate(ctx context.Context, channelID string) (int64, error)
	Exists(ctx context.Context, channelID string) (bool, error)
	Lookup(ctx context.Context, channelID string) (int64, bool, error)
	Identities(ctx context.Context) ([]models.ChannelIdentity, error)
	InitChannelStorage(ctx context.Context, channelID string) error
	Remove(ctx context.Context, channelID string) error
	DeleteAllMessages(ctx context.Context, channelID string) error

	ReloadStatistics(ctx context.Context, serverID string) error
	Statistics() (models.Statistics, bool)
	TotalStatistics() (models.Statistics, bool)
	StatisticsLoadedAt() (time.Time, bool)
	StatisticsSnapshot() (StatisticsSnapshot, bool)

	ResetStatistics(ctx context.Context, grouping Grouping, statuses []models.Status) error
	ResetAllStatistics(ctx context.Context) error
}

type settings struct {
	logger    *slog.Logger
	metrics   *metrics.Recorder
	publisher StatisticsPublisher
	now       func() time.Time
}

// Option customises controller construction.
type Option func(*settings)

// WithLogger sets the base logger; the controller adds its component field.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records operation metrics on the given recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *settings) {
		s.metrics = recorder
	}
}

// WithStatisticsPublisher mirrors every reloaded snapshot pair.
func WithStatisticsPublisher(publisher StatisticsPublisher) Option {
	return func(s *settings) {
		s.publisher = publisher
	}
}

func withClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// LocalController serves every operation from one process. Identity
// allocation is serialized within the process only.
type LocalController struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	registry *registry
	cache    *statisticsCache
	resets   *resetCoordinator
}

// New wires a LocalController over the gateway.
func New(gateway storage.Gateway, opts ...Option) *LocalController {
	cfg := settings{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	logger := logging.WithComponent(cfg.logger, "controller")

	return &LocalController{
		logger:  logger,
		metrics: cfg.metrics,
		registry: &registry{
			gateway: gateway,
			logger:  logger,
			metrics: cfg.metrics,
		},
		cache: &statisticsCache{
			gateway:   gateway,
			publisher: cfg.publisher,
			logger:    logger,
			metrics:   cfg.metrics,
			now:       cfg.now,
		},
		resets: newResetCoordinator(gateway, logger, cfg.metrics),
	}
}

func (c *LocalController) observe(operation string, start time.Time, err error) {
	c.metrics.ObserveOperation(operation, err, time.Since(start))
}

// GetOrCreate returns the channel's local id, allocating max+1 when the
// channel is new.
func (c *LocalController) GetOrCreate(ctx context.Context, channelID string) (id int64, err error) {
	defer func(start time.Time) { c.observe("get_or_create", start, err) }(time.Now())
	ctx = logging.ContextWithChannelID(ctx, channelID)
	return c.registry.getOrCreate(ctx, channelID)
}

func (c *LocalController) Exists(ctx context.Context, channelID string) (exists bool, err error) {
	defer func(start time.Time) { c.observe("exists", start, err) }(time.Now())
	_, exists, err = c.registry.lookup(ctx, channelID)
	return exists, err
}

// Lookup returns the local id without allocating one.
func (c *LocalController) Lookup(ctx context.Context, channelID string) (id int64, found bool, err error) {
	defer func(start time.Time) { c.observe("lookup", start, err) }(time.Now())
	return c.registry.lookup(ctx, channelID)
}

// Identities lists every registered channel ordered by local id.
func (c *LocalController) Identities(ctx context.Context) (out []models.ChannelIdentity, err error) {
	defer func(start time.Time) { c.observe("identities", start, err) }(time.Now())
	return c.registry.identities(ctx)
}

// InitChannelStorage makes sure the channel has a local id before the engine
// deploys it.
func (c *LocalController) InitChannelStorage(ctx context.Context, channelID string) error {
	_, err := c.GetOrCreate(ctx, channelID)
	return err
}

// Remove deletes the channel identity, its messages, and its statistics.
func (c *LocalController) Remove(ctx context.Context, channelID string) (err error) {
	defer func(start time.Time) { c.observe("remove", start, err) }(time.Now())
	ctx = logging.ContextWithChannelID(ctx, channelID)
	return c.registry.remove(ctx, channelID)
}

func (c *LocalController) DeleteAllMessages(ctx context.Context, channelID string) (err error) {
	defer func(start time.Time) { c.observe("delete_all_messages", start, err) }(time.Now())
	ctx = logging.ContextWithChannelID(ctx, channelID)
	return c.registry.deleteAllMessages(ctx, channelID)
}

// ReloadStatistics replaces the cached current and total snapshots for the
// server. On failure the previous pair stays visible.
func (c *LocalController) ReloadStatistics(ctx context.Context, serverID string) (err error) {
	defer func(start time.Time) { c.observe("reload_statistics", start, err) }(time.Now())
	return c.cache.reload(ctx, serverID)
}

// Statistics returns the cached current snapshot; false until the first
// successful reload.
func (c *LocalController) Statistics() (models.Statistics, bool) {
	snapshot, ok := c.cache.load()
	return snapshot.Current, ok
}

// TotalStatistics returns the cached lifetime snapshot.
func (c *LocalController) TotalStatistics() (models.Statistics, bool) {
	snapshot, ok := c.cache.load()
	return snapshot.Total, ok
}

func (c *LocalController) StatisticsLoadedAt() (time.Time, bool) {
	snapshot, ok := c.cache.load()
	return snapshot.LoadedAt, ok
}

// StatisticsSnapshot returns the current pair and its load time from a
// single read, so the three always belong to the same reload.
func (c *LocalController) StatisticsSnapshot() (StatisticsSnapshot, bool) {
	return c.cache.load()
}

// ResetStatistics zeroes the given statuses for each selected connector,
// committing one connector at a time. A failure is reported as *UnitError.
func (c *LocalController) ResetStatistics(ctx context.Context, grouping Grouping, statuses []models.Status) (err error) {
	defer func(start time.Time) { c.observe("reset_statistics", start, err) }(time.Now())
	return c.resets.resetStatistics(ctx, grouping, statuses)
}

// ResetAllStatistics zeroes every counter of every registered channel, one
// channel per commit.
func (c *LocalController) ResetAllStatistics(ctx context.Context) (err error) {
	defer func(start time.Time) { c.observe("reset_all_statistics", start, err) }(time.Now())
	identities, err := c.registry.identities(ctx)
	if err != nil {
		return err
	}
	return c.resets.resetAllStatistics(ctx, identities)
}

// Factory builds a Controller implementation.
type Factory func(gateway storage.Gateway, opts ...Option) (Controller, error)

// DefaultImplementation is used when no implementation name is configured.
const DefaultImplementation = "local"

var (
	implementationsMu sync.RWMutex
	implementations   = map[string]Factory{
		DefaultImplementation: func(gateway storage.Gateway, opts ...Option) (Controller, error) {
			return New(gateway, opts...), nil
		},
	}
)

// RegisterImplementation adds or replaces a named factory. Call it before
// Build, typically from main.
func RegisterImplementation(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	implementationsMu.Lock()
	defer implementationsMu.Unlock()
	implementations[key] = factory
}

// Build constructs the named implementation; an empty name selects "local".
func Build(name string, gateway storage.Gateway, opts ...Option) (Controller, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultImplementation
	}
	implementationsMu.RLock()
	factory, ok := implementations[key]
	implementationsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, name)
	}
	return factory(gateway, opts...)
}

var _ Controller = (*LocalController)(nil)
