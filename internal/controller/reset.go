package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"channelctl/internal/models"
	"channelctl/internal/observability/logging"
	"channelctl/internal/observability/metrics"
	"channelctl/internal/storage"
)

// Grouping selects connectors per channel for a statistics reset. Use
// models.AllConnectors to select every connector of a channel; an empty list
// selects nothing.
type Grouping map[string][]models.MetaDataID

// ResetUnit is one (channel, connector) pair reset and committed on its own.
// MetaDataID is models.AllConnectors for every connector of the channel.
type ResetUnit struct {
	ChannelID  string
	MetaDataID models.MetaDataID
	Statuses   []models.Status
}

const (
	resetKindSelected = "selected"
	resetKindAll      = "all"
)

// mutation is the single storage call a unit performs.
type mutation func(ctx context.Context, sess storage.Session, unit ResetUnit) error

// unitFunc executes one unit: its mutation followed by its own commit.
type unitFunc func(ctx context.Context, unit ResetUnit, mutate mutation) error

type resetCoordinator struct {
	gateway storage.Gateway
	logger  *slog.Logger
	metrics *metrics.Recorder
	execute unitFunc
}

func newResetCoordinator(gateway storage.Gateway, logger *slog.Logger, recorder *metrics.Recorder) *resetCoordinator {
	c := &resetCoordinator{gateway: gateway, logger: logger, metrics: recorder}
	c.execute = c.commitUnit
	return c
}

func (c *resetCoordinator) commitUnit(ctx context.Context, unit ResetUnit, mutate mutation) error {
	sess, err := c.gateway.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	if err := mutate(ctx, sess, unit); err != nil {
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func validateStatuses(statuses []models.Status) ([]models.Status, error) {
	if len(statuses) == 0 {
		return nil, ErrNoStatuses
	}
	out := make([]models.Status, 0, len(statuses))
	seen := make(map[models.Status]struct{}, len(statuses))
	for _, status := range statuses {
		if !status.IsStatistic() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
		}
		if _, dup := seen[status]; dup {
			continue
		}
		seen[status] = struct{}{}
		out = append(out, status)
	}
	return out, nil
}

// expand orders units by channel id and keeps the caller's connector order
// within a channel. A channel with no connectors contributes no units.
func expand(grouping Grouping, statuses []models.Status) ([]ResetUnit, error) {
	channelIDs := make([]string, 0, len(grouping))
	for channelID := range grouping {
		if _, err := requireChannelID(channelID); err != nil {
			return nil, err
		}
		channelIDs = append(channelIDs, channelID)
	}
	sort.Strings(channelIDs)

	var units []ResetUnit
	for _, channelID := range channelIDs {
		for _, metaDataID := range grouping[channelID] {
			units = append(units, ResetUnit{ChannelID: channelID, MetaDataID: metaDataID, Statuses: statuses})
		}
	}
	return units, nil
}

func resetSelected(ctx context.Context, sess storage.Session, unit ResetUnit) error {
	if err := sess.ResetStatistics(ctx, unit.ChannelID, unit.MetaDataID, unit.Statuses); err != nil {
		return fmt.Errorf("reset statistics: %w", err)
	}
	return nil
}

func resetEverything(ctx context.Context, sess storage.Session, unit ResetUnit) error {
	if err := sess.ResetAllStatistics(ctx, unit.ChannelID); err != nil {
		return fmt.Errorf("reset all statistics: %w", err)
	}
	return nil
}

func (c *resetCoordinator) resetStatistics(ctx context.Context, grouping Grouping, statuses []models.Status) error {
	selected, err := validateStatuses(statuses)
	if err != nil {
		return err
	}
	units, err := expand(grouping, selected)
	if err != nil {
		return err
	}
	return c.run(ctx, resetKindSelected, units, resetSelected)
}

// resetAllStatistics walks the registry in channel id order and zeroes every
// counter, current and lifetime, one channel per commit.
func (c *resetCoordinator) resetAllStatistics(ctx context.Context, identities []models.ChannelIdentity) error {
	channelIDs := make([]string, 0, len(identities))
	for _, identity := range identities {
		channelIDs = append(channelIDs, identity.ChannelID)
	}
	sort.Strings(channelIDs)

	units := make([]ResetUnit, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		units = append(units, ResetUnit{ChannelID: channelID, MetaDataID: models.AllConnectors, Statuses: models.StatisticsStatuses()})
	}
	return c.run(ctx, resetKindAll, units, resetEverything)
}

// run stops at the first failing unit. Earlier units stay committed; there is
// no retry and no rollback.
func (c *resetCoordinator) run(ctx context.Context, kind string, units []ResetUnit, mutate mutation) error {
	logger := logging.WithContext(ctx, c.logger)
	for i, unit := range units {
		err := c.execute(ctx, unit, mutate)
		c.metrics.ResetUnit(kind, err)
		if err != nil {
			logger.Error("statistics reset stopped",
				"kind", kind,
				"unit", i,
				"channel_id", unit.ChannelID,
				"metadata_id", int(unit.MetaDataID),
				"remaining", len(units)-i,
				"error", err,
			)
			return &UnitError{Index: i, Unit: unit, Err: err}
		}
	}
	logger.Debug("statistics reset finished", "kind", kind, "units", len(units))
	return nil
}
