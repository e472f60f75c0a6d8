package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"channelctl/internal/models"
	"channelctl/internal/observability/logging"
	"channelctl/internal/observability/metrics"
	"channelctl/internal/storage"
)

// registry maps channel ids to local channel ids. It keeps no copy of the
// mapping; every lookup reads the storage listing.
type registry struct {
	gateway storage.Gateway
	logger  *slog.Logger
	metrics *metrics.Recorder

	// allocMu admits one identity allocation at a time across the process.
	allocMu sync.Mutex
}

// requireChannelID rejects blank ids. Anything else is used as given, so
// " alpha" and "alpha" are different channels.
func requireChannelID(channelID string) (string, error) {
	if strings.TrimSpace(channelID) == "" {
		return "", ErrInvalidChannelID
	}
	return channelID, nil
}

func (r *registry) listing(ctx context.Context) (map[string]int64, error) {
	sess, err := r.gateway.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	ids, err := sess.LocalChannelIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local channel ids: %w", err)
	}
	return ids, nil
}

func (r *registry) lookup(ctx context.Context, channelID string) (int64, bool, error) {
	id, err := requireChannelID(channelID)
	if err != nil {
		return 0, false, err
	}
	ids, err := r.listing(ctx)
	if err != nil {
		return 0, false, err
	}
	local, ok := ids[id]
	return local, ok, nil
}

func (r *registry) getOrCreate(ctx context.Context, channelID string) (int64, error) {
	id, err := requireChannelID(channelID)
	if err != nil {
		return 0, err
	}
	if local, ok, err := r.lookup(ctx, id); err != nil {
		return 0, err
	} else if ok {
		return local, nil
	}

	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	sess, err := r.gateway.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	// Another caller may have created the channel while this one waited.
	ids, err := sess.LocalChannelIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local channel ids: %w", err)
	}
	if local, ok := ids[id]; ok {
		return local, nil
	}

	highest, ok, err := sess.MaxLocalChannelID(ctx)
	if err != nil {
		return 0, fmt.Errorf("select max local channel id: %w", err)
	}
	next := int64(1)
	if ok {
		next = highest + 1
	}
	if err := sess.CreateChannel(ctx, id, next); err != nil {
		return 0, fmt.Errorf("create channel %s: %w", id, err)
	}
	if err := sess.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit channel %s: %w", id, err)
	}

	r.metrics.IdentityAllocated()
	logging.WithContext(ctx, r.logger).Info("allocated local channel id", "channel_id", id, "local_channel_id", next)
	return next, nil
}

func (r *registry) identities(ctx context.Context) ([]models.ChannelIdentity, error) {
	ids, err := r.listing(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChannelIdentity, 0, len(ids))
	for channelID, local := range ids {
		out = append(out, models.ChannelIdentity{ChannelID: channelID, LocalChannelID: local})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LocalChannelID < out[j].LocalChannelID
	})
	return out, nil
}

// remove deletes the identity together with its messages and statistics in a
// single commit.
func (r *registry) remove(ctx context.Context, channelID string) error {
	id, err := requireChannelID(channelID)
	if err != nil {
		return err
	}
	sess, err := r.gateway.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	if err := sess.RemoveChannel(ctx, id); err != nil {
		return fmt.Errorf("remove channel %s: %w", id, err)
	}
	if err := sess.Commit(ctx); err != nil {
		return fmt.Errorf("commit removal of %s: %w", id, err)
	}
	logging.WithContext(ctx, r.logger).Info("removed channel", "channel_id", id)
	return nil
}

// deleteAllMessages purges a known channel's messages. An unknown channel
// commits an empty transaction and succeeds.
func (r *registry) deleteAllMessages(ctx context.Context, channelID string) error {
	id, err := requireChannelID(channelID)
	if err != nil {
		return err
	}
	sess, err := r.gateway.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	ids, err := sess.LocalChannelIDs(ctx)
	if err != nil {
		return fmt.Errorf("list local channel ids: %w", err)
	}
	if _, known := ids[id]; known {
		if err := sess.DeleteAllMessages(ctx, id); err != nil {
			return fmt.Errorf("delete messages of %s: %w", id, err)
		}
	}
	if err := sess.Commit(ctx); err != nil {
		return fmt.Errorf("commit message purge of %s: %w", id, err)
	}
	return nil
}
