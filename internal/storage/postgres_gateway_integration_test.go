//go:build postgres

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"channelctl/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createChannelsForTest(t *testing.T, gateway Gateway, ids map[string]int64) {
	t.Helper()
	ctx := context.Background()
	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	defer sess.Close()
	for channelID, localID := range ids {
		require.NoError(t, sess.CreateChannel(ctx, channelID, localID))
	}
	require.NoError(t, sess.Commit(ctx))
}

func TestPostgresGatewayCreateAndList(t *testing.T) {
	gateway, _ := postgresGatewayFactory(t)
	ctx := context.Background()

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	_, ok, err := sess.MaxLocalChannelID(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty registry has no highest id")
	require.NoError(t, sess.Close())

	createChannelsForTest(t, gateway, map[string]int64{"alpha": 1, "beta": 2})

	sess, err = gateway.Acquire(ctx)
	require.NoError(t, err)
	defer sess.Close()
	ids, err := sess.LocalChannelIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alpha": 1, "beta": 2}, ids)
	highest, ok, err := sess.MaxLocalChannelID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, highest)
}

func TestPostgresSessionCloseDiscardsUncommittedWork(t *testing.T) {
	gateway, pool := postgresGatewayFactory(t)
	ctx := context.Background()

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.CreateChannel(ctx, "alpha", 1))
	require.NoError(t, sess.Close())

	assert.Zero(t, countRowsForTest(t, pool, "SELECT COUNT(*) FROM channels"))
}

func TestPostgresHighWaterMarkSurvivesRemoval(t *testing.T) {
	gateway, _ := postgresGatewayFactory(t)
	ctx := context.Background()
	createChannelsForTest(t, gateway, map[string]int64{"alpha": 1, "beta": 2})

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.RemoveChannel(ctx, "beta"))
	require.NoError(t, sess.Commit(ctx))
	highest, ok, err := sess.MaxLocalChannelID(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	assert.True(t, ok)
	assert.EqualValues(t, 2, highest, "removed ids stay retired")
}

func TestPostgresDuplicateLocalIDIsMutationFailure(t *testing.T) {
	gateway, _ := postgresGatewayFactory(t)
	ctx := context.Background()
	createChannelsForTest(t, gateway, map[string]int64{"alpha": 1})

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	defer sess.Close()
	err = sess.CreateChannel(ctx, "beta", 1)
	require.Error(t, err)
	assert.True(t, IsMutationFailed(err), "expected mutation failure, got %v", err)
	assert.False(t, IsUnavailable(err))
}

func TestPostgresRemoveChannelAndDeleteMessages(t *testing.T) {
	gateway, pool := postgresGatewayFactory(t)
	ctx := context.Background()
	createChannelsForTest(t, gateway, map[string]int64{"alpha": 1, "beta": 2})
	seedMessageForTest(t, pool, "alpha", 1, "node-1")
	seedMessageForTest(t, pool, "alpha", 2, "node-1")
	seedMessageForTest(t, pool, "beta", 1, "node-1")
	seedStatisticsForTest(t, pool, "beta", "node-1", 0, [4]int64{1, 0, 1, 0}, [4]int64{1, 0, 1, 0})

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.DeleteAllMessages(ctx, "alpha"))
	require.NoError(t, sess.RemoveChannel(ctx, "beta"))
	require.NoError(t, sess.Commit(ctx))
	require.NoError(t, sess.Close())

	assert.Zero(t, countRowsForTest(t, pool, "SELECT COUNT(*) FROM messages"))
	assert.Zero(t, countRowsForTest(t, pool, "SELECT COUNT(*) FROM message_statistics"))
	assert.Equal(t, 1, countRowsForTest(t, pool, "SELECT COUNT(*) FROM channels"))
}

func TestPostgresStatisticsAndResets(t *testing.T) {
	gateway, pool := postgresGatewayFactory(t)
	ctx := context.Background()
	createChannelsForTest(t, gateway, map[string]int64{"alpha": 1, "beta": 2})
	seedStatisticsForTest(t, pool, "alpha", "node-1", 0, [4]int64{10, 1, 9, 0}, [4]int64{100, 10, 90, 0})
	seedStatisticsForTest(t, pool, "alpha", "node-1", 1, [4]int64{9, 0, 8, 1}, [4]int64{90, 0, 80, 10})
	seedStatisticsForTest(t, pool, "beta", "node-1", 0, [4]int64{5, 0, 5, 0}, [4]int64{50, 0, 50, 0})
	seedStatisticsForTest(t, pool, "beta", "node-2", 0, [4]int64{7, 0, 7, 0}, [4]int64{70, 0, 70, 0})

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	defer sess.Close()

	current, err := sess.ChannelStatistics(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", current.ServerID())
	assert.Equal(t, []string{"alpha", "beta"}, current.ChannelIDs())
	assert.EqualValues(t, 10, current.Count("alpha", 0, models.StatusReceived))
	assert.EqualValues(t, 1, current.Count("alpha", 1, models.StatusError))
	assert.EqualValues(t, 5, current.Count("beta", 0, models.StatusSent))

	total, err := sess.ChannelTotalStatistics(ctx, "node-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, total.Count("alpha", 0, models.StatusReceived))

	require.NoError(t, sess.ResetStatistics(ctx, "alpha", 1, []models.Status{models.StatusReceived, models.StatusError}))
	require.NoError(t, sess.Commit(ctx))
	current, err = sess.ChannelStatistics(ctx, "node-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, current.Count("alpha", 1, models.StatusReceived))
	assert.EqualValues(t, 0, current.Count("alpha", 1, models.StatusError))
	assert.EqualValues(t, 8, current.Count("alpha", 1, models.StatusSent))
	assert.EqualValues(t, 10, current.Count("alpha", 0, models.StatusReceived), "other connectors untouched")

	require.NoError(t, sess.ResetStatistics(ctx, "beta", models.AllConnectors, []models.Status{models.StatusSent}))
	require.NoError(t, sess.Commit(ctx))
	assert.Zero(t, countRowsForTest(t, pool, "SELECT COUNT(*) FROM message_statistics WHERE sent <> 0 AND local_channel_id = 2"))
	assert.Equal(t, 2, countRowsForTest(t, pool, "SELECT COUNT(*) FROM message_statistics WHERE sent_lifetime <> 0 AND local_channel_id = 2"))

	require.NoError(t, sess.ResetAllStatistics(ctx, "alpha"))
	require.NoError(t, sess.Commit(ctx))
	total, err = sess.ChannelTotalStatistics(ctx, "node-1")
	require.NoError(t, err)
	for _, status := range models.StatisticsStatuses() {
		assert.Zero(t, total.Count("alpha", 0, status))
		assert.Zero(t, total.Count("alpha", 1, status))
	}
	assert.EqualValues(t, 50, total.Count("beta", 0, models.StatusReceived))
}

func TestPostgresAcquireTimeout(t *testing.T) {
	gateway, _ := postgresGatewayFactory(t,
		WithPostgresPoolLimits(1, 1),
		WithPostgresAcquireTimeout(50*time.Millisecond),
	)
	ctx := context.Background()

	held, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	defer held.Close()

	done := make(chan error, 1)
	go func() {
		sess, err := gateway.Acquire(ctx)
		if err == nil {
			sess.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline exceeded, got %v", err)
		assert.True(t, IsUnavailable(err))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for acquire to fail")
	}
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	gateway, _ := postgresGatewayFactory(t)
	applied, err := gateway.Migrate(context.Background(), migrationsDirForTest(t))
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestPostgresImportJSON(t *testing.T) {
	gateway, pool := postgresGatewayFactory(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "channels.json")
	source, err := NewJSONGateway(path)
	require.NoError(t, err)
	createChannelsForTest(t, source, map[string]int64{"alpha": 1, "beta": 5})
	_, err = source.AddMessage(ctx, "alpha", "node-1")
	require.NoError(t, err)
	_, err = source.AddMessage(ctx, "alpha", "node-1")
	require.NoError(t, err)
	require.NoError(t, source.IncrementStatistic(ctx, "beta", "node-1", 0, models.StatusReceived, 4))

	summary, err := gateway.ImportJSON(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{Channels: 2, Messages: 2, StatisticRows: 1}, summary)

	again, err := gateway.ImportJSON(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{}, again, "re-import skips existing rows")

	sess, err := gateway.Acquire(ctx)
	require.NoError(t, err)
	defer sess.Close()
	highest, ok, err := sess.MaxLocalChannelID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, highest)

	current, err := sess.ChannelStatistics(ctx, "node-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, current.Count("beta", 0, models.StatusReceived))
	assert.Equal(t, 2, countRowsForTest(t, pool, "SELECT COUNT(*) FROM messages WHERE local_channel_id = 1"))
}
