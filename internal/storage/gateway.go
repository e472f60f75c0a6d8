package storage

import (
	"context"
	"errors"
	"fmt"

	"channelctl/internal/models"
)

// Gateway hands out storage sessions. Implementations are safe for concurrent
// use; the sessions they return are not and belong to a single operation.
type Gateway interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session groups gateway calls into transactions. Work performed after the
// last Commit is discarded by Close. Callers must Close every session they
// acquire, on every exit path.
type Session interface {
	RemoveChannel(ctx context.Context, channelID string) error
	DeleteAllMessages(ctx context.Context, channelID string) error
	LocalChannelIDs(ctx context.Context) (map[string]int64, error)
	// MaxLocalChannelID returns the highest local channel id ever assigned,
	// including ids of removed channels. ok is false for an empty registry.
	MaxLocalChannelID(ctx context.Context) (id int64, ok bool, err error)
	CreateChannel(ctx context.Context, channelID string, localChannelID int64) error
	ChannelStatistics(ctx context.Context, serverID string) (models.Statistics, error)
	ChannelTotalStatistics(ctx context.Context, serverID string) (models.Statistics, error)
	// ResetStatistics zeroes the current counters for the given statuses. A
	// metaDataID of models.AllConnectors resets every connector of the channel.
	ResetStatistics(ctx context.Context, channelID string, metaDataID models.MetaDataID, statuses []models.Status) error
	// ResetAllStatistics zeroes current and lifetime counters of every
	// connector of the channel.
	ResetAllStatistics(ctx context.Context, channelID string) error
	Commit(ctx context.Context) error
	Close() error
}

var (
	// ErrUnavailable marks failures to reach storage: a session could not be
	// acquired or a call failed for connectivity reasons.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrMutationFailed marks a rejected write or commit.
	ErrMutationFailed = errors.New("storage mutation failed")

	errSessionClosed = errors.New("session closed")
)

// OpError describes a failed gateway call. It matches both its Kind and the
// underlying cause with errors.Is.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func unavailable(op string, err error) error {
	return &OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

func mutationFailed(op string, err error) error {
	return &OpError{Op: op, Kind: ErrMutationFailed, Err: err}
}

// IsUnavailable reports whether err was caused by unreachable storage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsMutationFailed reports whether err was caused by a rejected write.
func IsMutationFailed(err error) bool {
	return errors.Is(err, ErrMutationFailed)
}
