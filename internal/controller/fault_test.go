package controller

import (
	"context"
	"sync"
	"sync/atomic"

	"channelctl/internal/models"
	"channelctl/internal/storage"
)

type call struct {
	Op         string
	ChannelID  string
	MetaDataID models.MetaDataID
}

// faultyGateway wraps a real gateway and fails selected calls.
type faultyGateway struct {
	inner storage.Gateway

	mu         sync.Mutex
	acquireErr error
	failOn     func(call) error
	calls      []call

	commits atomic.Int64
	open    atomic.Int64
}

func newFaultyGateway(inner storage.Gateway) *faultyGateway {
	return &faultyGateway{inner: inner}
}

func (g *faultyGateway) setAcquireErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquireErr = err
}

func (g *faultyGateway) setFailOn(fn func(call) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failOn = fn
}

func (g *faultyGateway) record(c call) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
	if g.failOn != nil {
		return g.failOn(c)
	}
	return nil
}

func (g *faultyGateway) recorded(op string) []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []call
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *faultyGateway) Acquire(ctx context.Context) (storage.Session, error) {
	g.mu.Lock()
	err := g.acquireErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sess, err := g.inner.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	g.open.Add(1)
	return &faultySession{Session: sess, gateway: g}, nil
}

type faultySession struct {
	storage.Session
	gateway *faultyGateway
	closed  sync.Once
}

func (s *faultySession) Close() error {
	s.closed.Do(func() { s.gateway.open.Add(-1) })
	return s.Session.Close()
}

func (s *faultySession) RemoveChannel(ctx context.Context, channelID string) error {
	if err := s.gateway.record(call{Op: "RemoveChannel", ChannelID: channelID}); err != nil {
		return err
	}
	return s.Session.RemoveChannel(ctx, channelID)
}

func (s *faultySession) DeleteAllMessages(ctx context.Context, channelID string) error {
	if err := s.gateway.record(call{Op: "DeleteAllMessages", ChannelID: channelID}); err != nil {
		return err
	}
	return s.Session.DeleteAllMessages(ctx, channelID)
}

func (s *faultySession) CreateChannel(ctx context.Context, channelID string, localChannelID int64) error {
	if err := s.gateway.record(call{Op: "CreateChannel", ChannelID: channelID}); err != nil {
		return err
	}
	return s.Session.CreateChannel(ctx, channelID, localChannelID)
}

func (s *faultySession) ChannelStatistics(ctx context.Context, serverID string) (models.Statistics, error) {
	if err := s.gateway.record(call{Op: "ChannelStatistics"}); err != nil {
		return models.Statistics{}, err
	}
	return s.Session.ChannelStatistics(ctx, serverID)
}

func (s *faultySession) ChannelTotalStatistics(ctx context.Context, serverID string) (models.Statistics, error) {
	if err := s.gateway.record(call{Op: "ChannelTotalStatistics"}); err != nil {
		return models.Statistics{}, err
	}
	return s.Session.ChannelTotalStatistics(ctx, serverID)
}

func (s *faultySession) ResetStatistics(ctx context.Context, channelID string, metaDataID models.MetaDataID, statuses []models.Status) error {
	if err := s.gateway.record(call{Op: "ResetStatistics", ChannelID: channelID, MetaDataID: metaDataID}); err != nil {
		return err
	}
	return s.Session.ResetStatistics(ctx, channelID, metaDataID, statuses)
}

func (s *faultySession) ResetAllStatistics(ctx context.Context, channelID string) error {
	if err := s.gateway.record(call{Op: "ResetAllStatistics", ChannelID: channelID}); err != nil {
		return err
	}
	return s.Session.ResetAllStatistics(ctx, channelID)
}

func (s *faultySession) Commit(ctx context.Context) error {
	if err := s.gateway.record(call{Op: "Commit"}); err != nil {
		return err
	}
	s.gateway.commits.Add(1)
	return s.Session.Commit(ctx)
}
