package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"channelctl/internal/models"
)

// Message is the minimal message record kept per channel. The gateway only
// needs enough of it to purge and count messages.
type Message struct {
	ID         int64     `json:"id"`
	ServerID   string    `json:"serverId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type counters map[models.Status]int64

type statisticsRow struct {
	Current  counters `json:"current"`
	Lifetime counters `json:"lifetime"`
}

// connectorRows is keyed by metadata id; the channel aggregate uses
// models.AllConnectors.
type connectorRows map[models.MetaDataID]statisticsRow

type dataset struct {
	Channels          map[string]int64                    `json:"channels"`
	LocalChannelIDSeq int64                               `json:"localChannelIdSeq"`
	Messages          map[string][]Message                `json:"messages"`
	Statistics        map[string]map[string]connectorRows `json:"statistics"`
}

func newDataset() dataset {
	return dataset{
		Channels:   make(map[string]int64),
		Messages:   make(map[string][]Message),
		Statistics: make(map[string]map[string]connectorRows),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Channels == nil {
		d.Channels = make(map[string]int64)
	}
	if d.Messages == nil {
		d.Messages = make(map[string][]Message)
	}
	if d.Statistics == nil {
		d.Statistics = make(map[string]map[string]connectorRows)
	}
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	clone.LocalChannelIDSeq = src.LocalChannelIDSeq
	for id, local := range src.Channels {
		clone.Channels[id] = local
	}
	for id, messages := range src.Messages {
		clone.Messages[id] = append([]Message(nil), messages...)
	}
	for channelID, servers := range src.Statistics {
		serversClone := make(map[string]connectorRows, len(servers))
		for serverID, rows := range servers {
			rowsClone := make(connectorRows, len(rows))
			for metaDataID, row := range rows {
				rowsClone[metaDataID] = statisticsRow{
					Current:  cloneCounters(row.Current),
					Lifetime: cloneCounters(row.Lifetime),
				}
			}
			serversClone[serverID] = rowsClone
		}
		clone.Statistics[channelID] = serversClone
	}
	return clone
}

func cloneCounters(src counters) counters {
	out := make(counters, len(src))
	for status, value := range src {
		out[status] = value
	}
	return out
}

// JSONGateway keeps the registry, messages, and statistics in a single JSON
// document. Committed state is replaced wholesale on every commit. An empty
// path keeps everything in memory.
type JSONGateway struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	logger   *slog.Logger
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewJSONGateway opens (or creates) the JSON document at path.
func NewJSONGateway(path string, opts ...Option) (*JSONGateway, error) {
	gateway := &JSONGateway{
		filePath: strings.TrimSpace(path),
		data:     newDataset(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(gateway)
		}
	}
	if err := gateway.load(); err != nil {
		return nil, err
	}
	return gateway, nil
}

// NewMemoryGateway returns a gateway that never touches the filesystem.
func NewMemoryGateway(opts ...Option) *JSONGateway {
	gateway, _ := NewJSONGateway("", opts...)
	return gateway
}

func (g *JSONGateway) load() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.filePath == "" {
		g.data = newDataset()
		return nil
	}
	data, err := loadDatasetFile(g.filePath)
	if err != nil {
		return err
	}
	g.data = data
	return nil
}

func loadDatasetFile(path string) (dataset, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dataset{}, fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return newDataset(), nil
	} else if err != nil {
		return dataset{}, fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return newDataset(), nil
		}
		return dataset{}, fmt.Errorf("decode store file: %w", err)
	}
	data.ensureInitialized()
	return data, nil
}

func (g *JSONGateway) persistDataset(data dataset) error {
	if g.persistOverride != nil {
		if err := g.persistOverride(data); err != nil {
			return err
		}
	}
	if g.filePath == "" {
		return nil
	}

	dir := filepath.Dir(g.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, g.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// apply runs a mutation against a copy of the committed dataset and makes the
// copy current once it has been persisted.
func (g *JSONGateway) apply(mutations []func(*dataset) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := cloneDataset(g.data)
	for _, mutate := range mutations {
		if err := mutate(&next); err != nil {
			return err
		}
	}
	if err := g.persistDataset(next); err != nil {
		g.logger.Error("persist json store", "path", g.filePath, "error", err)
		return err
	}
	g.data = next
	return nil
}

// Acquire opens a session. Sessions read committed state and stage their
// writes until Commit.
func (g *JSONGateway) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("acquire session", err)
	}
	return &jsonSession{gateway: g}, nil
}

// AddMessage appends a message record to a known channel and returns its id.
func (g *JSONGateway) AddMessage(ctx context.Context, channelID, serverID string) (int64, error) {
	var id int64
	err := g.apply([]func(*dataset) error{func(d *dataset) error {
		if _, ok := d.Channels[channelID]; !ok {
			return fmt.Errorf("channel %s not found", channelID)
		}
		messages := d.Messages[channelID]
		if len(messages) > 0 {
			id = messages[len(messages)-1].ID
		}
		id++
		d.Messages[channelID] = append(messages, Message{ID: id, ServerID: serverID, ReceivedAt: time.Now().UTC()})
		return nil
	}})
	if err != nil {
		return 0, mutationFailed("add message", err)
	}
	return id, nil
}

// MessageCount returns the number of committed messages for a channel.
func (g *JSONGateway) MessageCount(channelID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.data.Messages[channelID])
}

// IncrementStatistic adds delta to both the current and the lifetime counter
// of a connector, the way the message pipeline records throughput.
func (g *JSONGateway) IncrementStatistic(ctx context.Context, channelID, serverID string, metaDataID models.MetaDataID, status models.Status, delta int64) error {
	if !status.IsStatistic() {
		return mutationFailed("increment statistic", fmt.Errorf("status %s has no counter", status))
	}
	err := g.apply([]func(*dataset) error{func(d *dataset) error {
		if _, ok := d.Channels[channelID]; !ok {
			return fmt.Errorf("channel %s not found", channelID)
		}
		servers, ok := d.Statistics[channelID]
		if !ok {
			servers = make(map[string]connectorRows)
			d.Statistics[channelID] = servers
		}
		rows, ok := servers[serverID]
		if !ok {
			rows = make(connectorRows)
			servers[serverID] = rows
		}
		row := rows[metaDataID]
		if row.Current == nil {
			row.Current = make(counters)
		}
		if row.Lifetime == nil {
			row.Lifetime = make(counters)
		}
		row.Current[status] += delta
		row.Lifetime[status] += delta
		rows[metaDataID] = row
		return nil
	}})
	if err != nil {
		return mutationFailed("increment statistic", err)
	}
	return nil
}

type jsonSession struct {
	gateway *JSONGateway
	pending []func(*dataset) error
	closed  bool
}

func (s *jsonSession) check(ctx context.Context, op string) error {
	if s.closed {
		return unavailable(op, errSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *jsonSession) stage(ctx context.Context, op string, mutate func(*dataset) error) error {
	if err := s.check(ctx, op); err != nil {
		return err
	}
	s.pending = append(s.pending, func(d *dataset) error {
		if err := mutate(d); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
	return nil
}

func (s *jsonSession) RemoveChannel(ctx context.Context, channelID string) error {
	return s.stage(ctx, "remove channel", func(d *dataset) error {
		delete(d.Channels, channelID)
		delete(d.Messages, channelID)
		delete(d.Statistics, channelID)
		return nil
	})
}

func (s *jsonSession) DeleteAllMessages(ctx context.Context, channelID string) error {
	return s.stage(ctx, "delete all messages", func(d *dataset) error {
		delete(d.Messages, channelID)
		return nil
	})
}

func (s *jsonSession) LocalChannelIDs(ctx context.Context) (map[string]int64, error) {
	if err := s.check(ctx, "list local channel ids"); err != nil {
		return nil, err
	}
	s.gateway.mu.RLock()
	defer s.gateway.mu.RUnlock()
	ids := make(map[string]int64, len(s.gateway.data.Channels))
	for id, local := range s.gateway.data.Channels {
		ids[id] = local
	}
	return ids, nil
}

func (s *jsonSession) MaxLocalChannelID(ctx context.Context) (int64, bool, error) {
	if err := s.check(ctx, "select max local channel id"); err != nil {
		return 0, false, err
	}
	s.gateway.mu.RLock()
	defer s.gateway.mu.RUnlock()
	highest := s.gateway.data.LocalChannelIDSeq
	for _, local := range s.gateway.data.Channels {
		if local > highest {
			highest = local
		}
	}
	if highest <= 0 {
		return 0, false, nil
	}
	return highest, true, nil
}

func (s *jsonSession) CreateChannel(ctx context.Context, channelID string, localChannelID int64) error {
	return s.stage(ctx, "create channel", func(d *dataset) error {
		if _, exists := d.Channels[channelID]; exists {
			return fmt.Errorf("channel %s already exists", channelID)
		}
		for existing, local := range d.Channels {
			if local == localChannelID {
				return fmt.Errorf("local channel id %d already assigned to %s", localChannelID, existing)
			}
		}
		d.Channels[channelID] = localChannelID
		if localChannelID > d.LocalChannelIDSeq {
			d.LocalChannelIDSeq = localChannelID
		}
		return nil
	})
}

func (s *jsonSession) ChannelStatistics(ctx context.Context, serverID string) (models.Statistics, error) {
	return s.statistics(ctx, "load channel statistics", serverID, func(row statisticsRow) counters { return row.Current })
}

func (s *jsonSession) ChannelTotalStatistics(ctx context.Context, serverID string) (models.Statistics, error) {
	return s.statistics(ctx, "load channel total statistics", serverID, func(row statisticsRow) counters { return row.Lifetime })
}

func (s *jsonSession) statistics(ctx context.Context, op, serverID string, pick func(statisticsRow) counters) (models.Statistics, error) {
	if err := s.check(ctx, op); err != nil {
		return models.Statistics{}, err
	}
	s.gateway.mu.RLock()
	defer s.gateway.mu.RUnlock()

	builder := models.NewStatisticsBuilder(serverID)
	channelIDs := make([]string, 0, len(s.gateway.data.Statistics))
	for channelID := range s.gateway.data.Statistics {
		channelIDs = append(channelIDs, channelID)
	}
	sort.Strings(channelIDs)
	for _, channelID := range channelIDs {
		for metaDataID, row := range s.gateway.data.Statistics[channelID][serverID] {
			builder.Touch(channelID, metaDataID)
			for _, status := range models.StatisticsStatuses() {
				builder.Set(channelID, metaDataID, status, pick(row)[status])
			}
		}
	}
	return builder.Build(), nil
}

func (s *jsonSession) ResetStatistics(ctx context.Context, channelID string, metaDataID models.MetaDataID, statuses []models.Status) error {
	selected := append([]models.Status(nil), statuses...)
	return s.stage(ctx, "reset statistics", func(d *dataset) error {
		for _, rows := range d.Statistics[channelID] {
			for id, row := range rows {
				if metaDataID != models.AllConnectors && id != metaDataID {
					continue
				}
				if row.Current == nil {
					continue
				}
				for _, status := range selected {
					if _, ok := row.Current[status]; ok {
						row.Current[status] = 0
					}
				}
			}
		}
		return nil
	})
}

func (s *jsonSession) ResetAllStatistics(ctx context.Context, channelID string) error {
	return s.stage(ctx, "reset all statistics", func(d *dataset) error {
		for _, rows := range d.Statistics[channelID] {
			for id, row := range rows {
				rows[id] = statisticsRow{Current: zeroed(row.Current), Lifetime: zeroed(row.Lifetime)}
			}
		}
		return nil
	})
}

func zeroed(src counters) counters {
	out := make(counters, len(src))
	for status := range src {
		out[status] = 0
	}
	return out
}

func (s *jsonSession) Commit(ctx context.Context) error {
	if err := s.check(ctx, "commit"); err != nil {
		return err
	}
	pending := s.pending
	s.pending = nil
	if len(pending) == 0 {
		return nil
	}
	if err := s.gateway.apply(pending); err != nil {
		return mutationFailed("commit", err)
	}
	return nil
}

func (s *jsonSession) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}

var _ Gateway = (*JSONGateway)(nil)
