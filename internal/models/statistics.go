package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Status is the processing state of a connector message.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusFiltered    Status = "FILTERED"
	StatusTransformed Status = "TRANSFORMED"
	StatusSent        Status = "SENT"
	StatusQueued      Status = "QUEUED"
	StatusError       Status = "ERROR"
	StatusPending     Status = "PENDING"
)

var statisticsStatuses = []Status{StatusReceived, StatusFiltered, StatusSent, StatusError}

// StatisticsStatuses lists the statuses that carry persisted counters.
func StatisticsStatuses() []Status {
	return append([]Status(nil), statisticsStatuses...)
}

// IsStatistic reports whether counters are kept for the status.
func (s Status) IsStatistic() bool {
	for _, candidate := range statisticsStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// ParseStatus normalizes a status name such as "received" or " SENT ".
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusReceived, StatusFiltered, StatusTransformed, StatusSent, StatusQueued, StatusError, StatusPending:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// MetaDataID addresses a connector within a channel. Zero is the source
// connector and positive values are destinations.
type MetaDataID int

const (
	// AllConnectors stands for the whole channel: the aggregate counters when
	// reading statistics and every connector when resetting them.
	AllConnectors   MetaDataID = -1
	SourceConnector MetaDataID = 0
)

type counterTable map[string]map[MetaDataID]map[Status]int64

// Statistics is an immutable point-in-time copy of the counters aggregated
// for one server. Values are produced by StatisticsBuilder; the zero value is
// an empty snapshot.
type Statistics struct {
	serverID string
	channels counterTable
}

// ServerID returns the scope the snapshot was aggregated for.
func (s Statistics) ServerID() string {
	return s.serverID
}

// ChannelIDs returns the channels present in the snapshot in sorted order.
func (s Statistics) ChannelIDs() []string {
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connectors returns the connector ids recorded for a channel in ascending
// order. The channel aggregate, when present, is reported as AllConnectors.
func (s Statistics) Connectors(channelID string) []MetaDataID {
	connectors := s.channels[channelID]
	ids := make([]MetaDataID, 0, len(connectors))
	for id := range connectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns a single counter, zero when it was never recorded.
func (s Statistics) Count(channelID string, metaDataID MetaDataID, status Status) int64 {
	return s.channels[channelID][metaDataID][status]
}

// Counts returns a copy of the counters for one connector.
func (s Statistics) Counts(channelID string, metaDataID MetaDataID) map[Status]int64 {
	src := s.channels[channelID][metaDataID]
	out := make(map[Status]int64, len(src))
	for status, value := range src {
		out[status] = value
	}
	return out
}

// Len reports how many channels the snapshot covers.
func (s Statistics) Len() int {
	return len(s.channels)
}

type statisticsJSON struct {
	ServerID string       `json:"serverId"`
	Channels counterTable `json:"channels"`
}

// MarshalJSON encodes the snapshot as {serverId, channels: {id: {metaDataId: {status: n}}}}.
func (s Statistics) MarshalJSON() ([]byte, error) {
	channels := s.channels
	if channels == nil {
		channels = counterTable{}
	}
	return json.Marshal(statisticsJSON{ServerID: s.serverID, Channels: channels})
}

// UnmarshalJSON decodes a snapshot produced by MarshalJSON.
func (s *Statistics) UnmarshalJSON(data []byte) error {
	var decoded statisticsJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*s = Statistics{serverID: decoded.ServerID, channels: cloneCounters(decoded.Channels)}
	return nil
}

// StatisticsBuilder accumulates counters before freezing them into a
// Statistics snapshot. It is not safe for concurrent use.
type StatisticsBuilder struct {
	serverID string
	channels counterTable
}

func NewStatisticsBuilder(serverID string) *StatisticsBuilder {
	return &StatisticsBuilder{serverID: serverID, channels: make(counterTable)}
}

// Set records an absolute counter value.
func (b *StatisticsBuilder) Set(channelID string, metaDataID MetaDataID, status Status, value int64) *StatisticsBuilder {
	b.connector(channelID, metaDataID)[status] = value
	return b
}

// Add increments a counter.
func (b *StatisticsBuilder) Add(channelID string, metaDataID MetaDataID, status Status, delta int64) *StatisticsBuilder {
	b.connector(channelID, metaDataID)[status] += delta
	return b
}

// Touch registers a connector without recording any counters so that empty
// rows remain visible in the snapshot.
func (b *StatisticsBuilder) Touch(channelID string, metaDataID MetaDataID) *StatisticsBuilder {
	b.connector(channelID, metaDataID)
	return b
}

// Build returns a snapshot detached from the builder.
func (b *StatisticsBuilder) Build() Statistics {
	return Statistics{serverID: b.serverID, channels: cloneCounters(b.channels)}
}

func (b *StatisticsBuilder) connector(channelID string, metaDataID MetaDataID) map[Status]int64 {
	connectors, ok := b.channels[channelID]
	if !ok {
		connectors = make(map[MetaDataID]map[Status]int64)
		b.channels[channelID] = connectors
	}
	counts, ok := connectors[metaDataID]
	if !ok {
		counts = make(map[Status]int64)
		connectors[metaDataID] = counts
	}
	return counts
}

func cloneCounters(src counterTable) counterTable {
	clone := make(counterTable, len(src))
	for channelID, connectors := range src {
		connectorsClone := make(map[MetaDataID]map[Status]int64, len(connectors))
		for metaDataID, counts := range connectors {
			countsClone := make(map[Status]int64, len(counts))
			for status, value := range counts {
				countsClone[status] = value
			}
			connectorsClone[metaDataID] = countsClone
		}
		clone[channelID] = connectorsClone
	}
	return clone
}
