package model

import (
	"strings"
	"time"
)

// SourceInstance identifies one deployment to sync.
type SourceInstance struct {
	ID              string
	Protocol        string
	Chain           string
	ChainID         uint64
	RPCURLs         []string
	ContractAddress string
	StartPosition   uint64
	MaxWindow       uint64
	Confirmations   uint64
	VotingPeriod    time.Duration
	Enabled         bool
	UpdatedAt       time.Time
}

// Syncable reports whether enough is configured to attempt a run.
func (i SourceInstance) Syncable() bool {
	if strings.TrimSpace(i.ContractAddress) == "" {
		return false
	}
	for _, u := range i.RPCURLs {
		if strings.TrimSpace(u) != "" {
			return true
		}
	}
	return false
}

// EndpointStat tracks health of a single RPC endpoint.
type EndpointStat struct {
	OK           uint64     `json:"ok"`
	Fail         uint64     `json:"fail"`
	LastOkAt     *time.Time `json:"lastOkAt,omitempty"`
	LastFailAt   *time.Time `json:"lastFailAt,omitempty"`
	AvgLatencyMs float64    `json:"avgLatencyMs"`
}

// SyncState is the resumable cursor of one instance.
type SyncState struct {
	InstanceID             string
	LastProcessedPosition  uint64
	LatestObservedPosition uint64
	SafePosition           uint64
	LastAttemptAt          *time.Time
	LastSuccessAt          *time.Time
	LastDurationMs         int64
	LastError              string
	ConsecutiveFailures    int
	ActiveEndpoint         string
	EndpointStats          map[string]EndpointStat
}

// Clone returns a deep copy so callers can mutate without aliasing stats.
func (s SyncState) Clone() SyncState {
	out := s
	out.EndpointStats = make(map[string]EndpointStat, len(s.EndpointStats))
	for k, v := range s.EndpointStats {
		out.EndpointStats[k] = v
	}
	return out
}

// SyncMetric is appended once per run.
type SyncMetric struct {
	InstanceID    string
	RecordedAt    time.Time
	Tip           uint64
	LastProcessed uint64
	Lag           uint64
	DurationMs    int64
	Events        int
	ErrorCode     string
}
