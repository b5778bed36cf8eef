package storage

import (
	"time"

	"github.com/sentinel-zero/sentinel/pkg/types"
)

// LogQuery selects a range of log records for one workload
type LogQuery struct {
	Since    time.Time // Zero means unbounded
	Until    time.Time // Zero means unbounded
	MinSeq   uint64
	MaxSeq   uint64 // Zero means unbounded
	Stream   types.Stream
	Contains string // Substring filter on the payload
	Tail     int    // If positive, return only the last N matching records
}

// MetricQuery selects a range of metric samples for one workload
type MetricQuery struct {
	Since time.Time
	Until time.Time
}

// Store defines the transactional persistence contract. All multi-row
// mutations are atomic; concurrent writers are serialized by the store.
type Store interface {
	// Workloads
	UpsertWorkload(w *types.Workload) error
	GetWorkload(id string) (*types.Workload, error)
	GetWorkloadByName(name string) (*types.Workload, error)
	ListWorkloads() ([]*types.Workload, error)
	DeleteWorkload(id string) error

	// Restart policies
	PutPolicy(p *types.RestartPolicy) error
	GetPolicy(name string) (*types.RestartPolicy, error)
	ListPolicies() ([]*types.RestartPolicy, error)
	DeletePolicy(name string) error

	// Schedules
	PutSchedule(s *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	ListSchedulesByWorkload(workloadID string) ([]*types.Schedule, error)
	DeleteSchedule(id string) error

	// Logs, append-only keyed (workload_id, seq)
	AppendLogs(records []*types.LogRecord) error
	QueryLogs(workloadID string, q LogQuery) ([]*types.LogRecord, error)
	LastLogSeq(workloadID string) (uint64, error)
	PurgeLogsBefore(workloadID string, cutoff time.Time, maxSeq uint64) (int, error)

	// Metrics, append-only keyed (workload_id, timestamp)
	AppendMetrics(samples []*types.MetricSample) error
	QueryMetrics(workloadID string, q MetricQuery) ([]*types.MetricSample, error)
	PurgeMetricsBefore(workloadID string, cutoff time.Time) (int, error)

	// Record counts, used by retention enforcement
	CountLogs(workloadID string) (int, error)
	CountMetrics(workloadID string) (int, error)

	// Utility
	Close() error
}
