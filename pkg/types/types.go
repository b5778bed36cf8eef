package types

import (
	"time"
)

// Workload represents the declared intent to run a command
type Workload struct {
	ID          string
	Name        string
	Argv        []string // Command plus ordered arguments
	WorkDir     string
	Env         map[string]string // Overlay on the daemon environment
	Group       string            // Optional process-group name
	PolicyRef   string            // Restart policy name ("" = default "none")
	HealthCheck *HealthCheckSpec
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Phase represents the current state of a workload's supervisor
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseEvaluating Phase = "evaluating"
	PhaseBackingOff Phase = "backing-off"
	PhaseStopped    Phase = "stopped"
	PhaseFailed     Phase = "failed"
	PhaseTerminated Phase = "terminated"
)

// Active reports whether the phase owns, or is about to own, a live process.
func (p Phase) Active() bool {
	switch p {
	case PhaseStarting, PhaseRunning, PhaseStopping, PhaseEvaluating, PhaseBackingOff:
		return true
	}
	return false
}

// RuntimeState is the live facet of a workload. It is owned exclusively by
// the workload's supervisor and is rebuilt from scratch on daemon restart.
type RuntimeState struct {
	Phase               Phase
	PID                 int
	StartedAt           time.Time
	LastExitCode        int
	LastExitSignaled    bool
	ConsecutiveFailures int
	NextRestartAt       time.Time
}

// UnboundedRetries is the distinguished MaxRetries value meaning "retry forever"
const UnboundedRetries = -1

// RestartPolicy defines restart behavior after a workload exits
type RestartPolicy struct {
	Name                string
	MaxRetries          int // UnboundedRetries means no limit
	InitialDelay        time.Duration
	BackoffMultiplier   float64 // >= 1.0
	MaxDelay            time.Duration
	RestartOnExitCodes  []int // Empty means "any non-zero exit"
	IgnoreExitCodes     []int // Exit codes that never trigger a restart
	RestartOnNormalExit bool
	RestartOnLost       bool // Restart workloads found running before a daemon restart
	Builtin             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ScheduleKind defines how a schedule's expression is interpreted
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// Schedule associates a time-based trigger with a workload
type Schedule struct {
	ID         string
	WorkloadID string
	Kind       ScheduleKind
	Expression string // Five-field cron, duration, or RFC 3339 instant
	Enabled    bool
	LastFire   time.Time
	NextFire   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Stream identifies the origin of a log record
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// LogRecord is one captured output line, append-only per workload
type LogRecord struct {
	WorkloadID string
	Seq        uint64 // Strictly increasing per workload
	Timestamp  time.Time
	Stream     Stream
	Payload    string // UTF-8 with replacement
}

// MetricSample is one resource usage observation of a running workload
type MetricSample struct {
	WorkloadID string
	Timestamp  time.Time
	CPU        float64 // Fraction of one core; may exceed 1.0 on multicore
	RSSBytes   int64
	NumThreads int
}

// HealthCheckSpec defines an optional liveness probe for a running workload
type HealthCheckSpec struct {
	Type     HealthCheckType
	Command  []string // For exec type
	Endpoint string   // URL or host:port for http/tcp types
	Interval time.Duration
	Timeout  time.Duration
	Retries  int // Consecutive failures before the run is considered failed
}

// HealthCheckType defines the type of liveness probe
type HealthCheckType string

const (
	HealthCheckExec HealthCheckType = "exec"
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
)

// WorkloadSummary is the row shape returned by list operations
type WorkloadSummary struct {
	ID        string
	Name      string
	Group     string
	Phase     Phase
	PID       int
	StartedAt time.Time
	Uptime    string // Wire duration format, empty unless running
	Failures  int
}

// WorkloadDetail is the full shape returned by describe
type WorkloadDetail struct {
	Workload  Workload
	Runtime   RuntimeState
	Schedules []*Schedule
}

// Health aggregates daemon-level health signals behind the read endpoint
type Health struct {
	PhaseCounts    map[Phase]int
	PersistenceLag bool
	SchedulerDrift time.Duration
}
