package health

import (
	"context"
	"time"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// Result represents the outcome of one probe attempt
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by each probe type
type Checker interface {
	Check(ctx context.Context) Result
	Type() types.HealthCheckType
}

// Defaults applied when a spec leaves fields zero
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
	DefaultRetries  = 3
)

// FromSpec builds a Checker for the workload's probe spec
func FromSpec(spec *types.HealthCheckSpec) (Checker, error) {
	switch spec.Type {
	case types.HealthCheckExec:
		if len(spec.Command) == 0 {
			return nil, errdefs.New(errdefs.KindInvalidField, "exec probe requires a command")
		}
		return &ExecChecker{Command: spec.Command}, nil
	case types.HealthCheckHTTP:
		if spec.Endpoint == "" {
			return nil, errdefs.New(errdefs.KindInvalidField, "http probe requires an endpoint URL")
		}
		return &HTTPChecker{URL: spec.Endpoint}, nil
	case types.HealthCheckTCP:
		if spec.Endpoint == "" {
			return nil, errdefs.New(errdefs.KindInvalidField, "tcp probe requires a host:port endpoint")
		}
		return &TCPChecker{Address: spec.Endpoint}, nil
	default:
		return nil, errdefs.New(errdefs.KindInvalidField, "unknown probe type %q", spec.Type)
	}
}

// Probe runs a Checker on an interval and reports when the workload has
// failed the configured number of consecutive checks.
type Probe struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	retries  int
}

// NewProbe builds a Probe from a workload's spec
func NewProbe(spec *types.HealthCheckSpec) (*Probe, error) {
	checker, err := FromSpec(spec)
	if err != nil {
		return nil, err
	}
	p := &Probe{
		checker:  checker,
		interval: spec.Interval,
		timeout:  spec.Timeout,
		retries:  spec.Retries,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.retries <= 0 {
		p.retries = DefaultRetries
	}
	return p, nil
}

// Run probes until ctx is cancelled or the failure threshold is reached,
// at which point onUnhealthy is called once with the final result and the
// loop exits. A success resets the failure count.
func (p *Probe) Run(ctx context.Context, onUnhealthy func(Result)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		result := p.checker.Check(checkCtx)
		cancel()

		if result.Healthy {
			failures = 0
			continue
		}
		failures++
		if failures >= p.retries {
			if ctx.Err() == nil && onUnhealthy != nil {
				onUnhealthy(result)
			}
			return
		}
	}
}
