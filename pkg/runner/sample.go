package runner

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/sentinel-zero/sentinel/pkg/types"
)

// sampler reads resource usage for one pid via /proc. CPU is reported as a
// fraction of one core since the previous sample, so the first sample of a
// spawn reads 0.
type sampler struct {
	proc *process.Process
	pid  int
}

func newSampler(pid int) *sampler {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process may have exited already; sample() reports the error
		return &sampler{pid: pid}
	}
	return &sampler{proc: p, pid: pid}
}

func (s *sampler) sample(workloadID string) (*types.MetricSample, error) {
	if s.proc == nil {
		return nil, fmt.Errorf("pid %d not observable", s.pid)
	}

	cpuPct, err := s.proc.Percent(0)
	if err != nil {
		return nil, fmt.Errorf("cpu sample pid %d: %w", s.pid, err)
	}

	m := &types.MetricSample{
		WorkloadID: workloadID,
		Timestamp:  time.Now().UTC(),
		CPU:        cpuPct / 100.0,
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		m.RSSBytes = int64(mem.RSS)
	}
	if threads, err := s.proc.NumThreads(); err == nil {
		m.NumThreads = int(threads)
	}
	return m, nil
}
