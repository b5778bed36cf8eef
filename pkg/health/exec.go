package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/sentinel-zero/sentinel/pkg/types"
)

// ExecChecker probes by running a command; exit code 0 means healthy
type ExecChecker struct {
	Command []string
	Dir     string // Working directory, usually the workload's
}

// Check runs the probe command
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		message := fmt.Sprintf("probe command failed: %v", err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, stderr.String())
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "probe command exited 0",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe type
func (e *ExecChecker) Type() types.HealthCheckType {
	return types.HealthCheckExec
}
