package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/log"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

const (
	// MaxLineBytes caps a single captured output line; longer lines are
	// truncated with the marker appended.
	MaxLineBytes = 64 * 1024

	truncatedMarker = " [TRUNCATED]"
)

// SpawnFailureCode is the synthetic exit code recorded when the process
// could not be spawned at all. Real exit codes are never negative, so the
// policy engine can tell the two apart.
const SpawnFailureCode = -1

// ExitStatus describes how a spawned process ended
type ExitStatus struct {
	Code        int
	Signaled    bool
	Signal      string
	SpawnFailed bool
	ExitedAt    time.Time
}

// LineFunc receives one framed output line
type LineFunc func(stream types.Stream, line string)

// ExitFunc receives the final exit status, exactly once per spawn
type ExitFunc func(status ExitStatus)

// Runner owns exactly one OS process: it spawns the workload's argv in a
// new process group with the parent environment overlaid by the workload's
// env map, drains stdout and stderr line by line, delivers signals to the
// whole group, and resolves wait exactly once.
type Runner struct {
	workload *types.Workload
	logger   zerolog.Logger

	onLine LineFunc
	onExit ExitFunc

	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	started time.Time

	done     chan struct{}
	doneOnce sync.Once
	status   ExitStatus

	sampler *sampler
}

// New creates a Runner for one spawn of the given workload. A Runner is
// single use: call Start once, then Stop or Signal as needed.
func New(w *types.Workload, onLine LineFunc, onExit ExitFunc) *Runner {
	return &Runner{
		workload: w,
		logger:   log.WithWorkload(w.ID, w.Name),
		onLine:   onLine,
		onExit:   onExit,
		done:     make(chan struct{}),
	}
}

// Start spawns the process. On success it returns the pid; on failure it
// returns a spawn error and the Runner is dead (no exited event follows a
// failed Start).
func (r *Runner) Start() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return 0, errdefs.New(errdefs.KindInternal, "runner already started")
	}
	if len(r.workload.Argv) == 0 {
		return 0, errdefs.New(errdefs.KindSpawnError, "empty argv")
	}

	cmd := exec.Command(r.workload.Argv[0], r.workload.Argv[1:]...)
	cmd.Dir = r.workload.WorkDir
	cmd.Env = overlayEnv(os.Environ(), r.workload.Env)
	// New process group so signals reach descendants
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindSpawnError, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindSpawnError, err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return 0, errdefs.Wrap(errdefs.KindSpawnError, err, "spawn %q", r.workload.Argv[0])
	}

	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.started = time.Now()
	r.sampler = newSampler(r.pid)

	var drainers sync.WaitGroup
	drainers.Add(2)
	go r.drain(stdout, types.StreamStdout, &drainers)
	go r.drain(stderr, types.StreamStderr, &drainers)
	go r.reap(&drainers)

	r.logger.Debug().Int("pid", r.pid).Strs("argv", r.workload.Argv).Msg("process spawned")
	return r.pid, nil
}

// PID returns the spawned process id, or 0 before Start
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// StartedAt returns the spawn time
func (r *Runner) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Done is closed once the process has exited and its status is recorded
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Status returns the exit status; ok is false while the process is alive
func (r *Runner) Status() (ExitStatus, bool) {
	select {
	case <-r.done:
		return r.status, true
	default:
		return ExitStatus{}, false
	}
}

// Signal delivers sig to the whole process group
func (r *Runner) Signal(sig syscall.Signal) error {
	r.mu.Lock()
	pid := r.pid
	r.mu.Unlock()
	if pid == 0 {
		return errdefs.New(errdefs.KindInternal, "no process to signal")
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return fmt.Errorf("signal %s to group %d: %w", sig, pid, err)
	}
	return nil
}

// Stop terminates the process group gracefully: SIGTERM, wait up to grace,
// then SIGKILL if still alive. The exited event is still delivered through
// the usual path. Cancelling ctx only stops the wait; signals already sent
// proceed regardless.
func (r *Runner) Stop(ctx context.Context, grace time.Duration) error {
	if err := r.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone; the reaper settles it
		r.logger.Debug().Err(err).Msg("SIGTERM delivery failed")
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-graceTimer.C:
	}

	r.logger.Warn().Int("pid", r.PID()).Dur("grace", grace).Msg("grace period expired, killing process group")
	if err := r.Signal(syscall.SIGKILL); err != nil {
		r.logger.Debug().Err(err).Msg("SIGKILL delivery failed")
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sample reads cpu, rss, and thread count for the running process
func (r *Runner) Sample() (*types.MetricSample, error) {
	r.mu.Lock()
	s := r.sampler
	r.mu.Unlock()
	if s == nil {
		return nil, errdefs.New(errdefs.KindInternal, "process not started")
	}
	return s.sample(r.workload.ID)
}

// reap waits for the drainers and then for the process, resolving wait
// exactly once per spawn.
func (r *Runner) reap(drainers *sync.WaitGroup) {
	drainers.Wait()
	err := r.cmd.Wait()

	status := ExitStatus{ExitedAt: time.Now()}
	if err == nil {
		status.Code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		ws := exitErr.Sys().(syscall.WaitStatus)
		if ws.Signaled() {
			status.Signaled = true
			status.Signal = ws.Signal().String()
			status.Code = 128 + int(ws.Signal())
		} else {
			status.Code = ws.ExitStatus()
		}
	} else {
		// Wait itself failed; treat as a signaled death
		r.logger.Error().Err(err).Msg("wait failed")
		status.Code = SpawnFailureCode
		status.SpawnFailed = true
	}

	r.doneOnce.Do(func() {
		r.status = status
		close(r.done)
	})

	r.logger.Debug().Int("code", status.Code).Bool("signaled", status.Signaled).Msg("process exited")
	if r.onExit != nil {
		r.onExit(status)
	}
}

// drain reads one output pipe line by line until EOF. Lines longer than
// MaxLineBytes are emitted truncated with the marker; the overflow is
// discarded. Pipe errors are logged, never fatal: the process may still
// produce a normal exit.
func (r *Runner) drain(pipe io.ReadCloser, stream types.Stream, wg *sync.WaitGroup) {
	defer wg.Done()

	br := bufio.NewReaderSize(pipe, MaxLineBytes)
	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Buffer filled without a newline. A line of exactly the cap
			// is one record with no marker; anything longer gets the
			// marker on the capped record and the overflow continues as
			// the next record.
			next, perr := br.ReadByte()
			if perr != nil {
				r.emit(stream, string(line))
				r.finishDrain(stream, perr)
				return
			}
			if next == '\n' {
				r.emit(stream, string(line))
				continue
			}
			_ = br.UnreadByte()
			r.emit(stream, string(line)+truncatedMarker)
			continue
		}
		if len(line) > 0 {
			r.emit(stream, strings.TrimRight(string(line), "\r\n"))
		}
		if err != nil {
			r.finishDrain(stream, err)
			return
		}
	}
}

func (r *Runner) finishDrain(stream types.Stream, err error) {
	if err != io.EOF {
		r.logger.Warn().Err(err).Str("stream", string(stream)).Msg("output stream error")
	}
}

func (r *Runner) emit(stream types.Stream, payload string) {
	if r.onLine == nil {
		return
	}
	r.onLine(stream, strings.ToValidUTF8(payload, "�"))
}

// overlayEnv merges the workload's env map over the parent environment.
// exec.Cmd uses the last value for duplicate keys, so appending wins.
func overlayEnv(parent []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return parent
	}
	env := make([]string, 0, len(parent)+len(overlay))
	env = append(env, parent...)
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}
