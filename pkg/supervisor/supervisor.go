package supervisor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/events"
	"github.com/sentinel-zero/sentinel/pkg/health"
	"github.com/sentinel-zero/sentinel/pkg/log"
	"github.com/sentinel-zero/sentinel/pkg/runner"
	"github.com/sentinel-zero/sentinel/pkg/storage"
	"github.com/sentinel-zero/sentinel/pkg/timewheel"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// PolicyResolver returns the restart policy a workload references
type PolicyResolver func(name string) (*types.RestartPolicy, error)

// Deps are the shared services a Supervisor operates against
type Deps struct {
	Gateway        *storage.Gateway
	Broker         *events.Broker
	Wheel          *timewheel.Wheel
	ResolvePolicy  PolicyResolver
	StopGrace      time.Duration // Default grace for stop without an explicit one
	SampleInterval time.Duration // Metric sampling cadence while Running
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdFire
	cmdUpdate
	cmdDelete
)

type command struct {
	kind       cmdKind
	grace      time.Duration
	delay      time.Duration // restart only: pause between the two halves
	force      bool          // stop only: skip the grace period
	scheduleID string
	workload   *types.Workload
	reply      chan error
}

// Supervisor owns one workload's runtime state and its current runner. It
// processes commands and runner events one at a time on a single goroutine;
// nothing else mutates the workload's RuntimeState.
type Supervisor struct {
	deps   Deps
	logger zerolog.Logger

	mu       sync.RWMutex
	workload *types.Workload
	state    types.RuntimeState

	cmdCh   chan *command
	exitCh  chan runner.ExitStatus
	timerCh chan timewheel.Token
	probeCh chan health.Result

	run          *runner.Runner
	backoffToken timewheel.Token
	hasBackoff   bool

	stoppingUser   bool          // Current Stopping was user-initiated
	restartPending bool          // Second half of an atomic restart follows the exit
	restartDelay   time.Duration // Pause before the restart's start half

	// Replies deferred until the in-flight stop or restart settles
	stopWaiters    []chan error
	restartWaiters []chan error

	probeCancel context.CancelFunc
	sampleTick  *time.Ticker

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Supervisor in Idle. Call Run to start its loop.
func New(w *types.Workload, deps Deps) *Supervisor {
	if deps.StopGrace <= 0 {
		deps.StopGrace = 10 * time.Second
	}
	if deps.SampleInterval <= 0 {
		deps.SampleInterval = 5 * time.Second
	}
	return &Supervisor{
		deps:     deps,
		logger:   log.WithWorkload(w.ID, w.Name),
		workload: w,
		state:    types.RuntimeState{Phase: types.PhaseIdle},
		cmdCh:    make(chan *command, 16),
		exitCh:   make(chan runner.ExitStatus, 1),
		timerCh:  make(chan timewheel.Token, 1),
		probeCh:  make(chan health.Result, 1),
		done:     make(chan struct{}),
	}
}

// Run processes commands and runner events until the workload is deleted
func (s *Supervisor) Run() {
	s.sampleTick = time.NewTicker(s.deps.SampleInterval)
	defer s.sampleTick.Stop()

	for {
		select {
		case cmd := <-s.cmdCh:
			if s.handle(cmd) {
				return
			}
		case status := <-s.exitCh:
			s.handleExit(status)
		case tok := <-s.timerCh:
			s.handleTimer(tok)
		case result := <-s.probeCh:
			s.handleUnhealthy(result)
		case <-s.sampleTick.C:
			s.sample()
		}
	}
}

// Done is closed when the supervisor has terminated
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a copy of the runtime state; safe for concurrent reads
func (s *Supervisor) Snapshot() types.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Workload returns the current declared workload
func (s *Supervisor) Workload() *types.Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := *s.workload
	return &w
}

// Start requests a spawn. The request is "accepted" once the supervisor
// takes it; a subsequent spawn failure surfaces through the event stream
// and the state machine, not through this return value.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, &command{kind: cmdStart, reply: make(chan error, 1)})
}

// Stop requests a graceful stop; grace <= 0 uses the configured default.
// A forced stop kills the process group immediately.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration, force bool) error {
	return s.send(ctx, &command{kind: cmdStop, grace: grace, force: force, reply: make(chan error, 1)})
}

// Restart stops then starts atomically: no other command interleaves
// between the two halves. A positive delay holds the workload in
// BackingOff between them.
func (s *Supervisor) Restart(ctx context.Context, grace, delay time.Duration) error {
	return s.send(ctx, &command{kind: cmdRestart, grace: grace, delay: delay, reply: make(chan error, 1)})
}

// Fire delivers a schedule trigger; concurrent fires are dropped
func (s *Supervisor) Fire(ctx context.Context, scheduleID string) error {
	return s.send(ctx, &command{kind: cmdFire, scheduleID: scheduleID, reply: make(chan error, 1)})
}

// Update replaces the declared workload for future spawns
func (s *Supervisor) Update(ctx context.Context, w *types.Workload) error {
	return s.send(ctx, &command{kind: cmdUpdate, workload: w, reply: make(chan error, 1)})
}

// Delete terminates the supervisor, killing any live process
func (s *Supervisor) Delete(ctx context.Context) error {
	return s.send(ctx, &command{kind: cmdDelete, reply: make(chan error, 1)})
}

func (s *Supervisor) send(ctx context.Context, cmd *command) error {
	select {
	case <-s.done:
		return errdefs.NotFound("workload", s.workload.ID)
	default:
	}
	select {
	case s.cmdCh <- cmd:
	case <-s.done:
		return errdefs.NotFound("workload", s.workload.ID)
	case <-ctx.Done():
		return errdefs.Timeout("command")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return errdefs.Timeout("command")
	}
}

// handle dispatches one command; returns true when the supervisor ends
func (s *Supervisor) handle(cmd *command) bool {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- s.handleStart()
	case cmdStop:
		s.handleStop(cmd)
	case cmdRestart:
		s.handleRestart(cmd)
	case cmdFire:
		cmd.reply <- s.handleFire(cmd.scheduleID)
	case cmdUpdate:
		s.mu.Lock()
		s.workload = cmd.workload
		s.logger = log.WithWorkload(cmd.workload.ID, cmd.workload.Name)
		s.mu.Unlock()
		cmd.reply <- nil
	case cmdDelete:
		s.handleDelete()
		cmd.reply <- nil
		return true
	}
	return false
}

func (s *Supervisor) handleStart() error {
	switch s.phase() {
	case types.PhaseStarting, types.PhaseRunning, types.PhaseBackingOff:
		return errdefs.New(errdefs.KindAlreadyActive, "workload %s is %s", s.workload.Name, s.phase())
	case types.PhaseStopping:
		return errdefs.New(errdefs.KindTransientState, "workload %s is stopping", s.workload.Name).
			WithHint("retry after the stop completes")
	}
	// Manual start: the failure budget starts fresh
	s.mu.Lock()
	s.state.ConsecutiveFailures = 0
	s.mu.Unlock()
	s.spawn()
	return nil
}

func (s *Supervisor) handleStop(cmd *command) {
	switch s.phase() {
	case types.PhaseIdle, types.PhaseStopped, types.PhaseFailed:
		cmd.reply <- errdefs.New(errdefs.KindAlreadyStopped, "workload %s is %s", s.workload.Name, s.phase())
		return
	case types.PhaseBackingOff:
		s.cancelBackoff()
		s.setPhase(types.PhaseStopped, events.EventStopped, "stopped during backoff")
		cmd.reply <- nil
		return
	case types.PhaseStopping:
		// Already stopping; absorb. A pending restart is downgraded to a
		// plain stop.
		s.restartPending = false
		s.stoppingUser = true
		if cmd.force && s.run != nil {
			_ = s.run.Signal(syscall.SIGKILL)
		}
		s.stopWaiters = append(s.stopWaiters, cmd.reply)
		return
	}
	s.beginStop(cmd.grace, true, cmd.force)
	s.stopWaiters = append(s.stopWaiters, cmd.reply)
}

func (s *Supervisor) handleRestart(cmd *command) {
	switch s.phase() {
	case types.PhaseIdle, types.PhaseStopped, types.PhaseFailed:
		s.mu.Lock()
		s.state.ConsecutiveFailures = 0
		s.mu.Unlock()
		s.spawn()
		cmd.reply <- nil
		return
	case types.PhaseBackingOff:
		s.cancelBackoff()
		s.mu.Lock()
		s.state.ConsecutiveFailures = 0
		s.mu.Unlock()
		s.spawn()
		cmd.reply <- nil
		return
	case types.PhaseStopping:
		cmd.reply <- errdefs.New(errdefs.KindTransientState, "workload %s is stopping", s.workload.Name).
			WithHint("retry after the stop completes")
		return
	}
	s.restartPending = true
	s.restartDelay = cmd.delay
	s.beginStop(cmd.grace, true, false)
	s.restartWaiters = append(s.restartWaiters, cmd.reply)
}

func (s *Supervisor) handleFire(scheduleID string) error {
	if s.phase().Active() {
		s.emit(events.EventSkippedConcurrent, "schedule fire skipped, workload busy", map[string]string{
			"schedule_id": scheduleID,
			"phase":       string(s.phase()),
		})
		return nil
	}
	s.mu.Lock()
	s.state.ConsecutiveFailures = 0
	s.mu.Unlock()
	s.emit(events.EventScheduleFired, "schedule fired", map[string]string{"schedule_id": scheduleID})
	s.spawn()
	return nil
}

func (s *Supervisor) handleDelete() {
	s.cancelBackoff()
	s.stopProbe()
	if s.run != nil {
		if _, exited := s.run.Status(); !exited {
			// The runner's reaper still resolves wait; we do not linger
			_ = s.run.Signal(syscall.SIGKILL)
		}
		s.run = nil
	}
	s.setPhase(types.PhaseTerminated, events.EventWorkloadDeleted, "workload deleted")
	s.failWaiters(errdefs.NotFound("workload", s.workload.ID))
	s.doneOnce.Do(func() { close(s.done) })
}

// spawn creates a runner and moves Idle/Stopped/Failed into Starting, then
// Running on success. A spawn failure goes through policy evaluation with a
// synthetic exit, exactly like a crash.
func (s *Supervisor) spawn() {
	s.setPhase(types.PhaseStarting, events.EventStarting, "spawning process")

	w := s.Workload()
	r := runner.New(w, s.onLine, s.onExit)
	pid, err := r.Start()
	if err != nil {
		s.logger.Warn().Err(err).Msg("spawn failed")
		s.systemLog(fmt.Sprintf("spawn failed: %v", err))
		s.run = nil
		s.evaluate(runner.ExitStatus{
			Code:        runner.SpawnFailureCode,
			SpawnFailed: true,
			ExitedAt:    time.Now(),
		})
		return
	}

	s.run = r
	s.mu.Lock()
	s.state.PID = pid
	s.state.StartedAt = r.StartedAt()
	s.state.NextRestartAt = time.Time{}
	s.mu.Unlock()

	s.setPhase(types.PhaseRunning, events.EventRunning, "process running")
	s.emit(events.EventStarted, "process started", map[string]string{"pid": strconv.Itoa(pid)})
	// The "started pid" marker is what recovery scans for when deciding
	// whether a workload was lost with the previous daemon generation
	s.systemLog(fmt.Sprintf("started pid %d", pid))
	s.startProbe()
}

func (s *Supervisor) onLine(stream types.Stream, line string) {
	s.deps.Gateway.AppendLog(s.workload.ID, stream, line)
}

func (s *Supervisor) onExit(status runner.ExitStatus) {
	// Buffered one deep; a runner exits at most once
	s.exitCh <- status
}

func (s *Supervisor) handleExit(status runner.ExitStatus) {
	s.stopProbe()
	s.run = nil

	s.mu.Lock()
	s.state.PID = 0
	s.state.LastExitCode = status.Code
	s.state.LastExitSignaled = status.Signaled
	s.mu.Unlock()

	meta := map[string]string{"code": strconv.Itoa(status.Code)}
	if status.Signaled {
		meta["signal"] = status.Signal
	}
	s.emit(events.EventExited, "process exited", meta)
	s.systemLog(fmt.Sprintf("exited with code %d", status.Code))

	s.evaluate(status)
}

// evaluate applies the restart policy to an exit. It runs synchronously in
// the supervisor loop, so the Evaluating phase is never observed at rest.
func (s *Supervisor) evaluate(status runner.ExitStatus) {
	s.setPhase(types.PhaseEvaluating, "", "")

	wasUserStop := s.stoppingUser
	wasRestart := s.restartPending
	s.stoppingUser = false
	s.restartPending = false

	if wasUserStop {
		s.mu.Lock()
		s.state.ConsecutiveFailures = 0
		s.mu.Unlock()
		if wasRestart {
			// Second half of the atomic restart; no command interleaves
			s.spawnAfter(s.restartDelay)
			s.restartDelay = 0
			s.settleRestart()
			return
		}
		s.setPhase(types.PhaseStopped, events.EventStopped, "stopped by request")
		s.settleStop()
		return
	}

	policy := s.currentPolicy()
	success := status.Code == 0 && !status.Signaled && !status.SpawnFailed

	if success {
		s.mu.Lock()
		s.state.ConsecutiveFailures = 0
		s.mu.Unlock()
		if !policy.RestartOnNormalExit {
			s.setPhase(types.PhaseStopped, events.EventStopped, "exited normally")
			return
		}
	} else if !restartable(policy, status) {
		s.setPhase(types.PhaseStopped, events.EventStopped,
			fmt.Sprintf("exit code %d does not trigger restart", status.Code))
		return
	}

	failures := s.Snapshot().ConsecutiveFailures
	if policy.MaxRetries != types.UnboundedRetries && failures+1 > policy.MaxRetries {
		if success {
			s.setPhase(types.PhaseStopped, events.EventStopped, "restart budget exhausted")
		} else {
			s.setPhase(types.PhaseFailed, events.EventFailed,
				fmt.Sprintf("retries exhausted after %d failures", failures))
			s.systemLog(fmt.Sprintf("giving up after %d consecutive failures", failures))
		}
		return
	}

	delay := backoffDelay(policy, failures)
	nextAt := time.Now().Add(delay)

	s.mu.Lock()
	if !success {
		s.state.ConsecutiveFailures++
	}
	s.state.NextRestartAt = nextAt
	s.mu.Unlock()

	s.backoffToken = s.deps.Wheel.Schedule(nextAt, s.onBackoffTimer)
	s.hasBackoff = true

	s.setPhase(types.PhaseBackingOff, events.EventBackingOff,
		fmt.Sprintf("restarting in %s", delay.Round(time.Millisecond)))
}

func (s *Supervisor) onBackoffTimer(tok timewheel.Token) {
	select {
	case s.timerCh <- tok:
	default:
	}
}

func (s *Supervisor) handleTimer(tok timewheel.Token) {
	if !s.hasBackoff || tok != s.backoffToken || s.phase() != types.PhaseBackingOff {
		return // Stale fire from a cancelled backoff
	}
	s.hasBackoff = false
	s.mu.Lock()
	s.state.NextRestartAt = time.Time{}
	s.mu.Unlock()
	s.spawn()
}

func (s *Supervisor) handleUnhealthy(result health.Result) {
	if s.phase() != types.PhaseRunning {
		return
	}
	s.emit(events.EventUnhealthy, result.Message, nil)
	s.systemLog("liveness probe failed: " + result.Message)
	// Not a user stop: the exit is classified as a failure and the
	// restart policy decides what happens next
	s.beginStop(s.deps.StopGrace, false, false)
}

// beginStop moves Running/Starting into Stopping and terminates the
// process group in the background; the exit flows back via handleExit.
func (s *Supervisor) beginStop(grace time.Duration, user, force bool) {
	if grace <= 0 {
		grace = s.deps.StopGrace
	}
	s.stoppingUser = user
	s.setPhase(types.PhaseStopping, events.EventStopping, "stopping process")

	r := s.run
	if r == nil {
		// Nothing live (spawn raced an exit); settle immediately
		s.evaluate(runner.ExitStatus{ExitedAt: time.Now()})
		return
	}
	if force {
		_ = r.Signal(syscall.SIGKILL)
		return
	}
	go func() {
		_ = r.Stop(context.Background(), grace)
	}()
}

// spawnAfter spawns immediately, or holds in BackingOff for delay first
func (s *Supervisor) spawnAfter(delay time.Duration) {
	if delay <= 0 {
		s.spawn()
		return
	}
	nextAt := time.Now().Add(delay)
	s.mu.Lock()
	s.state.NextRestartAt = nextAt
	s.mu.Unlock()
	s.backoffToken = s.deps.Wheel.Schedule(nextAt, s.onBackoffTimer)
	s.hasBackoff = true
	s.setPhase(types.PhaseBackingOff, events.EventBackingOff,
		fmt.Sprintf("restarting in %s", delay.Round(time.Millisecond)))
}

func (s *Supervisor) cancelBackoff() {
	if s.hasBackoff {
		s.deps.Wheel.Cancel(s.backoffToken)
		s.hasBackoff = false
	}
	s.mu.Lock()
	s.state.NextRestartAt = time.Time{}
	s.mu.Unlock()
}

func (s *Supervisor) startProbe() {
	w := s.Workload()
	if w.HealthCheck == nil {
		return
	}
	probe, err := health.NewProbe(w.HealthCheck)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid liveness probe, not running it")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.probeCancel = cancel
	go probe.Run(ctx, func(result health.Result) {
		select {
		case s.probeCh <- result:
		default:
		}
	})
}

func (s *Supervisor) stopProbe() {
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
}

func (s *Supervisor) sample() {
	if s.phase() != types.PhaseRunning || s.run == nil {
		return
	}
	m, err := s.run.Sample()
	if err != nil {
		// The process may have exited inside the interval
		s.logger.Debug().Err(err).Msg("metric sample skipped")
		return
	}
	s.deps.Gateway.AppendMetric(m)
}

func (s *Supervisor) settleStop() {
	for _, ch := range s.stopWaiters {
		ch <- nil
	}
	s.stopWaiters = nil
}

func (s *Supervisor) settleRestart() {
	for _, ch := range s.restartWaiters {
		ch <- nil
	}
	s.restartWaiters = nil
	s.settleStop()
}

func (s *Supervisor) failWaiters(err error) {
	for _, ch := range s.stopWaiters {
		ch <- err
	}
	s.stopWaiters = nil
	for _, ch := range s.restartWaiters {
		ch <- err
	}
	s.restartWaiters = nil
}

func (s *Supervisor) phase() types.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Phase
}

// setPhase records the transition and, when eventType is set, publishes it
func (s *Supervisor) setPhase(phase types.Phase, eventType events.EventType, msg string) {
	s.mu.Lock()
	from := s.state.Phase
	s.state.Phase = phase
	s.mu.Unlock()

	s.logger.Debug().Str("from", string(from)).Str("to", string(phase)).Msg("phase transition")
	if eventType != "" {
		s.emit(eventType, msg, nil)
	}
}

func (s *Supervisor) emit(eventType events.EventType, msg string, meta map[string]string) {
	s.deps.Broker.Publish(&events.Event{
		Type:       eventType,
		WorkloadID: s.workload.ID,
		Message:    msg,
		Metadata:   meta,
	})
}

// systemLog appends an audit line to the workload's system stream. The
// gateway never blocks; under backpressure the oldest records drop.
func (s *Supervisor) systemLog(msg string) {
	s.deps.Gateway.AppendLog(s.workload.ID, types.StreamSystem, msg)
}

func (s *Supervisor) currentPolicy() *types.RestartPolicy {
	w := s.Workload()
	name := w.PolicyRef
	if name == "" {
		name = "none"
	}
	policy, err := s.deps.ResolvePolicy(name)
	if err != nil || policy == nil {
		s.logger.Warn().Str("policy", name).Msg("policy not resolvable, using none")
		return &types.RestartPolicy{Name: "none"}
	}
	return policy
}

// restartable reports whether a failure exit triggers a restart under the
// policy's exit-code predicates.
func restartable(policy *types.RestartPolicy, status runner.ExitStatus) bool {
	for _, code := range policy.IgnoreExitCodes {
		if status.Code == code {
			return false
		}
	}
	if len(policy.RestartOnExitCodes) == 0 {
		return true // Any non-zero exit
	}
	for _, code := range policy.RestartOnExitCodes {
		if status.Code == code {
			return true
		}
	}
	return false
}

// backoffDelay computes min(initial * multiplier^failures, max)
func backoffDelay(policy *types.RestartPolicy, failures int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := policy.BackoffMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := time.Duration(float64(initial) * math.Pow(mult, float64(failures)))
	if policy.MaxDelay > 0 && (delay > policy.MaxDelay || delay < 0) {
		delay = policy.MaxDelay
	}
	return delay
}
