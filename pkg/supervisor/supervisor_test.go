package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/events"
	"github.com/sentinel-zero/sentinel/pkg/runner"
	"github.com/sentinel-zero/sentinel/pkg/storage"
	"github.com/sentinel-zero/sentinel/pkg/timewheel"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

type harness struct {
	gateway  *storage.Gateway
	broker   *events.Broker
	wheel    *timewheel.Wheel
	policies map[string]*types.RestartPolicy
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gateway := storage.NewGateway(store, storage.GatewayConfig{
		FlushBatch:    10,
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gateway.Close(ctx)
	})

	broker := events.NewBroker(256)
	broker.Start()
	t.Cleanup(broker.Stop)

	wheel := timewheel.New()
	wheel.Start()
	t.Cleanup(wheel.Stop)

	return &harness{
		gateway: gateway,
		broker:  broker,
		wheel:   wheel,
		policies: map[string]*types.RestartPolicy{
			"none": {Name: "none", MaxRetries: 0, InitialDelay: time.Second, BackoffMultiplier: 1.0, MaxDelay: time.Second},
		},
	}
}

func (h *harness) resolve(name string) (*types.RestartPolicy, error) {
	p, ok := h.policies[name]
	if !ok {
		return nil, errdefs.New(errdefs.KindUnknownPolicy, "policy %q not found", name)
	}
	return p, nil
}

func (h *harness) supervisor(t *testing.T, w *types.Workload) *Supervisor {
	t.Helper()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	sup := New(w, Deps{
		Gateway:        h.gateway,
		Broker:         h.broker,
		Wheel:          h.wheel,
		ResolvePolicy:  h.resolve,
		StopGrace:      2 * time.Second,
		SampleInterval: time.Hour, // keep sampling out of these tests
	})
	go sup.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Delete(ctx)
	})
	return sup
}

func shWorkload(name, script, policy string) *types.Workload {
	return &types.Workload{
		Name:      name,
		Argv:      []string{"/bin/sh", "-c", script},
		PolicyRef: policy,
	}
}

func ctxShort(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitPhase(t *testing.T, sup *Supervisor, phase types.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.Snapshot().Phase == phase
	}, 10*time.Second, 10*time.Millisecond, "waiting for phase %s, at %s", phase, sup.Snapshot().Phase)
}

func waitEvent(t *testing.T, sub *events.Subscription, eventType events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-sub.C:
			require.True(t, ok, "subscription closed while waiting for %s", eventType)
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", eventType)
			return nil
		}
	}
}

func TestStartAndNormalExit(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("ok", "exit 0", ""))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseStopped)

	st := sup.Snapshot()
	assert.Equal(t, 0, st.LastExitCode)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 0, st.PID)
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("long", "sleep 30", ""))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseRunning)
	assert.Greater(t, sup.Snapshot().PID, 0)

	err := sup.Start(ctxShort(t))
	assert.True(t, errdefs.Is(err, errdefs.KindAlreadyActive))
}

func TestStopRunning(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("long", "sleep 30", ""))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseRunning)

	require.NoError(t, sup.Stop(ctxShort(t), time.Second, false))
	assert.Equal(t, types.PhaseStopped, sup.Snapshot().Phase)

	err := sup.Stop(ctxShort(t), time.Second, false)
	assert.True(t, errdefs.Is(err, errdefs.KindAlreadyStopped))
}

func TestStopIdle(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("idle", "true", ""))

	err := sup.Stop(ctxShort(t), time.Second, false)
	assert.True(t, errdefs.Is(err, errdefs.KindAlreadyStopped))
}

func TestCrashWithoutRetriesFails(t *testing.T) {
	h := newHarness(t)
	sub := h.broker.Subscribe(nil)
	defer sub.Cancel()

	sup := h.supervisor(t, shWorkload("crash", "exit 3", ""))
	require.NoError(t, sup.Start(ctxShort(t)))

	waitEvent(t, sub, events.EventFailed)
	waitPhase(t, sup, types.PhaseFailed)

	st := sup.Snapshot()
	assert.Equal(t, 3, st.LastExitCode)
}

func TestCrashLoopExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.policies["retry"] = &types.RestartPolicy{
		Name:              "retry",
		MaxRetries:        2,
		InitialDelay:      10 * time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxDelay:          50 * time.Millisecond,
	}
	sub := h.broker.Subscribe(func(e *events.Event) bool { return e.Type == events.EventStarting })
	defer sub.Cancel()

	sup := h.supervisor(t, shWorkload("loop", "exit 1", "retry"))
	require.NoError(t, sup.Start(ctxShort(t)))

	// Initial spawn plus two retries
	for i := 0; i < 3; i++ {
		waitEvent(t, sub, events.EventStarting)
	}
	waitPhase(t, sup, types.PhaseFailed)
	assert.Equal(t, 2, sup.Snapshot().ConsecutiveFailures)
}

func TestManualStartResetsFailureBudget(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("crash", "exit 3", ""))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseFailed)

	// A failed workload can be started again, with a fresh budget
	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseFailed)
}

func TestSpawnFailureEvaluatesLikeCrash(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, &types.Workload{
		Name: "ghost",
		Argv: []string{"/no/such/binary"},
	})

	require.NoError(t, sup.Start(ctxShort(t)), "start reports acceptance, not spawn success")
	waitPhase(t, sup, types.PhaseFailed)
	assert.Equal(t, runner.SpawnFailureCode, sup.Snapshot().LastExitCode)
}

func TestIgnoredExitCodeDoesNotRestart(t *testing.T) {
	h := newHarness(t)
	h.policies["picky"] = &types.RestartPolicy{
		Name:            "picky",
		MaxRetries:      5,
		InitialDelay:    10 * time.Millisecond,
		IgnoreExitCodes: []int{3},
	}
	sup := h.supervisor(t, shWorkload("picky", "exit 3", "picky"))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseStopped)
}

func TestRestartOnExitCodesFilter(t *testing.T) {
	h := newHarness(t)
	h.policies["only5"] = &types.RestartPolicy{
		Name:               "only5",
		MaxRetries:         5,
		InitialDelay:       10 * time.Millisecond,
		RestartOnExitCodes: []int{5},
	}
	sup := h.supervisor(t, shWorkload("only5", "exit 3", "only5"))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseStopped)
}

func TestRestartOnNormalExit(t *testing.T) {
	h := newHarness(t)
	h.policies["always"] = &types.RestartPolicy{
		Name:                "always",
		MaxRetries:          types.UnboundedRetries,
		InitialDelay:        10 * time.Millisecond,
		RestartOnNormalExit: true,
	}
	sub := h.broker.Subscribe(func(e *events.Event) bool { return e.Type == events.EventStarting })
	defer sub.Cancel()

	sup := h.supervisor(t, shWorkload("always", "exit 0", "always"))
	require.NoError(t, sup.Start(ctxShort(t)))

	waitEvent(t, sub, events.EventStarting)
	waitEvent(t, sub, events.EventStarting)
	waitEvent(t, sub, events.EventStarting)
}

func TestStopDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.policies["slow"] = &types.RestartPolicy{
		Name:              "slow",
		MaxRetries:        types.UnboundedRetries,
		InitialDelay:      time.Minute,
		BackoffMultiplier: 1.0,
	}
	sup := h.supervisor(t, shWorkload("slow", "exit 1", "slow"))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseBackingOff)
	assert.False(t, sup.Snapshot().NextRestartAt.IsZero())

	require.NoError(t, sup.Stop(ctxShort(t), time.Second, false))
	assert.Equal(t, types.PhaseStopped, sup.Snapshot().Phase)
	assert.True(t, sup.Snapshot().NextRestartAt.IsZero())
}

func TestRestartAtomic(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("long", "sleep 30", ""))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseRunning)
	firstPID := sup.Snapshot().PID

	require.NoError(t, sup.Restart(ctxShort(t), time.Second, 0))
	waitPhase(t, sup, types.PhaseRunning)

	secondPID := sup.Snapshot().PID
	assert.NotEqual(t, firstPID, secondPID)
	assert.Greater(t, secondPID, 0)
}

func TestRestartFromStopped(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("long", "sleep 30", ""))

	require.NoError(t, sup.Restart(ctxShort(t), time.Second, 0))
	waitPhase(t, sup, types.PhaseRunning)
}

func TestFireWhileActiveIsSkipped(t *testing.T) {
	h := newHarness(t)
	sub := h.broker.Subscribe(nil)
	defer sub.Cancel()

	sup := h.supervisor(t, shWorkload("long", "sleep 30", ""))
	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseRunning)
	pid := sup.Snapshot().PID

	require.NoError(t, sup.Fire(ctxShort(t), "sched-1"))

	event := waitEvent(t, sub, events.EventSkippedConcurrent)
	assert.Equal(t, "sched-1", event.Metadata["schedule_id"])
	assert.Equal(t, pid, sup.Snapshot().PID, "the running process is untouched")
}

func TestFireWhileStoppedSpawns(t *testing.T) {
	h := newHarness(t)
	sub := h.broker.Subscribe(nil)
	defer sub.Cancel()

	sup := h.supervisor(t, shWorkload("job", "exit 0", ""))
	require.NoError(t, sup.Fire(ctxShort(t), "sched-1"))

	event := waitEvent(t, sub, events.EventScheduleFired)
	assert.Equal(t, "sched-1", event.Metadata["schedule_id"])
	waitPhase(t, sup, types.PhaseStopped)
}

func TestUpdateAppliesToNextSpawn(t *testing.T) {
	h := newHarness(t)
	w := shWorkload("mut", "exit 3", "")
	sup := h.supervisor(t, w)

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseFailed)

	updated := *w
	updated.Argv = []string{"/bin/sh", "-c", "exit 0"}
	require.NoError(t, sup.Update(ctxShort(t), &updated))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseStopped)
	assert.Equal(t, 0, sup.Snapshot().LastExitCode)
}

func TestDeleteKillsProcess(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(t, shWorkload("long", "sleep 30", ""))

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseRunning)

	require.NoError(t, sup.Delete(ctxShort(t)))
	assert.Equal(t, types.PhaseTerminated, sup.Snapshot().Phase)

	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("done never closed")
	}

	err := sup.Start(ctxShort(t))
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestCapturedOutputReachesStore(t *testing.T) {
	h := newHarness(t)
	w := shWorkload("echo", "echo hello-from-test", "")
	sup := h.supervisor(t, w)

	require.NoError(t, sup.Start(ctxShort(t)))
	waitPhase(t, sup, types.PhaseStopped)

	require.Eventually(t, func() bool {
		records, err := h.gateway.QueryLogs(w.ID, storage.LogQuery{Stream: types.StreamStdout})
		return err == nil && len(records) == 1 && records[0].Payload == "hello-from-test"
	}, 10*time.Second, 20*time.Millisecond)

	// The system stream carries the audit markers used by recovery
	require.Eventually(t, func() bool {
		records, err := h.gateway.QueryLogs(w.ID, storage.LogQuery{Stream: types.StreamSystem, Contains: "started pid "})
		return err == nil && len(records) == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestBackoffDelay(t *testing.T) {
	policy := &types.RestartPolicy{
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
	}
	tests := []struct {
		failures int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, backoffDelay(policy, tt.failures), "failures=%d", tt.failures)
	}

	flat := &types.RestartPolicy{InitialDelay: 3 * time.Second, BackoffMultiplier: 1.0}
	assert.Equal(t, 3*time.Second, backoffDelay(flat, 7))

	// Zero-value policy falls back to a one second delay
	assert.Equal(t, time.Second, backoffDelay(&types.RestartPolicy{}, 0))

	// Overflowing growth clamps to the cap
	huge := &types.RestartPolicy{InitialDelay: time.Hour, BackoffMultiplier: 10, MaxDelay: 2 * time.Hour}
	assert.Equal(t, 2*time.Hour, backoffDelay(huge, 500))
}

func TestRestartable(t *testing.T) {
	tests := []struct {
		name     string
		policy   *types.RestartPolicy
		code     int
		expected bool
	}{
		{"empty lists mean any non-zero", &types.RestartPolicy{}, 3, true},
		{"ignored code", &types.RestartPolicy{IgnoreExitCodes: []int{3}}, 3, false},
		{"listed code", &types.RestartPolicy{RestartOnExitCodes: []int{5, 7}}, 7, true},
		{"unlisted code", &types.RestartPolicy{RestartOnExitCodes: []int{5, 7}}, 3, false},
		{"ignore wins over listed", &types.RestartPolicy{RestartOnExitCodes: []int{3}, IgnoreExitCodes: []int{3}}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := runner.ExitStatus{Code: tt.code}
			assert.Equal(t, tt.expected, restartable(tt.policy, status))
		})
	}
}
