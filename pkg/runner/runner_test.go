package runner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

type capture struct {
	mu    sync.Mutex
	lines map[types.Stream][]string

	exitCh chan ExitStatus
}

func newCapture() *capture {
	return &capture{
		lines:  make(map[types.Stream][]string),
		exitCh: make(chan ExitStatus, 1),
	}
}

func (c *capture) onLine(stream types.Stream, line string) {
	c.mu.Lock()
	c.lines[stream] = append(c.lines[stream], line)
	c.mu.Unlock()
}

func (c *capture) onExit(status ExitStatus) {
	c.exitCh <- status
}

func (c *capture) get(stream types.Stream) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines[stream]...)
}

func (c *capture) waitExit(t *testing.T) ExitStatus {
	t.Helper()
	select {
	case status := <-c.exitCh:
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("process never exited")
		return ExitStatus{}
	}
}

func shWorkload(script string) *types.Workload {
	return &types.Workload{
		ID:   "w-test",
		Name: "test",
		Argv: []string{"/bin/sh", "-c", script},
	}
}

func runScript(t *testing.T, script string) (*capture, ExitStatus) {
	t.Helper()
	cap := newCapture()
	r := New(shWorkload(script), cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)
	return cap, cap.waitExit(t)
}

func TestNormalExit(t *testing.T) {
	cap, status := runScript(t, "echo out; echo err >&2; exit 0")

	assert.Equal(t, 0, status.Code)
	assert.False(t, status.Signaled)
	assert.False(t, status.SpawnFailed)
	assert.Equal(t, []string{"out"}, cap.get(types.StreamStdout))
	assert.Equal(t, []string{"err"}, cap.get(types.StreamStderr))
}

func TestNonZeroExit(t *testing.T) {
	_, status := runScript(t, "exit 7")
	assert.Equal(t, 7, status.Code)
	assert.False(t, status.Signaled)
}

func TestSignaledExit(t *testing.T) {
	_, status := runScript(t, "kill -TERM $$")
	assert.True(t, status.Signaled)
	assert.Equal(t, 128+int(syscall.SIGTERM), status.Code)
	assert.Equal(t, syscall.SIGTERM.String(), status.Signal)
}

func TestSpawnFailure(t *testing.T) {
	cap := newCapture()
	r := New(&types.Workload{ID: "w", Name: "w", Argv: []string{"/no/such/binary"}}, cap.onLine, cap.onExit)
	_, err := r.Start()
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindSpawnError))

	select {
	case <-cap.exitCh:
		t.Fatal("no exit event follows a failed Start")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmptyArgv(t *testing.T) {
	r := New(&types.Workload{ID: "w", Name: "w"}, nil, nil)
	_, err := r.Start()
	assert.True(t, errdefs.Is(err, errdefs.KindSpawnError))
}

func TestStartTwice(t *testing.T) {
	cap := newCapture()
	r := New(shWorkload("true"), cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)
	_, err = r.Start()
	assert.Error(t, err)
	cap.waitExit(t)
}

func TestEnvOverlayWins(t *testing.T) {
	t.Setenv("SENTINEL_TEST_VAR", "parent")

	cap := newCapture()
	w := shWorkload("echo $SENTINEL_TEST_VAR $SENTINEL_TEST_EXTRA")
	w.Env = map[string]string{
		"SENTINEL_TEST_VAR":   "overlay",
		"SENTINEL_TEST_EXTRA": "added",
	}
	r := New(w, cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)
	cap.waitExit(t)

	assert.Equal(t, []string{"overlay added"}, cap.get(types.StreamStdout))
}

func TestOverlayEnv(t *testing.T) {
	parent := []string{"A=1", "B=2"}
	merged := overlayEnv(parent, map[string]string{"B": "3", "C": "4"})

	sort.Strings(merged[2:])
	assert.Equal(t, []string{"A=1", "B=2", "B=3", "C=4"}, merged)
	assert.Equal(t, parent, overlayEnv(parent, nil))
}

func TestLineExactlyAtCap(t *testing.T) {
	payload := strings.Repeat("a", MaxLineBytes)

	cap := newCapture()
	w := &types.Workload{
		ID:   "w",
		Name: "w",
		Argv: []string{"/bin/sh", "-c", `printf '%s\n' "$1"`, "sh", payload},
	}
	r := New(w, cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)
	cap.waitExit(t)

	lines := cap.get(types.StreamStdout)
	require.Len(t, lines, 1, "a line of exactly the cap is one record")
	assert.Len(t, lines[0], MaxLineBytes)
	assert.False(t, strings.HasSuffix(lines[0], "[TRUNCATED]"))
}

func TestLineOneOverCapSplits(t *testing.T) {
	payload := strings.Repeat("a", MaxLineBytes) + "b"

	cap := newCapture()
	w := &types.Workload{
		ID:   "w",
		Name: "w",
		Argv: []string{"/bin/sh", "-c", `printf '%s\n' "$1"`, "sh", payload},
	}
	r := New(w, cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)
	cap.waitExit(t)

	lines := cap.get(types.StreamStdout)
	require.Len(t, lines, 2, "the overflow continues as the next record")
	assert.Equal(t, strings.Repeat("a", MaxLineBytes)+truncatedMarker, lines[0])
	assert.Equal(t, "b", lines[1])
}

func TestInvalidUTF8Replaced(t *testing.T) {
	cap, _ := runScript(t, `printf '\377\376ok\n'`)
	lines := cap.get(types.StreamStdout)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "�")
	assert.Contains(t, lines[0], "ok")
}

func TestStopGraceful(t *testing.T) {
	cap := newCapture()
	r := New(shWorkload("sleep 30"), cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Stop(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second, "SIGTERM should end sleep well before the grace expires")

	status := cap.waitExit(t)
	assert.True(t, status.Signaled)
	assert.Equal(t, 128+int(syscall.SIGTERM), status.Code)
}

func TestStopEscalatesToKill(t *testing.T) {
	cap := newCapture()
	// Ignore SIGTERM so the grace period must expire
	r := New(shWorkload("trap '' TERM; sleep 30"), cap.onLine, cap.onExit)
	_, err := r.Start()
	require.NoError(t, err)

	// Give the shell a moment to install the trap
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, r.Stop(context.Background(), 200*time.Millisecond))

	status := cap.waitExit(t)
	assert.True(t, status.Signaled)
	assert.Equal(t, 128+int(syscall.SIGKILL), status.Code)
}

func TestStatusAndDone(t *testing.T) {
	cap := newCapture()
	r := New(shWorkload("sleep 0.2; exit 5"), cap.onLine, cap.onExit)
	pid, err := r.Start()
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.Equal(t, pid, r.PID())
	assert.False(t, r.StartedAt().IsZero())

	_, exited := r.Status()
	assert.False(t, exited)

	<-r.Done()
	status, exited := r.Status()
	assert.True(t, exited)
	assert.Equal(t, 5, status.Code)
	cap.waitExit(t)
}
