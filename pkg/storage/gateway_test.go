package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-zero/sentinel/pkg/types"
)

// flakyStore fails AppendLogs while failing is set
type flakyStore struct {
	Store
	failing atomic.Bool
}

func (f *flakyStore) AppendLogs(records []*types.LogRecord) error {
	if f.failing.Load() {
		return errors.New("store down")
	}
	return f.Store.AppendLogs(records)
}

func newTestGateway(t *testing.T, store Store, onDrop DropFunc) *Gateway {
	t.Helper()
	g := NewGateway(store, GatewayConfig{
		FlushBatch:    10,
		FlushInterval: 20 * time.Millisecond,
	}, onDrop)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Close(ctx)
	})
	return g
}

func TestAppendLogAssignsSequences(t *testing.T) {
	store := newTestStore(t)
	g := newTestGateway(t, store, nil)

	r1 := g.AppendLog("w1", types.StreamStdout, "first")
	r2 := g.AppendLog("w1", types.StreamStderr, "second")
	other := g.AppendLog("w2", types.StreamStdout, "elsewhere")

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.Equal(t, uint64(1), other.Seq, "sequences are per workload")

	require.Eventually(t, func() bool {
		records, err := store.QueryLogs("w1", LogQuery{})
		return err == nil && len(records) == 2
	}, 5*time.Second, 20*time.Millisecond)

	records, err := store.QueryLogs("w1", LogQuery{})
	require.NoError(t, err)
	assert.Equal(t, "first", records[0].Payload)
	assert.Equal(t, "second", records[1].Payload)
}

func TestSeedSeqContinuesAcrossRestarts(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendLogs([]*types.LogRecord{
		{WorkloadID: "w1", Seq: 41, Timestamp: time.Now().UTC(), Stream: types.StreamStdout, Payload: "old"},
	}))

	g := newTestGateway(t, store, nil)
	require.NoError(t, g.SeedSeq("w1"))

	rec := g.AppendLog("w1", types.StreamStdout, "new")
	assert.Equal(t, uint64(42), rec.Seq)
}

func TestForgetSeq(t *testing.T) {
	store := newTestStore(t)
	g := newTestGateway(t, store, nil)

	g.AppendLog("w1", types.StreamStdout, "one")
	g.ForgetSeq("w1")

	rec := g.AppendLog("w1", types.StreamStdout, "fresh")
	assert.Equal(t, uint64(1), rec.Seq)
}

func TestAppendMetricFlushes(t *testing.T) {
	store := newTestStore(t)
	g := newTestGateway(t, store, nil)

	g.AppendMetric(&types.MetricSample{
		WorkloadID: "w1",
		Timestamp:  time.Now().UTC(),
		CPU:        0.25,
		RSSBytes:   4096,
	})

	require.Eventually(t, func() bool {
		samples, err := store.QueryMetrics("w1", MetricQuery{})
		return err == nil && len(samples) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLaggingAfterConsecutiveFlushFailures(t *testing.T) {
	flaky := &flakyStore{Store: newTestStore(t)}
	flaky.failing.Store(true)
	g := newTestGateway(t, flaky, nil)

	g.AppendLog("w1", types.StreamStdout, "held back")

	require.Eventually(t, g.Lagging, 10*time.Second, 20*time.Millisecond,
		"three failed flushes should raise the lag signal")

	// Recovery clears the signal and the batch lands
	flaky.failing.Store(false)
	require.Eventually(t, func() bool { return !g.Lagging() }, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		records, err := flaky.Store.QueryLogs("w1", LogQuery{})
		return err == nil && len(records) == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestBoundedQueueDropsOldestPerWorkload(t *testing.T) {
	q := newBoundedQueue[*types.LogRecord](2, func(r *types.LogRecord) string { return r.WorkloadID })

	assert.Equal(t, 0, q.push(&types.LogRecord{WorkloadID: "w1", Seq: 1}))
	assert.Equal(t, 0, q.push(&types.LogRecord{WorkloadID: "w1", Seq: 2}))
	assert.Equal(t, 0, q.push(&types.LogRecord{WorkloadID: "w2", Seq: 1}), "other workloads have their own bound")
	assert.Equal(t, 1, q.push(&types.LogRecord{WorkloadID: "w1", Seq: 3}), "overflow drops the oldest of the same workload")

	ctx := context.Background()
	first, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(2), first.Seq, "seq 1 was the drop victim")

	second, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "w2", second.WorkloadID)

	third, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(3), third.Seq)
}

func TestBoundedQueuePopWaits(t *testing.T) {
	q := newBoundedQueue[int](10, func(int) string { return "k" })

	got := make(chan int, 1)
	go func() {
		v, ok := q.pop(context.Background())
		if ok {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.push(7)

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(2 * time.Second):
		t.Fatal("pop never returned")
	}
}

func TestBoundedQueuePopCancelled(t *testing.T) {
	q := newBoundedQueue[int](10, func(int) string { return "k" })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.pop(ctx)
	assert.False(t, ok)
}
