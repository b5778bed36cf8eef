package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
	"github.com/rs/zerolog"

	"github.com/sentinel-zero/sentinel/pkg/log"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// persistenceLagThreshold is the number of consecutive flush failures after
// which the gateway reports a persistence_lag health signal.
const persistenceLagThreshold = 3

// DropFunc is invoked when backpressure forces in-memory records to be
// discarded for a workload.
type DropFunc func(workloadID string, count int)

// GatewayConfig tunes the batching appender
type GatewayConfig struct {
	FlushBatch    int           // Max records per store write
	FlushInterval time.Duration // Max delay before a partial batch flushes
	QueueMax      int           // In-memory bound per workload
}

// Gateway wraps a Store with batched, bounded, retrying log/metric appends.
// Declared-state operations pass straight through to the embedded Store.
// Appends never block the producer: when a workload's in-memory queue is
// full the oldest queued records are dropped and reported via DropFunc.
type Gateway struct {
	Store

	cfg    GatewayConfig
	logger zerolog.Logger

	logBatcher    *microbatch.Batcher[*types.LogRecord]
	metricBatcher *microbatch.Batcher[*types.MetricSample]

	logQueue    *boundedQueue[*types.LogRecord]
	metricQueue *boundedQueue[*types.MetricSample]

	mu   sync.Mutex
	seqs map[string]uint64 // next sequence number per workload

	onDrop       DropFunc
	flushFails   atomic.Int64
	lagged       atomic.Bool
	droppedTotal atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates a Gateway over the given store and starts its drainers
func NewGateway(store Store, cfg GatewayConfig, onDrop DropFunc) *Gateway {
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		Store:  store,
		cfg:    cfg,
		logger: log.WithComponent("storage"),
		seqs:   make(map[string]uint64),
		onDrop: onDrop,
		ctx:    ctx,
		cancel: cancel,
	}

	g.logQueue = newBoundedQueue[*types.LogRecord](cfg.QueueMax, func(r *types.LogRecord) string { return r.WorkloadID })
	g.metricQueue = newBoundedQueue[*types.MetricSample](cfg.QueueMax, func(s *types.MetricSample) string { return s.WorkloadID })

	batchCfg := &microbatch.BatcherConfig{
		MaxSize:       cfg.FlushBatch,
		FlushInterval: cfg.FlushInterval,
	}
	g.logBatcher = microbatch.NewBatcher(batchCfg, func(ctx context.Context, batch []*types.LogRecord) error {
		return g.flush(ctx, func() error { return store.AppendLogs(batch) })
	})
	g.metricBatcher = microbatch.NewBatcher(batchCfg, func(ctx context.Context, batch []*types.MetricSample) error {
		return g.flush(ctx, func() error { return store.AppendMetrics(batch) })
	})

	g.wg.Add(2)
	go g.drainLogs()
	go g.drainMetrics()

	return g
}

// Close flushes pending batches and stops the drainers
func (g *Gateway) Close(ctx context.Context) error {
	g.cancel()
	g.wg.Wait()
	if err := g.logBatcher.Shutdown(ctx); err != nil {
		return err
	}
	return g.metricBatcher.Shutdown(ctx)
}

// SeedSeq initializes the sequence counter for a workload from the store,
// so log sequences keep increasing across daemon restarts.
func (g *Gateway) SeedSeq(workloadID string) error {
	last, err := g.LastLogSeq(workloadID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if _, ok := g.seqs[workloadID]; !ok {
		g.seqs[workloadID] = last + 1
	}
	g.mu.Unlock()
	return nil
}

// ForgetSeq clears the counter when a workload is deleted
func (g *Gateway) ForgetSeq(workloadID string) {
	g.mu.Lock()
	delete(g.seqs, workloadID)
	g.mu.Unlock()
}

// AppendLog assigns the next sequence number and enqueues the record.
// Never blocks; overflow drops the oldest queued records for the workload.
func (g *Gateway) AppendLog(workloadID string, stream types.Stream, payload string) *types.LogRecord {
	g.mu.Lock()
	seq := g.seqs[workloadID]
	if seq == 0 {
		seq = 1
	}
	g.seqs[workloadID] = seq + 1
	g.mu.Unlock()

	rec := &types.LogRecord{
		WorkloadID: workloadID,
		Seq:        seq,
		Timestamp:  time.Now().UTC(),
		Stream:     stream,
		Payload:    payload,
	}
	if dropped := g.logQueue.push(rec); dropped > 0 {
		g.reportDrop(workloadID, dropped)
	}
	return rec
}

// AppendMetric enqueues a sample; same backpressure rules as AppendLog
func (g *Gateway) AppendMetric(sample *types.MetricSample) {
	if dropped := g.metricQueue.push(sample); dropped > 0 {
		g.reportDrop(sample.WorkloadID, dropped)
	}
}

// Lagging reports whether persistence is currently behind (three or more
// consecutive flush failures).
func (g *Gateway) Lagging() bool {
	return g.lagged.Load()
}

// DroppedTotal returns the number of records discarded under backpressure
func (g *Gateway) DroppedTotal() int64 {
	return g.droppedTotal.Load()
}

func (g *Gateway) reportDrop(workloadID string, count int) {
	g.droppedTotal.Add(int64(count))
	if g.onDrop != nil {
		g.onDrop(workloadID, count)
	}
}

func (g *Gateway) drainLogs() {
	defer g.wg.Done()
	for {
		rec, ok := g.logQueue.pop(g.ctx)
		if !ok {
			return
		}
		if _, err := g.logBatcher.Submit(g.ctx, rec); err != nil {
			return
		}
	}
}

func (g *Gateway) drainMetrics() {
	defer g.wg.Done()
	for {
		sample, ok := g.metricQueue.pop(g.ctx)
		if !ok {
			return
		}
		if _, err := g.metricBatcher.Submit(g.ctx, sample); err != nil {
			return
		}
	}
}

// flush writes one batch, retrying with exponential backoff. The batch is
// never abandoned while the gateway is running; after three consecutive
// failures the gateway reports persistence lag until a write succeeds.
func (g *Gateway) flush(ctx context.Context, write func() error) error {
	backoff := g.cfg.FlushInterval
	for {
		err := write()
		if err == nil {
			g.flushFails.Store(0)
			g.lagged.Store(false)
			return nil
		}

		fails := g.flushFails.Add(1)
		if fails >= persistenceLagThreshold {
			g.lagged.Store(true)
		}
		g.logger.Warn().Err(err).Int64("consecutive_failures", fails).Msg("batch flush failed, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// boundedQueue is a FIFO with a per-workload occupancy bound. Push drops the
// oldest records of the same workload when the bound is exceeded, returning
// how many were discarded. Pop blocks until an item or context cancellation.
type boundedQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	counts map[string]int
	max    int
	keyFn  func(T) string
	notify chan struct{}
}

func newBoundedQueue[T any](max int, keyFn func(T) string) *boundedQueue[T] {
	return &boundedQueue[T]{
		counts: make(map[string]int),
		max:    max,
		keyFn:  keyFn,
		notify: make(chan struct{}, 1),
	}
}

func (q *boundedQueue[T]) push(item T) int {
	key := q.keyFn(item)
	dropped := 0

	q.mu.Lock()
	if q.counts[key] >= q.max {
		// Drop the oldest queued item belonging to the same workload
		for i, queued := range q.items {
			if q.keyFn(queued) == key {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.counts[key]--
				dropped++
				break
			}
		}
	}
	q.items = append(q.items, item)
	q.counts[key]++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *boundedQueue[T]) pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.counts[q.keyFn(item)]--
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.notify:
		}
	}
}
