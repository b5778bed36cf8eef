package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/events"
	"github.com/sentinel-zero/sentinel/pkg/log"
	"github.com/sentinel-zero/sentinel/pkg/scheduler"
	"github.com/sentinel-zero/sentinel/pkg/storage"
	"github.com/sentinel-zero/sentinel/pkg/supervisor"
	"github.com/sentinel-zero/sentinel/pkg/timewheel"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// Config carries the coordinator's tunables, resolved from the daemon config
type Config struct {
	CommandTimeout      time.Duration
	StopGrace           time.Duration
	SampleInterval      time.Duration
	RetentionAge        time.Duration
	RetentionMaxRecords int
	Location            *time.Location
}

// Coordinator is the single writer of the workload registry. Control
// operations are serialized by its mutex; reads run concurrently against
// supervisor snapshots. It also owns recovery and retention.
type Coordinator struct {
	cfg     Config
	gateway *storage.Gateway
	broker  *events.Broker
	wheel   *timewheel.Wheel
	sched   *scheduler.Scheduler
	logger  zerolog.Logger

	mu    sync.RWMutex
	sups  map[string]*supervisor.Supervisor // workload id -> supervisor
	names map[string]string                 // workload name -> id

	// Policies live under their own lock: supervisors resolve policies
	// mid-evaluation, and a registry writer blocked on a supervisor
	// round-trip must not stall that resolution. Lock order: mu, then polMu.
	polMu    sync.RWMutex
	policies map[string]*types.RestartPolicy

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Coordinator, seeds the built-in policies, and recovers all
// persisted workloads and schedules. Supervisors come up in Idle; any
// workload whose audit trail says it was running with the previous daemon
// generation gets a lost_on_recovery event and, policy permitting, a fresh
// start. Orphaned pids are never re-adopted.
func New(cfg Config, gateway *storage.Gateway, broker *events.Broker, wheel *timewheel.Wheel) (*Coordinator, error) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	c := &Coordinator{
		cfg:      cfg,
		gateway:  gateway,
		broker:   broker,
		wheel:    wheel,
		logger:   log.WithComponent("coordinator"),
		sups:     make(map[string]*supervisor.Supervisor),
		names:    make(map[string]string),
		policies: make(map[string]*types.RestartPolicy),
		stopCh:   make(chan struct{}),
	}
	c.sched = scheduler.New(wheel, cfg.Location, c.dispatchFire, gateway.PutSchedule)

	if err := c.loadPolicies(); err != nil {
		return nil, err
	}
	if err := c.recover(); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.retentionLoop()

	return c, nil
}

// Scheduler exposes the schedule engine for health reads
func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Shutdown stops every active workload with the default grace and halts
// the retention loop. Declared state is untouched.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.RLock()
	var active []*supervisor.Supervisor
	for _, sup := range c.sups {
		if sup.Snapshot().Phase.Active() {
			active = append(active, sup)
		}
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sup := range active {
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()
			if err := sup.Stop(ctx, c.cfg.StopGrace, false); err != nil && !errdefs.Is(err, errdefs.KindAlreadyStopped) {
				c.logger.Warn().Err(err).Str("workload_id", sup.Workload().ID).Msg("shutdown stop failed")
			}
		}(sup)
	}
	wg.Wait()
	c.wg.Wait()
}

func (c *Coordinator) loadPolicies() error {
	for _, p := range builtinPolicies() {
		existing, err := c.gateway.GetPolicy(p.Name)
		if err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
			return storeErr(err)
		}
		if existing == nil {
			if err := c.gateway.PutPolicy(p); err != nil {
				return storeErr(err)
			}
		}
	}

	stored, err := c.gateway.ListPolicies()
	if err != nil {
		return storeErr(err)
	}
	c.polMu.Lock()
	for _, p := range stored {
		c.policies[p.Name] = p
	}
	c.polMu.Unlock()
	return nil
}

func (c *Coordinator) recover() error {
	workloads, err := c.gateway.ListWorkloads()
	if err != nil {
		return storeErr(err)
	}

	for _, w := range workloads {
		if err := c.gateway.SeedSeq(w.ID); err != nil {
			c.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("sequence seed failed")
		}
		sup := c.newSupervisor(w)
		c.sups[w.ID] = sup
		c.names[w.Name] = w.ID

		if !c.wasRunning(w.ID) {
			continue
		}
		c.logger.Info().Str("workload_id", w.ID).Str("name", w.Name).Msg("workload lost with previous daemon generation")
		c.broker.Publish(&events.Event{
			Type:       events.EventLostOnRecovery,
			WorkloadID: w.ID,
			Message:    "process lost across daemon restart",
		})
		c.gateway.AppendLog(w.ID, types.StreamSystem, "lost on daemon restart")

		policy := c.resolvePolicy(policyName(w))
		if policy != nil && policy.RestartOnLost {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
			if err := sup.Start(ctx); err != nil {
				c.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("recovery start failed")
			}
			cancel()
		}
	}

	schedules, err := c.gateway.ListSchedules()
	if err != nil {
		return storeErr(err)
	}
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		if err := c.sched.Register(s); err != nil {
			c.logger.Warn().Err(err).Str("schedule_id", s.ID).Msg("schedule not re-armed")
		}
	}
	return nil
}

// wasRunning decides from the audit trail whether the workload had a live
// process when the previous daemon generation died: the newest system-log
// marker is a "started pid" with no exit after it.
func (c *Coordinator) wasRunning(workloadID string) bool {
	records, err := c.gateway.QueryLogs(workloadID, storage.LogQuery{
		Stream: types.StreamSystem,
		Tail:   1,
	})
	if err != nil || len(records) == 0 {
		return false
	}
	return strings.HasPrefix(records[0].Payload, "started pid ")
}

func (c *Coordinator) newSupervisor(w *types.Workload) *supervisor.Supervisor {
	sup := supervisor.New(w, supervisor.Deps{
		Gateway:        c.gateway,
		Broker:         c.broker,
		Wheel:          c.wheel,
		ResolvePolicy:  c.lookupPolicy,
		StopGrace:      c.cfg.StopGrace,
		SampleInterval: c.cfg.SampleInterval,
	})
	go sup.Run()
	return sup
}

func (c *Coordinator) dispatchFire(scheduleID, workloadID string) {
	c.mu.RLock()
	sup, ok := c.sups[workloadID]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn().Str("schedule_id", scheduleID).Str("workload_id", workloadID).Msg("fire for unknown workload")
		c.sched.Remove(scheduleID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()
	if err := sup.Fire(ctx, scheduleID); err != nil {
		c.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("fire not delivered")
	}
}

// lookupPolicy serves supervisors during policy evaluation
func (c *Coordinator) lookupPolicy(name string) (*types.RestartPolicy, error) {
	p := c.resolvePolicy(name)
	if p == nil {
		return nil, errdefs.New(errdefs.KindUnknownPolicy, "policy %q not found", name)
	}
	return p, nil
}

func (c *Coordinator) resolvePolicy(name string) *types.RestartPolicy {
	c.polMu.RLock()
	defer c.polMu.RUnlock()
	return c.policies[name]
}

func policyName(w *types.Workload) string {
	if w.PolicyRef == "" {
		return "none"
	}
	return w.PolicyRef
}

// storeErr maps raw store failures onto the store_unavailable kind while
// passing typed errors (not_found and friends) through unchanged.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.KindOf(err) != errdefs.KindInternal {
		return err
	}
	return errdefs.Wrap(errdefs.KindStoreUnavailable, err, "store operation failed")
}

func (c *Coordinator) cmdCtx(parent context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.CommandTimeout+extra)
}
