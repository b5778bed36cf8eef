package metrics

import (
	"time"

	"github.com/sentinel-zero/sentinel/pkg/coordinator"
	"github.com/sentinel-zero/sentinel/pkg/events"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

var allPhases = []types.Phase{
	types.PhaseIdle, types.PhaseStarting, types.PhaseRunning,
	types.PhaseStopping, types.PhaseBackingOff, types.PhaseStopped,
	types.PhaseFailed,
}

// Collector keeps the gauges current from coordinator health reads and
// counts lifecycle events off the broker.
type Collector struct {
	coord  *coordinator.Coordinator
	broker *events.Broker
	stopCh chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(coord *coordinator.Coordinator, broker *events.Broker) *Collector {
	return &Collector{
		coord:  coord,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting
func (c *Collector) Start() {
	go c.watchEvents()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	health := c.coord.Health()
	for _, phase := range allPhases {
		WorkloadsByPhase.WithLabelValues(string(phase)).Set(float64(health.PhaseCounts[phase]))
	}
	if health.PersistenceLag {
		PersistenceLag.Set(1)
	} else {
		PersistenceLag.Set(0)
	}
	SchedulerDrift.Set(health.SchedulerDrift.Seconds())
	EventSubscribers.Set(float64(c.broker.SubscriberCount()))
}

// watchEvents counts lifecycle events. If this subscriber is ever dropped
// for lagging it just re-subscribes; counters under-count rather than
// block the emitter.
func (c *Collector) watchEvents() {
	for {
		sub := c.broker.Subscribe(nil)
		if !c.consume(sub) {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
	}
}

func (c *Collector) consume(sub *events.Subscription) bool {
	defer sub.Cancel()
	for {
		select {
		case <-c.stopCh:
			return false
		case event, ok := <-sub.C:
			if !ok {
				return true // Lagged or broker stopped; re-subscribe
			}
			c.count(event)
		}
	}
}

func (c *Collector) count(event *events.Event) {
	switch event.Type {
	case events.EventStarting:
		SpawnsTotal.Inc()
	case events.EventBackingOff:
		RestartsTotal.Inc()
	case events.EventFailed:
		FailuresTotal.Inc()
	case events.EventUnhealthy:
		UnhealthyTotal.Inc()
	case events.EventScheduleFired:
		ScheduleFiresTotal.Inc()
	case events.EventSkippedConcurrent:
		ScheduleSkippedTotal.Inc()
	case events.EventLogDropped, events.EventPersistenceDrop:
		RecordsDroppedTotal.Inc()
	case events.EventSubscriberLagged:
		SubscribersLaggedTotal.Inc()
	}
}
