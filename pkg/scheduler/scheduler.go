package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/log"
	"github.com/sentinel-zero/sentinel/pkg/timeutil"
	"github.com/sentinel-zero/sentinel/pkg/timewheel"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// Dispatcher delivers a fire to the workload's supervisor. Fires that
// arrive while the workload is active are the supervisor's to drop.
type Dispatcher func(scheduleID, workloadID string)

// PersistFunc saves a schedule's updated fire bookkeeping
type PersistFunc func(*types.Schedule) error

// Scheduler turns schedule specs into fire dispatches. Armed schedules
// hold one timer each in the shared wheel; on fire the next occurrence is
// computed from the expression and re-armed. Disabled schedules are
// removed from the wheel but persist in the store.
type Scheduler struct {
	wheel    *timewheel.Wheel
	loc      *time.Location
	dispatch Dispatcher
	persist  PersistFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*armed

	lastDrift atomic.Int64 // nanoseconds, most recent fire lateness
}

type armed struct {
	sched *types.Schedule
	token timewheel.Token
}

// New creates a Scheduler evaluating expressions in loc
func New(wheel *timewheel.Wheel, loc *time.Location, dispatch Dispatcher, persist PersistFunc) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		wheel:    wheel,
		loc:      loc,
		dispatch: dispatch,
		persist:  persist,
		logger:   log.WithComponent("scheduler"),
		entries:  make(map[string]*armed),
	}
}

// Validate checks a schedule expression without arming it
func Validate(kind types.ScheduleKind, expr string) error {
	switch kind {
	case types.ScheduleCron:
		_, err := ParseCron(expr)
		return err
	case types.ScheduleInterval:
		d, err := timeutil.ParseDuration(expr)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInvalidExpression, err, "interval")
		}
		if d <= 0 {
			return errdefs.New(errdefs.KindInvalidExpression, "interval must be positive")
		}
		return nil
	case types.ScheduleOnce:
		_, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInvalidExpression, err, "one-shot instant")
		}
		return nil
	default:
		return errdefs.New(errdefs.KindInvalidField, "unknown schedule kind %q", kind)
	}
}

// NextFire computes the first occurrence strictly after the given instant
func NextFire(kind types.ScheduleKind, expr string, after time.Time, loc *time.Location) (time.Time, error) {
	switch kind {
	case types.ScheduleCron:
		c, err := ParseCron(expr)
		if err != nil {
			return time.Time{}, err
		}
		next := c.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, errdefs.New(errdefs.KindInvalidExpression, "cron %q never fires", expr)
		}
		return next, nil
	case types.ScheduleInterval:
		d, err := timeutil.ParseDuration(expr)
		if err != nil || d <= 0 {
			return time.Time{}, errdefs.New(errdefs.KindInvalidExpression, "bad interval %q", expr)
		}
		return after.Add(d), nil
	case types.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return time.Time{}, errdefs.Wrap(errdefs.KindInvalidExpression, err, "one-shot instant")
		}
		return at, nil
	default:
		return time.Time{}, errdefs.New(errdefs.KindInvalidField, "unknown schedule kind %q", kind)
	}
}

// Register arms a schedule (replacing any previous arming). A stale or
// missing next_fire is recomputed; a next_fire already in the past fires
// once immediately, with no burst catch-up.
func (s *Scheduler) Register(sched *types.Schedule) error {
	if !sched.Enabled {
		s.Remove(sched.ID)
		return nil
	}

	now := time.Now()
	next := sched.NextFire
	if next.IsZero() {
		var err error
		next, err = s.computeNext(sched, now)
		if err != nil {
			return err
		}
	}
	if !next.After(now) {
		switch sched.Kind {
		case types.ScheduleCron:
			// Cron never catches up; advance to the next occurrence
			var err error
			next, err = s.computeNext(sched, now)
			if err != nil {
				return err
			}
		default:
			// Interval and one-shot fires missed while down or disabled
			// fire once, right away
			next = now
		}
	}
	sched.NextFire = next

	s.mu.Lock()
	if prev, ok := s.entries[sched.ID]; ok {
		s.wheel.Cancel(prev.token)
	}
	entry := &armed{sched: sched}
	entry.token = s.wheel.Schedule(next, func(timewheel.Token) {
		go s.fire(sched.ID)
	})
	s.entries[sched.ID] = entry
	s.mu.Unlock()

	s.logger.Debug().Str("schedule_id", sched.ID).Time("next_fire", next).Msg("schedule armed")
	return nil
}

// Remove disarms a schedule; the stored schedule is untouched
func (s *Scheduler) Remove(scheduleID string) {
	s.mu.Lock()
	if entry, ok := s.entries[scheduleID]; ok {
		s.wheel.Cancel(entry.token)
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()
}

// Armed reports whether the schedule currently holds a timer
func (s *Scheduler) Armed(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[scheduleID]
	return ok
}

// Drift returns the lateness of the most recent fire, a health signal
func (s *Scheduler) Drift() time.Duration {
	return time.Duration(s.lastDrift.Load())
}

func (s *Scheduler) fire(scheduleID string) {
	s.mu.Lock()
	entry, ok := s.entries[scheduleID]
	if !ok {
		s.mu.Unlock()
		return // Disarmed between fire and dispatch
	}
	sched := entry.sched

	now := time.Now()
	s.lastDrift.Store(int64(now.Sub(sched.NextFire)))
	sched.LastFire = now

	switch sched.Kind {
	case types.ScheduleOnce:
		// One-shots disable themselves on fire
		sched.Enabled = false
		sched.NextFire = time.Time{}
		delete(s.entries, scheduleID)
	default:
		next, err := s.computeNext(sched, now)
		if err != nil {
			s.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("recompute failed, disarming")
			sched.Enabled = false
			delete(s.entries, scheduleID)
		} else {
			sched.NextFire = next
			entry.token = s.wheel.Schedule(next, func(timewheel.Token) {
				go s.fire(scheduleID)
			})
		}
	}
	s.mu.Unlock()

	if err := s.persist(sched); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("schedule bookkeeping not persisted")
	}
	s.dispatch(scheduleID, sched.WorkloadID)
}

// computeNext returns the occurrence after now. Interval schedules advance
// from now, not from the nominal fire time, so a late fire never bursts.
func (s *Scheduler) computeNext(sched *types.Schedule, now time.Time) (time.Time, error) {
	return NextFire(sched.Kind, sched.Expression, now, s.loc)
}
