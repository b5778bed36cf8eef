package coordinator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/events"
	"github.com/sentinel-zero/sentinel/pkg/scheduler"
	"github.com/sentinel-zero/sentinel/pkg/storage"
	"github.com/sentinel-zero/sentinel/pkg/supervisor"
	"github.com/sentinel-zero/sentinel/pkg/timeutil"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// CreateWorkloadRequest carries the declared fields of a new workload
type CreateWorkloadRequest struct {
	Name        string
	Argv        []string
	WorkDir     string
	Env         map[string]string
	Group       string
	PolicyRef   string
	HealthCheck *types.HealthCheckSpec
	Schedules   []ScheduleSpec // Optional schedules attached at create time
}

// ScheduleSpec declares one schedule inside a create request
type ScheduleSpec struct {
	Kind       types.ScheduleKind
	Expression string
	Enabled    bool
}

// UpdateWorkloadRequest is a partial update; nil fields are left unchanged
type UpdateWorkloadRequest struct {
	Name             *string
	Argv             []string
	WorkDir          *string
	Env              map[string]string
	Group            *string
	PolicyRef        *string
	HealthCheck      *types.HealthCheckSpec
	ClearHealthCheck bool
}

// CreateWorkload registers a new workload and spawns its supervisor in Idle
func (c *Coordinator) CreateWorkload(ctx context.Context, req CreateWorkloadRequest) (*types.Workload, error) {
	if req.Name == "" {
		return nil, errdefs.New(errdefs.KindInvalidField, "name is required")
	}
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, errdefs.New(errdefs.KindInvalidArgv, "argv needs at least a command")
	}
	ref := req.PolicyRef
	if ref == "" {
		ref = "none"
	}
	if c.resolvePolicy(ref) == nil {
		return nil, errdefs.New(errdefs.KindUnknownPolicy, "policy %q not found", ref)
	}
	for _, spec := range req.Schedules {
		if err := scheduler.Validate(spec.Kind, spec.Expression); err != nil {
			return nil, err
		}
		if spec.Kind == types.ScheduleOnce {
			at, _ := time.Parse(time.RFC3339, spec.Expression)
			if !at.After(time.Now().UTC()) {
				return nil, errdefs.New(errdefs.KindInvalidExpression, "one-shot instant %s is in the past", spec.Expression)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.names[req.Name]; taken {
		return nil, errdefs.NameConflict(req.Name)
	}

	now := time.Now().UTC()
	w := &types.Workload{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Argv:        req.Argv,
		WorkDir:     req.WorkDir,
		Env:         req.Env,
		Group:       req.Group,
		PolicyRef:   req.PolicyRef,
		HealthCheck: req.HealthCheck,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.gateway.UpsertWorkload(w); err != nil {
		return nil, storeErr(err)
	}
	if err := c.gateway.SeedSeq(w.ID); err != nil {
		c.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("sequence seed failed")
	}

	c.sups[w.ID] = c.newSupervisor(w)
	c.names[w.Name] = w.ID

	for _, spec := range req.Schedules {
		s := &types.Schedule{
			ID:         uuid.NewString(),
			WorkloadID: w.ID,
			Kind:       spec.Kind,
			Expression: spec.Expression,
			Enabled:    spec.Enabled,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if spec.Enabled {
			next, err := scheduler.NextFire(spec.Kind, spec.Expression, now, c.cfg.Location)
			if err != nil {
				return nil, err
			}
			s.NextFire = next
		}
		if err := c.gateway.PutSchedule(s); err != nil {
			return nil, storeErr(err)
		}
		if spec.Enabled {
			if err := c.sched.Register(s); err != nil {
				return nil, err
			}
		}
	}

	c.broker.Publish(&events.Event{
		Type:       events.EventWorkloadCreated,
		WorkloadID: w.ID,
		Message:    w.Name,
	})
	c.logger.Info().Str("workload_id", w.ID).Str("name", w.Name).Msg("workload created")
	return w, nil
}

// UpdateWorkload applies a partial update; future spawns use the new fields
func (c *Coordinator) UpdateWorkload(ctx context.Context, id string, req UpdateWorkloadRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup, ok := c.sups[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}
	w := sup.Workload()
	oldName := w.Name

	if req.Name != nil {
		if *req.Name == "" {
			return errdefs.New(errdefs.KindInvalidField, "name cannot be empty")
		}
		if other, taken := c.names[*req.Name]; taken && other != id {
			return errdefs.NameConflict(*req.Name)
		}
		w.Name = *req.Name
	}
	if req.Argv != nil {
		if len(req.Argv) == 0 || req.Argv[0] == "" {
			return errdefs.New(errdefs.KindInvalidArgv, "argv needs at least a command")
		}
		w.Argv = req.Argv
	}
	if req.WorkDir != nil {
		w.WorkDir = *req.WorkDir
	}
	if req.Env != nil {
		w.Env = req.Env
	}
	if req.Group != nil {
		w.Group = *req.Group
	}
	if req.PolicyRef != nil {
		ref := *req.PolicyRef
		if ref != "" && c.resolvePolicy(ref) == nil {
			return errdefs.New(errdefs.KindUnknownPolicy, "policy %q not found", ref)
		}
		w.PolicyRef = ref
	}
	if req.ClearHealthCheck {
		w.HealthCheck = nil
	} else if req.HealthCheck != nil {
		w.HealthCheck = req.HealthCheck
	}
	w.UpdatedAt = time.Now().UTC()

	if err := c.gateway.UpsertWorkload(w); err != nil {
		return storeErr(err)
	}
	// Commit the name move with the store write; a supervisor round-trip
	// timing out afterwards must not leave the registry split from the store.
	if oldName != w.Name {
		delete(c.names, oldName)
		c.names[w.Name] = id
	}

	cctx, cancel := c.cmdCtx(ctx, 0)
	defer cancel()
	if err := sup.Update(cctx, w); err != nil {
		return err
	}

	c.broker.Publish(&events.Event{
		Type:       events.EventWorkloadUpdated,
		WorkloadID: id,
		Message:    w.Name,
	})
	return nil
}

// DeleteWorkload removes a workload, its schedules, and its history. An
// active workload requires force, which kills the process group.
func (c *Coordinator) DeleteWorkload(ctx context.Context, id string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup, ok := c.sups[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}
	w := sup.Workload()

	if sup.Snapshot().Phase.Active() && !force {
		return errdefs.New(errdefs.KindBusy, "workload %s is %s", w.Name, sup.Snapshot().Phase).
			WithHint("pass force to delete a running workload")
	}

	cctx, cancel := c.cmdCtx(ctx, 0)
	defer cancel()
	if err := sup.Delete(cctx); err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
		return err
	}

	schedules, err := c.gateway.ListSchedulesByWorkload(id)
	if err == nil {
		for _, s := range schedules {
			c.sched.Remove(s.ID)
			if derr := c.gateway.DeleteSchedule(s.ID); derr != nil {
				c.logger.Warn().Err(derr).Str("schedule_id", s.ID).Msg("schedule not deleted")
			}
		}
	}

	if err := c.gateway.DeleteWorkload(id); err != nil {
		return storeErr(err)
	}
	c.gateway.ForgetSeq(id)
	delete(c.sups, id)
	delete(c.names, w.Name)

	c.logger.Info().Str("workload_id", id).Str("name", w.Name).Msg("workload deleted")
	return nil
}

// Start requests a spawn; acceptance, not success, is what it reports
func (c *Coordinator) Start(ctx context.Context, id string) error {
	sup, err := c.lookup(id)
	if err != nil {
		return err
	}
	cctx, cancel := c.cmdCtx(ctx, 0)
	defer cancel()
	return sup.Start(cctx)
}

// Stop gracefully stops a workload; the timeout extends by the grace
func (c *Coordinator) Stop(ctx context.Context, id string, grace time.Duration, force bool) error {
	sup, err := c.lookup(id)
	if err != nil {
		return err
	}
	if grace <= 0 {
		grace = c.cfg.StopGrace
	}
	cctx, cancel := c.cmdCtx(ctx, grace)
	defer cancel()
	return sup.Stop(cctx, grace, force)
}

// Restart stops then starts atomically, optionally pausing in between
func (c *Coordinator) Restart(ctx context.Context, id string, delay time.Duration) error {
	sup, err := c.lookup(id)
	if err != nil {
		return err
	}
	cctx, cancel := c.cmdCtx(ctx, c.cfg.StopGrace+delay)
	defer cancel()
	return sup.Restart(cctx, c.cfg.StopGrace, delay)
}

// StopGroup stops every workload in the named group, returning how many
// stops were delivered. Workloads already stopped are skipped.
func (c *Coordinator) StopGroup(ctx context.Context, group string, grace time.Duration, force bool) (int, error) {
	if group == "" {
		return 0, errdefs.New(errdefs.KindInvalidField, "group is required")
	}
	c.mu.RLock()
	var members []*supervisor.Supervisor
	for _, sup := range c.sups {
		if sup.Workload().Group == group {
			members = append(members, sup)
		}
	}
	c.mu.RUnlock()

	if grace <= 0 {
		grace = c.cfg.StopGrace
	}
	stopped := 0
	for _, sup := range members {
		cctx, cancel := c.cmdCtx(ctx, grace)
		err := sup.Stop(cctx, grace, force)
		cancel()
		switch {
		case err == nil:
			stopped++
		case errdefs.Is(err, errdefs.KindAlreadyStopped):
		default:
			return stopped, err
		}
	}
	return stopped, nil
}

// ListWorkloads returns summaries, optionally filtered by a name substring
// or exact group match, sorted by name.
func (c *Coordinator) ListWorkloads(filter string) []*types.WorkloadSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.WorkloadSummary
	for _, sup := range c.sups {
		w := sup.Workload()
		if filter != "" && w.Group != filter &&
			!strings.Contains(strings.ToLower(w.Name), strings.ToLower(filter)) {
			continue
		}
		st := sup.Snapshot()
		var uptime string
		if st.Phase == types.PhaseRunning && !st.StartedAt.IsZero() {
			uptime = timeutil.FormatDuration(time.Since(st.StartedAt))
		}
		out = append(out, &types.WorkloadSummary{
			ID:        w.ID,
			Name:      w.Name,
			Group:     w.Group,
			Phase:     st.Phase,
			PID:       st.PID,
			StartedAt: st.StartedAt,
			Uptime:    uptime,
			Failures:  st.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the full declared and runtime view of one workload
func (c *Coordinator) Describe(id string) (*types.WorkloadDetail, error) {
	sup, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	schedules, serr := c.gateway.ListSchedulesByWorkload(id)
	if serr != nil {
		c.logger.Warn().Err(serr).Str("workload_id", id).Msg("schedules not listed")
	}
	return &types.WorkloadDetail{
		Workload:  *sup.Workload(),
		Runtime:   sup.Snapshot(),
		Schedules: schedules,
	}, nil
}

// PutPolicy creates or replaces a named restart policy
func (c *Coordinator) PutPolicy(p *types.RestartPolicy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	c.polMu.Lock()
	defer c.polMu.Unlock()

	if existing, ok := c.policies[p.Name]; ok && existing.Builtin {
		return errdefs.New(errdefs.KindInvalidPolicy, "built-in policy %q cannot be modified", p.Name)
	}

	now := time.Now().UTC()
	if existing, ok := c.policies[p.Name]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := c.gateway.PutPolicy(p); err != nil {
		return storeErr(err)
	}
	c.policies[p.Name] = p
	c.logger.Info().Str("policy", p.Name).Msg("policy stored")
	return nil
}

// DeletePolicy removes a policy that is neither built-in nor referenced
func (c *Coordinator) DeletePolicy(name string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.polMu.Lock()
	defer c.polMu.Unlock()

	p, ok := c.policies[name]
	if !ok {
		return errdefs.NotFound("policy", name)
	}
	if p.Builtin {
		return errdefs.New(errdefs.KindInvalidPolicy, "built-in policy %q cannot be deleted", name)
	}
	for _, sup := range c.sups {
		if policyName(sup.Workload()) == name {
			return errdefs.New(errdefs.KindBusy, "policy %q is referenced by workload %s", name, sup.Workload().Name)
		}
	}
	if err := c.gateway.DeletePolicy(name); err != nil {
		return storeErr(err)
	}
	delete(c.policies, name)
	return nil
}

// ListPolicies returns all policies sorted by name
func (c *Coordinator) ListPolicies() []*types.RestartPolicy {
	c.polMu.RLock()
	defer c.polMu.RUnlock()
	out := make([]*types.RestartPolicy, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PutSchedule attaches a schedule to a workload and arms it if enabled
func (c *Coordinator) PutSchedule(workloadID string, kind types.ScheduleKind, expr string, enabled bool) (*types.Schedule, error) {
	if _, err := c.lookup(workloadID); err != nil {
		return nil, err
	}
	if err := scheduler.Validate(kind, expr); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if kind == types.ScheduleOnce {
		at, _ := time.Parse(time.RFC3339, expr)
		if !at.After(now) {
			return nil, errdefs.New(errdefs.KindInvalidExpression, "one-shot instant %s is in the past", expr)
		}
	}

	s := &types.Schedule{
		ID:         uuid.NewString(),
		WorkloadID: workloadID,
		Kind:       kind,
		Expression: expr,
		Enabled:    enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if enabled {
		next, err := scheduler.NextFire(kind, expr, now, c.cfg.Location)
		if err != nil {
			return nil, err
		}
		s.NextFire = next
	}
	if err := c.gateway.PutSchedule(s); err != nil {
		return nil, storeErr(err)
	}
	if enabled {
		if err := c.sched.Register(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableSchedule re-arms a schedule from now; past fires are not made up
func (c *Coordinator) EnableSchedule(scheduleID string) error {
	s, err := c.gateway.GetSchedule(scheduleID)
	if err != nil {
		return storeErr(err)
	}
	if s.Enabled && c.sched.Armed(scheduleID) {
		return nil
	}
	now := time.Now().UTC()
	next, err := scheduler.NextFire(s.Kind, s.Expression, now, c.cfg.Location)
	if err != nil {
		return err
	}
	s.Enabled = true
	s.NextFire = next
	s.UpdatedAt = now
	if err := c.gateway.PutSchedule(s); err != nil {
		return storeErr(err)
	}
	return c.sched.Register(s)
}

// DisableSchedule disarms a schedule; it persists and can be re-enabled
func (c *Coordinator) DisableSchedule(scheduleID string) error {
	s, err := c.gateway.GetSchedule(scheduleID)
	if err != nil {
		return storeErr(err)
	}
	c.sched.Remove(scheduleID)
	if !s.Enabled {
		return nil
	}
	s.Enabled = false
	s.NextFire = time.Time{}
	s.UpdatedAt = time.Now().UTC()
	if err := c.gateway.PutSchedule(s); err != nil {
		return storeErr(err)
	}
	return nil
}

// DeleteSchedule disarms and removes a schedule
func (c *Coordinator) DeleteSchedule(scheduleID string) error {
	if _, err := c.gateway.GetSchedule(scheduleID); err != nil {
		return storeErr(err)
	}
	c.sched.Remove(scheduleID)
	return storeErr(c.gateway.DeleteSchedule(scheduleID))
}

// QueryLogs reads a workload's captured output
func (c *Coordinator) QueryLogs(id string, q storage.LogQuery) ([]*types.LogRecord, error) {
	if _, err := c.lookup(id); err != nil {
		return nil, err
	}
	records, err := c.gateway.QueryLogs(id, q)
	return records, storeErr(err)
}

// QueryMetrics reads a workload's resource samples
func (c *Coordinator) QueryMetrics(id string, q storage.MetricQuery) ([]*types.MetricSample, error) {
	if _, err := c.lookup(id); err != nil {
		return nil, err
	}
	samples, err := c.gateway.QueryMetrics(id, q)
	return samples, storeErr(err)
}

// SubscribeEvents registers an event subscriber; a nil filter gets all
func (c *Coordinator) SubscribeEvents(filter func(*events.Event) bool) *events.Subscription {
	return c.broker.Subscribe(filter)
}

// Health aggregates the daemon's health signals
func (c *Coordinator) Health() *types.Health {
	c.mu.RLock()
	counts := make(map[types.Phase]int)
	for _, sup := range c.sups {
		counts[sup.Snapshot().Phase]++
	}
	c.mu.RUnlock()

	return &types.Health{
		PhaseCounts:    counts,
		PersistenceLag: c.gateway.Lagging(),
		SchedulerDrift: c.sched.Drift(),
	}
}

// ResolveName maps a workload name to its id
func (c *Coordinator) ResolveName(name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.names[name]
	if !ok {
		return "", errdefs.NotFound("workload", name)
	}
	return id, nil
}

func (c *Coordinator) lookup(id string) (*supervisor.Supervisor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sup, ok := c.sups[id]
	if !ok {
		return nil, errdefs.NotFound("workload", id)
	}
	return sup, nil
}
