package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinel-zero/sentinel/pkg/coordinator"
	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/timeutil"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// Manifest is the boot manifest applied with --apply: policies first, then
// workloads and their schedules. Durations use the wire format (45s, 1h30m,
// 2d, bare seconds).
type Manifest struct {
	Policies  []ManifestPolicy   `yaml:"policies,omitempty"`
	Workloads []ManifestWorkload `yaml:"workloads,omitempty"`
}

type ManifestPolicy struct {
	Name                string  `yaml:"name"`
	MaxRetries          int     `yaml:"max_retries"`
	InitialDelay        string  `yaml:"initial_delay,omitempty"`
	BackoffMultiplier   float64 `yaml:"backoff_multiplier,omitempty"`
	MaxDelay            string  `yaml:"max_delay,omitempty"`
	RestartOnExitCodes  []int   `yaml:"restart_on_exit_codes,omitempty"`
	IgnoreExitCodes     []int   `yaml:"ignore_exit_codes,omitempty"`
	RestartOnNormalExit bool    `yaml:"restart_on_normal_exit,omitempty"`
	RestartOnLost       bool    `yaml:"restart_on_lost,omitempty"`
}

type ManifestWorkload struct {
	Name        string               `yaml:"name"`
	Argv        []string             `yaml:"argv"`
	WorkDir     string               `yaml:"workdir,omitempty"`
	Env         map[string]string    `yaml:"env,omitempty"`
	Group       string               `yaml:"group,omitempty"`
	Policy      string               `yaml:"policy,omitempty"`
	Start       bool                 `yaml:"start,omitempty"`
	HealthCheck *ManifestHealthCheck `yaml:"health_check,omitempty"`
	Schedules   []ManifestSchedule   `yaml:"schedules,omitempty"`
}

type ManifestHealthCheck struct {
	Type     string   `yaml:"type"`
	Command  []string `yaml:"command,omitempty"`
	Endpoint string   `yaml:"endpoint,omitempty"`
	Interval string   `yaml:"interval,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

type ManifestSchedule struct {
	Kind       string `yaml:"kind"`
	Expression string `yaml:"expression"`
	Enabled    *bool  `yaml:"enabled,omitempty"`
}

// applyManifest loads the manifest and applies it idempotently: existing
// policies are replaced, existing workloads (by name) are left alone.
func applyManifest(coord *coordinator.Coordinator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}

	for _, mp := range m.Policies {
		policy, err := mp.toPolicy()
		if err != nil {
			return fmt.Errorf("policy %q: %w", mp.Name, err)
		}
		if err := coord.PutPolicy(policy); err != nil {
			return fmt.Errorf("policy %q: %w", mp.Name, err)
		}
		fmt.Printf("✓ Policy applied: %s\n", mp.Name)
	}

	ctx := context.Background()
	for _, mw := range m.Workloads {
		if _, err := coord.ResolveName(mw.Name); err == nil {
			fmt.Printf("- Workload exists, skipping: %s\n", mw.Name)
			continue
		}

		req, err := mw.toRequest()
		if err != nil {
			return fmt.Errorf("workload %q: %w", mw.Name, err)
		}
		w, err := coord.CreateWorkload(ctx, req)
		if err != nil {
			return fmt.Errorf("workload %q: %w", mw.Name, err)
		}
		fmt.Printf("✓ Workload created: %s (ID: %s)\n", w.Name, w.ID)
		for _, ms := range mw.Schedules {
			fmt.Printf("  ✓ Schedule: %s %q\n", ms.Kind, ms.Expression)
		}

		if mw.Start {
			if err := coord.Start(ctx, w.ID); err != nil && !errdefs.Is(err, errdefs.KindAlreadyActive) {
				return fmt.Errorf("workload %q start: %w", mw.Name, err)
			}
			fmt.Printf("  ✓ Started: %s\n", w.Name)
		}
	}
	return nil
}

func (mp ManifestPolicy) toPolicy() (*types.RestartPolicy, error) {
	p := &types.RestartPolicy{
		Name:                mp.Name,
		MaxRetries:          mp.MaxRetries,
		BackoffMultiplier:   mp.BackoffMultiplier,
		RestartOnExitCodes:  mp.RestartOnExitCodes,
		IgnoreExitCodes:     mp.IgnoreExitCodes,
		RestartOnNormalExit: mp.RestartOnNormalExit,
		RestartOnLost:       mp.RestartOnLost,
	}
	var err error
	if p.InitialDelay, err = parseOptionalDuration(mp.InitialDelay); err != nil {
		return nil, fmt.Errorf("initial_delay: %w", err)
	}
	if p.MaxDelay, err = parseOptionalDuration(mp.MaxDelay); err != nil {
		return nil, fmt.Errorf("max_delay: %w", err)
	}
	return p, nil
}

func (mw ManifestWorkload) toRequest() (coordinator.CreateWorkloadRequest, error) {
	req := coordinator.CreateWorkloadRequest{
		Name:      mw.Name,
		Argv:      mw.Argv,
		WorkDir:   mw.WorkDir,
		Env:       mw.Env,
		Group:     mw.Group,
		PolicyRef: mw.Policy,
	}
	for _, ms := range mw.Schedules {
		req.Schedules = append(req.Schedules, coordinator.ScheduleSpec{
			Kind:       types.ScheduleKind(ms.Kind),
			Expression: ms.Expression,
			Enabled:    ms.Enabled == nil || *ms.Enabled,
		})
	}
	if mw.HealthCheck == nil {
		return req, nil
	}

	hc := &types.HealthCheckSpec{
		Type:     types.HealthCheckType(mw.HealthCheck.Type),
		Command:  mw.HealthCheck.Command,
		Endpoint: mw.HealthCheck.Endpoint,
		Retries:  mw.HealthCheck.Retries,
	}
	var err error
	if hc.Interval, err = parseOptionalDuration(mw.HealthCheck.Interval); err != nil {
		return req, fmt.Errorf("health_check.interval: %w", err)
	}
	if hc.Timeout, err = parseOptionalDuration(mw.HealthCheck.Timeout); err != nil {
		return req, fmt.Errorf("health_check.timeout: %w", err)
	}
	req.HealthCheck = hc
	return req, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return timeutil.ParseDuration(s)
}
