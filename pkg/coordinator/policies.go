package coordinator

import (
	"math"
	"time"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

// builtinPolicies are seeded into the store on first boot and can be
// neither modified nor deleted.
func builtinPolicies() []*types.RestartPolicy {
	return []*types.RestartPolicy{
		{
			Name:              "none",
			MaxRetries:        0,
			InitialDelay:      time.Second,
			BackoffMultiplier: 1.0,
			MaxDelay:          time.Second,
			Builtin:           true,
		},
		{
			Name:              "standard",
			MaxRetries:        3,
			InitialDelay:      5 * time.Second,
			BackoffMultiplier: 1.5,
			MaxDelay:          5 * time.Minute,
			Builtin:           true,
		},
		{
			Name:              "aggressive",
			MaxRetries:        10,
			InitialDelay:      time.Second,
			BackoffMultiplier: 2.0,
			MaxDelay:          time.Minute,
			RestartOnLost:     true,
			Builtin:           true,
		},
		{
			Name:              "conservative",
			MaxRetries:        5,
			InitialDelay:      30 * time.Second,
			BackoffMultiplier: 1.2,
			MaxDelay:          10 * time.Minute,
			Builtin:           true,
		},
	}
}

func validatePolicy(p *types.RestartPolicy) error {
	if p.Name == "" {
		return errdefs.New(errdefs.KindInvalidPolicy, "policy name is required")
	}
	if p.MaxRetries < types.UnboundedRetries {
		return errdefs.New(errdefs.KindInvalidPolicy, "max_retries must be >= -1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errdefs.New(errdefs.KindInvalidPolicy, "delays must be non-negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errdefs.New(errdefs.KindInvalidPolicy, "initial_delay %s exceeds max_delay %s", p.InitialDelay, p.MaxDelay)
	}
	if p.BackoffMultiplier != 0 && (p.BackoffMultiplier < 1.0 || math.IsInf(p.BackoffMultiplier, 0) || math.IsNaN(p.BackoffMultiplier)) {
		return errdefs.New(errdefs.KindInvalidPolicy, "backoff_multiplier must be a finite value >= 1.0")
	}
	return nil
}
