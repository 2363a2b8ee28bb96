package tuning

import (
	"math"

	"github.com/pkg/errors"
)

// AttemptPolicy decides how many perturbation attempts one optimizer step
// makes, given the configured base, the training progress and the number of
// active parameter entries.
type AttemptPolicy interface {
	Name() string
	Attempts(baseAttempts, epoch, totalEpochs, activeWeights int) int
}

type FixedAttemptPolicy struct{}

func (FixedAttemptPolicy) Name() string { return "fixed" }

func (FixedAttemptPolicy) Attempts(baseAttempts, _, _, _ int) int {
	if baseAttempts < 0 {
		return 0
	}
	return baseAttempts
}

// LinearDecayAttemptPolicy shrinks attempts as training progresses.
type LinearDecayAttemptPolicy struct {
	MinAttempts int
}

func (LinearDecayAttemptPolicy) Name() string { return "linear_decay" }

func (p LinearDecayAttemptPolicy) Attempts(baseAttempts, epoch, totalEpochs, _ int) int {
	if baseAttempts <= 0 {
		return 0
	}
	if totalEpochs <= 0 {
		return baseAttempts
	}
	remaining := max(totalEpochs-epoch, 1)
	attempts := max((baseAttempts*remaining)/totalEpochs, p.MinAttempts)
	return max(attempts, 0)
}

// WSizeProportionalAttemptPolicy grows attempts with the active weight count.
type WSizeProportionalAttemptPolicy struct {
	Power float64
}

func (WSizeProportionalAttemptPolicy) Name() string { return "wsize_proportional" }

func (p WSizeProportionalAttemptPolicy) Attempts(baseAttempts, _, _, activeWeights int) int {
	if baseAttempts <= 0 {
		return 0
	}
	power := p.Power
	if power <= 0 {
		power = 1.0
	}
	scaled := satInt(int(math.Round(math.Pow(float64(activeWeights), power))), 0, 100)
	return baseAttempts + scaled
}

func AttemptPolicyFromConfig(name string, param float64) (AttemptPolicy, error) {
	switch NormalizeAttemptPolicyName(name) {
	case "fixed":
		return FixedAttemptPolicy{}, nil
	case "linear_decay":
		return LinearDecayAttemptPolicy{MinAttempts: max(int(param), 1)}, nil
	case "wsize_proportional":
		power := param
		if power <= 0 {
			power = 1.0
		}
		return WSizeProportionalAttemptPolicy{Power: power}, nil
	default:
		return nil, errors.Errorf("unsupported attempt policy: %s", name)
	}
}

func NormalizeAttemptPolicyName(name string) string {
	switch name {
	case "", "fixed", "const":
		return "fixed"
	default:
		return name
	}
}

func satInt(v, minV, maxV int) int {
	return min(max(v, minV), maxV)
}
