package agentbus

import (
	"math"
	"time"
)

// BackoffStrategy names the delay curve between delivery retries.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "none"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff defaults.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

// BackoffPolicy describes the delay applied before a delivery retry.
// The zero value means exponential backoff with the defaults.
type BackoffPolicy struct {
	Strategy     BackoffStrategy `json:"strategy,omitempty" yaml:"strategy"`
	InitialDelay time.Duration   `json:"initialDelay,omitempty" yaml:"initial_delay"`
	MaxDelay     time.Duration   `json:"maxDelay,omitempty" yaml:"max_delay"`
	Multiplier   float64         `json:"multiplier,omitempty" yaml:"multiplier"`
}

// IsZero reports whether the policy is entirely unset.
func (p BackoffPolicy) IsZero() bool {
	return p == BackoffPolicy{}
}

func (p BackoffPolicy) validate() error {
	switch p.Strategy {
	case "", BackoffNone, BackoffLinear, BackoffExponential:
	default:
		return validationErr("backoff", "unknown strategy %q", p.Strategy)
	}
	if p.InitialDelay < 0 {
		return validationErr("backoff", "initial delay must be >= 0")
	}
	if p.MaxDelay < 0 {
		return validationErr("backoff", "max delay must be >= 0")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return validationErr("backoff", "initial delay exceeds max delay")
	}
	if p.Multiplier < 0 || (p.Multiplier > 0 && p.Multiplier < 1) {
		return validationErr("backoff", "multiplier must be >= 1")
	}
	return nil
}

// Delay computes the wait before the given retry. retryCount is the number
// of failed attempts so far, starting at 0:
//
//	none:        0
//	linear:      initial * (retryCount + 1)
//	exponential: initial * multiplier^retryCount
//
// The result is clamped to [0, max].
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	var d float64
	switch p.Strategy {
	case BackoffNone:
		return 0
	case BackoffLinear:
		d = float64(initial) * float64(retryCount+1)
	case BackoffExponential, "":
		mult := p.Multiplier
		if mult <= 0 {
			mult = DefaultMultiplier
		}
		d = float64(initial) * math.Pow(mult, float64(retryCount))
	default:
		return 0
	}

	if d > float64(maxDelay) {
		return maxDelay
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
