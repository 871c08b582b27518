package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// Retry Policy
// =============================================================================

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	// StrategyExponential multiplies the delay by Multiplier per attempt.
	StrategyExponential Strategy = "exponential"

	// StrategyLinear adds InitialDelay per attempt.
	StrategyLinear Strategy = "linear"

	// StrategyImmediate retries without waiting.
	StrategyImmediate Strategy = "immediate"

	// StrategyCustom delegates the delay to Config.DelayFunc.
	StrategyCustom Strategy = "custom"
)

// DelayFunc computes the delay after the given 0-based failed attempt.
type DelayFunc func(attempt int) time.Duration

// Config is the retry behavior applied to one error kind.
type Config struct {
	// Strategy selects the delay curve
	Strategy Strategy `json:"strategy"`

	// MaxAttempts is the number of retries beyond the first attempt;
	// 0 means the operation runs exactly once
	MaxAttempts int `json:"max_attempts"`

	// InitialDelay is the delay base
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps the computed delay for the growing strategies
	MaxDelay time.Duration `json:"max_delay"`

	// Multiplier is the exponential growth factor
	Multiplier float64 `json:"multiplier"`

	// Jitter perturbs the delay by up to ±delay*Jitter; fraction in [0, 1]
	Jitter float64 `json:"jitter"`

	// DelayFunc supplies the delay under StrategyCustom
	DelayFunc DelayFunc `json:"-"`
}

// Delay computes the wait before the next attempt, where attempt is the
// 0-based index of the attempt that just failed. Jitter is applied to
// the computed value, floored at zero.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay float64
	switch c.Strategy {
	case StrategyImmediate:
		delay = 0
	case StrategyLinear:
		delay = float64(c.InitialDelay) * float64(attempt+1)
		delay = capDelay(delay, c.MaxDelay)
	case StrategyCustom:
		if c.DelayFunc != nil {
			delay = float64(c.DelayFunc(attempt))
			break
		}
		fallthrough
	default:
		multiplier := c.Multiplier
		if multiplier < 1 {
			multiplier = 1
		}
		delay = float64(c.InitialDelay) * math.Pow(multiplier, float64(attempt))
		delay = capDelay(delay, c.MaxDelay)
	}

	if j := c.Jitter; j > 0 && delay > 0 {
		if j > 1 {
			j = 1
		}
		delay += (rand.Float64()*2 - 1) * delay * j
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(math.Round(delay))
}

func capDelay(delay float64, max time.Duration) float64 {
	if max > 0 && delay > float64(max) {
		return float64(max)
	}
	return delay
}

// Policy maps error kinds to retry configs. Kinds without an entry use
// Default.
type Policy struct {
	// Default applies when no per-kind entry matches
	Default Config `json:"default"`

	// Kinds holds the per-kind overrides
	Kinds map[types.ErrorKind]Config `json:"kinds,omitempty"`
}

// For returns the config for the given kind, falling back to Default.
func (p Policy) For(kind types.ErrorKind) Config {
	if cfg, ok := p.Kinds[kind]; ok {
		return cfg
	}
	return p.Default
}

// DefaultPolicy returns the built-in policy. Transient kinds retry with
// exponential backoff, programming and input errors never retry, and
// permission errors get a single retry to cover one credential refresh.
func DefaultPolicy() Policy {
	return Policy{
		Default: Config{
			Strategy:     StrategyExponential,
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		Kinds: map[types.ErrorKind]Config{
			types.ErrorKindNetwork: {
				Strategy:     StrategyExponential,
				MaxAttempts:  5,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
			types.ErrorKindTimeout: {
				Strategy:     StrategyExponential,
				MaxAttempts:  3,
				InitialDelay: 2 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
			types.ErrorKindLogic: {
				Strategy:    StrategyImmediate,
				MaxAttempts: 0,
			},
			types.ErrorKindValidation: {
				Strategy:    StrategyImmediate,
				MaxAttempts: 0,
			},
			types.ErrorKindPermission: {
				Strategy:     StrategyExponential,
				MaxAttempts:  1,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
		},
	}
}
