// Package survival maps the agent's credit balance onto an ordered survival
// tier and applies the resource restrictions that go with each tier.
package survival

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is the agent's financial runway class. Tiers are totally ordered:
// Dead < Critical < LowCompute < Normal < High. The zero value is Dead, so a
// task whose minimum is left unset always runs.
type Tier int

const (
	Dead Tier = iota
	Critical
	LowCompute
	Normal
	High
)

var ErrInvalidTier = errors.New("invalid survival tier")

var tierNames = [...]string{"dead", "critical", "low_compute", "normal", "high"}

func (t Tier) String() string {
	if t < Dead || t > High {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier accepts the lower-case names produced by String.
func ParseTier(s string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	return Dead, fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if t < Dead || t > High {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTier, int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MeetsMinimum reports whether current is at or above minimum.
func MeetsMinimum(current, minimum Tier) bool {
	return current >= minimum
}

// Thresholds are the credit balances, in cents, a balance must exceed to
// reach each tier. They must be strictly descending High > Normal > LowCompute.
type Thresholds struct {
	High       int64 `yaml:"high" toml:"high" json:"high"`
	Normal     int64 `yaml:"normal" toml:"normal" json:"normal"`
	LowCompute int64 `yaml:"low_compute" toml:"low_compute" json:"low_compute"`
}

// DefaultThresholds are used when configuration does not override them.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 500, Normal: 50, LowCompute: 10}
}

func (th Thresholds) Validate() error {
	if !(th.High > th.Normal && th.Normal > th.LowCompute) {
		return fmt.Errorf("tier thresholds must be strictly descending: high=%d normal=%d low_compute=%d",
			th.High, th.Normal, th.LowCompute)
	}
	if th.LowCompute < 0 {
		return fmt.Errorf("low_compute threshold must be non-negative, got %d", th.LowCompute)
	}
	return nil
}

// TierOf classifies a credit balance. Thresholds are checked from the top
// down; a non-negative balance below every threshold is Critical, a negative
// one is Dead.
func (th Thresholds) TierOf(creditsCents int64) Tier {
	switch {
	case creditsCents > th.High:
		return High
	case creditsCents > th.Normal:
		return Normal
	case creditsCents > th.LowCompute:
		return LowCompute
	case creditsCents >= 0:
		return Critical
	default:
		return Dead
	}
}

// Restricted reports whether inference must run in cost-reduced mode at t.
func (t Tier) Restricted() bool {
	return t <= LowCompute
}
