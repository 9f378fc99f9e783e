package survival

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// KeyCurrentTier holds the last observed tier name.
	KeyCurrentTier = "current_tier"
	// KeyTransitions holds the JSON transition log.
	KeyTransitions = "tier_transitions"
	// KeyLowCompute is read by the inference client to pick its cost mode.
	KeyLowCompute = "inference_low_compute"

	MaxTransitions = 50
)

// KV is the slice of the store the tracker needs.
type KV interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// InferenceLimiter switches the inference client between its normal and
// cost-reduced modes.
type InferenceLimiter interface {
	SetLowComputeMode(ctx context.Context, enabled bool) error
}

// Transition is one recorded tier change.
type Transition struct {
	From         Tier      `json:"from"`
	To           Tier      `json:"to"`
	At           time.Time `json:"at"`
	CreditsCents int64     `json:"credits_cents"`
}

// Tracker remembers the current tier and runs the restriction side effects
// once per tier change, not once per observation.
type Tracker struct {
	kv      KV
	limiter InferenceLimiter
	logger  zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last *Tier
}

func NewTracker(kv KV, limiter InferenceLimiter, logger zerolog.Logger) *Tracker {
	return &Tracker{
		kv:      kv,
		limiter: limiter,
		logger:  logger.With().Str("component", "survival").Logger(),
		now:     time.Now,
	}
}

// Observe records tier as current. When it differs from the previous tier the
// inference restriction is applied and the change is appended to the
// transition log. It returns true when a change was applied.
func (t *Tracker) Observe(ctx context.Context, tier Tier, creditsCents int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known, err := t.previous(ctx)
	if err != nil {
		return false, err
	}
	if known && prev == tier {
		return false, nil
	}

	if err := t.applyRestrictions(ctx, tier); err != nil {
		return false, err
	}
	if err := t.kv.SetKV(ctx, KeyCurrentTier, tier.String()); err != nil {
		return false, fmt.Errorf("store current tier: %w", err)
	}
	if known {
		tr := Transition{From: prev, To: tier, At: t.now().UTC(), CreditsCents: creditsCents}
		if err := t.appendTransition(ctx, tr); err != nil {
			return false, err
		}
		t.logger.Warn().
			Stringer("from", prev).
			Stringer("to", tier).
			Int64("credits_cents", creditsCents).
			Msg("survival tier changed")
	} else {
		t.logger.Info().Stringer("tier", tier).Int64("credits_cents", creditsCents).Msg("survival tier initialised")
	}
	t.last = &tier
	return true, nil
}

// Current returns the last persisted tier, if any.
func (t *Tracker) Current(ctx context.Context) (Tier, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous(ctx)
}

// Transitions returns the bounded transition log, oldest first.
func (t *Tracker) Transitions(ctx context.Context) ([]Transition, error) {
	return LoadTransitions(ctx, t.kv)
}

func (t *Tracker) previous(ctx context.Context) (Tier, bool, error) {
	if t.last != nil {
		return *t.last, true, nil
	}
	raw, ok, err := t.kv.GetKV(ctx, KeyCurrentTier)
	if err != nil {
		return Dead, false, fmt.Errorf("load current tier: %w", err)
	}
	if !ok {
		return Dead, false, nil
	}
	tier, err := ParseTier(raw)
	if err != nil {
		t.logger.Warn().Str("value", raw).Msg("ignoring unparseable stored tier")
		return Dead, false, nil
	}
	t.last = &tier
	return tier, true, nil
}

func (t *Tracker) applyRestrictions(ctx context.Context, tier Tier) error {
	low := tier.Restricted()
	if t.limiter != nil {
		if err := t.limiter.SetLowComputeMode(ctx, low); err != nil {
			return fmt.Errorf("apply inference restriction: %w", err)
		}
	}
	return nil
}

func (t *Tracker) appendTransition(ctx context.Context, tr Transition) error {
	log, err := LoadTransitions(ctx, t.kv)
	if err != nil {
		return err
	}
	log = append(log, tr)
	if len(log) > MaxTransitions {
		log = log[len(log)-MaxTransitions:]
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}
	if err := t.kv.SetKV(ctx, KeyTransitions, string(raw)); err != nil {
		return fmt.Errorf("store transitions: %w", err)
	}
	return nil
}

// LoadTransitions reads the transition log from kv. A missing key is an
// empty log.
func LoadTransitions(ctx context.Context, kv KV) ([]Transition, error) {
	raw, ok, err := kv.GetKV(ctx, KeyTransitions)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var log []Transition
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		return nil, fmt.Errorf("decode transitions: %w", err)
	}
	return log, nil
}

// KVLimiter publishes the inference mode through the key-value store, where
// the inference client picks it up before each request.
type KVLimiter struct {
	KV KV
}

func (l KVLimiter) SetLowComputeMode(ctx context.Context, enabled bool) error {
	return l.KV.SetKV(ctx, KeyLowCompute, strconv.FormatBool(enabled))
}
