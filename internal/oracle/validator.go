package oracle

import (
	"fmt"
	"time"

	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// DefaultMaxAge is how old an observation may be before it is refused.
const DefaultMaxAge = 3600 * time.Second

// Price is a validated observation normalized to 18 decimals.
type Price struct {
	Value           *uint256.Int
	UpdatedAt       time.Time
	RoundID         uint64
	AnsweredInRound uint64
}

// Validator turns raw observations into normalized prices. The clock is
// injected so validation is deterministic under test.
type Validator struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func NewValidator(maxAge time.Duration, now func() time.Time) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{MaxAge: maxAge, Now: now}
}

// Validate applies, in order, the staleness, positivity and round consistency
// checks and scales the answer from nativeDecimals to 18 decimals.
func (v *Validator) Validate(obs Observation, nativeDecimals uint8) (Price, error) {
	now := v.Now()
	if obs.UpdatedAt.After(now) {
		return Price{}, fmt.Errorf("%w: updated at %s is in the future", ErrStalePrice, obs.UpdatedAt.Format(time.RFC3339))
	}
	if age := now.Sub(obs.UpdatedAt); age > v.MaxAge {
		return Price{}, fmt.Errorf("%w: age %s exceeds %s", ErrStalePrice, age.Truncate(time.Second), v.MaxAge)
	}
	if obs.Answer == nil || obs.Answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: answer %v", ErrInvalidPrice, obs.Answer)
	}
	if obs.AnsweredInRound < obs.RoundID {
		return Price{}, fmt.Errorf("%w: answered in %d, round %d", ErrInconsistentRound, obs.AnsweredInRound, obs.RoundID)
	}

	raw, overflow := uint256.FromBig(obs.Answer)
	if overflow {
		return Price{}, fmt.Errorf("%w: answer overflows 256 bits", ErrInvalidPrice)
	}
	if nativeDecimals > fpmath.PrecisionDecimals {
		return Price{}, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, nativeDecimals)
	}
	value, err := fpmath.ScaleToPrecision(raw, nativeDecimals)
	if err != nil {
		return Price{}, fmt.Errorf("oracle: normalize answer: %w", err)
	}

	return Price{
		Value:           value,
		UpdatedAt:       obs.UpdatedAt,
		RoundID:         obs.RoundID,
		AnsweredInRound: obs.AnsweredInRound,
	}, nil
}
