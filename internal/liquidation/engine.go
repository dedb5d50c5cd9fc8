// Package liquidation quotes how much collateral a liquidator receives for
// repaying an unhealthy position's debt, and checks the repayment helped.
package liquidation

import (
	"context"
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount             = errors.New("liquidation: debt to cover must be more than zero")
	ErrHealthFactorEnough     = errors.New("liquidation: health factor is enough, position not liquidatable")
	ErrInsufficientCollateral = errors.New("liquidation: victim holds less collateral than the seize amount")
	// ErrHealthFactorNotImproved also matches solvency.ErrHealthFactorTooLow.
	ErrHealthFactorNotImproved = fmt.Errorf("%w: liquidation did not improve health factor", solvency.ErrHealthFactorTooLow)
)

// Pricing is what the engine needs from the solvency engine.
type Pricing interface {
	HealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error)
	TokenAmountFromUSD(ctx context.Context, asset common.Address, usd *uint256.Int) (*uint256.Int, error)
}

// Holdings reads a victim's collateral.
type Holdings interface {
	CollateralBalance(user, asset common.Address) *uint256.Int
}

// Plan is a quoted liquidation. Seize is what actually moves to the liquidator.
type Plan struct {
	Asset               common.Address
	Victim              common.Address
	DebtToCover         *uint256.Int
	SeizeBase           *uint256.Int
	Bonus               *uint256.Int
	Seize               *uint256.Int
	Held                *uint256.Int
	Capped              bool
	InitialHealthFactor *uint256.Int
}

type Engine struct {
	pricing  Pricing
	holdings Holdings
}

func NewEngine(pricing Pricing, holdings Holdings) *Engine {
	return &Engine{pricing: pricing, holdings: holdings}
}

// Quote prices the seizure for repaying debtToCover of victim's debt. It does
// not mutate anything.
func (e *Engine) Quote(ctx context.Context, asset, victim common.Address, debtToCover *uint256.Int) (Plan, error) {
	if debtToCover == nil || debtToCover.IsZero() {
		return Plan{}, ErrZeroAmount
	}

	initial, err := e.pricing.HealthFactor(ctx, victim)
	if err != nil {
		return Plan{}, fmt.Errorf("initial health factor: %w", err)
	}
	if !initial.Lt(solvency.MinHealthFactor()) {
		return Plan{}, fmt.Errorf("%w: %s has %s", ErrHealthFactorEnough, victim.Hex(), fpmath.Format(initial))
	}

	base, err := e.pricing.TokenAmountFromUSD(ctx, asset, debtToCover)
	if err != nil {
		return Plan{}, fmt.Errorf("seize amount: %w", err)
	}
	bonus, err := fpmath.MulDiv(base, uint256.NewInt(solvency.LiquidationBonus), uint256.NewInt(solvency.LiquidationPrecision))
	if err != nil {
		return Plan{}, err
	}
	withBonus, err := fpmath.Add(base, bonus)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Asset:               asset,
		Victim:              victim,
		DebtToCover:         fpmath.Clone(debtToCover),
		SeizeBase:           base,
		Bonus:               bonus,
		Seize:               withBonus,
		Held:                e.holdings.CollateralBalance(victim, asset),
		InitialHealthFactor: initial,
	}

	// Near the threshold the victim may hold the base amount but not the full
	// bonus; the liquidator then takes everything held.
	if plan.Held.Gt(base) && plan.Held.Lt(withBonus) {
		plan.Seize = fpmath.Clone(plan.Held)
		plan.Bonus = new(uint256.Int).Sub(plan.Held, base)
		plan.Capped = true
	}
	if plan.Seize.Gt(plan.Held) {
		return Plan{}, fmt.Errorf("%w: holds %s, seize %s", ErrInsufficientCollateral, plan.Held.Dec(), plan.Seize.Dec())
	}
	return plan, nil
}

// VerifyImprovement requires the victim's health factor after the exchange to
// be strictly above the one quoted.
func (e *Engine) VerifyImprovement(plan Plan, ending *uint256.Int) error {
	if !ending.Gt(plan.InitialHealthFactor) {
		return fmt.Errorf("%w: %s -> %s", ErrHealthFactorNotImproved, fpmath.Format(plan.InitialHealthFactor), fpmath.Format(ending))
	}
	return nil
}
