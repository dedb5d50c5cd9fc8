// Package solvency values collateral in USD and computes health factors.
package solvency

import (
	"context"
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// LiquidationThreshold is the share of collateral value, in percent, that
	// may back debt.
	LiquidationThreshold = 50
	// LiquidationPrecision is the denominator of LiquidationThreshold and
	// LiquidationBonus.
	LiquidationPrecision = 100
	// LiquidationBonus is the extra collateral, in percent, paid to a liquidator.
	LiquidationBonus = 10
)

var (
	ErrHealthFactorTooLow = errors.New("solvency: health factor below minimum")
	ErrNoPrice            = errors.New("solvency: asset has no usable price")
)

// MinHealthFactor is 1e18. Positions below it may be liquidated.
func MinHealthFactor() *uint256.Int { return fpmath.Clone(fpmath.Precision) }

// Balances is the read side of the position ledger.
type Balances interface {
	CollateralBalance(user, asset common.Address) *uint256.Int
	DebtBalance(user common.Address) *uint256.Int
}

// FeedLookup resolves a feed identifier to a feed.
type FeedLookup interface {
	Lookup(id common.Address) (oracle.Feed, error)
}

// Engine prices collateral through the registry-bound feed of each asset.
// Prices are fetched and validated on every call; nothing is cached.
type Engine struct {
	registry  *registry.Registry
	feeds     FeedLookup
	validator *oracle.Validator
	balances  Balances
}

func NewEngine(reg *registry.Registry, feeds FeedLookup, validator *oracle.Validator, balances Balances) *Engine {
	return &Engine{
		registry:  reg,
		feeds:     feeds,
		validator: validator,
		balances:  balances,
	}
}

// Price returns the validated 18-decimal USD price of asset.
func (e *Engine) Price(ctx context.Context, asset common.Address) (oracle.Price, error) {
	feedID, err := e.registry.FeedOf(asset)
	if err != nil {
		return oracle.Price{}, err
	}
	feed, err := e.feeds.Lookup(feedID)
	if err != nil {
		return oracle.Price{}, fmt.Errorf("%w: %s: %w", ErrNoPrice, asset.Hex(), err)
	}
	obs, err := feed.LatestObservation(ctx)
	if err != nil {
		return oracle.Price{}, fmt.Errorf("%w: %s: %w", ErrNoPrice, asset.Hex(), err)
	}
	price, err := e.validator.Validate(obs, feed.Decimals())
	if err != nil {
		return oracle.Price{}, fmt.Errorf("price of %s: %w", asset.Hex(), err)
	}
	return price, nil
}

// TokenValueUSD returns price * amount / 1e18.
func (e *Engine) TokenValueUSD(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := e.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(price.Value, amount, fpmath.Precision)
}

// TokenAmountFromUSD returns usd * 1e18 / price.
func (e *Engine) TokenAmountFromUSD(ctx context.Context, asset common.Address, usd *uint256.Int) (*uint256.Int, error) {
	price, err := e.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(usd, fpmath.Precision, price.Value)
}

// CollateralValueUSD sums the USD value of user's collateral across every
// registered asset. Every asset's feed is validated even when the balance is
// zero, so one unusable feed fails the valuation for every user.
func (e *Engine) CollateralValueUSD(ctx context.Context, user common.Address) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range e.registry.Assets() {
		value, err := e.TokenValueUSD(ctx, asset, e.balances.CollateralBalance(user, asset))
		if err != nil {
			return nil, err
		}
		if total, err = fpmath.Add(total, value); err != nil {
			return nil, fmt.Errorf("collateral value of %s: %w", user.Hex(), err)
		}
	}
	return total, nil
}

// AccountInformation returns user's debt and collateral value in USD.
func (e *Engine) AccountInformation(ctx context.Context, user common.Address) (debt, collateralUSD *uint256.Int, err error) {
	debt = e.balances.DebtBalance(user)
	collateralUSD, err = e.CollateralValueUSD(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return debt, collateralUSD, nil
}

// HealthFactor values user's collateral first and then applies
// CalculateHealthFactor.
func (e *Engine) HealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	debt, collateralUSD, err := e.AccountInformation(ctx, user)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, collateralUSD)
}

// thresholdScale is 1e18 * LiquidationThreshold.
var thresholdScale = new(uint256.Int).Mul(fpmath.Precision, uint256.NewInt(LiquidationThreshold))

// CalculateHealthFactor returns collateralUSD * 1e18 * 50 / (debt * 100),
// rounded down once, or the maximal sentinel when debt is zero.
func CalculateHealthFactor(debt, collateralUSD *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return fpmath.Clone(fpmath.Max), nil
	}
	denom, err := fpmath.Mul(debt, uint256.NewInt(LiquidationPrecision))
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(collateralUSD, thresholdScale, denom)
}

// RequireHealthy fails with ErrHealthFactorTooLow when user is below the
// minimum health factor. It returns the computed health factor.
func (e *Engine) RequireHealthy(ctx context.Context, user common.Address) (*uint256.Int, error) {
	hf, err := e.HealthFactor(ctx, user)
	if err != nil {
		return nil, err
	}
	if hf.Lt(fpmath.Precision) {
		return hf, fmt.Errorf("%w: %s has %s", ErrHealthFactorTooLow, user.Hex(), fpmath.Format(hf))
	}
	return hf, nil
}
