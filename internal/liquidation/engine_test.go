package liquidation_test

import (
	"context"
	"testing"

	"CDPLedger/internal/liquidation"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	victim = common.HexToAddress("0x0000000000000000000000000000000000000d1e")
	weth   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

// stubPricing prices weth at a fixed USD value and reports a fixed health factor.
type stubPricing struct {
	hf    *uint256.Int
	price *uint256.Int
}

func (s stubPricing) HealthFactor(context.Context, common.Address) (*uint256.Int, error) {
	return fpmath.Clone(s.hf), nil
}

func (s stubPricing) TokenAmountFromUSD(_ context.Context, _ common.Address, usd *uint256.Int) (*uint256.Int, error) {
	return fpmath.MulDiv(usd, fpmath.Precision, s.price)
}

type stubHoldings map[common.Address]*uint256.Int

func (h stubHoldings) CollateralBalance(_, asset common.Address) *uint256.Int {
	return fpmath.Clone(h[asset])
}

func unhealthy() *uint256.Int { return uint256.NewInt(900_000_000_000_000_000) }

func TestQuote_ZeroDebt(t *testing.T) {
	e := liquidation.NewEngine(stubPricing{hf: unhealthy(), price: fpmath.Units(100)}, stubHoldings{})
	_, err := e.Quote(context.Background(), weth, victim, new(uint256.Int))
	require.ErrorIs(t, err, liquidation.ErrZeroAmount)
}

func TestQuote_HealthyPositionRefused(t *testing.T) {
	e := liquidation.NewEngine(stubPricing{hf: solvency.MinHealthFactor(), price: fpmath.Units(100)}, stubHoldings{weth: fpmath.Units(10)})
	_, err := e.Quote(context.Background(), weth, victim, fpmath.Units(100))
	require.ErrorIs(t, err, liquidation.ErrHealthFactorEnough)
}

func TestQuote_FullBonus(t *testing.T) {
	e := liquidation.NewEngine(stubPricing{hf: unhealthy(), price: fpmath.Units(100)}, stubHoldings{weth: fpmath.Units(10)})
	plan, err := e.Quote(context.Background(), weth, victim, fpmath.Units(100))
	require.NoError(t, err)

	assert.True(t, plan.SeizeBase.Eq(fpmath.Units(1)))
	assert.Equal(t, "100000000000000000", plan.Bonus.Dec())
	assert.Equal(t, "1100000000000000000", plan.Seize.Dec())
	assert.False(t, plan.Capped)
}

func TestQuote_CappedNearThreshold(t *testing.T) {
	held := uint256.NewInt(1_050_000_000_000_000_000)
	e := liquidation.NewEngine(stubPricing{hf: unhealthy(), price: fpmath.Units(100)}, stubHoldings{weth: held})
	plan, err := e.Quote(context.Background(), weth, victim, fpmath.Units(100))
	require.NoError(t, err)

	assert.True(t, plan.Capped)
	assert.True(t, plan.Seize.Eq(held))
	assert.Equal(t, "50000000000000000", plan.Bonus.Dec())
}

func TestQuote_ExactlyBaseIsInsufficient(t *testing.T) {
	e := liquidation.NewEngine(stubPricing{hf: unhealthy(), price: fpmath.Units(100)}, stubHoldings{weth: fpmath.Units(1)})
	_, err := e.Quote(context.Background(), weth, victim, fpmath.Units(100))
	require.ErrorIs(t, err, liquidation.ErrInsufficientCollateral)
}

func TestQuote_BelowBaseIsInsufficient(t *testing.T) {
	e := liquidation.NewEngine(stubPricing{hf: unhealthy(), price: fpmath.Units(100)}, stubHoldings{weth: uint256.NewInt(5)})
	_, err := e.Quote(context.Background(), weth, victim, fpmath.Units(100))
	require.ErrorIs(t, err, liquidation.ErrInsufficientCollateral)
}

func TestVerifyImprovement(t *testing.T) {
	e := liquidation.NewEngine(stubPricing{}, stubHoldings{})
	plan := liquidation.Plan{InitialHealthFactor: unhealthy()}

	require.NoError(t, e.VerifyImprovement(plan, solvency.MinHealthFactor()))

	err := e.VerifyImprovement(plan, unhealthy())
	require.ErrorIs(t, err, liquidation.ErrHealthFactorNotImproved)
	require.ErrorIs(t, err, solvency.ErrHealthFactorTooLow)
}
