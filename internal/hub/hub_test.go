package hub_test

import (
	"context"
	"testing"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/registry"
	"CDPLedger/internal/solvency"
	"CDPLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// ============================================================================
// Test: construction
// ============================================================================

func TestNew_LengthNotMatch(t *testing.T) {
	f := testutil.NewFixture(t)
	cfg := f.Config()
	cfg.PriceFeeds = cfg.PriceFeeds[:1]

	_, err := hub.New(cfg)
	require.ErrorIs(t, err, registry.ErrLengthNotMatch)
}

func TestNew_CollateralTokenAlreadySet(t *testing.T) {
	f := testutil.NewFixture(t)
	cfg := f.Config()
	cfg.Assets = []common.Address{testutil.WETH, testutil.WETH}

	_, err := hub.New(cfg)
	require.ErrorIs(t, err, registry.ErrCollateralTokenAlreadySet)
}

func TestNew_MissingToken(t *testing.T) {
	f := testutil.NewFixture(t)
	cfg := f.Config()
	delete(cfg.Tokens, testutil.WBTC)

	_, err := hub.New(cfg)
	require.ErrorIs(t, err, hub.ErrMissingToken)
}

func TestReads_RegistryAndParameters(t *testing.T) {
	f := testutil.NewFixture(t)

	assert.Equal(t, []common.Address{testutil.WETH, testutil.WBTC}, f.Hub.CollateralAssets())
	feed, err := f.Hub.PriceFeed(testutil.WBTC)
	require.NoError(t, err)
	assert.Equal(t, testutil.BTCFeed, feed)

	p := f.Hub.Parameters()
	assert.Equal(t, uint64(50), p.LiquidationThreshold)
	assert.Equal(t, uint64(10), p.LiquidationBonus)
	assert.Equal(t, uint64(100), p.LiquidationPrecision)
	assert.Equal(t, uint64(3600), p.OracleMaxAgeSeconds)
	assert.True(t, f.Hub.MinHealthFactor().Eq(fpmath.Precision))
}

// ============================================================================
// Test: pricing
// ============================================================================

func TestTokenValueUSD(t *testing.T) {
	f := testutil.NewFixture(t)
	v, err := f.Hub.TokenValueUSD(ctx, testutil.WETH, fpmath.Units(15))
	require.NoError(t, err)
	assert.True(t, v.Eq(fpmath.Units(60000)), "got %s", v.Dec())
}

func TestTokenAmountFromUSD(t *testing.T) {
	f := testutil.NewFixture(t)
	amt, err := f.Hub.TokenAmountFromUSD(ctx, testutil.WETH, fpmath.Units(100))
	require.NoError(t, err)
	assert.Equal(t, "25000000000000000", amt.Dec())
}

// ============================================================================
// Test: deposit and mint
// ============================================================================

func TestDepositAndMint_AtMinimumHealthFactor(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))

	r, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(2000))
	require.NoError(t, err)

	assert.Equal(t, hub.OpDepositAndMint, r.Operation)
	assert.True(t, r.HealthFactor.Eq(fpmath.Precision), "hf %s", r.HealthFactor.Dec())
	require.Len(t, r.Events, 2)
	assert.Equal(t, event.EventTypeCollateralDeposited, r.Events[0].EventType())
	assert.Equal(t, event.EventTypeSyntheticMinted, r.Events[1].EventType())
	require.Len(t, r.Positions, 1)
	assert.True(t, r.Positions[0].Debt.Eq(fpmath.Units(2000)))

	hf, err := f.Hub.HealthFactor(ctx, testutil.Alice)
	require.NoError(t, err)
	assert.True(t, hf.Eq(fpmath.Precision))

	assert.True(t, f.WETH.BalanceOf(testutil.HubAddress).Eq(fpmath.Units(1)))
	assert.True(t, f.WETH.BalanceOf(testutil.Alice).IsZero())
	assert.True(t, f.DSC.BalanceOf(testutil.Alice).Eq(fpmath.Units(2000)))

	debt, collateral, err := f.Hub.AccountInformation(ctx, testutil.Alice)
	require.NoError(t, err)
	assert.True(t, debt.Eq(fpmath.Units(2000)))
	assert.True(t, collateral.Eq(fpmath.Units(4000)))
}

func TestMint_BreaksHealthFactorRollsBack(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))

	over := new(uint256.Int).AddUint64(fpmath.Units(2000), 1)
	r, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), over)
	require.ErrorIs(t, err, solvency.ErrHealthFactorTooLow)
	assert.Nil(t, r)

	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).IsZero())
	assert.True(t, f.Hub.DebtBalance(testutil.Alice).IsZero())
	assert.True(t, f.WETH.BalanceOf(testutil.Alice).Eq(fpmath.Units(1)), "collateral must be returned")
	assert.True(t, f.DSC.TotalSupply().IsZero(), "mint must be undone")
	assert.Equal(t, hub.KindSolvency, hub.KindOf(err))
}

func TestMint_WithoutCollateral(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := f.Hub.Mint(ctx, testutil.Alice, fpmath.Units(1))
	require.ErrorIs(t, err, solvency.ErrHealthFactorTooLow)
}

func TestDeposit_RejectsZeroAndUnlisted(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))

	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, new(uint256.Int))
	require.ErrorIs(t, err, hub.ErrZeroAmount)

	_, err = f.Hub.DepositCollateral(ctx, testutil.Alice, common.HexToAddress("0xdead"), fpmath.Units(1))
	require.ErrorIs(t, err, registry.ErrNotAllowedToken)
	assert.Equal(t, hub.KindValidation, hub.KindOf(err))
}

func TestDeposit_TransferFailed(t *testing.T) {
	f := testutil.NewFixture(t)
	require.NoError(t, f.WETH.Credit(testutil.Alice, fpmath.Units(1))) // no approval

	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.ErrorIs(t, err, hub.ErrTransferFailed)
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).IsZero())
	assert.Empty(t, f.Hub.Users(), "rolled back transition must not leave a position")
}

// ============================================================================
// Test: redeem and burn
// ============================================================================

func TestDepositRedeem_RoundTrip(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(10))

	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(10))
	require.NoError(t, err)
	r, err := f.Hub.RedeemCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(10))
	require.NoError(t, err)

	require.Len(t, r.Events, 1)
	red := r.Events[0].(*event.CollateralRedeemed)
	assert.Equal(t, testutil.Alice, red.From)
	assert.Equal(t, testutil.Alice, red.To)
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).IsZero())
	assert.True(t, f.WETH.BalanceOf(testutil.Alice).Eq(fpmath.Units(10)))
	assert.True(t, f.WETH.BalanceOf(testutil.HubAddress).IsZero())
}

func TestRedeem_MoreThanDeposited(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))
	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)

	_, err = f.Hub.RedeemCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(2))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, hub.KindLiquidity, hub.KindOf(err))
}

func TestRedeem_BreaksHealthFactor(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(2))
	_, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(2), fpmath.Units(2000))
	require.NoError(t, err)

	_, err = f.Hub.RedeemCollateral(ctx, testutil.Alice, testutil.WETH, uint256.NewInt(1_500_000_000_000_000_000))
	require.ErrorIs(t, err, solvency.ErrHealthFactorTooLow)
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).Eq(fpmath.Units(2)))
	assert.True(t, f.WETH.BalanceOf(testutil.HubAddress).Eq(fpmath.Units(2)))
}

func TestBurn_MoreThanDebt(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))
	_, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(100))
	require.NoError(t, err)

	_, err = f.Hub.Burn(ctx, testutil.Alice, fpmath.Units(101))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestBurn_RepaysDebt(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))
	_, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(100))
	require.NoError(t, err)

	r, err := f.Hub.Burn(ctx, testutil.Alice, fpmath.Units(40))
	require.NoError(t, err)
	burned := r.Events[0].(*event.SyntheticBurned)
	assert.Equal(t, testutil.Alice, burned.OnBehalfOf)
	assert.Equal(t, testutil.Alice, burned.From)
	assert.True(t, f.Hub.DebtBalance(testutil.Alice).Eq(fpmath.Units(60)))
	assert.True(t, f.DSC.BalanceOf(testutil.Alice).Eq(fpmath.Units(60)))
}

func TestRedeemCollateralForSynthetic_ClosesPosition(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))
	_, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(2000))
	require.NoError(t, err)

	r, err := f.Hub.RedeemCollateralForSynthetic(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(2000))
	require.NoError(t, err)

	require.Len(t, r.Events, 2)
	assert.Equal(t, event.EventTypeSyntheticBurned, r.Events[0].EventType(), "burn leg runs first")
	assert.Equal(t, event.EventTypeCollateralRedeemed, r.Events[1].EventType())
	assert.True(t, r.HealthFactor.Eq(fpmath.Max))
	assert.True(t, f.WETH.BalanceOf(testutil.Alice).Eq(fpmath.Units(1)))
	assert.True(t, f.DSC.TotalSupply().IsZero())
}

func TestDepositCollateralAndMint_ZeroMintIsDeposit(t *testing.T) {
	plain := testutil.NewFixture(t)
	composite := testutil.NewFixture(t)
	for _, f := range []*testutil.Fixture{plain, composite} {
		f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(2))
	}

	_, err := plain.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)
	r, err := composite.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), new(uint256.Int))
	require.NoError(t, err)

	require.Len(t, r.Events, 1)
	assert.Equal(t, event.EventTypeCollateralDeposited, r.Events[0].EventType())
	assert.Equal(t, snapshot(plain), snapshot(composite))
}

func TestRedeemCollateralForSynthetic_ZeroBurnIsRedeem(t *testing.T) {
	plain := testutil.NewFixture(t)
	composite := testutil.NewFixture(t)
	for _, f := range []*testutil.Fixture{plain, composite} {
		f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(2))
		_, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(2), fpmath.Units(1000))
		require.NoError(t, err)
	}

	_, err := plain.Hub.RedeemCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)
	r, err := composite.Hub.RedeemCollateralForSynthetic(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), new(uint256.Int))
	require.NoError(t, err)

	require.Len(t, r.Events, 1)
	assert.Equal(t, event.EventTypeCollateralRedeemed, r.Events[0].EventType())
	assert.Equal(t, snapshot(plain), snapshot(composite))
	assert.True(t, composite.Hub.DebtBalance(testutil.Alice).Eq(fpmath.Units(1000)))
}

func TestCompositeOperations_RejectZeroCollateral(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))
	_, err := f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(100))
	require.NoError(t, err)
	before := snapshot(f)

	_, err = f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, new(uint256.Int), new(uint256.Int))
	require.ErrorIs(t, err, hub.ErrZeroAmount)
	_, err = f.Hub.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, new(uint256.Int), fpmath.Units(1))
	require.ErrorIs(t, err, hub.ErrZeroAmount)
	_, err = f.Hub.RedeemCollateralForSynthetic(ctx, testutil.Alice, testutil.WETH, new(uint256.Int), new(uint256.Int))
	require.ErrorIs(t, err, hub.ErrZeroAmount)
	_, err = f.Hub.RedeemCollateralForSynthetic(ctx, testutil.Alice, testutil.WETH, new(uint256.Int), fpmath.Units(1))
	require.ErrorIs(t, err, hub.ErrZeroAmount)
	assert.Equal(t, before, snapshot(f))
}

// ============================================================================
// Test: oracle strictness
// ============================================================================

func TestStaleFeed_BlocksEveryMutation(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(2))
	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)

	f.Advance(3601 * time.Second)

	_, err = f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.Equal(t, hub.KindOracle, hub.KindOf(err))
	_, err = f.Hub.HealthFactor(ctx, testutil.Alice)
	require.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).Eq(fpmath.Units(1)))

	// a fresh ETH round is not enough while BTC is still stale
	f.SetETHPrice(4000)
	_, err = f.Hub.HealthFactor(ctx, testutil.Alice)
	require.ErrorIs(t, err, oracle.ErrStalePrice)

	f.SetBTCPrice(60000)
	_, err = f.Hub.HealthFactor(ctx, testutil.Alice)
	require.NoError(t, err)
}
