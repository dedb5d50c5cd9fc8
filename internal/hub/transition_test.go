package hub_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"CDPLedger/internal/hub"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/testutil"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reentrantToken calls back into the hub from inside a transfer.
type reentrantToken struct {
	*token.Ledger
	hub       *hub.Hub
	innerErr  error
	propagate bool
}

func (r *reentrantToken) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	_, r.innerErr = r.hub.DepositCollateral(ctx, from, testutil.WETH, amount)
	if r.propagate && r.innerErr != nil {
		return false, r.innerErr
	}
	return r.Ledger.TransferFrom(ctx, from, to, amount)
}

func newReentrantHub(t *testing.T, propagate bool) (*testutil.Fixture, *reentrantToken) {
	f := testutil.NewFixture(t)
	rt := &reentrantToken{Ledger: f.WETH, propagate: propagate}
	cfg := f.Config()
	cfg.Tokens[testutil.WETH] = rt
	h, err := hub.New(cfg)
	require.NoError(t, err)
	rt.hub = h
	f.Hub = h
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(2))
	return f, rt
}

func TestReentrantCall_IsRefused(t *testing.T) {
	f, rt := newReentrantHub(t, false)

	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)
	require.ErrorIs(t, rt.innerErr, hub.ErrReentrantCall)
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).Eq(fpmath.Units(1)), "only the outer deposit counts")
}

func TestReentrantCall_FailsOuterTransition(t *testing.T) {
	f, rt := newReentrantHub(t, true)

	_, err := f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.ErrorIs(t, err, hub.ErrTransferFailed)
	require.ErrorIs(t, err, hub.ErrReentrantCall)
	assert.Equal(t, hub.KindConcurrency, hub.KindOf(err))
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).IsZero())

	// the guard was released
	rt.propagate = false
	_, err = f.Hub.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)
}

// panickingSynthetic blows up on mint after the ledger has been touched.
type panickingSynthetic struct{ *token.Synthetic }

func (panickingSynthetic) Mint(context.Context, common.Address, *uint256.Int) error {
	panic("mint collaborator crashed")
}

func TestPanic_RollsBackAndReleasesGuard(t *testing.T) {
	f := testutil.NewFixture(t)
	cfg := f.Config()
	cfg.Synthetic = panickingSynthetic{f.DSC}
	h, err := hub.New(cfg)
	require.NoError(t, err)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(1))

	require.Panics(t, func() {
		_, _ = h.DepositCollateralAndMint(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1), fpmath.Units(10))
	})
	assert.True(t, h.CollateralBalance(testutil.Alice, testutil.WETH).IsZero())
	assert.True(t, h.DebtBalance(testutil.Alice).IsZero())
	assert.True(t, f.WETH.BalanceOf(testutil.Alice).Eq(fpmath.Units(1)))

	_, err = h.DepositCollateral(ctx, testutil.Alice, testutil.WETH, fpmath.Units(1))
	require.NoError(t, err)
}

// TestRandomOperations_PreserveInvariants drives random operations, prices
// included, and checks after each one that committed state is consistent and
// the acting user is solvent, and that failed operations changed nothing.
func TestRandomOperations_PreserveInvariants(t *testing.T) {
	f := testutil.NewFixture(t)
	committed := randomOperations(t, f, 7, true, func(step int, user common.Address) {
		hf, err := f.Hub.HealthFactor(ctx, user)
		require.NoError(t, err)
		require.False(t, hf.Lt(fpmath.Precision), "step %d: acting user left below minimum", step)
	})
	require.Positive(t, committed)
}

// TestRandomOperations_FixedPricesKeepSystemSolvent holds prices still, so
// after every commit each indebted user stays at or above the minimum health
// factor and the synthetic supply stays within half the collateral value.
func TestRandomOperations_FixedPricesKeepSystemSolvent(t *testing.T) {
	f := testutil.NewFixture(t)
	committed := randomOperations(t, f, 23, false, func(step int, _ common.Address) {
		totalUSD := new(uint256.Int)
		for _, u := range f.Hub.Users() {
			collateralUSD, err := f.Hub.CollateralValueUSD(ctx, u)
			require.NoError(t, err)
			totalUSD.Add(totalUSD, collateralUSD)

			if f.Hub.DebtBalance(u).IsZero() {
				continue
			}
			hf, err := f.Hub.HealthFactor(ctx, u)
			require.NoError(t, err)
			require.False(t, hf.Lt(fpmath.Precision), "step %d: %s below minimum with debt", step, u.Hex())
		}
		backing := new(uint256.Int).Mul(f.DSC.TotalSupply(), uint256.NewInt(2))
		require.False(t, backing.Gt(totalUSD), "step %d: supply %s exceeds half of %s", step, f.DSC.TotalSupply().Dec(), totalUSD.Dec())
	})
	require.Positive(t, committed)
}

// randomOperations runs 500 random steps against f, calling check after every
// committed one. It returns how many steps committed.
func randomOperations(t *testing.T, f *testutil.Fixture, seed uint64, movePrices bool, check func(step int, user common.Address)) int {
	t.Helper()
	users := []common.Address{testutil.Alice, testutil.Bob, testutil.Liquidator}
	assets := []common.Address{testutil.WETH, testutil.WBTC}
	for _, u := range users {
		f.Fund(t, f.WETH, u, fpmath.Units(50))
		f.Fund(t, f.WBTC, u, fpmath.Units(5))
	}
	rng := rand.New(rand.NewPCG(seed, 11))

	// between 0.1 and maxUnits whole units, in tenths
	amount := func(maxUnits uint64) *uint256.Int {
		tenths := uint256.NewInt(rng.Uint64N(maxUnits*10) + 1)
		return tenths.Mul(tenths, uint256.NewInt(100_000_000_000_000_000))
	}

	ops := 8
	if !movePrices {
		ops = 7
	}
	committed := 0
	for i := 0; i < 500; i++ {
		user := users[rng.IntN(len(users))]
		asset := assets[rng.IntN(len(assets))]
		before := snapshot(f)

		var err error
		switch rng.IntN(ops) {
		case 0:
			_, err = f.Hub.DepositCollateral(ctx, user, asset, amount(5))
		case 1:
			_, err = f.Hub.Mint(ctx, user, amount(3000))
		case 2:
			_, err = f.Hub.DepositCollateralAndMint(ctx, user, asset, amount(3), amount(4000))
		case 3:
			_, err = f.Hub.RedeemCollateral(ctx, user, asset, amount(3))
		case 4:
			_, err = f.Hub.Burn(ctx, user, amount(2000))
		case 5:
			_, err = f.Hub.RedeemCollateralForSynthetic(ctx, user, asset, amount(2), amount(1000))
		case 6:
			victim := users[rng.IntN(len(users))]
			_, err = f.Hub.Liquidate(ctx, user, asset, victim, amount(500))
		case 7:
			if rng.IntN(2) == 0 {
				f.SetETHPrice(int64(2000 + rng.IntN(3000)))
			} else {
				f.SetBTCPrice(int64(30000 + rng.IntN(40000)))
			}
			continue
		}

		if err != nil {
			require.Equal(t, before, snapshot(f), "step %d: failed operation changed state: %v", i, err)
			continue
		}
		committed++
		check(i, user)
		checkConsistency(t, f, assets)
	}
	return committed
}

type state struct {
	positions map[string]string
	tokens    map[string]string
}

func snapshot(f *testutil.Fixture) state {
	s := state{positions: map[string]string{}, tokens: map[string]string{}}
	for _, p := range f.Hub.Positions() {
		for a, v := range p.Collateral {
			s.positions[p.User.Hex()+a.Hex()] = v.Dec()
		}
		s.positions[p.User.Hex()+":debt"] = p.Debt.Dec()
	}
	for _, tok := range []*token.Ledger{f.WETH, f.WBTC, f.DSC.Ledger} {
		for _, h := range tok.Holders() {
			s.tokens[tok.Symbol()+h.Hex()] = tok.BalanceOf(h).Dec()
		}
		s.tokens[tok.Symbol()+":supply"] = tok.TotalSupply().Dec()
	}
	return s
}

// checkConsistency compares the ledger against itself and against custody.
func checkConsistency(t *testing.T, f *testutil.Fixture, assets []common.Address) {
	t.Helper()
	rebuilt := ledger.New()
	require.NoError(t, rebuilt.Restore(f.Hub.Positions()))
	for _, a := range assets {
		assert.True(t, rebuilt.TotalCollateral(a).Eq(f.Hub.TotalCollateral(a)), "running total of %s", a.Hex())
	}
	assert.True(t, rebuilt.TotalDebt().Eq(f.Hub.TotalDebt()), "running total debt")

	custody := map[common.Address]*token.Ledger{testutil.WETH: f.WETH, testutil.WBTC: f.WBTC}
	for _, a := range assets {
		assert.True(t, custody[a].BalanceOf(testutil.HubAddress).Eq(f.Hub.TotalCollateral(a)), "custody of %s", a.Hex())
	}
	assert.True(t, f.DSC.TotalSupply().Eq(f.Hub.TotalDebt()), "synthetic supply equals debt")
}
