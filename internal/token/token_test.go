package token_test

import (
	"context"
	"testing"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hub   = common.HexToAddress("0x0000000000000000000000000000000000000c0d")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func as(addr common.Address) context.Context {
	return token.WithCaller(context.Background(), addr)
}

func TestTransferFrom_RequiresAllowance(t *testing.T) {
	weth := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, weth.Credit(alice, fpmath.Units(5)))

	ok, err := weth.TransferFrom(as(hub), alice, hub, fpmath.Units(1))
	require.NoError(t, err)
	assert.False(t, ok, "no allowance yet")

	require.NoError(t, weth.Approve(as(alice), hub, fpmath.Units(2)))
	ok, err = weth.TransferFrom(as(hub), alice, hub, fpmath.Units(2))
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, weth.BalanceOf(hub).Eq(fpmath.Units(2)))
	assert.True(t, weth.BalanceOf(alice).Eq(fpmath.Units(3)))
	assert.True(t, weth.Allowance(alice, hub).IsZero())
}

func TestTransferFrom_InsufficientBalance(t *testing.T) {
	weth := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, weth.Credit(alice, fpmath.Units(1)))
	require.NoError(t, weth.Approve(as(alice), hub, fpmath.Max))

	ok, err := weth.TransferFrom(as(hub), alice, hub, fpmath.Units(2))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, weth.Allowance(alice, hub).Eq(fpmath.Max), "failed transfer must not spend allowance")
}

func TestTransfer_MovesCallerBalance(t *testing.T) {
	weth := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, weth.Credit(hub, fpmath.Units(3)))

	ok, err := weth.Transfer(as(hub), bob, fpmath.Units(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, weth.BalanceOf(bob).Eq(fpmath.Units(3)))

	_, err = weth.Transfer(context.Background(), bob, fpmath.Units(1))
	require.ErrorIs(t, err, token.ErrNoCaller)
}

func TestLedger_RollbackUndoesTransfers(t *testing.T) {
	weth := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, weth.Credit(alice, fpmath.Units(5)))
	require.NoError(t, weth.Approve(as(alice), hub, fpmath.Units(5)))

	cp := weth.Checkpoint()
	ok, err := weth.TransferFrom(as(hub), alice, hub, fpmath.Units(4))
	require.NoError(t, err)
	require.True(t, ok)
	cp.Rollback()

	assert.True(t, weth.BalanceOf(alice).Eq(fpmath.Units(5)))
	assert.True(t, weth.BalanceOf(hub).IsZero())
	assert.True(t, weth.Allowance(alice, hub).Eq(fpmath.Units(5)))
}

func TestSynthetic_OwnerGated(t *testing.T) {
	dsc := token.NewSynthetic("Decentralized Stable Coin", "DSC", hub)

	err := dsc.Mint(as(alice), alice, fpmath.Units(1))
	require.ErrorIs(t, err, token.ErrNotOwner)

	require.NoError(t, dsc.Mint(as(hub), alice, fpmath.Units(100)))
	assert.True(t, dsc.TotalSupply().Eq(fpmath.Units(100)))

	err = dsc.Burn(as(bob), alice, fpmath.Units(1))
	require.ErrorIs(t, err, token.ErrNotOwner)
}

func TestSynthetic_MintToZeroAddress(t *testing.T) {
	dsc := token.NewSynthetic("Decentralized Stable Coin", "DSC", hub)
	err := dsc.Mint(as(hub), common.Address{}, fpmath.Units(1))
	require.ErrorIs(t, err, token.ErrZeroAddress)
}

func TestSynthetic_ZeroAmountIsNoop(t *testing.T) {
	dsc := token.NewSynthetic("Decentralized Stable Coin", "DSC", hub)
	require.NoError(t, dsc.Mint(as(hub), alice, new(uint256.Int)))
	require.NoError(t, dsc.Burn(as(hub), alice, new(uint256.Int)))
	assert.True(t, dsc.TotalSupply().IsZero())
}

func TestSynthetic_BurnExceedsBalance(t *testing.T) {
	dsc := token.NewSynthetic("Decentralized Stable Coin", "DSC", hub)
	require.NoError(t, dsc.Mint(as(hub), alice, fpmath.Units(1)))

	err := dsc.Burn(as(hub), alice, fpmath.Units(2))
	require.ErrorIs(t, err, token.ErrBurnAmountExceedsBalance)
	assert.True(t, dsc.BalanceOf(alice).Eq(fpmath.Units(1)))
}

func TestLedger_StateRestore(t *testing.T) {
	weth := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, weth.Credit(alice, fpmath.Units(5)))
	require.NoError(t, weth.Credit(bob, fpmath.Units(2)))
	require.NoError(t, weth.Approve(as(alice), hub, fpmath.Max))

	st := weth.State()
	copyOf := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, copyOf.Restore(st))

	assert.True(t, copyOf.TotalSupply().Eq(fpmath.Units(7)))
	assert.True(t, copyOf.BalanceOf(bob).Eq(fpmath.Units(2)))
	assert.True(t, copyOf.Allowance(alice, hub).Eq(fpmath.Max))
	assert.Equal(t, st, copyOf.State())
}

func TestLedger_ResetAdjustsSupply(t *testing.T) {
	weth := token.NewLedger("Wrapped Ether", "WETH", 18)
	require.NoError(t, weth.Credit(alice, fpmath.Units(5)))

	require.NoError(t, weth.Reset(alice, fpmath.Units(3)))
	require.NoError(t, weth.Reset(bob, fpmath.Units(1)))
	assert.True(t, weth.TotalSupply().Eq(fpmath.Units(4)))

	cp := weth.Checkpoint()
	defer cp.Rollback()
	require.ErrorIs(t, weth.Reset(bob, fpmath.Units(9)), token.ErrCheckpointOpen)
}
