package command_test

import (
	"context"
	"testing"

	"CDPLedger/internal/command"
	"CDPLedger/internal/hub"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_DepositAndMint(t *testing.T) {
	payload := []byte(`{
		"idempotency_key": "k-1",
		"user": "0x000000000000000000000000000000000000a11c",
		"asset": "0x00000000000000000000000000000000000000e1",
		"amount_collateral": "10000000000000000000",
		"amount_to_mint": "2000000000000000000000"
	}`)

	cmd, err := command.Decode(hub.OpDepositAndMint, payload)
	require.NoError(t, err)
	assert.Equal(t, hub.OpDepositAndMint, cmd.Operation())
	assert.Equal(t, "k-1", cmd.IdempotencyKey())

	dm, ok := cmd.(*command.DepositAndMint)
	require.True(t, ok)
	assert.Equal(t, testutil.Alice, dm.User)
	assert.Equal(t, testutil.WETH, dm.Asset)
	assert.True(t, dm.AmountCollateral.Eq(fpmath.Units(10)))
	assert.True(t, dm.AmountToMint.Eq(fpmath.Units(2000)))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		op      hub.Operation
		payload string
		want    error
	}{
		{"missing key", hub.OpMint, `{"user":"0x000000000000000000000000000000000000a11c","amount":"1"}`, command.ErrMissingIdempotencyKey},
		{"bad address", hub.OpMint, `{"idempotency_key":"k","user":"alice","amount":"1"}`, command.ErrInvalidAddress},
		{"negative amount", hub.OpBurn, `{"idempotency_key":"k","user":"0x000000000000000000000000000000000000a11c","amount":"-1"}`, command.ErrInvalidAmount},
		{"unknown op", hub.Operation("flash_loan"), `{"idempotency_key":"k"}`, command.ErrUnknownOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := command.Decode(tt.op, []byte(tt.payload))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecode_MissingAmountReachesHubAsZero(t *testing.T) {
	f := testutil.NewFixture(t)
	cmd, err := command.Decode(hub.OpMint, []byte(`{"idempotency_key":"k","user":"0x000000000000000000000000000000000000a11c"}`))
	require.NoError(t, err)

	_, err = cmd.(command.HubCommand).Apply(context.Background(), f.Hub)
	require.ErrorIs(t, err, hub.ErrZeroAmount)
}

func TestParseOperation(t *testing.T) {
	op, err := command.ParseOperation("redeem_and_burn")
	require.NoError(t, err)
	assert.Equal(t, hub.OpRedeemAndBurn, op)

	_, err = command.ParseOperation("withdraw")
	require.ErrorIs(t, err, command.ErrUnknownOperation)
}

func TestApply_RoutesToHub(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Fund(t, f.WETH, testutil.Alice, fpmath.Units(10))
	ctx := context.Background()

	cmds := []command.HubCommand{
		&command.DepositAndMint{
			Meta:             command.Meta{Key: "a"},
			User:             testutil.Alice,
			Asset:            testutil.WETH,
			AmountCollateral: fpmath.Units(10),
			AmountToMint:     fpmath.Units(1000),
		},
		&command.Burn{Meta: command.Meta{Key: "b"}, User: testutil.Alice, Amount: fpmath.Units(500)},
		&command.Redeem{Meta: command.Meta{Key: "c"}, User: testutil.Alice, Asset: testutil.WETH, Amount: fpmath.Units(1)},
	}
	for _, cmd := range cmds {
		r, err := cmd.Apply(ctx, f.Hub)
		require.NoError(t, err, cmd.Operation())
		assert.Equal(t, cmd.Operation(), r.Operation)
	}

	assert.True(t, f.Hub.DebtBalance(testutil.Alice).Eq(fpmath.Units(500)))
	assert.True(t, f.Hub.CollateralBalance(testutil.Alice, testutil.WETH).Eq(fpmath.Units(9)))
}

func TestDecode_Fund(t *testing.T) {
	cmd, err := command.Decode(command.OpFund, []byte(`{
		"idempotency_key": "faucet-1",
		"user": "0x000000000000000000000000000000000000a11c",
		"asset": "0x00000000000000000000000000000000000000b1",
		"amount": "5"
	}`))
	require.NoError(t, err)

	fund, ok := cmd.(*command.Fund)
	require.True(t, ok)
	assert.Equal(t, testutil.WBTC, fund.Token)
	assert.Equal(t, testutil.Alice, fund.Account)
	_, isHub := cmd.(command.HubCommand)
	assert.False(t, isHub)
}
