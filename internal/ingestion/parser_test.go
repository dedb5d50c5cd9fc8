package ingestion

import (
	"testing"

	"CDPLedger/internal/command"
	"CDPLedger/internal/hub"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_DepositAndMint(t *testing.T) {
	data := []byte(`{
		"idempotency_key": "dm-1",
		"user": "` + testutil.Alice.Hex() + `",
		"asset": "` + testutil.WETH.Hex() + `",
		"amount_collateral": "1000000000000000000",
		"amount_to_mint": "2000000000000000000000"
	}`)

	cmd, err := ParseCommand(CommandSubject("deposit_and_mint"), data)
	require.NoError(t, err)

	dm, ok := cmd.(*command.DepositAndMint)
	require.True(t, ok, "got %T", cmd)
	assert.Equal(t, hub.OpDepositAndMint, dm.Operation())
	assert.Equal(t, "dm-1", dm.IdempotencyKey())
	assert.Equal(t, testutil.Alice, dm.User)
	assert.Equal(t, testutil.WETH, dm.Asset)
	assert.True(t, dm.AmountCollateral.Eq(fpmath.Units(1)))
	assert.True(t, dm.AmountToMint.Eq(fpmath.Units(2000)))
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		target  error
	}{
		{"wrong prefix", "vault.commands.deposit", `{"idempotency_key":"k"}`, ErrUnknownSubject},
		{"unknown operation", CommandSubject("flash_loan"), `{"idempotency_key":"k"}`, command.ErrUnknownOperation},
		{"missing key", CommandSubject("mint"), `{"user":"` + testutil.Alice.Hex() + `","amount":"1"}`, command.ErrMissingIdempotencyKey},
		{"bad amount", CommandSubject("mint"), `{"idempotency_key":"k","user":"` + testutil.Alice.Hex() + `","amount":"-1"}`, command.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand(tt.subject, []byte(tt.data))
			require.ErrorIs(t, err, tt.target)
		})
	}
}

func TestParseCommand_MalformedJSON(t *testing.T) {
	_, err := ParseCommand(CommandSubject("burn"), []byte(`{not json`))
	require.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	data := []byte(`{"round_id": 7, "answer": "400000000000", "updated_at": 1700000000}`)

	feed, obs, err := ParsePrice(PriceSubject(testutil.ETHFeed), data)
	require.NoError(t, err)

	assert.Equal(t, testutil.ETHFeed, feed)
	assert.Equal(t, uint64(7), obs.RoundID)
	assert.Equal(t, "400000000000", obs.Answer.String())
	assert.Equal(t, uint64(7), obs.AnsweredInRound, "answered_in_round defaults to round_id")
	assert.Equal(t, obs.UpdatedAt, obs.StartedAt, "started_at defaults to updated_at")
	assert.Equal(t, int64(1700000000), obs.UpdatedAt.Unix())
}

func TestParsePrice_KeepsNegativeAnswer(t *testing.T) {
	// sign is checked by the validator when the price is read
	_, obs, err := ParsePrice(PriceSubject(testutil.ETHFeed), []byte(`{"round_id": 1, "answer": "-5", "updated_at": 1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(-5), obs.Answer.Int64())
}

func TestParsePrice_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		target  error
	}{
		{"wrong prefix", "cdp.commands.deposit", `{}`, ErrUnknownSubject},
		{"bad feed", PriceSubjectPrefix + "eth-usd", `{"round_id":1,"answer":"1"}`, ErrInvalidPrice},
		{"bad answer", PriceSubject(testutil.ETHFeed), `{"round_id":1,"answer":"1.5"}`, ErrInvalidPrice},
		{"no round", PriceSubject(testutil.ETHFeed), `{"answer":"1"}`, ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParsePrice(tt.subject, []byte(tt.data))
			require.ErrorIs(t, err, tt.target)
		})
	}
}
