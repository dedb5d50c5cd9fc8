package testutil

import (
	"testing"

	"CDPLedger/internal/command"
	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Custody is the fixture's collateral token ledgers by asset.
func (f *Fixture) Custody() map[common.Address]*token.Ledger {
	return map[common.Address]*token.Ledger{WETH: f.WETH, WBTC: f.WBTC}
}

// NewSequencer builds a sequencer over the fixture hub. Either channel may
// be nil.
func (f *Fixture) NewSequencer(t testing.TB, persist, projection chan<- core.CoreOutput) *core.Sequencer {
	t.Helper()
	seq, err := core.NewSequencer(core.Config{
		Hub:            f.Hub,
		Custody:        f.Custody(),
		Synthetic:      f.DSC,
		LRUCapacity:    128,
		PersistChan:    persist,
		ProjectionChan: projection,
		Clock:          f.Clock(),
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	return seq
}

// Session is a short funded session: Alice funds 10 WETH, deposits it and
// mints 10000, burns 2500 and redeems 1 WETH.
func Session() []command.Command {
	return []command.Command{
		&command.Fund{Meta: command.Meta{Key: "s-fund"}, Token: WETH, Account: Alice, Amount: fpmath.Units(10)},
		&command.DepositAndMint{
			Meta:             command.Meta{Key: "s-dm"},
			User:             Alice,
			Asset:            WETH,
			AmountCollateral: fpmath.Units(10),
			AmountToMint:     fpmath.Units(10000),
		},
		&command.Burn{Meta: command.Meta{Key: "s-burn"}, User: Alice, Amount: fpmath.Units(2500)},
		&command.Redeem{Meta: command.Meta{Key: "s-redeem"}, User: Alice, Asset: WETH, Amount: fpmath.Units(1)},
	}
}

// RunSession processes cmds on seq, failing the test on any error, and
// returns every output sent to out.
func RunSession(t testing.TB, seq *core.Sequencer, out chan core.CoreOutput, cmds []command.Command) []core.CoreOutput {
	t.Helper()
	for _, c := range cmds {
		if _, err := seq.Process(t.Context(), c); err != nil {
			t.Fatalf("%s %s: %v", c.Operation(), c.IdempotencyKey(), err)
		}
	}
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-out:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}
