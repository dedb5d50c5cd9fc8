package event_test

import (
	"testing"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

func TestEventType_String(t *testing.T) {
	if got := event.EventTypePositionLiquidated.String(); got != "PositionLiquidated" {
		t.Errorf("got %q", got)
	}
	if got := event.EventType(99).String(); got != "Unknown" {
		t.Errorf("got %q", got)
	}
}

func TestLiquidationRecord_KeepsBothParties(t *testing.T) {
	liq := common.HexToAddress("0x0000000000000000000000000000000000000001")
	victim := common.HexToAddress("0x0000000000000000000000000000000000000002")
	data, err := event.MarshalEvent(&event.PositionLiquidated{
		Liquidator:          liq,
		Victim:              victim,
		DebtCovered:         fpmath.Units(200),
		CollateralSeized:    fpmath.Units(1),
		Bonus:               fpmath.Units(0),
		InitialHealthFactor: fpmath.Units(0),
		EndingHealthFactor:  fpmath.Units(2),
	})
	if err != nil {
		t.Fatal(err)
	}

	e, err := event.UnmarshalEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := e.(*event.PositionLiquidated)
	if !ok {
		t.Fatalf("decoded %T", e)
	}
	if got.Liquidator != liq || got.Subject() != victim {
		t.Errorf("parties swapped: liquidator %s victim %s", got.Liquidator.Hex(), got.Victim.Hex())
	}
	if !got.DebtCovered.Eq(fpmath.Units(200)) {
		t.Errorf("debt covered = %s", got.DebtCovered.Dec())
	}
}

func TestUnmarshalEvent_UnknownType(t *testing.T) {
	if _, err := event.UnmarshalEvent([]byte(`{"type":"FundingSettled"}`)); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestUnmarshalEvent_BadAmount(t *testing.T) {
	if _, err := event.UnmarshalEvent([]byte(`{"type":"SyntheticMinted","amount":"-1"}`)); err == nil {
		t.Error("negative amount should fail")
	}
}
