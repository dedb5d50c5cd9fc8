package event

import (
	"encoding/json"
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Record is the flat wire form of an event. Amounts are base-unit decimal
// strings.
type Record struct {
	Type                string `json:"type"`
	User                string `json:"user,omitempty"`
	From                string `json:"from,omitempty"`
	To                  string `json:"to,omitempty"`
	OnBehalfOf          string `json:"on_behalf_of,omitempty"`
	Liquidator          string `json:"liquidator,omitempty"`
	Asset               string `json:"asset,omitempty"`
	Amount              string `json:"amount,omitempty"`
	DebtCovered         string `json:"debt_covered,omitempty"`
	CollateralSeized    string `json:"collateral_seized,omitempty"`
	Bonus               string `json:"bonus,omitempty"`
	InitialHealthFactor string `json:"initial_health_factor,omitempty"`
	EndingHealthFactor  string `json:"ending_health_factor,omitempty"`
}

func dec(v *uint256.Int) string { return fpmath.Clone(v).Dec() }

// ToRecord flattens e.
func ToRecord(e Event) Record {
	r := Record{Type: e.EventType().String()}
	switch ev := e.(type) {
	case *CollateralDeposited:
		r.User, r.Asset, r.Amount = ev.User.Hex(), ev.Asset.Hex(), dec(ev.Amount)
	case *CollateralRedeemed:
		r.From, r.To, r.Asset, r.Amount = ev.From.Hex(), ev.To.Hex(), ev.Asset.Hex(), dec(ev.Amount)
	case *SyntheticMinted:
		r.User, r.Amount = ev.User.Hex(), dec(ev.Amount)
	case *SyntheticBurned:
		r.OnBehalfOf, r.From, r.Amount = ev.OnBehalfOf.Hex(), ev.From.Hex(), dec(ev.Amount)
	case *PositionLiquidated:
		r.Liquidator, r.User, r.Asset = ev.Liquidator.Hex(), ev.Victim.Hex(), ev.Asset.Hex()
		r.DebtCovered, r.CollateralSeized, r.Bonus = dec(ev.DebtCovered), dec(ev.CollateralSeized), dec(ev.Bonus)
		r.InitialHealthFactor, r.EndingHealthFactor = dec(ev.InitialHealthFactor), dec(ev.EndingHealthFactor)
	case *TokensCredited:
		r.User, r.Asset, r.Amount = ev.Account.Hex(), ev.Token.Hex(), dec(ev.Amount)
	}
	return r
}

// FromRecord rebuilds the typed event.
func FromRecord(r Record) (Event, error) {
	amount := func(s string) (*uint256.Int, error) {
		if s == "" {
			return new(uint256.Int), nil
		}
		return fpmath.ParseAmount(s)
	}
	var err error
	pick := func(s string) *uint256.Int {
		if err != nil {
			return nil
		}
		var v *uint256.Int
		v, err = amount(s)
		return v
	}

	var e Event
	switch r.Type {
	case EventTypeCollateralDeposited.String():
		e = &CollateralDeposited{User: common.HexToAddress(r.User), Asset: common.HexToAddress(r.Asset), Amount: pick(r.Amount)}
	case EventTypeCollateralRedeemed.String():
		e = &CollateralRedeemed{From: common.HexToAddress(r.From), To: common.HexToAddress(r.To), Asset: common.HexToAddress(r.Asset), Amount: pick(r.Amount)}
	case EventTypeSyntheticMinted.String():
		e = &SyntheticMinted{User: common.HexToAddress(r.User), Amount: pick(r.Amount)}
	case EventTypeSyntheticBurned.String():
		e = &SyntheticBurned{OnBehalfOf: common.HexToAddress(r.OnBehalfOf), From: common.HexToAddress(r.From), Amount: pick(r.Amount)}
	case EventTypePositionLiquidated.String():
		e = &PositionLiquidated{
			Liquidator:          common.HexToAddress(r.Liquidator),
			Victim:              common.HexToAddress(r.User),
			Asset:               common.HexToAddress(r.Asset),
			DebtCovered:         pick(r.DebtCovered),
			CollateralSeized:    pick(r.CollateralSeized),
			Bonus:               pick(r.Bonus),
			InitialHealthFactor: pick(r.InitialHealthFactor),
			EndingHealthFactor:  pick(r.EndingHealthFactor),
		}
	case EventTypeTokensCredited.String():
		e = &TokensCredited{Token: common.HexToAddress(r.Asset), Account: common.HexToAddress(r.User), Amount: pick(r.Amount)}
	default:
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.Type, err)
	}
	return e, nil
}

// MarshalEvent encodes e as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(ToRecord(e))
}

// UnmarshalEvent decodes JSON produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return FromRecord(r)
}
