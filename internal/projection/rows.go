package projection

import (
	"sort"

	"CDPLedger/internal/event"

	"github.com/holiman/uint256"
)

// CollateralRow is one projections.positions row.
type CollateralRow struct {
	User   string
	Asset  string
	Amount string
}

// DebtRow is one projections.debts row.
type DebtRow struct {
	User string
	Debt string
}

// LiquidationRow is one projections.liquidations row.
type LiquidationRow struct {
	Liquidator          string
	Victim              string
	Asset               string
	DebtCovered         string
	CollateralSeized    string
	Bonus               string
	InitialHealthFactor string
	EndingHealthFactor  string
}

// ProjectionRows is everything one envelope writes. Amounts are base-unit
// decimal strings for NUMERIC(78,0) columns.
type ProjectionRows struct {
	Collateral   []CollateralRow
	Debts        []DebtRow
	Liquidations []LiquidationRow
}

// Rows derives the projection rows for env from its post-state and events.
func Rows(env *event.EventEnvelope) ProjectionRows {
	var rows ProjectionRows
	for _, p := range env.Positions {
		user := p.User.Hex()
		assets := make([]string, 0, len(p.Collateral))
		amounts := make(map[string]*uint256.Int, len(p.Collateral))
		for a, amt := range p.Collateral {
			assets = append(assets, a.Hex())
			amounts[a.Hex()] = amt
		}
		sort.Strings(assets)
		for _, a := range assets {
			rows.Collateral = append(rows.Collateral, CollateralRow{User: user, Asset: a, Amount: dec(amounts[a])})
		}
		rows.Debts = append(rows.Debts, DebtRow{User: user, Debt: dec(p.Debt)})
	}
	for _, e := range env.Events {
		if l, ok := e.(*event.PositionLiquidated); ok {
			rows.Liquidations = append(rows.Liquidations, LiquidationRow{
				Liquidator:          l.Liquidator.Hex(),
				Victim:              l.Victim.Hex(),
				Asset:               l.Asset.Hex(),
				DebtCovered:         dec(l.DebtCovered),
				CollateralSeized:    dec(l.CollateralSeized),
				Bonus:               dec(l.Bonus),
				InitialHealthFactor: dec(l.InitialHealthFactor),
				EndingHealthFactor:  dec(l.EndingHealthFactor),
			})
		}
	}
	return rows
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
