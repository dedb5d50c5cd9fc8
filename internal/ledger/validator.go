package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateTotals verifies the running totals equal the per-user sums.
func (v *InvariantValidator) ValidateTotals() error {
	sums := make(map[common.Address]*uint256.Int)
	debt := new(uint256.Int)

	for _, p := range v.ledger.positions {
		for asset, bal := range p.collateral {
			s, ok := sums[asset]
			if !ok {
				s = new(uint256.Int)
				sums[asset] = s
			}
			if _, overflow := s.AddOverflow(s, bal); overflow {
				return fmt.Errorf("collateral sum for %s overflows", asset.Hex())
			}
		}
		if _, overflow := debt.AddOverflow(debt, p.debt); overflow {
			return fmt.Errorf("debt sum overflows")
		}
	}

	for asset, total := range v.ledger.totalCollateral {
		sum := sums[asset]
		if sum == nil {
			sum = new(uint256.Int)
		}
		if !sum.Eq(total) {
			return fmt.Errorf("total collateral for %s is %s, positions sum to %s", asset.Hex(), total.Dec(), sum.Dec())
		}
	}
	for asset := range sums {
		if _, ok := v.ledger.totalCollateral[asset]; !ok {
			return fmt.Errorf("collateral in %s has no running total", asset.Hex())
		}
	}
	if !debt.Eq(v.ledger.totalDebt) {
		return fmt.Errorf("total debt is %s, positions sum to %s", v.ledger.totalDebt.Dec(), debt.Dec())
	}
	return nil
}

// ValidateCustody verifies the ledger never claims more of asset than the
// custodian actually holds.
func (v *InvariantValidator) ValidateCustody(asset common.Address, held *uint256.Int) error {
	total := v.ledger.TotalCollateral(asset)
	if total.Gt(held) {
		return fmt.Errorf("ledger records %s of %s but custody holds %s", total.Dec(), asset.Hex(), held.Dec())
	}
	return nil
}

// ValidateSupply verifies outstanding synthetic supply covers recorded debt.
func (v *InvariantValidator) ValidateSupply(supply *uint256.Int) error {
	if v.ledger.totalDebt.Gt(supply) {
		return fmt.Errorf("recorded debt %s exceeds synthetic supply %s", v.ledger.totalDebt.Dec(), supply.Dec())
	}
	return nil
}
