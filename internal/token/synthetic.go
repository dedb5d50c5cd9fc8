package token

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Synthetic is the debt token. Only the owner may mint or burn, and the owner
// is fixed at construction.
type Synthetic struct {
	*Ledger
	owner common.Address
}

func NewSynthetic(name, symbol string, owner common.Address) *Synthetic {
	return &Synthetic{Ledger: NewLedger(name, symbol, 18), owner: owner}
}

func (s *Synthetic) Owner() common.Address { return s.owner }

func (s *Synthetic) authorize(ctx context.Context) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return ErrNoCaller
	}
	if caller != s.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

// Mint creates amount for to. A zero amount does nothing.
func (s *Synthetic) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := s.authorize(ctx); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return nil
	}
	return s.Credit(to, amount)
}

// Burn destroys amount held by from. A zero amount does nothing.
func (s *Synthetic) Burn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if err := s.authorize(ctx); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	return s.Debit(from, amount)
}
