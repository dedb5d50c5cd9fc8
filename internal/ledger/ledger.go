// Package ledger keeps every user's collateral balance per asset and debt
// balance, with running totals. Positions appear on first touch and are never
// removed.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"CDPLedger/internal/journal"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrOverflow            = errors.New("ledger: balance overflow")
)

type position struct {
	collateral map[common.Address]*uint256.Int
	debt       *uint256.Int
}

// Ledger is owned by a single writer. Mutations made while a checkpoint is
// open are undone by rolling the checkpoint back.
type Ledger struct {
	positions       map[common.Address]*position
	totalCollateral map[common.Address]*uint256.Int
	totalDebt       *uint256.Int
	log             journal.Log
}

func New() *Ledger {
	return &Ledger{
		positions:       make(map[common.Address]*position),
		totalCollateral: make(map[common.Address]*uint256.Int),
		totalDebt:       new(uint256.Int),
	}
}

// Checkpoint opens an undo scope over every subsequent mutation.
func (l *Ledger) Checkpoint() journal.Scope {
	return l.log.Begin()
}

func (l *Ledger) position(user common.Address) *position {
	p, ok := l.positions[user]
	if !ok {
		p = &position{collateral: make(map[common.Address]*uint256.Int), debt: new(uint256.Int)}
		l.positions[user] = p
		l.log.Record(func() { delete(l.positions, user) })
	}
	return p
}

// IncreaseCollateral credits amount of asset to user.
func (l *Ledger) IncreaseCollateral(user, asset common.Address, amount *uint256.Int) error {
	p := l.position(user)
	bal := fpmath.Clone(p.collateral[asset])
	total := fpmath.Clone(l.totalCollateral[asset])

	newBal, err := fpmath.Add(bal, amount)
	if err != nil {
		return fmt.Errorf("%w: collateral of %s in %s", ErrOverflow, user.Hex(), asset.Hex())
	}
	newTotal, err := fpmath.Add(total, amount)
	if err != nil {
		return fmt.Errorf("%w: total collateral in %s", ErrOverflow, asset.Hex())
	}
	l.setCollateral(p, asset, newBal, newTotal)
	return nil
}

// DecreaseCollateral debits amount of asset from user.
func (l *Ledger) DecreaseCollateral(user, asset common.Address, amount *uint256.Int) error {
	p := l.position(user)
	bal := fpmath.Clone(p.collateral[asset])
	total := fpmath.Clone(l.totalCollateral[asset])

	newBal, err := fpmath.Sub(bal, amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, user.Hex(), bal.Dec(), asset.Hex(), amount.Dec())
	}
	newTotal, err := fpmath.Sub(total, amount)
	if err != nil {
		return fmt.Errorf("%w: total collateral in %s", ErrInsufficientBalance, asset.Hex())
	}
	l.setCollateral(p, asset, newBal, newTotal)
	return nil
}

func (l *Ledger) setCollateral(p *position, asset common.Address, newBal, newTotal *uint256.Int) {
	oldBal, hadBal := p.collateral[asset]
	oldTotal, hadTotal := l.totalCollateral[asset]
	p.collateral[asset] = newBal
	l.totalCollateral[asset] = newTotal
	l.log.Record(func() {
		restore(p.collateral, asset, oldBal, hadBal)
		restore(l.totalCollateral, asset, oldTotal, hadTotal)
	})
}

func restore(m map[common.Address]*uint256.Int, k common.Address, v *uint256.Int, existed bool) {
	if existed {
		m[k] = v
	} else {
		delete(m, k)
	}
}

// IncreaseDebt records amount of newly minted synthetic against user.
func (l *Ledger) IncreaseDebt(user common.Address, amount *uint256.Int) error {
	p := l.position(user)
	newDebt, err := fpmath.Add(p.debt, amount)
	if err != nil {
		return fmt.Errorf("%w: debt of %s", ErrOverflow, user.Hex())
	}
	newTotal, err := fpmath.Add(l.totalDebt, amount)
	if err != nil {
		return fmt.Errorf("%w: total debt", ErrOverflow)
	}
	l.setDebt(p, newDebt, newTotal)
	return nil
}

// DecreaseDebt records amount of synthetic repaid on behalf of user.
func (l *Ledger) DecreaseDebt(user common.Address, amount *uint256.Int) error {
	p := l.position(user)
	newDebt, err := fpmath.Sub(p.debt, amount)
	if err != nil {
		return fmt.Errorf("%w: %s owes %s, repaying %s", ErrInsufficientBalance, user.Hex(), p.debt.Dec(), amount.Dec())
	}
	newTotal, err := fpmath.Sub(l.totalDebt, amount)
	if err != nil {
		return fmt.Errorf("%w: total debt", ErrInsufficientBalance)
	}
	l.setDebt(p, newDebt, newTotal)
	return nil
}

func (l *Ledger) setDebt(p *position, newDebt, newTotal *uint256.Int) {
	oldDebt, oldTotal := p.debt, l.totalDebt
	p.debt = newDebt
	l.totalDebt = newTotal
	l.log.Record(func() {
		p.debt = oldDebt
		l.totalDebt = oldTotal
	})
}

// CollateralBalance returns a copy of user's balance of asset.
func (l *Ledger) CollateralBalance(user, asset common.Address) *uint256.Int {
	if p, ok := l.positions[user]; ok {
		return fpmath.Clone(p.collateral[asset])
	}
	return new(uint256.Int)
}

// DebtBalance returns a copy of user's debt.
func (l *Ledger) DebtBalance(user common.Address) *uint256.Int {
	if p, ok := l.positions[user]; ok {
		return fpmath.Clone(p.debt)
	}
	return new(uint256.Int)
}

func (l *Ledger) TotalCollateral(asset common.Address) *uint256.Int {
	return fpmath.Clone(l.totalCollateral[asset])
}

func (l *Ledger) TotalDebt() *uint256.Int {
	return fpmath.Clone(l.totalDebt)
}

// Users returns every user with a position, ascending by address.
func (l *Ledger) Users() []common.Address {
	users := make([]common.Address, 0, len(l.positions))
	for u := range l.positions {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Cmp(users[j]) < 0 })
	return users
}

// Position is a point-in-time copy of one user's balances.
type Position struct {
	User       common.Address
	Collateral map[common.Address]*uint256.Int
	Debt       *uint256.Int
}

// Snapshot copies user's position.
func (l *Ledger) Snapshot(user common.Address) Position {
	out := Position{User: user, Collateral: make(map[common.Address]*uint256.Int), Debt: l.DebtBalance(user)}
	if p, ok := l.positions[user]; ok {
		for asset, bal := range p.collateral {
			out.Collateral[asset] = fpmath.Clone(bal)
		}
	}
	return out
}

// Restore replaces the ledger contents with positions, recomputing totals.
// It is only used when rebuilding state at startup.
func (l *Ledger) Restore(positions []Position) error {
	if l.log.Active() {
		return errors.New("ledger: restore inside a checkpoint")
	}
	fresh := New()
	for _, pos := range positions {
		for asset, bal := range pos.Collateral {
			if err := fresh.IncreaseCollateral(pos.User, asset, bal); err != nil {
				return err
			}
		}
		if pos.Debt != nil {
			if err := fresh.IncreaseDebt(pos.User, pos.Debt); err != nil {
				return err
			}
		}
		fresh.position(pos.User)
	}
	l.positions, l.totalCollateral, l.totalDebt = fresh.positions, fresh.totalCollateral, fresh.totalDebt
	return nil
}

// Put replaces one user's position with pos, adjusting totals. Replay uses
// it to apply recorded post-state.
func (l *Ledger) Put(pos Position) error {
	if l.log.Active() {
		return errors.New("ledger: put inside a checkpoint")
	}
	p := l.position(pos.User)

	totals := make(map[common.Address]*uint256.Int, len(l.totalCollateral))
	for asset, total := range l.totalCollateral {
		totals[asset] = fpmath.Clone(total)
	}
	for asset, bal := range p.collateral {
		totals[asset].Sub(totals[asset], bal)
	}
	collateral := make(map[common.Address]*uint256.Int, len(pos.Collateral))
	for asset, bal := range pos.Collateral {
		t, ok := totals[asset]
		if !ok {
			t = new(uint256.Int)
			totals[asset] = t
		}
		if _, overflow := t.AddOverflow(t, bal); overflow {
			return fmt.Errorf("%w: total %s", ErrOverflow, asset.Hex())
		}
		collateral[asset] = fpmath.Clone(bal)
	}

	debt := fpmath.Clone(pos.Debt)
	totalDebt := new(uint256.Int).Sub(l.totalDebt, p.debt)
	if _, overflow := totalDebt.AddOverflow(totalDebt, debt); overflow {
		return fmt.Errorf("%w: total debt", ErrOverflow)
	}

	p.collateral, p.debt = collateral, debt
	l.totalCollateral, l.totalDebt = totals, totalDebt
	return nil
}
