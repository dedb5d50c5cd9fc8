// Package token provides in-process fungible token ledgers: collateral tokens
// with ERC20 transfer and allowance semantics, and the owner-gated synthetic
// token. The acting account is carried in the context.
package token

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"CDPLedger/internal/journal"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoCaller                 = errors.New("token: no caller in context")
	ErrZeroAddress              = errors.New("token: zero address")
	ErrNotOwner                 = errors.New("token: caller is not the owner")
	ErrBurnAmountExceedsBalance = errors.New("token: burn amount exceeds balance")
	ErrCheckpointOpen           = errors.New("token: checkpoint open")
)

type callerKey struct{}

// WithCaller returns ctx acting as caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the acting account carried by ctx.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger is a fungible token. Transfers that fail on balance or allowance
// report false rather than an error, like an ERC20 returning false. It is not
// safe for concurrent use.
type Ledger struct {
	name       string
	symbol     string
	decimals   uint8
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
	log        journal.Log
}

func NewLedger(name, symbol string, decimals uint8) *Ledger {
	return &Ledger{
		name:       name,
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Name() string    { return l.name }
func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

func (l *Ledger) Checkpoint() journal.Scope {
	return l.log.Begin()
}

func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	return fpmath.Clone(l.balances[account])
}

func (l *Ledger) TotalSupply() *uint256.Int {
	return fpmath.Clone(l.supply)
}

func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	return fpmath.Clone(l.allowances[allowanceKey{owner, spender}])
}

// Holders returns every account that ever held a balance, ascending.
func (l *Ledger) Holders() []common.Address {
	out := make([]common.Address, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Approve lets spender move up to amount of the caller's tokens.
func (l *Ledger) Approve(ctx context.Context, spender common.Address, amount *uint256.Int) error {
	owner, ok := CallerFrom(ctx)
	if !ok {
		return ErrNoCaller
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.setAllowance(allowanceKey{owner, spender}, fpmath.Clone(amount))
	return nil
}

// Transfer moves amount from the caller to to.
func (l *Ledger) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	from, ok := CallerFrom(ctx)
	if !ok {
		return false, ErrNoCaller
	}
	return l.move(from, to, amount)
}

// TransferFrom moves amount from from to to, spending the caller's allowance.
func (l *Ledger) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	spender, ok := CallerFrom(ctx)
	if !ok {
		return false, ErrNoCaller
	}
	key := allowanceKey{from, spender}
	allowed := fpmath.Clone(l.allowances[key])
	if allowed.Lt(amount) {
		return false, nil
	}
	if l.BalanceOf(from).Lt(amount) {
		return false, nil
	}
	if !allowed.Eq(fpmath.Max) {
		l.setAllowance(key, new(uint256.Int).Sub(allowed, amount))
	}
	return l.move(from, to, amount)
}

// Credit mints amount to account with no access control. It stands in for a
// faucet or bridge funding users' wallets.
func (l *Ledger) Credit(account common.Address, amount *uint256.Int) error {
	if account == (common.Address{}) {
		return ErrZeroAddress
	}
	supply, err := fpmath.Add(l.supply, amount)
	if err != nil {
		return fmt.Errorf("token %s: %w", l.symbol, err)
	}
	bal, err := fpmath.Add(fpmath.Clone(l.balances[account]), amount)
	if err != nil {
		return fmt.Errorf("token %s: %w", l.symbol, err)
	}
	l.setSupply(supply)
	l.setBalance(account, bal)
	return nil
}

// Debit burns amount from account with no access control.
func (l *Ledger) Debit(account common.Address, amount *uint256.Int) error {
	bal, err := fpmath.Sub(fpmath.Clone(l.balances[account]), amount)
	if err != nil {
		return fmt.Errorf("token %s: %w", l.symbol, ErrBurnAmountExceedsBalance)
	}
	supply, err := fpmath.Sub(l.supply, amount)
	if err != nil {
		return fmt.Errorf("token %s: supply: %w", l.symbol, err)
	}
	l.setBalance(account, bal)
	l.setSupply(supply)
	return nil
}

func (l *Ledger) move(from, to common.Address, amount *uint256.Int) (bool, error) {
	if to == (common.Address{}) {
		return false, ErrZeroAddress
	}
	fromBal := fpmath.Clone(l.balances[from])
	if fromBal.Lt(amount) {
		return false, nil
	}
	if from == to {
		return true, nil
	}
	toBal, err := fpmath.Add(fpmath.Clone(l.balances[to]), amount)
	if err != nil {
		return false, fmt.Errorf("token %s: %w", l.symbol, err)
	}
	l.setBalance(from, new(uint256.Int).Sub(fromBal, amount))
	l.setBalance(to, toBal)
	return true, nil
}

func (l *Ledger) setBalance(account common.Address, v *uint256.Int) {
	old, existed := l.balances[account]
	l.balances[account] = v
	l.log.Record(func() {
		if existed {
			l.balances[account] = old
		} else {
			delete(l.balances, account)
		}
	})
}

func (l *Ledger) setAllowance(key allowanceKey, v *uint256.Int) {
	old, existed := l.allowances[key]
	l.allowances[key] = v
	l.log.Record(func() {
		if existed {
			l.allowances[key] = old
		} else {
			delete(l.allowances, key)
		}
	})
}

func (l *Ledger) setSupply(v *uint256.Int) {
	old := l.supply
	l.supply = v
	l.log.Record(func() { l.supply = old })
}

// Grant is one allowance.
type Grant struct {
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// State is a copy of every balance and allowance. Supply is implied by the
// balances.
type State struct {
	Balances map[common.Address]*uint256.Int
	Grants   []Grant
}

// State copies the ledger contents.
func (l *Ledger) State() State {
	st := State{Balances: make(map[common.Address]*uint256.Int, len(l.balances))}
	for a, v := range l.balances {
		st.Balances[a] = fpmath.Clone(v)
	}
	for k, v := range l.allowances {
		st.Grants = append(st.Grants, Grant{Owner: k.owner, Spender: k.spender, Amount: fpmath.Clone(v)})
	}
	sort.Slice(st.Grants, func(i, j int) bool {
		if c := st.Grants[i].Owner.Cmp(st.Grants[j].Owner); c != 0 {
			return c < 0
		}
		return st.Grants[i].Spender.Cmp(st.Grants[j].Spender) < 0
	})
	return st
}

// Restore replaces the contents with st. It is only valid outside a
// transition.
func (l *Ledger) Restore(st State) error {
	if l.log.Active() {
		return ErrCheckpointOpen
	}
	balances := make(map[common.Address]*uint256.Int, len(st.Balances))
	supply := new(uint256.Int)
	for a, v := range st.Balances {
		if _, overflow := supply.AddOverflow(supply, v); overflow {
			return fmt.Errorf("token %s: restore: %w", l.symbol, fpmath.ErrOverflow)
		}
		balances[a] = fpmath.Clone(v)
	}
	allowances := make(map[allowanceKey]*uint256.Int, len(st.Grants))
	for _, g := range st.Grants {
		allowances[allowanceKey{g.Owner, g.Spender}] = fpmath.Clone(g.Amount)
	}
	l.balances, l.allowances, l.supply = balances, allowances, supply
	return nil
}

// Reset sets account's balance outright, adjusting supply. Replay uses it to
// apply recorded post-state.
func (l *Ledger) Reset(account common.Address, balance *uint256.Int) error {
	if l.log.Active() {
		return ErrCheckpointOpen
	}
	old := fpmath.Clone(l.balances[account])
	supply := new(uint256.Int).Sub(l.supply, old)
	if _, overflow := supply.AddOverflow(supply, balance); overflow {
		return fmt.Errorf("token %s: reset: %w", l.symbol, fpmath.ErrOverflow)
	}
	l.balances[account] = fpmath.Clone(balance)
	l.supply = supply
	return nil
}
