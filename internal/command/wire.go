package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"CDPLedger/internal/hub"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownOperation = errors.New("command: unknown operation")
	ErrInvalidAddress   = errors.New("command: invalid address")
	ErrInvalidAmount    = errors.New("command: invalid amount")
)

// Request is the JSON wire form shared by NATS, gRPC and HTTP. Addresses are
// 0x-prefixed hex; amounts are base-unit decimal strings.
type Request struct {
	IdempotencyKey   string `json:"idempotency_key"`
	User             string `json:"user,omitempty"`
	Asset            string `json:"asset,omitempty"`
	Amount           string `json:"amount,omitempty"`
	AmountCollateral string `json:"amount_collateral,omitempty"`
	AmountToMint     string `json:"amount_to_mint,omitempty"`
	AmountToBurn     string `json:"amount_to_burn,omitempty"`
	Liquidator       string `json:"liquidator,omitempty"`
	Victim           string `json:"victim,omitempty"`
	DebtToCover      string `json:"debt_to_cover,omitempty"`
}

// Decode parses a JSON request for op.
func Decode(op hub.Operation, data []byte) (Command, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", op, err)
	}
	return r.Build(op)
}

// Build converts the wire form into a typed command.
func (r Request) Build(op hub.Operation) (Command, error) {
	if r.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	p := parser{}
	meta := Meta{Key: r.IdempotencyKey}

	var cmd Command
	switch op {
	case hub.OpDeposit:
		cmd = &Deposit{Meta: meta, User: p.addr("user", r.User), Asset: p.addr("asset", r.Asset), Amount: p.amount("amount", r.Amount)}
	case hub.OpMint:
		cmd = &Mint{Meta: meta, User: p.addr("user", r.User), Amount: p.amount("amount", r.Amount)}
	case hub.OpDepositAndMint:
		cmd = &DepositAndMint{
			Meta:             meta,
			User:             p.addr("user", r.User),
			Asset:            p.addr("asset", r.Asset),
			AmountCollateral: p.amount("amount_collateral", r.AmountCollateral),
			AmountToMint:     p.amount("amount_to_mint", r.AmountToMint),
		}
	case hub.OpRedeem:
		cmd = &Redeem{Meta: meta, User: p.addr("user", r.User), Asset: p.addr("asset", r.Asset), Amount: p.amount("amount", r.Amount)}
	case hub.OpBurn:
		cmd = &Burn{Meta: meta, User: p.addr("user", r.User), Amount: p.amount("amount", r.Amount)}
	case hub.OpRedeemAndBurn:
		cmd = &RedeemAndBurn{
			Meta:             meta,
			User:             p.addr("user", r.User),
			Asset:            p.addr("asset", r.Asset),
			AmountCollateral: p.amount("amount_collateral", r.AmountCollateral),
			AmountToBurn:     p.amount("amount_to_burn", r.AmountToBurn),
		}
	case OpFund:
		cmd = &Fund{Meta: meta, Token: p.addr("asset", r.Asset), Account: p.addr("user", r.User), Amount: p.amount("amount", r.Amount)}
	case hub.OpLiquidate:
		cmd = &Liquidate{
			Meta:        meta,
			Liquidator:  p.addr("liquidator", r.Liquidator),
			Asset:       p.addr("asset", r.Asset),
			Victim:      p.addr("victim", r.Victim),
			DebtToCover: p.amount("debt_to_cover", r.DebtToCover),
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	if p.err != nil {
		return nil, fmt.Errorf("parse %s: %w", op, p.err)
	}
	return cmd, nil
}

// ParseOperation validates an operation name.
func ParseOperation(s string) (hub.Operation, error) {
	switch op := hub.Operation(s); op {
	case hub.OpDeposit, hub.OpMint, hub.OpDepositAndMint, hub.OpRedeem,
		hub.OpBurn, hub.OpRedeemAndBurn, hub.OpLiquidate, OpFund:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// parser keeps the first error so Build can stay a flat switch.
type parser struct {
	err error
}

func (p *parser) addr(field, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		p.err = fmt.Errorf("%w: %s=%q", ErrInvalidAddress, field, s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// amount leaves zero values to the hub, which rejects them with ErrZeroAmount.
func (p *parser) amount(field, s string) *uint256.Int {
	if p.err != nil {
		return nil
	}
	if s == "" {
		return new(uint256.Int)
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidAmount, field, s, err)
		return nil
	}
	return v
}
