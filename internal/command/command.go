// Package command holds the typed requests accepted by the sequencer. Each
// command maps to exactly one hub operation.
package command

import (
	"context"
	"errors"

	"CDPLedger/internal/hub"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrMissingIdempotencyKey = errors.New("command: idempotency key is required")

// OpFund credits collateral tokens to a wallet. It is applied by the
// sequencer against the custody token ledgers, not by the hub.
const OpFund hub.Operation = "fund"

// Command is a mutating request accepted by the sequencer.
type Command interface {
	Operation() hub.Operation
	// IdempotencyKey is the caller-chosen dedup key. Two commands with the same
	// operation and key are applied at most once.
	IdempotencyKey() string
}

// HubCommand is a command executed as one hub transition.
type HubCommand interface {
	Command
	Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error)
}

// Meta carries fields shared by every command.
type Meta struct {
	Key string
}

func (m Meta) IdempotencyKey() string { return m.Key }

type Deposit struct {
	Meta
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (c *Deposit) Operation() hub.Operation { return hub.OpDeposit }

func (c *Deposit) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.DepositCollateral(ctx, c.User, c.Asset, c.Amount)
}

type Mint struct {
	Meta
	User   common.Address
	Amount *uint256.Int
}

func (c *Mint) Operation() hub.Operation { return hub.OpMint }

func (c *Mint) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.Mint(ctx, c.User, c.Amount)
}

type DepositAndMint struct {
	Meta
	User             common.Address
	Asset            common.Address
	AmountCollateral *uint256.Int
	AmountToMint     *uint256.Int
}

func (c *DepositAndMint) Operation() hub.Operation { return hub.OpDepositAndMint }

func (c *DepositAndMint) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.DepositCollateralAndMint(ctx, c.User, c.Asset, c.AmountCollateral, c.AmountToMint)
}

type Redeem struct {
	Meta
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (c *Redeem) Operation() hub.Operation { return hub.OpRedeem }

func (c *Redeem) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.RedeemCollateral(ctx, c.User, c.Asset, c.Amount)
}

type Burn struct {
	Meta
	User   common.Address
	Amount *uint256.Int
}

func (c *Burn) Operation() hub.Operation { return hub.OpBurn }

func (c *Burn) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.Burn(ctx, c.User, c.Amount)
}

type RedeemAndBurn struct {
	Meta
	User             common.Address
	Asset            common.Address
	AmountCollateral *uint256.Int
	AmountToBurn     *uint256.Int
}

func (c *RedeemAndBurn) Operation() hub.Operation { return hub.OpRedeemAndBurn }

func (c *RedeemAndBurn) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.RedeemCollateralForSynthetic(ctx, c.User, c.Asset, c.AmountCollateral, c.AmountToBurn)
}

type Liquidate struct {
	Meta
	Liquidator  common.Address
	Asset       common.Address
	Victim      common.Address
	DebtToCover *uint256.Int
}

func (c *Liquidate) Operation() hub.Operation { return hub.OpLiquidate }

func (c *Liquidate) Apply(ctx context.Context, h *hub.Hub) (*hub.Receipt, error) {
	return h.Liquidate(ctx, c.Liquidator, c.Asset, c.Victim, c.DebtToCover)
}

// Fund credits Amount of Token to Account and approves the hub to pull it.
type Fund struct {
	Meta
	Token   common.Address
	Account common.Address
	Amount  *uint256.Int
}

func (c *Fund) Operation() hub.Operation { return OpFund }
