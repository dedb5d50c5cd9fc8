// Package hub is the single entry point for changing positions. Every
// mutating operation runs as one transition: checks, ledger effects, buffered
// events, collaborator interactions, then a health factor post-condition. Any
// failure rolls the whole transition back.
package hub

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/journal"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/registry"
	"CDPLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// AssetTransfer moves a collateral asset. Transfer spends the caller's
// balance; the hub is always the caller. A false result is a failed transfer.
type AssetTransfer interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error)
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error)
}

// SyntheticToken mints and burns the debt token. The hub must be its owner.
type SyntheticToken interface {
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, from common.Address, amount *uint256.Int) error
}

type Config struct {
	// Address is the hub's own account: collateral custody and the caller
	// identity presented to collaborators.
	Address common.Address

	// Assets and PriceFeeds are parallel lists building the registry.
	Assets     []common.Address
	PriceFeeds []common.Address

	Feeds     solvency.FeedLookup
	Tokens    map[common.Address]AssetTransfer
	Synthetic SyntheticToken

	// Validator defaults to a one hour max age on Clock.
	Validator *oracle.Validator
	Clock     func() time.Time

	// Ledger defaults to an empty ledger.
	Ledger *ledger.Ledger
	Logger zerolog.Logger
}

// Hub is not safe for concurrent use. Callers serialize access; the guard only
// rejects nested mutations.
type Hub struct {
	address    common.Address
	registry   *registry.Registry
	ledger     *ledger.Ledger
	solvency   *solvency.Engine
	liquidator *liquidation.Engine
	tokens     map[common.Address]AssetTransfer
	synthetic  SyntheticToken
	validator  *oracle.Validator
	clock      func() time.Time
	guard      guard
	logger     zerolog.Logger
}

func New(cfg Config) (*Hub, error) {
	reg, err := registry.New(cfg.Assets, cfg.PriceFeeds)
	if err != nil {
		return nil, err
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: hub address", ErrZeroAddress)
	}
	if cfg.Synthetic == nil {
		return nil, fmt.Errorf("%w: synthetic token", ErrZeroAddress)
	}
	if cfg.Feeds == nil {
		return nil, fmt.Errorf("hub: no price feeds")
	}
	for _, asset := range reg.Assets() {
		if cfg.Tokens[asset] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingToken, asset.Hex())
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	validator := cfg.Validator
	if validator == nil {
		validator = oracle.NewValidator(oracle.DefaultMaxAge, clock)
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.New()
	}

	solv := solvency.NewEngine(reg, cfg.Feeds, validator, l)
	tokens := make(map[common.Address]AssetTransfer, len(cfg.Tokens))
	for k, v := range cfg.Tokens {
		tokens[k] = v
	}

	return &Hub{
		address:    cfg.Address,
		registry:   reg,
		ledger:     l,
		solvency:   solv,
		liquidator: liquidation.NewEngine(solv, l),
		tokens:     tokens,
		synthetic:  cfg.Synthetic,
		validator:  validator,
		clock:      clock,
		logger:     cfg.Logger,
	}, nil
}

func (h *Hub) Address() common.Address { return h.address }

func (h *Hub) Registry() *registry.Registry { return h.registry }

// Ledger exposes the position ledger for invariant checks and replay. Callers
// must not mutate it while a transition is running.
func (h *Hub) Ledger() *ledger.Ledger { return h.ledger }

// Positions copies every known position, ascending by user.
func (h *Hub) Positions() []ledger.Position {
	users := h.ledger.Users()
	out := make([]ledger.Position, len(users))
	for i, u := range users {
		out[i] = h.ledger.Snapshot(u)
	}
	return out
}

// Restore loads positions into an idle hub.
func (h *Hub) Restore(positions []ledger.Position) error {
	if h.guard.held() {
		return ErrReentrantCall
	}
	return h.ledger.Restore(positions)
}

// collaborators returns every collaborator that can take part in rollback,
// in registry order followed by the synthetic token.
func (h *Hub) collaborators() []journal.Checkpointer {
	var out []journal.Checkpointer
	seen := make(map[any]bool)
	add := func(c any) {
		cp, ok := c.(journal.Checkpointer)
		if !ok || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, cp)
	}
	for _, asset := range h.registry.Assets() {
		add(h.tokens[asset])
	}
	add(h.synthetic)
	return out
}
