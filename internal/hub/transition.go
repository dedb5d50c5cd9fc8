package hub

import (
	"context"

	"CDPLedger/internal/event"
	"CDPLedger/internal/journal"
	"CDPLedger/internal/liquidation"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Operation names a mutating hub operation.
type Operation string

const (
	OpDeposit        Operation = "deposit"
	OpMint           Operation = "mint"
	OpDepositAndMint Operation = "deposit_and_mint"
	OpRedeem         Operation = "redeem"
	OpBurn           Operation = "burn"
	OpRedeemAndBurn  Operation = "redeem_and_burn"
	OpLiquidate      Operation = "liquidate"
)

// Receipt describes a committed transition.
type Receipt struct {
	TransitionID uuid.UUID
	Operation    Operation
	Events       []event.Event
	// Positions touched, post-state, in first-touch order.
	Positions []event.PositionState
	// HealthFactor of the acting user after the post-condition.
	HealthFactor *uint256.Int
	// Liquidation is set for OpLiquidate.
	Liquidation *LiquidationOutcome
}

type LiquidationOutcome struct {
	Plan               liquidation.Plan
	EndingHealthFactor *uint256.Int
}

type transition struct {
	id      uuid.UUID
	op      Operation
	scope   journal.Group
	events  []event.Event
	touched []common.Address
	receipt Receipt
}

func (tx *transition) emit(e event.Event) {
	tx.events = append(tx.events, e)
}

func (tx *transition) touch(users ...common.Address) {
	for _, u := range users {
		found := false
		for _, t := range tx.touched {
			if t == u {
				found = true
				break
			}
		}
		if !found {
			tx.touched = append(tx.touched, u)
		}
	}
}

// run executes fn as one transition. Rollback happens on error and on panic;
// the guard is released on every path.
func (h *Hub) run(ctx context.Context, op Operation, fn func(ctx context.Context, tx *transition) error) (*Receipt, error) {
	release, err := h.guard.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	tx := &transition{id: uuid.New(), op: op}
	tx.scope = append(tx.scope, h.ledger.Checkpoint())
	for _, c := range h.collaborators() {
		tx.scope = append(tx.scope, c.Checkpoint())
	}

	committed := false
	defer func() {
		if !committed {
			tx.scope.Rollback()
		}
	}()

	// collaborators see the hub as the caller
	if err := fn(token.WithCaller(ctx, h.address), tx); err != nil {
		h.logger.Warn().
			Err(err).
			Str("op", string(op)).
			Str("transition_id", tx.id.String()).
			Str("kind", KindOf(err).String()).
			Msg("transition rolled back")
		return nil, err
	}

	tx.scope.Commit()
	committed = true

	receipt := tx.receipt
	receipt.TransitionID = tx.id
	receipt.Operation = op
	receipt.Events = tx.events
	for _, u := range tx.touched {
		receipt.Positions = append(receipt.Positions, h.positionState(u))
	}
	h.logCommitted(&receipt)
	return &receipt, nil
}

func (h *Hub) positionState(user common.Address) event.PositionState {
	snap := h.ledger.Snapshot(user)
	return event.PositionState{User: user, Collateral: snap.Collateral, Debt: snap.Debt}
}

func (h *Hub) logCommitted(r *Receipt) {
	for _, e := range r.Events {
		rec := event.ToRecord(e)
		h.logger.Info().
			Str("event", rec.Type).
			Str("transition_id", r.TransitionID.String()).
			Str("user", e.Subject().Hex()).
			Str("asset", rec.Asset).
			Str("amount", rec.Amount).
			Msg("event committed")
	}
	if r.HealthFactor != nil {
		h.logger.Debug().
			Str("op", string(r.Operation)).
			Str("health_factor", fpmath.Format(r.HealthFactor)).
			Msg("post-condition passed")
	}
}
