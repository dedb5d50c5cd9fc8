package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionState is a user's position right after a transition.
type PositionState struct {
	User       common.Address
	Collateral map[common.Address]*uint256.Int
	Debt       *uint256.Int
}

// TokenBalance is an account's token balance right after a transition.
type TokenBalance struct {
	Token   common.Address
	Account common.Address
	Balance *uint256.Int
}

// EventEnvelope wraps every committed transition in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	TransitionID uuid.UUID

	// Stable idempotency key from the caller
	IdempotencyKey string

	// Operation that produced the events, e.g. "deposit_and_mint"
	Operation string

	// Injected clock time at commit
	Timestamp time.Time

	Events []Event

	// Positions touched by the transition, post-state
	Positions []PositionState

	// Token balances touched by the transition, post-state
	Balances []TokenBalance

	// SHA-256 of state AFTER applying this transition
	StateHash [32]byte

	// Previous transition's state hash (chain integrity)
	PrevHash [32]byte
}
