// Package event defines the facts a committed state transition emits. Events
// exist only for transitions that committed; a rolled-back transition emits
// nothing.
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeCollateralRedeemed
	EventTypeSyntheticMinted
	EventTypeSyntheticBurned
	EventTypePositionLiquidated
	EventTypeTokensCredited
)

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralRedeemed:
		return "CollateralRedeemed"
	case EventTypeSyntheticMinted:
		return "SyntheticMinted"
	case EventTypeSyntheticBurned:
		return "SyntheticBurned"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeTokensCredited:
		return "TokensCredited"
	default:
		return "Unknown"
	}
}

// Event is implemented by every event payload.
type Event interface {
	EventType() EventType
	// Subject is the user whose position the event describes.
	Subject() common.Address
}

type CollateralDeposited struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (e *CollateralDeposited) EventType() EventType    { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) Subject() common.Address { return e.User }

// CollateralRedeemed is emitted for a redemption (From == To) and for the
// collateral leg of a liquidation (From is the victim, To the liquidator).
type CollateralRedeemed struct {
	From   common.Address
	To     common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (e *CollateralRedeemed) EventType() EventType    { return EventTypeCollateralRedeemed }
func (e *CollateralRedeemed) Subject() common.Address { return e.From }

type SyntheticMinted struct {
	User   common.Address
	Amount *uint256.Int
}

func (e *SyntheticMinted) EventType() EventType    { return EventTypeSyntheticMinted }
func (e *SyntheticMinted) Subject() common.Address { return e.User }

// SyntheticBurned records debt of OnBehalfOf repaid with tokens held by From.
type SyntheticBurned struct {
	OnBehalfOf common.Address
	From       common.Address
	Amount     *uint256.Int
}

func (e *SyntheticBurned) EventType() EventType    { return EventTypeSyntheticBurned }
func (e *SyntheticBurned) Subject() common.Address { return e.OnBehalfOf }

type PositionLiquidated struct {
	Liquidator          common.Address
	Victim              common.Address
	Asset               common.Address
	DebtCovered         *uint256.Int
	CollateralSeized    *uint256.Int
	Bonus               *uint256.Int
	InitialHealthFactor *uint256.Int
	EndingHealthFactor  *uint256.Int
}

func (e *PositionLiquidated) EventType() EventType    { return EventTypePositionLiquidated }
func (e *PositionLiquidated) Subject() common.Address { return e.Victim }

// TokensCredited records collateral tokens credited to a wallet from outside
// the system, with the hub approved to pull them.
type TokensCredited struct {
	Token   common.Address
	Account common.Address
	Amount  *uint256.Int
}

func (e *TokensCredited) EventType() EventType    { return EventTypeTokensCredited }
func (e *TokensCredited) Subject() common.Address { return e.Account }
