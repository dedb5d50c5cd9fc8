package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TransitionRow represents a row in event_log.transitions
type TransitionRow struct {
	Sequence       int64
	TransitionID   uuid.UUID
	Operation      string
	IdempotencyKey string
	Positions      []byte // JSON-encoded []positionJSON
	Balances       []byte // JSON-encoded []balanceJSON
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	Index     int
	EventType string
	Subject   string
	Payload   []byte // event.MarshalEvent output
}

// positionJSON keeps every collateral key, zero balances included, so a
// decoded position hashes exactly like the one that was committed.
type positionJSON struct {
	User       string            `json:"user"`
	Collateral map[string]string `json:"collateral"`
	Debt       string            `json:"debt"`
}

type balanceJSON struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// EncodeEnvelope flattens a committed transition into its rows.
func EncodeEnvelope(env *event.EventEnvelope) (TransitionRow, []EventRow, error) {
	positions := make([]positionJSON, 0, len(env.Positions))
	for _, p := range env.Positions {
		positions = append(positions, encodePosition(p.User, p.Collateral, p.Debt))
	}
	balances := make([]balanceJSON, 0, len(env.Balances))
	for _, b := range env.Balances {
		balances = append(balances, balanceJSON{
			Token:   b.Token.Hex(),
			Account: b.Account.Hex(),
			Balance: amountString(b.Balance),
		})
	}

	posData, err := json.Marshal(positions)
	if err != nil {
		return TransitionRow{}, nil, fmt.Errorf("marshal positions: %w", err)
	}
	balData, err := json.Marshal(balances)
	if err != nil {
		return TransitionRow{}, nil, fmt.Errorf("marshal balances: %w", err)
	}

	tr := TransitionRow{
		Sequence:       env.Sequence,
		TransitionID:   env.TransitionID,
		Operation:      env.Operation,
		IdempotencyKey: env.IdempotencyKey,
		Positions:      posData,
		Balances:       balData,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}

	events := make([]EventRow, 0, len(env.Events))
	for i, e := range env.Events {
		payload, err := event.MarshalEvent(e)
		if err != nil {
			return TransitionRow{}, nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, EventRow{
			Sequence:  env.Sequence,
			Index:     i,
			EventType: e.EventType().String(),
			Subject:   e.Subject().Hex(),
			Payload:   payload,
		})
	}
	return tr, events, nil
}

// DecodeEnvelope rebuilds an envelope from a transition row and its events,
// which must be ordered by index.
func DecodeEnvelope(tr TransitionRow, events []EventRow) (*event.EventEnvelope, error) {
	env := &event.EventEnvelope{
		Sequence:       tr.Sequence,
		TransitionID:   tr.TransitionID,
		IdempotencyKey: tr.IdempotencyKey,
		Operation:      tr.Operation,
		Timestamp:      tr.Timestamp.UTC(),
	}
	if err := copyHash(&env.StateHash, tr.StateHash); err != nil {
		return nil, fmt.Errorf("seq %d state_hash: %w", tr.Sequence, err)
	}
	if err := copyHash(&env.PrevHash, tr.PrevHash); err != nil {
		return nil, fmt.Errorf("seq %d prev_hash: %w", tr.Sequence, err)
	}

	var positions []positionJSON
	if err := json.Unmarshal(tr.Positions, &positions); err != nil {
		return nil, fmt.Errorf("seq %d positions: %w", tr.Sequence, err)
	}
	for _, pj := range positions {
		ps, err := decodePosition(pj)
		if err != nil {
			return nil, fmt.Errorf("seq %d position %s: %w", tr.Sequence, pj.User, err)
		}
		env.Positions = append(env.Positions, ps)
	}

	var balances []balanceJSON
	if err := json.Unmarshal(tr.Balances, &balances); err != nil {
		return nil, fmt.Errorf("seq %d balances: %w", tr.Sequence, err)
	}
	for _, bj := range balances {
		bal, err := fpmath.ParseAmount(bj.Balance)
		if err != nil {
			return nil, fmt.Errorf("seq %d balance: %w", tr.Sequence, err)
		}
		env.Balances = append(env.Balances, event.TokenBalance{
			Token:   common.HexToAddress(bj.Token),
			Account: common.HexToAddress(bj.Account),
			Balance: bal,
		})
	}

	for _, er := range events {
		e, err := event.UnmarshalEvent(er.Payload)
		if err != nil {
			return nil, fmt.Errorf("seq %d event %d: %w", tr.Sequence, er.Index, err)
		}
		env.Events = append(env.Events, e)
	}
	return env, nil
}

func encodePosition(user common.Address, collateral map[common.Address]*uint256.Int, debt *uint256.Int) positionJSON {
	pj := positionJSON{
		User:       user.Hex(),
		Collateral: make(map[string]string, len(collateral)),
		Debt:       amountString(debt),
	}
	for asset, amt := range collateral {
		pj.Collateral[asset.Hex()] = amountString(amt)
	}
	return pj
}

func decodePosition(pj positionJSON) (event.PositionState, error) {
	ps := event.PositionState{
		User:       common.HexToAddress(pj.User),
		Collateral: make(map[common.Address]*uint256.Int, len(pj.Collateral)),
	}
	var err error
	if ps.Debt, err = fpmath.ParseAmount(pj.Debt); err != nil {
		return ps, fmt.Errorf("debt: %w", err)
	}
	for asset, s := range pj.Collateral {
		amt, err := fpmath.ParseAmount(s)
		if err != nil {
			return ps, fmt.Errorf("collateral: %w", err)
		}
		ps.Collateral[common.HexToAddress(asset)] = amt
	}
	return ps, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func copyHash(dst *[32]byte, src []byte) error {
	if len(src) != 32 {
		return fmt.Errorf("want 32 bytes, got %d", len(src))
	}
	copy(dst[:], src)
	return nil
}
