package core

import (
	"context"
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is everything needed to resume the sequencer without
// replaying from genesis.
type SnapshotState struct {
	// Sequence is the last applied sequence.
	Sequence        int64
	StateHash       [32]byte
	Positions       []ledger.Position
	Tokens          map[common.Address]token.State
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state. Call it on the
// sequencer goroutine, or use Snapshot.
func (s *Sequencer) CreateSnapshotState() *SnapshotState {
	tokens := make(map[common.Address]token.State, len(s.custody)+1)
	for asset, l := range s.custody {
		tokens[asset] = l.State()
	}
	tokens[SyntheticAddress] = s.synthetic.State()

	return &SnapshotState{
		Sequence:        s.LastSequence(),
		StateHash:       s.hasher.GetPrevHash(),
		Positions:       s.hub.Positions(),
		Tokens:          tokens,
		IdempotencyKeys: s.idempotency.lru.Keys(),
	}
}

// Snapshot captures state on the sequencer goroutine.
func (s *Sequencer) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	if err := s.do(ctx, func() { snap = s.CreateSnapshotState() }); err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreFromSnapshot loads snap into an idle sequencer.
func (s *Sequencer) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := s.hub.Restore(snap.Positions); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for addr, st := range snap.Tokens {
		l := s.tokenLedger(addr)
		if l == nil {
			return fmt.Errorf("restore: snapshot holds unknown token %s", addr.Hex())
		}
		if err := l.Restore(st); err != nil {
			return fmt.Errorf("restore token %s: %w", addr.Hex(), err)
		}
	}

	s.setNext(snap.Sequence + 1)
	s.hasher.SetPrevHash(snap.StateHash)
	s.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// Replay applies a persisted envelope's post-state. Envelopes must arrive in
// sequence order starting right after the current tip, and each must chain
// onto the current hash.
func (s *Sequencer) Replay(env *event.EventEnvelope) error {
	if env.Sequence != s.next {
		return fmt.Errorf("replay: expected sequence %d, got %d", s.next, env.Sequence)
	}
	if env.PrevHash != s.hasher.GetPrevHash() {
		return fmt.Errorf("replay: seq %d does not chain onto %x", env.Sequence, s.hasher.GetPrevHash())
	}
	if ChainHash(env.PrevHash, env.Sequence, StateDigest(env.Positions, env.Balances)) != env.StateHash {
		return fmt.Errorf("replay: state hash mismatch at seq %d", env.Sequence)
	}

	for _, p := range env.Positions {
		pos := ledger.Position{User: p.User, Collateral: p.Collateral, Debt: p.Debt}
		if err := s.ledger.Put(pos); err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}
	}
	for _, b := range env.Balances {
		l := s.tokenLedger(b.Token)
		if l == nil {
			return fmt.Errorf("replay seq %d: unknown token %s", env.Sequence, b.Token.Hex())
		}
		if err := l.Reset(b.Account, b.Balance); err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}
	}
	// funding approves the hub; the allowance is not part of the post-state
	for _, e := range env.Events {
		if tc, ok := e.(*event.TokensCredited); ok {
			if err := s.approveHub(tc.Token, tc.Account); err != nil {
				return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
			}
		}
	}

	s.hasher.SetPrevHash(env.StateHash)
	s.setNext(env.Sequence + 1)
	s.idempotency.MarkProcessed(env.Operation, env.IdempotencyKey)
	return nil
}

func (s *Sequencer) approveHub(tok, account common.Address) error {
	l := s.custody[tok]
	if l == nil {
		return fmt.Errorf("unknown token %s", tok.Hex())
	}
	if !l.Allowance(account, s.hub.Address()).IsZero() {
		return nil
	}
	ctx := token.WithCaller(context.Background(), account)
	return l.Approve(ctx, s.hub.Address(), fpmath.Max)
}
