package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// snapshotFormatVersion v1: JSON-encoded snapshotJSON.
const snapshotFormatVersion = 1

// SnapshotManager stores snapshots and reads the transition log for
// recovery. A snapshot is trusted only once verified against the log.
type SnapshotManager struct {
	db *sql.DB
}

type snapshotJSON struct {
	Sequence        int64                `json:"sequence"`
	StateHash       string               `json:"state_hash"`
	Positions       []positionJSON       `json:"positions"`
	Tokens          map[string]tokenJSON `json:"tokens"`
	IdempotencyKeys []string             `json:"idempotency_keys"`
	CreatedAt       time.Time            `json:"created_at"`
}

type tokenJSON struct {
	Balances map[string]string `json:"balances"`
	Grants   []grantJSON       `json:"grants"`
}

type grantJSON struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot renders snap in the stored format.
func EncodeSnapshot(snap *core.SnapshotState, createdAt time.Time) ([]byte, error) {
	sj := snapshotJSON{
		Sequence:        snap.Sequence,
		StateHash:       hex.EncodeToString(snap.StateHash[:]),
		Positions:       make([]positionJSON, 0, len(snap.Positions)),
		Tokens:          make(map[string]tokenJSON, len(snap.Tokens)),
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	}
	for _, p := range snap.Positions {
		sj.Positions = append(sj.Positions, encodePosition(p.User, p.Collateral, p.Debt))
	}
	for addr, st := range snap.Tokens {
		tj := tokenJSON{Balances: make(map[string]string, len(st.Balances))}
		for acct, bal := range st.Balances {
			tj.Balances[acct.Hex()] = amountString(bal)
		}
		for _, g := range st.Grants {
			tj.Grants = append(tj.Grants, grantJSON{Owner: g.Owner.Hex(), Spender: g.Spender.Hex(), Amount: amountString(g.Amount)})
		}
		sj.Tokens[addr.Hex()] = tj
	}
	return json.Marshal(sj)
}

// DecodeSnapshot parses data written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var sj snapshotJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	snap := &core.SnapshotState{
		Sequence:        sj.Sequence,
		Tokens:          make(map[common.Address]token.State, len(sj.Tokens)),
		IdempotencyKeys: sj.IdempotencyKeys,
	}
	h, err := hex.DecodeString(sj.StateHash)
	if err != nil {
		return nil, fmt.Errorf("snapshot state_hash: %w", err)
	}
	if err := copyHash(&snap.StateHash, h); err != nil {
		return nil, fmt.Errorf("snapshot state_hash: %w", err)
	}

	for _, pj := range sj.Positions {
		ps, err := decodePosition(pj)
		if err != nil {
			return nil, fmt.Errorf("snapshot position %s: %w", pj.User, err)
		}
		snap.Positions = append(snap.Positions, ledger.Position{User: ps.User, Collateral: ps.Collateral, Debt: ps.Debt})
	}

	for addr, tj := range sj.Tokens {
		st := token.State{Balances: make(map[common.Address]*uint256.Int, len(tj.Balances))}
		for acct, s := range tj.Balances {
			bal, err := fpmath.ParseAmount(s)
			if err != nil {
				return nil, fmt.Errorf("snapshot token %s: %w", addr, err)
			}
			st.Balances[common.HexToAddress(acct)] = bal
		}
		for _, g := range tj.Grants {
			amt, err := fpmath.ParseAmount(g.Amount)
			if err != nil {
				return nil, fmt.Errorf("snapshot token %s grant: %w", addr, err)
			}
			st.Grants = append(st.Grants, token.Grant{Owner: common.HexToAddress(g.Owner), Spender: common.HexToAddress(g.Spender), Amount: amt})
		}
		snap.Tokens[common.HexToAddress(addr)] = st
	}
	return snap, nil
}

// SaveSnapshot persists an unverified snapshot.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) error {
	data, err := EncodeSnapshot(snap, createdAt)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), createdAt)
	return err
}

// VerifySnapshot marks the snapshot at sequence verified if its state hash
// matches the persisted transition at the same sequence. It reports whether
// the snapshot is now verified; false usually means the transition is not
// durable yet.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64) (bool, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.transitions t
		WHERE s.sequence = $1 AND t.sequence = s.sequence AND t.state_hash = s.state_hash
	`, sequence)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// LoadEnvelopesFrom loads up to limit committed transitions starting at
// fromSequence, with their events, in sequence order.
func (sm *SnapshotManager) LoadEnvelopesFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, transition_id, operation, idempotency_key, positions,
		       balances, state_hash, prev_hash, timestamp
		FROM event_log.transitions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	var transitions []TransitionRow
	for rows.Next() {
		var t TransitionRow
		if err := rows.Scan(
			&t.Sequence, &t.TransitionID, &t.Operation, &t.IdempotencyKey, &t.Positions,
			&t.Balances, &t.StateHash, &t.PrevHash, &t.Timestamp,
		); err != nil {
			rows.Close()
			return nil, err
		}
		transitions = append(transitions, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(transitions) == 0 {
		return nil, nil
	}

	events, err := sm.loadEvents(ctx, transitions[0].Sequence, transitions[len(transitions)-1].Sequence)
	if err != nil {
		return nil, err
	}

	out := make([]*event.EventEnvelope, 0, len(transitions))
	for _, t := range transitions {
		env, err := DecodeEnvelope(t, events[t.Sequence])
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (sm *SnapshotManager) loadEvents(ctx context.Context, from, to int64) (map[int64][]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, idx, event_type, subject, payload
		FROM event_log.events
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, idx ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]EventRow)
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.Index, &e.EventType, &e.Subject, &e.Payload); err != nil {
			return nil, err
		}
		out[e.Sequence] = append(out[e.Sequence], e)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the transition log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.transitions
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // empty log
	}
	return seq.Int64, nil
}
