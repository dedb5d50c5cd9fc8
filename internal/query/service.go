package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to projection tables and the
// event log. Responses carry as_of_sequence, the projection watermark.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns a user's projected position. Zero balances are
// omitted.
func (qs *QueryService) GetPosition(ctx context.Context, user common.Address) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PositionResponse{User: user.Hex(), Debt: rawAmount("0"), AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, amount::TEXT
		FROM projections.positions
		WHERE user_address = $1 AND amount > 0
		ORDER BY asset
	`, user.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		resp.Collateral = append(resp.Collateral, CollateralBalance{Asset: asset, Amount: rawAmount(amount)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var debt string
	err = qs.db.QueryRowContext(ctx, `
		SELECT debt::TEXT FROM projections.debts WHERE user_address = $1
	`, user.Hex()).Scan(&debt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		resp.Debt = rawAmount(debt)
	}
	return resp, nil
}

// GetLiquidations returns liquidations of victim, newest first. With
// beforeSequence set, only older ones are returned (cursor pagination).
func (qs *QueryService) GetLiquidations(ctx context.Context, victim common.Address, limit int, beforeSequence *int64) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, liquidator, victim, asset, debt_covered::TEXT, collateral_seized::TEXT,
		       bonus::TEXT, initial_health_factor::TEXT, ending_health_factor::TEXT, timestamp
		FROM projections.liquidations
		WHERE victim = $1
	`
	args := []any{victim.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var (
			r                                        LiquidationResponse
			covered, seized, bonus, initial, ending string
		)
		if err := rows.Scan(
			&r.Sequence, &r.Liquidator, &r.Victim, &r.Asset, &covered, &seized,
			&bonus, &initial, &ending, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.DebtCovered, r.CollateralSeized, r.Bonus = rawAmount(covered), rawAmount(seized), rawAmount(bonus)
		r.InitialHealthFactor, r.EndingHealthFactor = rawAmount(initial), rawAmount(ending)
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetHistory returns logged events whose subject is user, newest first.
func (qs *QueryService) GetHistory(ctx context.Context, user common.Address, limit int, beforeSequence *int64) ([]HistoryEntry, error) {
	query := `
		SELECT e.sequence, e.idx, t.operation, e.event_type, e.payload, t.timestamp
		FROM event_log.events e
		JOIN event_log.transitions t ON t.sequence = e.sequence
		WHERE e.subject = $1
	`
	args := []any{user.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND e.sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY e.sequence DESC, e.idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e       HistoryEntry
			payload []byte
		)
		if err := rows.Scan(&e.Sequence, &e.Index, &e.Operation, &e.EventType, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("seq %d payload: %w", e.Sequence, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks sequence continuity and hash chain links in the
// transition log, and reports how far projections have caught up.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.transitions
	`).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	var err error
	report.SequenceGaps, err = qs.sequences(ctx, `
		SELECT t.sequence
		FROM event_log.transitions t
		LEFT JOIN event_log.transitions p ON p.sequence = t.sequence - 1
		WHERE t.sequence > 1 AND p.sequence IS NULL
		ORDER BY t.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}

	report.HashChainBreaks, err = qs.sequences(ctx, `
		SELECT t.sequence
		FROM event_log.transitions t
		JOIN event_log.transitions p ON p.sequence = t.sequence - 1
		WHERE t.prev_hash != p.state_hash
		ORDER BY t.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}

	if report.ProjectedThrough, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 && len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// rawAmount renders a NUMERIC read back as text. Values outside 256 bits
// cannot come from the ledger; they keep their raw form only.
func rawAmount(s string) Amount {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return Amount{Raw: s}
	}
	return NewAmount(v)
}
