package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerID is the watermark row owned by the main projection worker.
const WorkerID = "main"

// ProjectionWorker updates projection tables from committed transitions.
// The projection channel is non-blocking with drop; a worker that fell
// behind is brought back with RebuildProjections from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastSeq atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the last sequence projected.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Run starts the projection worker loop. It returns when the input channel
// is closed or ctx is done.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			env := out.Envelope

			start := time.Now()
			if err := Apply(ctx, pw.db, env); err != nil {
				// eventually consistent; RebuildProjections recovers
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDuration.Observe(time.Since(start).Seconds())
			}
			pw.lastSeq.Store(env.Sequence)
		}
	}
}

// Apply projects one envelope in a single database transaction.
func Apply(ctx context.Context, db *sql.DB, env *event.EventEnvelope) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows := Rows(env)
	for _, c := range rows.Collateral {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions (user_address, asset, amount, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_address, asset)
			DO UPDATE SET amount = $3, last_sequence = $4, updated_at = $5
			WHERE projections.positions.last_sequence <= $4
		`, c.User, c.Asset, c.Amount, env.Sequence, env.Timestamp); err != nil {
			return fmt.Errorf("collateral projection: %w", err)
		}
	}
	for _, d := range rows.Debts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.debts (user_address, debt, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_address)
			DO UPDATE SET debt = $2, last_sequence = $3, updated_at = $4
			WHERE projections.debts.last_sequence <= $3
		`, d.User, d.Debt, env.Sequence, env.Timestamp); err != nil {
			return fmt.Errorf("debt projection: %w", err)
		}
	}
	for _, l := range rows.Liquidations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations
				(sequence, liquidator, victim, asset, debt_covered, collateral_seized, bonus,
				 initial_health_factor, ending_health_factor, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, l.Liquidator, l.Victim, l.Asset, l.DebtCovered, l.CollateralSeized, l.Bonus,
			l.InitialHealthFactor, l.EndingHealthFactor, env.Timestamp); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, WorkerID, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// envelopeSource pages through the event log; *persistence.SnapshotManager.
type envelopeSource interface {
	LoadEnvelopesFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error)
}

// RebuildProjections truncates every projection table and re-applies the
// event log from the first transition.
func RebuildProjections(ctx context.Context, db *sql.DB, src envelopeSource, pageSize int, logger zerolog.Logger) (int64, error) {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.debts`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	if pageSize <= 0 {
		pageSize = 1000
	}
	var last int64
	for {
		page, err := src.LoadEnvelopesFrom(ctx, last+1, pageSize)
		if err != nil {
			return last, fmt.Errorf("load transitions from %d: %w", last+1, err)
		}
		for _, env := range page {
			if err := Apply(ctx, db, env); err != nil {
				return last, fmt.Errorf("apply seq %d: %w", env.Sequence, err)
			}
			last = env.Sequence
		}
		if len(page) < pageSize {
			break
		}
	}

	logger.Info().Int64("last_sequence", last).Msg("projection rebuild complete")
	return last, nil
}
