package persistence

import (
	"context"
	"fmt"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"

	"github.com/rs/zerolog"
)

// LogSource is the read side of the event log used by recovery.
type LogSource interface {
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	LoadEnvelopesFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error)
}

// Replayer is the state being recovered; *core.Sequencer before Run.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState) error
	Replay(env *event.EventEnvelope) error
	LastSequence() int64
}

// RecoveryResult summarises a recovery.
type RecoveryResult struct {
	SnapshotSequence int64 // zero on cold start
	Replayed         int
	LastSequence     int64
}

// Recover loads the latest verified snapshot and replays every later
// transition in pages. Any gap or broken hash link aborts recovery.
func Recover(ctx context.Context, src LogSource, dst Replayer, pageSize int, logger zerolog.Logger) (RecoveryResult, error) {
	var res RecoveryResult
	if pageSize <= 0 {
		pageSize = 1000
	}

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := dst.RestoreFromSnapshot(snap); err != nil {
			return res, fmt.Errorf("restore snapshot at %d: %w", snap.Sequence, err)
		}
		res.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		from := dst.LastSequence() + 1
		page, err := src.LoadEnvelopesFrom(ctx, from, pageSize)
		if err != nil {
			return res, fmt.Errorf("load transitions from %d: %w", from, err)
		}
		for _, env := range page {
			if err := dst.Replay(env); err != nil {
				return res, err
			}
			res.Replayed++
		}
		if len(page) < pageSize {
			break
		}
		logger.Debug().Int64("sequence", dst.LastSequence()).Int("replayed", res.Replayed).Msg("replay progress")
	}

	res.LastSequence = dst.LastSequence()
	logger.Info().Int64("last_sequence", res.LastSequence).Int("replayed", res.Replayed).Msg("recovery complete")
	return res, nil
}
