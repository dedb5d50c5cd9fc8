package persistence

import (
	"context"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// SnapshotSource captures state; *core.Sequencer while Run is active.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*core.SnapshotState, error)
	LastSequence() int64
}

type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) error
	VerifySnapshot(ctx context.Context, sequence int64) (bool, error)
}

// Snapshotter takes a snapshot every Interval transitions. A saved snapshot
// stays unverified until its sequence is durable in the log; verification is
// retried on every tick.
type Snapshotter struct {
	store    snapshotStore
	interval int64
	tick     time.Duration
	clock    func() time.Time
	metrics  *observability.Metrics
	logger   zerolog.Logger

	pending []int64
}

func NewSnapshotter(store *SnapshotManager, interval int64, tick time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return newSnapshotter(store, interval, tick, metrics, logger)
}

func newSnapshotter(store snapshotStore, interval int64, tick time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Snapshotter{
		store:    store,
		interval: interval,
		tick:     tick,
		clock:    time.Now,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run checks on every tick whether Interval transitions have passed since
// the last snapshot.
func (s *Snapshotter) Run(ctx context.Context, src SnapshotSource) error {
	last := src.LastSequence()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.verifyPending(ctx)
			if src.LastSequence()-last < s.interval {
				continue
			}
			snap, err := src.Snapshot(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot capture failed")
				continue
			}
			if err := s.Save(ctx, snap); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = snap.Sequence
		}
	}
}

// Save writes snap and tries to verify it straight away.
func (s *Snapshotter) Save(ctx context.Context, snap *core.SnapshotState) error {
	if snap.Sequence == 0 {
		return nil
	}
	start := time.Now()
	if err := s.store.SaveSnapshot(ctx, snap, s.clock()); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("positions", len(snap.Positions)).Msg("snapshot saved")

	s.pending = append(s.pending, snap.Sequence)
	s.verifyPending(ctx)
	return nil
}

// Pending lists saved snapshots that are not verified yet.
func (s *Snapshotter) Pending() []int64 {
	return append([]int64(nil), s.pending...)
}

func (s *Snapshotter) verifyPending(ctx context.Context) {
	kept := s.pending[:0]
	for _, seq := range s.pending {
		ok, err := s.store.VerifySnapshot(ctx, seq)
		if err != nil {
			s.logger.Warn().Err(err).Int64("sequence", seq).Msg("snapshot verification failed")
		}
		if ok {
			s.logger.Info().Int64("sequence", seq).Msg("snapshot verified")
			continue
		}
		kept = append(kept, seq)
	}
	s.pending = kept
}
