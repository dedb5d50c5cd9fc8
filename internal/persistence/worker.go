package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// batchWriter is the storage side of the worker; *EventLogWriter in
// production.
type batchWriter interface {
	WriteBatch(ctx context.Context, transitions []TransitionRow, events []EventRow) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The sequencer sends on that channel blocking, so if this worker falls
// behind the sequencer stalls and no commit is lost.
type PersistenceWorker struct {
	writer       batchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastPersisted atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return newWorker(NewEventLogWriter(db), inputChan, batchSize, flushTimeout, metrics, logger)
}

func newWorker(w batchWriter, in <-chan core.CoreOutput, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       w,
		inputChan:    in,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// LastPersisted is the highest sequence known to be durable.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns after the input channel is closed and
// drained; cancelling ctx flushes what is buffered and returns.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	transitions := make([]TransitionRow, 0, pw.batchSize)
	events := make([]EventRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(transitions) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, transitions, events); err != nil {
			pw.logger.Error().Err(err).Int("transitions", len(transitions)).Msg("batch flush failed")
		}
		transitions = transitions[:0]
		events = events[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			tr, evs, err := EncodeEnvelope(out.Envelope)
			if err != nil {
				// an envelope the codec cannot encode is a programming error
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				return fmt.Errorf("encode seq %d: %w", out.Envelope.Sequence, err)
			}
			transitions = append(transitions, tr)
			events = append(events, evs...)

			if len(transitions) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops a batch: on shutdown it makes one last attempt
// with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, transitions []TransitionRow, events []EventRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("transitions", len(transitions)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), transitions, events); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, transitions, events)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, transitions []TransitionRow, events []EventRow) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, transitions, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	last := transitions[len(transitions)-1].Sequence
	pw.lastPersisted.Store(last)
	if pw.metrics != nil {
		pw.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(transitions)))
		pw.metrics.PersistTransitionsWritten.Add(float64(len(transitions)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}
	return nil
}
