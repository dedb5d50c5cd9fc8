package ingestion

import (
	"context"
	"errors"
	"strings"

	"CDPLedger/internal/command"
	"CDPLedger/internal/core"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Submitter applies commands; *core.Sequencer.
type Submitter interface {
	Submit(ctx context.Context, cmd command.Command) (*core.Result, error)
}

// Dispatcher routes raw messages: commands to the sequencer, price rounds
// to the feed publishers.
type Dispatcher struct {
	submitter  Submitter
	publishers map[common.Address]oracle.Publisher
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewDispatcher(submitter Submitter, publishers map[common.Address]oracle.Publisher, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		submitter:  submitter,
		publishers: publishers,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run handles messages until the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	switch {
	case strings.HasPrefix(raw.Subject, CommandSubjectPrefix):
		d.handleCommand(ctx, raw)
	case strings.HasPrefix(raw.Subject, PriceSubjectPrefix):
		d.handlePrice(ctx, raw)
	default:
		d.logger.Warn().Str("subject", raw.Subject).Msg("message on unknown subject")
		settle(raw.TermFunc)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, raw RawEvent) {
	cmd, err := ParseCommand(raw.Subject, raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable command")
		settle(raw.TermFunc)
		return
	}

	res, err := d.submitter.Submit(ctx, cmd)
	if err != nil {
		log := d.logger.Warn().Err(err).
			Str("operation", string(cmd.Operation())).
			Str("idempotency_key", cmd.IdempotencyKey()).
			Str("kind", hub.KindOf(err).String())
		if Retryable(err) {
			log.Msg("command deferred")
			settle(raw.NakFunc)
			return
		}
		log.Msg("command rejected")
		settle(raw.AckFunc)
		return
	}

	d.logger.Debug().
		Str("operation", string(cmd.Operation())).
		Str("idempotency_key", cmd.IdempotencyKey()).
		Int64("sequence", res.Sequence).
		Bool("duplicate", res.Duplicate).
		Msg("command applied")
	settle(raw.AckFunc)
}

func (d *Dispatcher) handlePrice(ctx context.Context, raw RawEvent) {
	feed, obs, err := ParsePrice(raw.Subject, raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable price")
		settle(raw.TermFunc)
		return
	}
	pub, ok := d.publishers[feed]
	if !ok {
		d.logger.Warn().Str("feed", feed.Hex()).Msg("price for unconfigured feed")
		settle(raw.TermFunc)
		return
	}
	if err := pub.Publish(ctx, obs); err != nil {
		d.logger.Warn().Err(err).Str("feed", feed.Hex()).Msg("price publish failed")
		settle(raw.NakFunc)
		return
	}
	if d.metrics != nil {
		d.metrics.OracleUpdates.WithLabelValues(feed.Hex()).Inc()
	}
	settle(raw.AckFunc)
}

// Retryable reports whether a rejected command may succeed on redelivery.
// Oracle failures clear once a fresh round arrives; everything else the hub
// rejects is deterministic.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, core.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	switch hub.KindOf(err) {
	case hub.KindOracle, hub.KindConcurrency:
		return true
	}
	return false
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
