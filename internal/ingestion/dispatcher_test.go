package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"CDPLedger/internal/command"
	"CDPLedger/internal/core"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/solvency"
	"CDPLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	err  error
	cmds []command.Command
}

func (s *stubSubmitter) Submit(_ context.Context, cmd command.Command) (*core.Result, error) {
	s.cmds = append(s.cmds, cmd)
	if s.err != nil {
		return nil, s.err
	}
	return &core.Result{Sequence: int64(len(s.cmds))}, nil
}

type stubPublisher struct {
	err error
	obs []oracle.Observation
}

func (p *stubPublisher) Publish(_ context.Context, obs oracle.Observation) error {
	if p.err != nil {
		return p.err
	}
	p.obs = append(p.obs, obs)
	return nil
}

// settlement records which ack function ran.
type settlement struct{ acks, naks, terms int }

func (s *settlement) raw(subject, data string) RawEvent {
	return RawEvent{
		Subject:  subject,
		Data:     []byte(data),
		AckFunc:  func() { s.acks++ },
		NakFunc:  func() { s.naks++ },
		TermFunc: func() { s.terms++ },
	}
}

func mintBody(key string) string {
	return fmt.Sprintf(`{"idempotency_key":%q,"user":%q,"amount":"100"}`, key, testutil.Alice.Hex())
}

func TestDispatcher_CommandAckPolicy(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantAck int
		wantNak int
	}{
		{"applied", nil, 1, 0},
		{"solvency rejection is final", fmt.Errorf("mint: %w", solvency.ErrHealthFactorTooLow), 1, 0},
		{"validation rejection is final", liquidation.ErrZeroAmount, 1, 0},
		{"stale price is retried", fmt.Errorf("price: %w", oracle.ErrStalePrice), 0, 1},
		{"stopped sequencer is retried", core.ErrStopped, 0, 1},
		{"timeout is retried", context.DeadlineExceeded, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &stubSubmitter{err: tt.err}
			d := NewDispatcher(sub, nil, nil, zerolog.Nop())
			var s settlement

			d.Handle(context.Background(), s.raw(CommandSubject("mint"), mintBody("k1")))

			require.Len(t, sub.cmds, 1)
			assert.Equal(t, "k1", sub.cmds[0].IdempotencyKey())
			assert.Equal(t, tt.wantAck, s.acks)
			assert.Equal(t, tt.wantNak, s.naks)
			assert.Zero(t, s.terms)
		})
	}
}

func TestDispatcher_UndecodableIsTerminated(t *testing.T) {
	sub := &stubSubmitter{}
	d := NewDispatcher(sub, nil, nil, zerolog.Nop())
	var s settlement

	d.Handle(context.Background(), s.raw(CommandSubject("mint"), `{"user":"nope"}`))
	d.Handle(context.Background(), s.raw(CommandSubject("teleport"), mintBody("k")))
	d.Handle(context.Background(), s.raw("other.subject", `{}`))

	assert.Empty(t, sub.cmds)
	assert.Equal(t, 3, s.terms)
	assert.Zero(t, s.acks+s.naks)
}

func TestDispatcher_Price(t *testing.T) {
	pub := &stubPublisher{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(&stubSubmitter{}, map[common.Address]oracle.Publisher{testutil.ETHFeed: pub}, metrics, zerolog.Nop())
	var s settlement

	d.Handle(context.Background(), s.raw(PriceSubject(testutil.ETHFeed), `{"round_id":2,"answer":"390000000000","updated_at":100}`))

	require.Len(t, pub.obs, 1)
	assert.Equal(t, uint64(2), pub.obs[0].RoundID)
	assert.Equal(t, 1, s.acks)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.OracleUpdates.WithLabelValues(testutil.ETHFeed.Hex())))
}

func TestDispatcher_PriceFailures(t *testing.T) {
	failing := &stubPublisher{err: errors.New("redis down")}
	d := NewDispatcher(&stubSubmitter{}, map[common.Address]oracle.Publisher{testutil.ETHFeed: failing}, nil, zerolog.Nop())
	var s settlement

	d.Handle(context.Background(), s.raw(PriceSubject(testutil.ETHFeed), `{"round_id":2,"answer":"1","updated_at":100}`))
	assert.Equal(t, 1, s.naks, "publish failure is retried")

	d.Handle(context.Background(), s.raw(PriceSubject(testutil.BTCFeed), `{"round_id":2,"answer":"1","updated_at":100}`))
	assert.Equal(t, 1, s.terms, "unconfigured feed is dropped")
}

func TestDispatcher_RunDrainsUntilClosed(t *testing.T) {
	sub := &stubSubmitter{}
	d := NewDispatcher(sub, nil, nil, zerolog.Nop())
	var s settlement

	in := make(chan RawEvent, 3)
	for i := range 3 {
		in <- s.raw(CommandSubject("mint"), mintBody(fmt.Sprintf("k%d", i)))
	}
	close(in)

	require.NoError(t, d.Run(context.Background(), in))
	assert.Len(t, sub.cmds, 3)
	assert.Equal(t, 3, s.acks)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(context.Canceled))
	assert.True(t, Retryable(oracle.ErrNoObservation))
	assert.False(t, Retryable(errors.New("boom")))
	assert.False(t, Retryable(command.ErrInvalidAmount))
}
