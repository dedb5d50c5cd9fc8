// Package core runs the hub behind a single goroutine. Every command is
// deduplicated, applied as one hub transition, sequenced, hash-chained and
// handed to persistence and projections.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"CDPLedger/internal/command"
	"CDPLedger/internal/event"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/registry"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrStopped        = errors.New("core: sequencer stopped")
	ErrUnknownCommand = errors.New("core: unsupported command")
)

// CoreOutput is one committed transition.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Receipt  *hub.Receipt
}

// Result is returned for every accepted command.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Receipt   *hub.Receipt
	// Duplicate is set when the command was already applied; nothing ran.
	Duplicate bool
}

type Config struct {
	Hub *hub.Hub
	// Custody holds the collateral token ledgers by asset.
	Custody   map[common.Address]*token.Ledger
	Synthetic *token.Synthetic

	// StartSequence is the first sequence to assign. Zero means 1.
	StartSequence int64
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput

	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Sequencer owns the hub. Process and the snapshot methods are for the
// owning goroutine; Submit and Read are safe from anywhere while Run is
// active.
type Sequencer struct {
	hub       *hub.Hub
	ledger    *ledger.Ledger
	validator *ledger.InvariantValidator
	custody   map[common.Address]*token.Ledger
	synthetic *token.Synthetic

	next        int64
	// last mirrors next-1 for readers off the owning goroutine.
	last        atomic.Int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	clock   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger

	requests chan func()
	done     chan struct{}
}

func NewSequencer(cfg Config) (*Sequencer, error) {
	if cfg.Hub == nil || cfg.Synthetic == nil {
		return nil, errors.New("core: hub and synthetic are required")
	}
	for _, asset := range cfg.Hub.CollateralAssets() {
		if cfg.Custody[asset] == nil {
			return nil, fmt.Errorf("core: no custody ledger for %s", asset.Hex())
		}
	}
	next := cfg.StartSequence
	if next <= 0 {
		next = 1
	}
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Sequencer{
		hub:            cfg.Hub,
		ledger:         cfg.Hub.Ledger(),
		validator:      ledger.NewInvariantValidator(cfg.Hub.Ledger()),
		custody:        cfg.Custody,
		synthetic:      cfg.Synthetic,
		next:           next,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		clock:          clock,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		requests:       make(chan func()),
		done:           make(chan struct{}),
	}
	s.last.Store(next - 1)
	return s, nil
}

// Run serves Submit and Read until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info().Int64("next_sequence", s.next).Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("last_sequence", s.LastSequence()).Msg("sequencer stopped")
			return nil
		case fn := <-s.requests:
			fn()
		}
	}
}

// do runs fn on the sequencer goroutine and waits for it.
func (s *Sequencer) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.requests <- func() { defer close(finished); fn() }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Submit applies cmd on the sequencer goroutine.
func (s *Sequencer) Submit(ctx context.Context, cmd command.Command) (*Result, error) {
	var (
		res *Result
		err error
	)
	if doErr := s.do(ctx, func() { res, err = s.Process(ctx, cmd) }); doErr != nil {
		return nil, doErr
	}
	return res, err
}

// Read runs fn against the hub on the sequencer goroutine. fn must not keep
// the hub past its return.
func (s *Sequencer) Read(ctx context.Context, fn func(h *hub.Hub) error) error {
	var err error
	if doErr := s.do(ctx, func() { err = fn(s.hub) }); doErr != nil {
		return doErr
	}
	return err
}

// Process is the main processing pipeline.
func (s *Sequencer) Process(ctx context.Context, cmd command.Command) (*Result, error) {
	start := time.Now()
	op := string(cmd.Operation())
	key := cmd.IdempotencyKey()
	if key == "" {
		return nil, command.ErrMissingIdempotencyKey
	}

	// Step 1: idempotency check (two-tier)
	if s.idempotency.IsDuplicate(ctx, op, key) {
		if s.metrics != nil {
			s.metrics.TransitionsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		return &Result{Sequence: s.LastSequence(), StateHash: s.hasher.GetPrevHash(), Duplicate: true}, nil
	}

	// Step 2: apply as one transition
	receipt, err := s.apply(ctx, cmd)
	if err != nil {
		s.recordRejection(op, err)
		return nil, err
	}

	// Step 3: sequence, post-state, hash chain
	seq := s.next
	balances := s.touchedBalances(receipt.Events)

	hashStart := time.Now()
	prevHash := s.hasher.GetPrevHash()
	stateHash := s.hasher.ComputeHash(seq, StateDigest(receipt.Positions, balances))
	if s.metrics != nil {
		s.metrics.StateHashDuration.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		TransitionID:   receipt.TransitionID,
		IdempotencyKey: key,
		Operation:      op,
		Timestamp:      s.clock().UTC(),
		Events:         receipt.Events,
		Positions:      receipt.Positions,
		Balances:       balances,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	s.setNext(s.next + 1)

	// Step 4: post-check invariants. A violation here means in-memory state
	// is corrupt; stop rather than persist it.
	if err := s.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violation after seq %d (%s): %v", seq, op, err))
	}

	// Step 5: fan out
	s.emit(CoreOutput{Envelope: envelope, Receipt: receipt})

	// Step 6: mark as processed
	s.idempotency.MarkProcessed(op, key)

	s.recordApplied(op, receipt, start)
	return &Result{Sequence: seq, StateHash: stateHash, Receipt: receipt}, nil
}

func (s *Sequencer) apply(ctx context.Context, cmd command.Command) (*hub.Receipt, error) {
	switch c := cmd.(type) {
	case command.HubCommand:
		return c.Apply(ctx, s.hub)
	case *command.Fund:
		return s.fund(ctx, c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// fund credits a wallet and approves the hub to pull the tokens, as one
// all-or-nothing step.
func (s *Sequencer) fund(ctx context.Context, c *command.Fund) (*hub.Receipt, error) {
	tok, ok := s.custody[c.Token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotAllowedToken, c.Token.Hex())
	}
	if c.Account == (common.Address{}) {
		return nil, fmt.Errorf("%w: account", hub.ErrZeroAddress)
	}
	if c.Amount == nil || c.Amount.IsZero() {
		return nil, hub.ErrZeroAmount
	}

	cp := tok.Checkpoint()
	if err := tok.Credit(c.Account, c.Amount); err != nil {
		cp.Rollback()
		return nil, err
	}
	if tok.Allowance(c.Account, s.hub.Address()).IsZero() {
		if err := tok.Approve(token.WithCaller(ctx, c.Account), s.hub.Address(), fpmath.Max); err != nil {
			cp.Rollback()
			return nil, err
		}
	}
	cp.Commit()

	return &hub.Receipt{
		TransitionID: uuid.New(),
		Operation:    command.OpFund,
		Events: []event.Event{&event.TokensCredited{
			Token:   c.Token,
			Account: c.Account,
			Amount:  fpmath.Clone(c.Amount),
		}},
	}, nil
}

// touchedBalances reads the post-state of every token balance the events
// moved, in first-touch order.
func (s *Sequencer) touchedBalances(events []event.Event) []event.TokenBalance {
	type slot struct{ token, account common.Address }
	var order []slot
	seen := make(map[slot]bool)
	touch := func(tok, account common.Address) {
		k := slot{tok, account}
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}

	hubAddr := s.hub.Address()
	for _, e := range events {
		switch ev := e.(type) {
		case *event.CollateralDeposited:
			touch(ev.Asset, ev.User)
			touch(ev.Asset, hubAddr)
		case *event.CollateralRedeemed:
			touch(ev.Asset, hubAddr)
			touch(ev.Asset, ev.To)
		case *event.SyntheticMinted:
			touch(SyntheticAddress, ev.User)
		case *event.SyntheticBurned:
			touch(SyntheticAddress, ev.From)
		case *event.TokensCredited:
			touch(ev.Token, ev.Account)
		}
	}

	out := make([]event.TokenBalance, 0, len(order))
	for _, k := range order {
		out = append(out, event.TokenBalance{Token: k.token, Account: k.account, Balance: s.balanceOf(k.token, k.account)})
	}
	return out
}

// SyntheticAddress is the pseudo token address under which synthetic
// balances are recorded.
var SyntheticAddress = common.HexToAddress("0x000000000000000000000000000000000000d5c0")

func (s *Sequencer) tokenLedger(tok common.Address) *token.Ledger {
	if tok == SyntheticAddress {
		return s.synthetic.Ledger
	}
	return s.custody[tok]
}

func (s *Sequencer) balanceOf(tok, account common.Address) *uint256.Int {
	l := s.tokenLedger(tok)
	if l == nil {
		return nil
	}
	return l.BalanceOf(account)
}

// postCheckInvariants validates solvency bookkeeping after every commit:
// running totals match positions, custody covers recorded collateral and
// synthetic supply covers recorded debt.
func (s *Sequencer) postCheckInvariants() error {
	if err := s.validator.ValidateTotals(); err != nil {
		return err
	}
	for _, asset := range s.hub.CollateralAssets() {
		if err := s.validator.ValidateCustody(asset, s.custody[asset].BalanceOf(s.hub.Address())); err != nil {
			return err
		}
	}
	return s.validator.ValidateSupply(s.synthetic.TotalSupply())
}

// emit: persistence uses a blocking send so no commit is lost; projections use
// a non-blocking send and rebuild from the event log if they fall behind.
func (s *Sequencer) emit(out CoreOutput) {
	if s.persistChan != nil {
		select {
		case s.persistChan <- out:
		default:
			if s.metrics != nil {
				s.metrics.PersistBackpressure.Inc()
			}
			s.persistChan <- out
		}
	}
	if s.projectionChan != nil {
		select {
		case s.projectionChan <- out:
		default:
			if s.metrics != nil {
				s.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (s *Sequencer) recordRejection(op string, err error) {
	if s.metrics == nil {
		return
	}
	kind := hub.KindOf(err)
	s.metrics.TransitionsRejected.WithLabelValues(op, kind.String()).Inc()
	switch kind {
	case hub.KindSolvency:
		s.metrics.HealthFactorFailures.WithLabelValues(op).Inc()
	case hub.KindOracle:
		s.metrics.OracleRejections.WithLabelValues(oracleReason(err)).Inc()
	}
}

func oracleReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "invalid"
	case errors.Is(err, oracle.ErrInconsistentRound):
		return "inconsistent_round"
	case errors.Is(err, oracle.ErrUnsupportedDecimals):
		return "unsupported_decimals"
	case errors.Is(err, oracle.ErrUnknownFeed):
		return "unknown_feed"
	default:
		return "unavailable"
	}
}

func (s *Sequencer) recordApplied(op string, r *hub.Receipt, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.TransitionsApplied.WithLabelValues(op).Inc()
	s.metrics.TransitionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.metrics.Sequence.Set(float64(s.LastSequence()))

	if r.Liquidation != nil {
		plan := r.Liquidation.Plan
		s.metrics.Liquidations.WithLabelValues(plan.Asset.Hex(), fmt.Sprint(plan.Capped)).Inc()
		seized, _ := fpmath.ToDecimal(plan.Seize).Float64()
		s.metrics.CollateralSeized.WithLabelValues(plan.Asset.Hex()).Add(seized)
	}
	debt, _ := fpmath.ToDecimal(s.hub.TotalDebt()).Float64()
	s.metrics.TotalDebt.Set(debt)
	for _, asset := range s.hub.CollateralAssets() {
		total, _ := fpmath.ToDecimal(s.hub.TotalCollateral(asset)).Float64()
		s.metrics.TotalCollateral.WithLabelValues(asset.Hex()).Set(total)
	}
}

// LastSequence is the last assigned sequence, zero before the first commit.
// Safe from any goroutine.
func (s *Sequencer) LastSequence() int64 {
	return s.last.Load()
}

func (s *Sequencer) setNext(n int64) {
	s.next = n
	s.last.Store(n - 1)
}

// StateHash returns the chain tip.
func (s *Sequencer) StateHash() [32]byte {
	return s.hasher.GetPrevHash()
}

func sortAddresses(a []common.Address) {
	sort.Slice(a, func(i, j int) bool { return a[i].Cmp(a[j]) < 0 })
}
