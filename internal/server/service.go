package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"CDPLedger/internal/command"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sequencer is the write path and live read path; *core.Sequencer.
type Sequencer interface {
	Submit(ctx context.Context, cmd command.Command) (*core.Result, error)
	Read(ctx context.Context, fn func(h *hub.Hub) error) error
}

// Queries is the projection read path; *query.QueryService.
type Queries interface {
	GetPosition(ctx context.Context, user common.Address) (*query.PositionResponse, error)
	GetLiquidations(ctx context.Context, victim common.Address, limit int, beforeSequence *int64) ([]query.LiquidationResponse, error)
	GetHistory(ctx context.Context, user common.Address, limit int, beforeSequence *int64) ([]query.HistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// sequenceReader is implemented by *core.Sequencer; called inside Read.
type sequenceReader interface {
	LastSequence() int64
}

// Service implements cdp.v1.PositionHub. Both the gRPC server and the
// HTTP gateway call it in-process.
type Service struct {
	seq     Sequencer
	queries Queries
	logger  zerolog.Logger
}

// NewService builds the service. queries may be nil when no read model is
// configured; projection reads then fail with Unavailable.
func NewService(seq Sequencer, queries Queries, logger zerolog.Logger) *Service {
	return &Service{seq: seq, queries: queries, logger: logger}
}

// --- messages ---

// CommandResponse is returned for every accepted command.
type CommandResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	// Duplicate is set when the idempotency key was already applied.
	Duplicate    bool               `json:"duplicate"`
	TransitionID string             `json:"transition_id,omitempty"`
	Events       []event.Record     `json:"events,omitempty"`
	HealthFactor *query.Amount      `json:"health_factor,omitempty"`
	Liquidation  *LiquidationResult `json:"liquidation,omitempty"`
}

type LiquidationResult struct {
	Asset               string       `json:"asset"`
	Victim              string       `json:"victim"`
	DebtCovered         query.Amount `json:"debt_covered"`
	CollateralSeized    query.Amount `json:"collateral_seized"`
	Bonus               query.Amount `json:"bonus"`
	Capped              bool         `json:"capped"`
	InitialHealthFactor query.Amount `json:"initial_health_factor"`
	EndingHealthFactor  query.Amount `json:"ending_health_factor"`
}

type UserRequest struct {
	User string `json:"user"`
}

type ListRequest struct {
	User           string `json:"user"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type Empty struct{}

type LiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type HistoryResponse struct {
	Entries []query.HistoryEntry `json:"entries"`
}

// --- commands ---

// Execute builds op from req and submits it.
func (s *Service) Execute(ctx context.Context, op hub.Operation, req *command.Request) (*CommandResponse, error) {
	cmd, err := req.Build(op)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.seq.Submit(ctx, cmd)
	if err != nil {
		s.logger.Debug().Err(err).
			Str("operation", string(op)).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("command rejected")
		return nil, toStatus(err)
	}
	return newCommandResponse(res), nil
}

func newCommandResponse(res *core.Result) *CommandResponse {
	resp := &CommandResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Duplicate: res.Duplicate,
	}
	r := res.Receipt
	if r == nil {
		return resp
	}
	resp.TransitionID = r.TransitionID.String()
	for _, e := range r.Events {
		resp.Events = append(resp.Events, event.ToRecord(e))
	}
	if r.HealthFactor != nil {
		hf := query.NewAmount(r.HealthFactor)
		resp.HealthFactor = &hf
	}
	if l := r.Liquidation; l != nil {
		resp.Liquidation = &LiquidationResult{
			Asset:               l.Plan.Asset.Hex(),
			Victim:              l.Plan.Victim.Hex(),
			DebtCovered:         query.NewAmount(l.Plan.DebtToCover),
			CollateralSeized:    query.NewAmount(l.Plan.Seize),
			Bonus:               query.NewAmount(l.Plan.Bonus),
			Capped:              l.Plan.Capped,
			InitialHealthFactor: query.NewAmount(l.Plan.InitialHealthFactor),
			EndingHealthFactor:  query.NewAmount(l.EndingHealthFactor),
		}
	}
	return resp
}

// --- live reads ---

// Account returns the user's state at the sequencer's current sequence.
func (s *Service) Account(ctx context.Context, req *UserRequest) (*query.AccountResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	var resp *query.AccountResponse
	err = s.seq.Read(ctx, func(h *hub.Hub) error {
		var asOf int64
		if sr, ok := s.seq.(sequenceReader); ok {
			asOf = sr.LastSequence()
		}
		var err error
		resp, err = query.Account(ctx, h, user, asOf)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) Parameters(ctx context.Context, _ *Empty) (*query.ParametersResponse, error) {
	var resp *query.ParametersResponse
	err := s.seq.Read(ctx, func(h *hub.Hub) error {
		var err error
		resp, err = query.Parameters(h)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// --- projection reads ---

func (s *Service) Position(ctx context.Context, req *UserRequest) (*query.PositionResponse, error) {
	if s.queries == nil {
		return nil, errNoReadModel
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	resp, err := s.queries.GetPosition(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) Liquidations(ctx context.Context, req *ListRequest) (*LiquidationsResponse, error) {
	if s.queries == nil {
		return nil, errNoReadModel
	}
	victim, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	items, err := s.queries.GetLiquidations(ctx, victim, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidationsResponse{Liquidations: items}, nil
}

func (s *Service) History(ctx context.Context, req *ListRequest) (*HistoryResponse, error) {
	if s.queries == nil {
		return nil, errNoReadModel
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetHistory(ctx, user, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Entries: entries}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, errNoReadModel
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// --- errors ---

var errNoReadModel = status.Error(codes.Unavailable, "read model not configured")

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// toStatus maps an error to a gRPC status by its family.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, core.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, command.ErrMissingIdempotencyKey),
		errors.Is(err, command.ErrInvalidAddress),
		errors.Is(err, command.ErrInvalidAmount),
		errors.Is(err, command.ErrUnknownOperation):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(CodeOf(hub.KindOf(err)), fmt.Sprintf("%s: %v", hub.KindOf(err), err))
}

// CodeOf is the gRPC code reported for an error family.
func CodeOf(k hub.Kind) codes.Code {
	switch k {
	case hub.KindValidation:
		return codes.InvalidArgument
	case hub.KindSolvency, hub.KindLiquidity:
		return codes.FailedPrecondition
	case hub.KindOracle:
		return codes.Unavailable
	case hub.KindArithmetic:
		return codes.OutOfRange
	case hub.KindConcurrency:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
