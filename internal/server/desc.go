package server

import (
	"context"

	"CDPLedger/internal/command"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/query"

	"google.golang.org/grpc"
)

const ServiceName = "cdp.v1.PositionHub"

// PositionHubServer is the server API for cdp.v1.PositionHub.
type PositionHubServer interface {
	Execute(ctx context.Context, op hub.Operation, req *command.Request) (*CommandResponse, error)
	Account(ctx context.Context, req *UserRequest) (*query.AccountResponse, error)
	Parameters(ctx context.Context, req *Empty) (*query.ParametersResponse, error)
	Position(ctx context.Context, req *UserRequest) (*query.PositionResponse, error)
	Liquidations(ctx context.Context, req *ListRequest) (*LiquidationsResponse, error)
	History(ctx context.Context, req *ListRequest) (*HistoryResponse, error)
	VerifyIntegrity(ctx context.Context, req *Empty) (*query.IntegrityReport, error)
}

// CommandMethods maps gRPC method names to operations, one method per
// operation.
var CommandMethods = []struct {
	Method    string
	Operation hub.Operation
}{
	{"Deposit", hub.OpDeposit},
	{"Mint", hub.OpMint},
	{"DepositAndMint", hub.OpDepositAndMint},
	{"Redeem", hub.OpRedeem},
	{"Burn", hub.OpBurn},
	{"RedeemAndBurn", hub.OpRedeemAndBurn},
	{"Liquidate", hub.OpLiquidate},
	{"Fund", command.OpFund},
}

// ServiceDesc describes cdp.v1.PositionHub for grpc.Server.RegisterService.
var ServiceDesc = newServiceDesc()

func newServiceDesc() grpc.ServiceDesc {
	methods := make([]grpc.MethodDesc, 0, len(CommandMethods)+6)
	for _, m := range CommandMethods {
		op := m.Operation
		methods = append(methods, unary(m.Method, func(s PositionHubServer, ctx context.Context, req *command.Request) (*CommandResponse, error) {
			return s.Execute(ctx, op, req)
		}))
	}
	methods = append(methods,
		unary("Account", PositionHubServer.Account),
		unary("Parameters", PositionHubServer.Parameters),
		unary("Position", PositionHubServer.Position),
		unary("Liquidations", PositionHubServer.Liquidations),
		unary("History", PositionHubServer.History),
		unary("VerifyIntegrity", PositionHubServer.VerifyIntegrity),
	)
	return grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*PositionHubServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "cdp/v1/position_hub.proto",
	}
}

func unary[Req, Resp any](method string, call func(PositionHubServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PositionHubServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PositionHubServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterPositionHubServer registers srv on s.
func RegisterPositionHubServer(s grpc.ServiceRegistrar, srv PositionHubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls cdp.v1.PositionHub with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

// Execute calls the command method for op.
func (c *Client) Execute(ctx context.Context, op hub.Operation, req *command.Request) (*CommandResponse, error) {
	method := ""
	for _, m := range CommandMethods {
		if m.Operation == op {
			method = m.Method
		}
	}
	if method == "" {
		return nil, command.ErrUnknownOperation
	}
	out := new(CommandResponse)
	if err := c.invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Account(ctx context.Context, user string) (*query.AccountResponse, error) {
	out := new(query.AccountResponse)
	if err := c.invoke(ctx, "Account", &UserRequest{User: user}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Parameters(ctx context.Context) (*query.ParametersResponse, error) {
	out := new(query.ParametersResponse)
	if err := c.invoke(ctx, "Parameters", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Position(ctx context.Context, user string) (*query.PositionResponse, error) {
	out := new(query.PositionResponse)
	if err := c.invoke(ctx, "Position", &UserRequest{User: user}, out); err != nil {
		return nil, err
	}
	return out, nil
}
