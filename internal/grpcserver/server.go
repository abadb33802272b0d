package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"timealign/internal/anchors"
	"timealign/internal/config"
	"timealign/internal/solver"
	"timealign/internal/tasks"
)

// SolveMethod is the full method name of the unary solve RPC.
const SolveMethod = "/timealign.Aligner/Solve"

const maxMessageSize = 16 * 1024 * 1024

// AlignerServer is the service implemented by Server.
type AlignerServer interface {
	Solve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes timealign.Aligner. Requests and responses are
// google.protobuf.Struct values:
//
//	request:  {anchors: string, reference: number, display: bool}
//	response: {params: string, kind: string, residuals: [number]}
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "timealign.Aligner",
	HandlerType: (*AlignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Solve", Handler: solveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "timealign/aligner.proto",
}

func solveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AlignerServer).Solve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SolveMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AlignerServer).Solve(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server solves anchor tables sent over RPC. Nothing is written to disk.
type Server struct {
	cfg *config.Config
	log *slog.Logger
}

func New(cfg *config.Config, log *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

// Register adds the Aligner service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Solve parses the anchor file text in the request and returns the parameter
// file text and the per-image RMS residuals.
func (s *Server) Solve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	text := fields["anchors"].GetStringValue()
	if strings.TrimSpace(text) == "" {
		return nil, status.Error(codes.InvalidArgument, "anchors is required")
	}
	table, err := anchors.Parse(strings.NewReader(text))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	reference := s.cfg.Alignment.Reference
	if v, ok := fields["reference"]; ok {
		reference = int(v.GetNumberValue())
	}
	solveReq := tasks.NewSolveRequest(s.cfg, "", fields["display"].GetBoolValue(), reference)
	solveReq.Anchors = table

	var buf bytes.Buffer
	solveReq.Writer = &buf
	res, err := tasks.RunSolve(ctx, solveReq)
	if err != nil {
		s.log.Warn("rpc solve failed", "images", table.NumImages(), "error", err)
		return nil, toStatus(err)
	}

	residuals := make([]any, len(res.Solutions))
	for i, sol := range res.Solutions {
		residuals[i] = sol.Residual
	}
	out, err := structpb.NewStruct(map[string]any{
		"params":    buf.String(),
		"kind":      res.Set.Kind.String(),
		"residuals": residuals,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, solver.ErrSingularSystem):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}

	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", listen.Addr().String())
	return gs.Serve(listen)
}

// Solve calls the Aligner service over conn.
func Solve(ctx context.Context, conn grpc.ClientConnInterface, anchorsText string, reference int, display bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"anchors":   anchorsText,
		"reference": reference,
		"display":   display,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, SolveMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
