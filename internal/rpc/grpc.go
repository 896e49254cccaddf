package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guidegenie/guidegenie/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service that exposes the Router.
const ServiceName = "guidegenie.rpc.v1.Router"

// CallMethod is the full method name of the single RPC.
const CallMethod = "/" + ServiceName + "/Call"

// The request is a Struct {"procedure": string, "input": any}; the reply is
// {"result": any}. Callers authenticate with "authorization: Bearer <token>"
// metadata.
type routerServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*routerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "guidegenie/rpc/v1/router",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(routerServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(routerServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type grpcServer struct {
	router   *Router
	sessions *session.Manager
}

// RegisterGRPC serves r on s.
func (r *Router) RegisterGRPC(s *grpc.Server, sessions *session.Manager) {
	s.RegisterService(&serviceDesc, &grpcServer{router: r, sessions: sessions})
}

func (g *grpcServer) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	procedure := req.GetFields()["procedure"].GetStringValue()
	if procedure == "" {
		return nil, status.Error(codes.InvalidArgument, "procedure is required")
	}

	var input json.RawMessage
	if v, ok := req.GetFields()["input"]; ok {
		raw, err := v.MarshalJSON()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "encode input: %v", err)
		}
		input = raw
	}

	s := g.sessions.Get(tokenFromMetadata(ctx))
	before := s.AccessToken()
	out, rerr := g.router.Call(ctx, s, procedure, input)
	g.sessions.Track(s, before)
	if rerr != nil {
		return nil, status.Error(rerr.GRPCCode(), rerr.Message)
	}

	result, err := toValue(out)
	if err != nil {
		g.router.logger.Error("encode grpc result", zap.String("procedure", procedure), zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": result}}, nil
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if strings.HasPrefix(v, "Bearer ") {
			return strings.TrimPrefix(v, "Bearer ")
		}
	}
	return ""
}

// toValue converts a procedure output to a structpb.Value through its JSON
// form, so struct tags decide the field names.
func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// LoggingInterceptor logs each unary call with its status code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

// Client calls a Router over gRPC.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient returns a Client that authenticates with token, which may be
// empty for anonymous calls.
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

// Call invokes procedure with input and decodes the result into out, which
// may be nil. Failures are returned as *Error.
func (c *Client) Call(ctx context.Context, procedure string, input, out any) error {
	fields := map[string]*structpb.Value{"procedure": structpb.NewStringValue(procedure)}
	if input != nil {
		v, err := toValue(input)
		if err != nil {
			return fmt.Errorf("encode input: %w", err)
		}
		fields["input"] = v
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, CallMethod, &structpb.Struct{Fields: fields}, resp); err != nil {
		return errorFromStatus(err)
	}
	if out == nil {
		return nil
	}
	raw, err := resp.GetFields()["result"].MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func errorFromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code := CodeInternal
	switch st.Code() {
	case codes.InvalidArgument:
		code = CodeBadRequest
	case codes.Unauthenticated:
		code = CodeUnauthorized
	case codes.PermissionDenied:
		code = CodeForbidden
	case codes.NotFound:
		code = CodeNotFound
	case codes.AlreadyExists:
		code = CodeConflict
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("rpc transport: %w", err)
	}
	return &Error{Code: code, Message: st.Message()}
}
