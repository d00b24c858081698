// Package grpcserver exposes the credit actions as a single unary gRPC method carrying
// google.protobuf.Struct payloads shaped like the HTTP action envelope.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "creditmeter.v1.CreditService"
	// FullMethodExecute is the path of the Execute method.
	FullMethodExecute = "/" + ServiceName + "/" + methodExecute

	methodExecute = "Execute"
)

// CreditService is the server-side contract registered on a grpc.Server.
type CreditService interface {
	Execute(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// ActionExecutor is satisfied by *action.Dispatcher.
type ActionExecutor interface {
	Execute(ctx context.Context, command action.Command) (action.Response, error)
}

// CreditServiceServer decodes Struct payloads into actions and runs them.
type CreditServiceServer struct {
	executor ActionExecutor
}

// NewCreditServiceServer constructs a gRPC server for the action dispatcher.
func NewCreditServiceServer(executor ActionExecutor) (*CreditServiceServer, error) {
	if executor == nil {
		return nil, fmt.Errorf("%w: action executor is nil", ledger.ErrInvalidServiceConfig)
	}
	return &CreditServiceServer{executor: executor}, nil
}

// Execute runs one action. Failures are returned as gRPC statuses whose message is the ledger error code.
func (server *CreditServiceServer) Execute(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	var decoded action.Request
	if err := structToValue(request, &decoded); err != nil {
		return nil, status.Error(codes.InvalidArgument, string(ledger.CodeInvalidArgument))
	}
	command, err := action.Parse(decoded)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response, err := server.executor.Execute(ctx, command)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	encoded, err := valueToStruct(response)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return encoded, nil
}

// Register attaches service to registrar.
func Register(registrar grpc.ServiceRegistrar, service CreditService) {
	registrar.RegisterService(&serviceDesc, service)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodExecute, Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditmeter/v1/credit_service.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(structpb.Struct)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CreditService).Execute(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethodExecute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CreditService).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		startedAt := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(startedAt)),
		}
		if code == codes.Unavailable || code == codes.Internal || code == codes.Unknown {
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return response, err
	}
}

func mapToGRPCError(source error) error {
	code := ledger.ErrorCodeOf(source)
	return status.Error(grpcCodeFor(code), string(code))
}

func grpcCodeFor(code ledger.ErrorCode) codes.Code {
	switch code {
	case ledger.CodeInvalidArgument:
		return codes.InvalidArgument
	case ledger.CodeInsufficientCredits, ledger.CodeJobClosed, ledger.CodeJobAlreadyReserved,
		ledger.CodeJobNotReserved, ledger.CodeNothingToRefund:
		return codes.FailedPrecondition
	case ledger.CodeJobNotFound, ledger.CodeNoActiveSubscription, ledger.CodePlanNotFound:
		return codes.NotFound
	case ledger.CodeJobExists, ledger.CodeDuplicateIdempotencyKey, ledger.CodeRefillAlreadyApplied:
		return codes.AlreadyExists
	default:
		return codes.Unavailable
	}
}

// ErrorCodeFromStatus recovers the ledger error code carried by a status returned from Execute.
func ErrorCodeFromStatus(err error) (ledger.ErrorCode, bool) {
	statusInfo, ok := status.FromError(err)
	if !ok || statusInfo.Code() == codes.OK {
		return "", false
	}
	code := ledger.ErrorCode(statusInfo.Message())
	if grpcCodeFor(code) != statusInfo.Code() {
		return ledger.CodeStorageFailure, true
	}
	return code, true
}

var errNilStruct = errors.New("nil struct payload")

func structToValue(source *structpb.Struct, target any) error {
	if source == nil {
		return errNilStruct
	}
	raw, err := protojson.Marshal(source)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func valueToStruct(source any) (*structpb.Struct, error) {
	raw, err := json.Marshal(source)
	if err != nil {
		return nil, err
	}
	encoded := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, encoded); err != nil {
		return nil, err
	}
	return encoded, nil
}
