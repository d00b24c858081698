package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/memorystore"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufferSize = 1 << 20

type failingExecutor struct {
	err error
}

func (executor failingExecutor) Execute(context.Context, action.Command) (action.Response, error) {
	return action.Response{}, executor.err
}

func TestExecuteLifecycleOverBufconn(test *testing.T) {
	test.Parallel()
	client := newBufconnClient(test, newDispatcher(test), nil)
	ctx := context.Background()

	steps := []action.Request{
		{Action: "grant", UserID: "user-1", Environment: "sandbox", Amount: 100, IdempotencyKey: "purchase-1"},
		{Action: "create_job", UserID: "user-1", Environment: "sandbox", JobID: "job-1"},
		{Action: "reserve", UserID: "user-1", Environment: "sandbox", JobID: "job-1", Amount: 30, Metadata: []byte(`{"model":"v2"}`)},
		{Action: "refund", UserID: "user-1", Environment: "sandbox", JobID: "job-1", Metadata: []byte(`{"error_message":"gpu timeout"}`)},
	}
	for _, step := range steps {
		response, err := client.Execute(ctx, step)
		if err != nil {
			test.Fatalf("%s: %v", step.Action, err)
		}
		if !response.Success {
			test.Fatalf("%s: expected success, got %+v", step.Action, response.Error)
		}
	}

	response, err := client.Execute(ctx, action.Request{Action: "check_balance", UserID: "user-1", Environment: "sandbox"})
	if err != nil {
		test.Fatalf("check_balance: %v", err)
	}
	if response.Balance == nil || *response.Balance != 100 {
		test.Fatalf("expected restored balance 100, got %v", response.Balance)
	}

	history, err := client.Execute(ctx, action.Request{Action: "list_transactions", UserID: "user-1", Environment: "sandbox"})
	if err != nil {
		test.Fatalf("list_transactions: %v", err)
	}
	if len(history.Transactions) != 3 {
		test.Fatalf("expected 3 transactions, got %d", len(history.Transactions))
	}
	if history.Transactions[1].Sequence != 2 || history.Transactions[1].Amount != -30 {
		test.Fatalf("unexpected reserve line %+v", history.Transactions[1])
	}
}

func TestExecuteMapsLedgerErrorsToStatus(test *testing.T) {
	test.Parallel()
	client := newBufconnClient(test, newDispatcher(test), nil)
	ctx := context.Background()

	testCases := []struct {
		name         string
		request      action.Request
		expectedCode codes.Code
		expectedErr  ledger.ErrorCode
	}{
		{
			name:         "unknown action",
			request:      action.Request{Action: "transfer", UserID: "user-1", Environment: "sandbox"},
			expectedCode: codes.InvalidArgument,
			expectedErr:  ledger.CodeInvalidArgument,
		},
		{
			name:         "consume unknown job",
			request:      action.Request{Action: "consume", UserID: "user-1", Environment: "sandbox", JobID: "missing"},
			expectedCode: codes.NotFound,
			expectedErr:  ledger.CodeJobNotFound,
		},
		{
			name:         "refill without subscription",
			request:      action.Request{Action: "refill_monthly", UserID: "user-1", Environment: "sandbox"},
			expectedCode: codes.NotFound,
			expectedErr:  ledger.CodeNoActiveSubscription,
		},
	}
	for _, testCase := range testCases {
		_, err := client.Execute(ctx, testCase.request)
		if status.Code(err) != testCase.expectedCode {
			test.Fatalf("%s: expected %s, got %v", testCase.name, testCase.expectedCode, err)
		}
		code, ok := ErrorCodeFromStatus(err)
		if !ok || code != testCase.expectedErr {
			test.Fatalf("%s: expected ledger code %s, got %s", testCase.name, testCase.expectedErr, code)
		}
	}
}

func TestStorageFailureIsUnavailableAndLogged(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	executor := failingExecutor{err: ledger.StorageError("balance", "lock_failed", errors.New("connection refused"))}
	client := newBufconnClient(test, executor, zap.New(core))

	_, err := client.Execute(context.Background(), action.Request{Action: "check_balance", UserID: "user-1", Environment: "sandbox"})
	statusInfo, _ := status.FromError(err)
	if statusInfo.Code() != codes.Unavailable || statusInfo.Message() != string(ledger.CodeStorageFailure) {
		test.Fatalf("expected unavailable storage_failure, got %v", err)
	}
	if logs.FilterMessage("grpc call failed").Len() != 1 {
		test.Fatalf("expected failed call to be logged, got %v", logs.All())
	}
}

func TestExecuteRejectsNilPayload(test *testing.T) {
	test.Parallel()
	server, err := NewCreditServiceServer(newDispatcher(test))
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	_, err = server.Execute(context.Background(), nil)
	if status.Code(err) != codes.InvalidArgument {
		test.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = server.Execute(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		test.Fatalf("expected invalid argument for empty struct, got %v", err)
	}
}

func TestErrorCodeFromStatus(test *testing.T) {
	test.Parallel()
	if _, ok := ErrorCodeFromStatus(errors.New("plain")); ok {
		test.Fatalf("plain errors carry no status")
	}
	code, ok := ErrorCodeFromStatus(status.Error(codes.Internal, "boom"))
	if !ok || code != ledger.CodeStorageFailure {
		test.Fatalf("unexpected classification %s", code)
	}
}

func TestNewCreditServiceServerRequiresExecutor(test *testing.T) {
	test.Parallel()
	if _, err := NewCreditServiceServer(nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func newDispatcher(test *testing.T) *action.Dispatcher {
	test.Helper()
	service, err := ledger.NewService(memorystore.New(), func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	dispatcher, err := action.NewDispatcher(service)
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}
	return dispatcher
}

func newBufconnClient(test *testing.T, executor ActionExecutor, logger *zap.Logger) *Client {
	test.Helper()
	listener := bufconn.Listen(bufferSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	service, err := NewCreditServiceServer(executor)
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	Register(grpcServer, service)
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	test.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}
