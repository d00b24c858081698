package refillqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubRefiller struct {
	result   ledger.RefillResult
	err      error
	accounts []ledger.AccountKey
}

func (refiller *stubRefiller) RefillMonthly(_ context.Context, account ledger.AccountKey) (ledger.RefillResult, error) {
	refiller.accounts = append(refiller.accounts, account)
	return refiller.result, refiller.err
}

type stubInserter struct {
	args    []river.JobArgs
	options []*river.InsertOpts
	err     error
}

func (inserter *stubInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if inserter.err != nil {
		return nil, inserter.err
	}
	inserter.args = append(inserter.args, args)
	inserter.options = append(inserter.options, opts)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(inserter.args)), Kind: args.Kind()}}, nil
}

func TestWorkerOutcomes(test *testing.T) {
	test.Parallel()
	storageFault := ledger.StorageError("balance", "lock_failed", errors.New("connection reset"))
	testCases := []struct {
		name          string
		args          RefillArgs
		refillErr     error
		expectErr     error
		expectCalls   int
		expectMessage string
	}{
		{name: "applied", args: RefillArgs{UserID: "user-1", Environment: "sandbox"}, expectCalls: 1, expectMessage: "monthly refill applied"},
		{name: "already applied", args: RefillArgs{UserID: "user-1", Environment: "sandbox"}, refillErr: ledger.ErrRefillAlreadyApplied, expectCalls: 1, expectMessage: "monthly refill already applied"},
		{name: "no subscription cancels", args: RefillArgs{UserID: "user-1", Environment: "sandbox"}, refillErr: ledger.ErrNoActiveSubscription, expectErr: ledger.ErrNoActiveSubscription, expectCalls: 1, expectMessage: "monthly refill rejected"},
		{name: "storage fault retries", args: RefillArgs{UserID: "user-1", Environment: "sandbox"}, refillErr: storageFault, expectErr: ledger.ErrStorageFailure, expectCalls: 1},
		{name: "invalid account cancels", args: RefillArgs{Environment: "sandbox"}, expectErr: ledger.ErrInvalidUserID},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, logs := observer.New(zapcore.InfoLevel)
			refiller := &stubRefiller{
				result: ledger.RefillResult{CreditsAdded: 500},
				err:    testCase.refillErr,
			}
			worker, err := NewWorker(refiller, zap.New(core))
			if err != nil {
				test.Fatalf("worker: %v", err)
			}
			job := &river.Job[RefillArgs]{JobRow: &rivertype.JobRow{ID: 7, Kind: JobKind}, Args: testCase.args}
			err = worker.Work(context.Background(), job)
			if testCase.expectErr == nil && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if testCase.expectErr != nil && !errors.Is(err, testCase.expectErr) {
				test.Fatalf("expected %v, got %v", testCase.expectErr, err)
			}
			if len(refiller.accounts) != testCase.expectCalls {
				test.Fatalf("expected %d refill calls, got %d", testCase.expectCalls, len(refiller.accounts))
			}
			if testCase.expectMessage != "" && logs.FilterMessage(testCase.expectMessage).Len() != 1 {
				test.Fatalf("expected log %q, got %v", testCase.expectMessage, logs.All())
			}
		})
	}
}

func TestWorkerTimeout(test *testing.T) {
	test.Parallel()
	worker, err := NewWorker(&stubRefiller{}, nil)
	if err != nil {
		test.Fatalf("worker: %v", err)
	}
	if timeout := worker.Timeout(&river.Job[RefillArgs]{}); timeout != 30*time.Second {
		test.Fatalf("unexpected timeout %s", timeout)
	}
}

func TestEnqueuerInsertsUniqueRefillJob(test *testing.T) {
	test.Parallel()
	inserter := &stubInserter{}
	enqueuer, err := NewEnqueuer(inserter)
	if err != nil {
		test.Fatalf("enqueuer: %v", err)
	}
	account := mustAccount(test, "user-1", "production")
	if err := enqueuer.ScheduleRefill(context.Background(), account); err != nil {
		test.Fatalf("schedule: %v", err)
	}
	if len(inserter.args) != 1 {
		test.Fatalf("expected one insert, got %d", len(inserter.args))
	}
	args, ok := inserter.args[0].(RefillArgs)
	if !ok {
		test.Fatalf("unexpected args type %T", inserter.args[0])
	}
	if args.UserID != "user-1" || args.Environment != "production" || args.Kind() != JobKind {
		test.Fatalf("unexpected args %+v", args)
	}
	options := inserter.options[0]
	if options == nil || !options.UniqueOpts.ByArgs || options.UniqueOpts.ByPeriod != time.Hour {
		test.Fatalf("expected hourly unique-by-args options, got %+v", options)
	}
}

func TestEnqueuerReportsStorageFailure(test *testing.T) {
	test.Parallel()
	enqueuer, err := NewEnqueuer(&stubInserter{err: errors.New("pool closed")})
	if err != nil {
		test.Fatalf("enqueuer: %v", err)
	}
	err = enqueuer.ScheduleRefill(context.Background(), mustAccount(test, "user-1", "sandbox"))
	if !errors.Is(err, ledger.ErrStorageFailure) {
		test.Fatalf("expected storage failure, got %v", err)
	}
}

func TestInlineSchedulerRefillsImmediately(test *testing.T) {
	test.Parallel()
	refiller := &stubRefiller{err: ledger.ErrPlanNotFound}
	scheduler, err := NewInlineScheduler(refiller)
	if err != nil {
		test.Fatalf("scheduler: %v", err)
	}
	account := mustAccount(test, "user-1", "sandbox")
	if err := scheduler.ScheduleRefill(context.Background(), account); !errors.Is(err, ledger.ErrPlanNotFound) {
		test.Fatalf("expected plan not found, got %v", err)
	}
	if len(refiller.accounts) != 1 || refiller.accounts[0] != account {
		test.Fatalf("unexpected refill calls %v", refiller.accounts)
	}
}

func TestConstructorsRejectNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewWorker(nil, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("worker: expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewEnqueuer(nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("enqueuer: expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewInlineScheduler(nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("inline: expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewClient(nil, nil, 0); err == nil {
		test.Fatalf("client: expected error for missing pool")
	}
}

func mustAccount(test *testing.T, rawUserID string, rawEnvironment string) ledger.AccountKey {
	test.Helper()
	account, err := ledger.ParseAccountKey(rawUserID, rawEnvironment)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return account
}
