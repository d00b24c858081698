// Package refillqueue runs refill_monthly outside the request path on a River job queue.
package refillqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

const (
	// JobKind identifies refill jobs in the river_job table.
	JobKind = "credit_refill_monthly"

	workTimeout = 30 * time.Second
)

// RefillArgs identifies the account to refill.
type RefillArgs struct {
	UserID      string `json:"user_id"`
	Environment string `json:"environment"`
}

// Kind implements river.JobArgs.
func (RefillArgs) Kind() string { return JobKind }

// NewRefillArgs builds job arguments for an account.
func NewRefillArgs(account ledger.AccountKey) RefillArgs {
	return RefillArgs{UserID: account.UserID().String(), Environment: account.Environment().String()}
}

// Refiller is satisfied by *ledger.Service.
type Refiller interface {
	RefillMonthly(ctx context.Context, account ledger.AccountKey) (ledger.RefillResult, error)
}

// Worker applies queued refills.
type Worker struct {
	river.WorkerDefaults[RefillArgs]
	refiller Refiller
	logger   *zap.Logger
}

// NewWorker builds a Worker.
func NewWorker(refiller Refiller, logger *zap.Logger) (*Worker, error) {
	if refiller == nil {
		return nil, fmt.Errorf("%w: refiller is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{refiller: refiller, logger: logger}, nil
}

// Work refills the account. Business failures cancel the job; storage faults are retried.
func (worker *Worker) Work(ctx context.Context, job *river.Job[RefillArgs]) error {
	account, err := ledger.ParseAccountKey(job.Args.UserID, job.Args.Environment)
	if err != nil {
		return river.JobCancel(err)
	}
	fields := []zap.Field{
		zap.Int64("river_job_id", job.ID),
		zap.String("user_id", account.UserID().String()),
		zap.String("environment", account.Environment().String()),
	}
	result, err := worker.refiller.RefillMonthly(ctx, account)
	switch {
	case err == nil:
		worker.logger.Info("monthly refill applied", append(fields, zap.Int64("credits_added", result.CreditsAdded.Int64()))...)
		return nil
	case errors.Is(err, ledger.ErrRefillAlreadyApplied):
		worker.logger.Info("monthly refill already applied", fields...)
		return nil
	case ledger.IsBusinessFailure(err):
		worker.logger.Warn("monthly refill rejected", append(fields, zap.String("error_code", string(ledger.ErrorCodeOf(err))), zap.Error(err))...)
		return river.JobCancel(err)
	default:
		return err
	}
}

// Timeout bounds a single refill attempt.
func (worker *Worker) Timeout(*river.Job[RefillArgs]) time.Duration {
	return workTimeout
}
