package refillqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	uniqueRefillPeriod = time.Hour
	errorSubjectQueue  = "refill_queue"
	errorCodeEnqueue   = "enqueue_failed"
)

// Inserter is the subset of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueuer schedules refills as River jobs.
type Enqueuer struct {
	inserter Inserter
}

// NewEnqueuer wraps a River client.
func NewEnqueuer(inserter Inserter) (*Enqueuer, error) {
	if inserter == nil {
		return nil, fmt.Errorf("%w: inserter is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Enqueuer{inserter: inserter}, nil
}

// ScheduleRefill enqueues one refill per account per hour; repeats inside the window are dropped.
func (enqueuer *Enqueuer) ScheduleRefill(ctx context.Context, account ledger.AccountKey) error {
	options := &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: uniqueRefillPeriod},
	}
	if _, err := enqueuer.inserter.Insert(ctx, NewRefillArgs(account), options); err != nil {
		return ledger.StorageError(errorSubjectQueue, errorCodeEnqueue, err)
	}
	return nil
}

// InlineScheduler refills synchronously. It is used when no Postgres queue is configured.
type InlineScheduler struct {
	refiller Refiller
}

// NewInlineScheduler builds an InlineScheduler.
func NewInlineScheduler(refiller Refiller) (*InlineScheduler, error) {
	if refiller == nil {
		return nil, fmt.Errorf("%w: refiller is nil", ledger.ErrInvalidServiceConfig)
	}
	return &InlineScheduler{refiller: refiller}, nil
}

// ScheduleRefill runs refill_monthly immediately.
func (scheduler *InlineScheduler) ScheduleRefill(ctx context.Context, account ledger.AccountKey) error {
	_, err := scheduler.refiller.RefillMonthly(ctx, account)
	return err
}
