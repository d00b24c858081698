package ledger

import (
	"context"
	"fmt"
	"math"
)

// Balance is the per-account credit position.
type Balance struct {
	Account             AccountKey
	CurrentBalance      Credits
	TotalEarned         Credits
	TotalConsumed       Credits
	LastRefillAtUnixUTC int64
	Version             int64
}

// NewBalance returns the zero balance for an account.
func NewBalance(account AccountKey) Balance {
	return Balance{Account: account}
}

// apply computes the next balance for a signed change. The version advances by one.
func (balance Balance) apply(amount CreditDelta, earned Credits, consumed Credits) (Balance, error) {
	if amount > 0 && balance.CurrentBalance.Int64() > math.MaxInt64-amount.Int64() {
		return Balance{}, fmt.Errorf("%w: balance %d cannot absorb %d", ErrCreditOverflow, balance.CurrentBalance, amount)
	}
	if balance.TotalEarned.Int64() > math.MaxInt64-earned.Int64() {
		return Balance{}, fmt.Errorf("%w: total earned %d cannot absorb %d", ErrCreditOverflow, balance.TotalEarned, earned)
	}
	if balance.TotalConsumed.Int64() > math.MaxInt64-consumed.Int64() {
		return Balance{}, fmt.Errorf("%w: total consumed %d cannot absorb %d", ErrCreditOverflow, balance.TotalConsumed, consumed)
	}
	after := balance.CurrentBalance.Int64() + amount.Int64()
	if after < 0 {
		return Balance{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredits, balance.CurrentBalance, amount.Negated())
	}
	next := balance
	next.CurrentBalance = Credits(after)
	next.TotalEarned += earned
	next.TotalConsumed += consumed
	next.Version = balance.Version + 1
	return next, nil
}

// TransactionInput describes a transaction before it is persisted.
type TransactionInput struct {
	Account        AccountKey
	Sequence       int64
	Type           TransactionType
	Amount         CreditDelta
	BalanceBefore  Credits
	BalanceAfter   Credits
	ReferenceID    string
	ReferenceType  ReferenceType
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Validate checks the arithmetic and required fields of the input.
func (input TransactionInput) Validate() error {
	if input.Account.UserID().String() == "" || input.Account.Environment().String() == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidTransaction)
	}
	if input.Sequence <= 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidTransaction)
	}
	if _, err := ParseTransactionType(input.Type.String()); err != nil {
		return err
	}
	if input.BalanceBefore.Int64()+input.Amount.Int64() != input.BalanceAfter.Int64() {
		return fmt.Errorf("%w: %d + %d != %d", ErrInvalidTransaction, input.BalanceBefore, input.Amount, input.BalanceAfter)
	}
	if input.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return nil
}

// Transaction is a single immutable line in the transaction log.
type Transaction struct {
	TransactionID string
	TransactionInput
}

// Job is the ledger-owned view of a generation job.
type Job struct {
	JobID              JobID
	Account            AccountKey
	Status             JobStatus
	CreditsReserved    Credits
	CreditsConsumed    Credits
	StartedAtUnixUTC   int64
	CompletedAtUnixUTC int64
	ErrorMessage       string
}

// NewPendingJob returns a job awaiting reservation.
func NewPendingJob(account AccountKey, jobID JobID) Job {
	return Job{JobID: jobID, Account: account, Status: JobStatusPending}
}

// Subscription is the billing collaborator's subscription record.
type Subscription struct {
	SubscriptionID            SubscriptionID
	Account                   AccountKey
	PlanID                    PlanID
	Status                    SubscriptionStatus
	CurrentPeriodStartUnixUTC int64
	CurrentPeriodEndUnixUTC   int64
}

// Plan is subscription plan reference data for one environment.
type Plan struct {
	PlanID                 PlanID
	Environment            Environment
	Name                   string
	MonthlyCreditAllowance Credits
}

// JobResult is returned by reserve, consume and refund.
type JobResult struct {
	Balance       Balance
	Job           Job
	TransactionID string
}

// RefillResult is returned by refill_monthly.
type RefillResult struct {
	Balance       Balance
	CreditsAdded  Credits
	Plan          Plan
	TransactionID string
}

// GrantResult is returned by grant and admin adjustments.
type GrantResult struct {
	Balance       Balance
	TransactionID string
}

// ReconciliationReport compares the replayed transaction log with the stored balance.
type ReconciliationReport struct {
	Account          AccountKey
	StoredBalance    Credits
	ReplayedBalance  Credits
	TransactionCount int
	Discrepancies    []string
}

// Consistent reports whether the log replays to the stored balance without gaps.
func (report ReconciliationReport) Consistent() bool {
	return len(report.Discrepancies) == 0 && report.StoredBalance == report.ReplayedBalance
}

// Store is the persistence contract used by Service.
// LockBalance creates the zero balance when missing and holds the account lock until the
// surrounding transaction ends. UpdateBalance writes only when the stored version matches.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockBalance(ctx context.Context, account AccountKey) (Balance, error)
	UpdateBalance(ctx context.Context, balance Balance, expectedVersion int64) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	ListTransactions(ctx context.Context, account AccountKey, afterSequence int64, limit int) ([]Transaction, error)
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, account AccountKey, jobID JobID) (Job, error)
	UpdateJob(ctx context.Context, job Job, from JobStatus) error
	UpsertSubscription(ctx context.Context, subscription Subscription) error
	GetActiveSubscription(ctx context.Context, account AccountKey) (Subscription, error)
	UpsertPlan(ctx context.Context, plan Plan) error
	GetPlan(ctx context.Context, environment Environment, planID PlanID) (Plan, error)
}
