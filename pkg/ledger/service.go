package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Service contains the credit ledger state machine over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	logger       OperationLogger
	environments map[Environment]struct{}
	maxAttempts  int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, maxAttempts: defaultMaxAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CheckBalance returns the account balance, creating a zero balance on first access.
func (service *Service) CheckBalance(ctx context.Context, account AccountKey) (Balance, error) {
	if err := service.checkEnvironment(account.Environment()); err != nil {
		return Balance{}, err
	}
	var balance Balance
	err := service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
		lockedBalance, err := transactionStore.LockBalance(ctx, account)
		if err != nil {
			return err
		}
		balance = lockedBalance
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Reserve debits amount up front and moves a pending job to processing.
func (service *Service) Reserve(ctx context.Context, account AccountKey, jobID JobID, amount PositiveCredits, description string, metadata MetadataJSON) (JobResult, error) {
	var result JobResult
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
			nowUnixUTC := service.nowFn()
			balance, err := transactionStore.LockBalance(ctx, account)
			if err != nil {
				return err
			}
			job, err := transactionStore.GetJob(ctx, account, jobID)
			if err != nil {
				return err
			}
			switch job.Status {
			case JobStatusPending:
			case JobStatusProcessing:
				return fmt.Errorf("%w: %s", ErrJobAlreadyReserved, jobID)
			default:
				return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
			}
			entryMetadata, err := metadata.With(metadataKeyReserved, true)
			if err != nil {
				return err
			}
			idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixReserve, jobID.String())
			if err != nil {
				return err
			}
			nextBalance, transaction, err := service.commitChange(ctx, transactionStore, balance, balanceChange{
				transactionType: TransactionConsume,
				amount:          amount.ToDelta().Negated(),
				consumed:        amount.ToCredits(),
				referenceID:     jobID.String(),
				referenceType:   ReferenceGenerationJob,
				idempotencyKey:  idempotencyKey,
				description:     describe(description, descriptionReserveFormat, amount.Int64(), jobID.String()),
				metadata:        entryMetadata,
			}, nowUnixUTC)
			if err != nil {
				return err
			}
			job.Status = JobStatusProcessing
			job.CreditsReserved = amount.ToCredits()
			job.StartedAtUnixUTC = nowUnixUTC
			if err := transactionStore.UpdateJob(ctx, job, JobStatusPending); err != nil {
				return err
			}
			result = JobResult{Balance: nextBalance, Job: job, TransactionID: transaction.TransactionID}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		Account:   account,
		JobID:     jobID,
		Amount:    amount.ToDelta().Negated(),
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return JobResult{}, operationError
	}
	return result, nil
}

// Consume finalizes a processing job. Credits already moved at reservation, so only a
// zero-amount completion marker is appended. Consuming a completed job is a no-op.
func (service *Service) Consume(ctx context.Context, account AccountKey, jobID JobID, description string, metadata MetadataJSON) (JobResult, error) {
	var result JobResult
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
			nowUnixUTC := service.nowFn()
			balance, err := transactionStore.LockBalance(ctx, account)
			if err != nil {
				return err
			}
			job, err := transactionStore.GetJob(ctx, account, jobID)
			if err != nil {
				return err
			}
			switch job.Status {
			case JobStatusProcessing:
			case JobStatusCompleted:
				result = JobResult{Balance: balance, Job: job}
				return nil
			case JobStatusPending:
				return fmt.Errorf("%w: %s", ErrJobNotReserved, jobID)
			default:
				return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
			}
			entryMetadata, err := metadata.With(metadataKeyConsumed, true)
			if err != nil {
				return err
			}
			entryMetadata, err = entryMetadata.With(metadataKeyOriginalReserved, job.CreditsReserved.Int64())
			if err != nil {
				return err
			}
			idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixConsume, jobID.String())
			if err != nil {
				return err
			}
			nextBalance, transaction, err := service.commitChange(ctx, transactionStore, balance, balanceChange{
				transactionType: TransactionConsume,
				referenceID:     jobID.String(),
				referenceType:   ReferenceGenerationJobComplete,
				idempotencyKey:  idempotencyKey,
				description:     describe(description, descriptionConsumeFormat, job.CreditsReserved.Int64(), jobID.String()),
				metadata:        entryMetadata,
			}, nowUnixUTC)
			if err != nil {
				return err
			}
			job.Status = JobStatusCompleted
			job.CreditsConsumed = job.CreditsReserved
			job.CompletedAtUnixUTC = nowUnixUTC
			if err := transactionStore.UpdateJob(ctx, job, JobStatusProcessing); err != nil {
				return err
			}
			result = JobResult{Balance: nextBalance, Job: job, TransactionID: transaction.TransactionID}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		Account:   account,
		JobID:     jobID,
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return JobResult{}, operationError
	}
	return result, nil
}

// Refund returns a processing job's reservation to the balance and marks the job failed.
func (service *Service) Refund(ctx context.Context, account AccountKey, jobID JobID, description string, metadata MetadataJSON) (JobResult, error) {
	var (
		result       JobResult
		refundAmount Credits
	)
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
			nowUnixUTC := service.nowFn()
			balance, err := transactionStore.LockBalance(ctx, account)
			if err != nil {
				return err
			}
			job, err := transactionStore.GetJob(ctx, account, jobID)
			if err != nil {
				return err
			}
			if job.CreditsReserved == 0 || job.Status == JobStatusFailed {
				return fmt.Errorf("%w: %s", ErrNothingToRefund, jobID)
			}
			if job.Status != JobStatusProcessing {
				return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
			}
			refundAmount = job.CreditsReserved
			entryMetadata, err := metadata.With(metadataKeyRefunded, true)
			if err != nil {
				return err
			}
			entryMetadata, err = entryMetadata.With(metadataKeyOriginalReserved, job.CreditsReserved.Int64())
			if err != nil {
				return err
			}
			idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixRefund, jobID.String())
			if err != nil {
				return err
			}
			nextBalance, transaction, err := service.commitChange(ctx, transactionStore, balance, balanceChange{
				transactionType: TransactionRefund,
				amount:          job.CreditsReserved.ToDelta(),
				referenceID:     jobID.String(),
				referenceType:   ReferenceGenerationJob,
				idempotencyKey:  idempotencyKey,
				description:     describe(description, descriptionRefundFormat, job.CreditsReserved.Int64(), jobID.String()),
				metadata:        entryMetadata,
			}, nowUnixUTC)
			if err != nil {
				return err
			}
			errorMessage, ok := metadata.StringValue(metadataKeyErrorMessage)
			if !ok {
				errorMessage = defaultJobFailureMessage
			}
			job.Status = JobStatusFailed
			job.CompletedAtUnixUTC = nowUnixUTC
			job.ErrorMessage = errorMessage
			if err := transactionStore.UpdateJob(ctx, job, JobStatusProcessing); err != nil {
				return err
			}
			result = JobResult{Balance: nextBalance, Job: job, TransactionID: transaction.TransactionID}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		Account:   account,
		JobID:     jobID,
		Amount:    refundAmount.ToDelta(),
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return JobResult{}, operationError
	}
	return result, nil
}

// RefillMonthly adds the active plan's monthly allowance once per billing period.
func (service *Service) RefillMonthly(ctx context.Context, account AccountKey) (RefillResult, error) {
	var (
		result         RefillResult
		idempotencyKey IdempotencyKey
	)
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
			nowUnixUTC := service.nowFn()
			balance, err := transactionStore.LockBalance(ctx, account)
			if err != nil {
				return err
			}
			subscription, err := transactionStore.GetActiveSubscription(ctx, account)
			if err != nil {
				return err
			}
			plan, err := transactionStore.GetPlan(ctx, account.Environment(), subscription.PlanID)
			if err != nil {
				return err
			}
			idempotencyKey, err = deriveIdempotencyKey(idempotencyPrefixRefill, subscription.SubscriptionID.String(), billingPeriodMarker(subscription, nowUnixUTC))
			if err != nil {
				return err
			}
			entryMetadata, err := EmptyMetadata().With(metadataKeyMonthlyRefill, true)
			if err != nil {
				return err
			}
			entryMetadata, err = entryMetadata.With(metadataKeyPlanName, plan.Name)
			if err != nil {
				return err
			}
			entryMetadata, err = entryMetadata.With(metadataKeyMonthlyAllocation, plan.MonthlyCreditAllowance.Int64())
			if err != nil {
				return err
			}
			nextBalance, transaction, err := service.commitChange(ctx, transactionStore, balance, balanceChange{
				transactionType: TransactionEarn,
				amount:          plan.MonthlyCreditAllowance.ToDelta(),
				earned:          plan.MonthlyCreditAllowance,
				referenceID:     subscription.SubscriptionID.String(),
				referenceType:   ReferenceSubscriptionRefill,
				idempotencyKey:  idempotencyKey,
				description:     fmt.Sprintf(descriptionRefillFormat, plan.MonthlyCreditAllowance.Int64()),
				metadata:        entryMetadata,
				refill:          true,
			}, nowUnixUTC)
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return fmt.Errorf("%w: %s", ErrRefillAlreadyApplied, idempotencyKey)
			}
			if err != nil {
				return err
			}
			result = RefillResult{
				Balance:       nextBalance,
				CreditsAdded:  plan.MonthlyCreditAllowance,
				Plan:          plan,
				TransactionID: transaction.TransactionID,
			}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefillMonthly,
		Account:        account,
		Amount:         result.CreditsAdded.ToDelta(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return RefillResult{}, operationError
	}
	return result, nil
}

type balanceChange struct {
	transactionType TransactionType
	amount          CreditDelta
	earned          Credits
	consumed        Credits
	referenceID     string
	referenceType   ReferenceType
	idempotencyKey  IdempotencyKey
	description     string
	metadata        MetadataJSON
	refill          bool
}

// commitChange writes the next balance version and its transaction in the caller's transaction.
func (service *Service) commitChange(ctx context.Context, transactionStore Store, balance Balance, change balanceChange, nowUnixUTC int64) (Balance, Transaction, error) {
	nextBalance, err := balance.apply(change.amount, change.earned, change.consumed)
	if err != nil {
		return Balance{}, Transaction{}, err
	}
	if change.refill {
		nextBalance.LastRefillAtUnixUTC = nowUnixUTC
	}
	input := TransactionInput{
		Account:        balance.Account,
		Sequence:       nextBalance.Version,
		Type:           change.transactionType,
		Amount:         change.amount,
		BalanceBefore:  balance.CurrentBalance,
		BalanceAfter:   nextBalance.CurrentBalance,
		ReferenceID:    change.referenceID,
		ReferenceType:  change.referenceType,
		IdempotencyKey: change.idempotencyKey,
		Description:    change.description,
		Metadata:       change.metadata,
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := input.Validate(); err != nil {
		return Balance{}, Transaction{}, err
	}
	if err := transactionStore.UpdateBalance(ctx, nextBalance, balance.Version); err != nil {
		return Balance{}, Transaction{}, err
	}
	transaction, err := transactionStore.InsertTransaction(ctx, input)
	if err != nil {
		return Balance{}, Transaction{}, err
	}
	return nextBalance, transaction, nil
}

// runInTx retries fn when a balance compare-and-swap loses a race.
func (service *Service) runInTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var lastError error
	for attempt := 0; attempt < service.maxAttempts; attempt++ {
		lastError = service.store.WithTx(ctx, fn)
		if !errors.Is(lastError, ErrConcurrentUpdate) {
			return lastError
		}
		if ctx.Err() != nil {
			break
		}
	}
	return WrapError(errorOperationService, "balance", "retry_exhausted", fmt.Errorf("%w: %w", ErrStorageFailure, lastError))
}

func (service *Service) checkEnvironment(environment Environment) error {
	if environment.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidEnvironment)
	}
	if len(service.environments) == 0 {
		return nil
	}
	if _, ok := service.environments[environment]; !ok {
		return fmt.Errorf("%w: %q is not enabled", ErrInvalidEnvironment, environment.String())
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func describe(description string, format string, amount int64, jobID string) string {
	trimmed := strings.TrimSpace(description)
	if trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf(format, amount, jobID)
}

// billingPeriodMarker identifies the billing period a refill belongs to. Subscriptions
// without a reported period fall back to the calendar month of now.
func billingPeriodMarker(subscription Subscription, nowUnixUTC int64) string {
	if subscription.CurrentPeriodStartUnixUTC > 0 {
		return strconv.FormatInt(subscription.CurrentPeriodStartUnixUTC, 10)
	}
	return time.Unix(nowUnixUTC, 0).UTC().Format("2006-01")
}
