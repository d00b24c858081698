package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// CreateJob registers a pending job so it can be reserved.
func (service *Service) CreateJob(ctx context.Context, account AccountKey, jobID JobID) (Job, error) {
	job := NewPendingJob(account, jobID)
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.store.CreateJob(ctx, job)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateJob,
		Account:   account,
		JobID:     jobID,
		Error:     operationError,
	})
	if operationError != nil {
		return Job{}, operationError
	}
	return job, nil
}

// CancelJob cancels a job that was never reserved.
func (service *Service) CancelJob(ctx context.Context, account AccountKey, jobID JobID) (Job, error) {
	var cancelled Job
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			job, err := transactionStore.GetJob(ctx, account, jobID)
			if err != nil {
				return err
			}
			if job.Status != JobStatusPending {
				return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
			}
			job.Status = JobStatusCancelled
			job.CompletedAtUnixUTC = service.nowFn()
			if err := transactionStore.UpdateJob(ctx, job, JobStatusPending); err != nil {
				return err
			}
			cancelled = job
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelJob,
		Account:   account,
		JobID:     jobID,
		Error:     operationError,
	})
	if operationError != nil {
		return Job{}, operationError
	}
	return cancelled, nil
}

// GetJob returns the ledger view of a job.
func (service *Service) GetJob(ctx context.Context, account AccountKey, jobID JobID) (Job, error) {
	if err := service.checkEnvironment(account.Environment()); err != nil {
		return Job{}, err
	}
	return service.store.GetJob(ctx, account, jobID)
}

// Grant appends an earn transaction, e.g. for purchased credits.
func (service *Service) Grant(ctx context.Context, account AccountKey, amount PositiveCredits, referenceType ReferenceType, referenceID string, idempotencyKey IdempotencyKey, description string, metadata MetadataJSON) (GrantResult, error) {
	var result GrantResult
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil {
		operationError = service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, account)
			if err != nil {
				return err
			}
			nextBalance, transaction, err := service.commitChange(ctx, transactionStore, balance, balanceChange{
				transactionType: TransactionEarn,
				amount:          amount.ToDelta(),
				earned:          amount.ToCredits(),
				referenceID:     strings.TrimSpace(referenceID),
				referenceType:   referenceType,
				idempotencyKey:  idempotencyKey,
				description:     strings.TrimSpace(description),
				metadata:        metadata,
			}, service.nowFn())
			if err != nil {
				return err
			}
			result = GrantResult{Balance: nextBalance, TransactionID: transaction.TransactionID}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		Account:        account,
		Amount:         amount.ToDelta(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// AdminAdjust applies a signed manual correction. Negative adjustments cannot overdraw.
func (service *Service) AdminAdjust(ctx context.Context, account AccountKey, delta CreditDelta, idempotencyKey IdempotencyKey, reason string, metadata MetadataJSON) (GrantResult, error) {
	var result GrantResult
	operationError := service.checkEnvironment(account.Environment())
	if operationError == nil && delta == 0 {
		operationError = fmt.Errorf("%w: adjustment must not be zero", ErrInvalidAmount)
	}
	if operationError == nil && delta == math.MinInt64 {
		operationError = fmt.Errorf("%w: adjustment out of range", ErrInvalidAmount)
	}
	if operationError == nil {
		change := balanceChange{
			transactionType: TransactionAdminAdjust,
			amount:          delta,
			referenceType:   ReferenceAdmin,
			idempotencyKey:  idempotencyKey,
			description:     strings.TrimSpace(reason),
			metadata:        metadata,
		}
		if delta > 0 {
			change.earned = Credits(delta)
		} else {
			change.consumed = Credits(delta.Negated())
		}
		operationError = service.runInTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, account)
			if err != nil {
				return err
			}
			nextBalance, transaction, err := service.commitChange(ctx, transactionStore, balance, change, service.nowFn())
			if err != nil {
				return err
			}
			result = GrantResult{Balance: nextBalance, TransactionID: transaction.TransactionID}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdminAdjust,
		Account:        account,
		Amount:         delta,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// ListTransactions pages through the transaction log in creation order.
func (service *Service) ListTransactions(ctx context.Context, account AccountKey, afterSequence int64, limit int) ([]Transaction, error) {
	if err := service.checkEnvironment(account.Environment()); err != nil {
		return nil, err
	}
	normalizedLimit, err := NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if afterSequence < 0 {
		return nil, fmt.Errorf("%w: negative cursor", ErrInvalidListLimit)
	}
	return service.store.ListTransactions(ctx, account, afterSequence, normalizedLimit)
}

// NormalizeListLimit applies the default page size and rejects oversized pages.
func NormalizeListLimit(limit int) (int, error) {
	if limit == 0 {
		return defaultListLimit, nil
	}
	if limit < 0 || limit > maxListLimit {
		return 0, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidListLimit, limit, maxListLimit)
	}
	return limit, nil
}

// Reconcile replays the account's transaction log from zero under the account lock.
func (service *Service) Reconcile(ctx context.Context, account AccountKey) (ReconciliationReport, error) {
	if err := service.checkEnvironment(account.Environment()); err != nil {
		return ReconciliationReport{}, err
	}
	var report ReconciliationReport
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.LockBalance(ctx, account)
		if err != nil {
			return err
		}
		report = ReconciliationReport{Account: account, StoredBalance: balance.CurrentBalance}
		var (
			running      int64
			lastSequence int64
		)
		for {
			page, err := transactionStore.ListTransactions(ctx, account, lastSequence, maxListLimit)
			if err != nil {
				return err
			}
			for _, transaction := range page {
				if transaction.Sequence != lastSequence+1 {
					report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("sequence gap: expected %d, found %d", lastSequence+1, transaction.Sequence))
				}
				if transaction.BalanceBefore.Int64() != running {
					report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("sequence %d: balance_before %d, replayed %d", transaction.Sequence, transaction.BalanceBefore, running))
				}
				running += transaction.Amount.Int64()
				if transaction.BalanceAfter.Int64() != running {
					report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("sequence %d: balance_after %d, replayed %d", transaction.Sequence, transaction.BalanceAfter, running))
				}
				if running < 0 {
					report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("sequence %d: negative balance %d", transaction.Sequence, running))
				}
				lastSequence = transaction.Sequence
				report.TransactionCount++
			}
			if len(page) < maxListLimit {
				break
			}
		}
		if lastSequence != balance.Version {
			report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("balance version %d, last sequence %d", balance.Version, lastSequence))
		}
		report.ReplayedBalance = Credits(running)
		if report.StoredBalance != report.ReplayedBalance {
			report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("stored balance %d, replayed %d", report.StoredBalance, running))
		}
		return nil
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	return report, nil
}

// UpsertSubscription records the billing collaborator's view of a subscription.
func (service *Service) UpsertSubscription(ctx context.Context, subscription Subscription) error {
	operationError := service.checkEnvironment(subscription.Account.Environment())
	if operationError == nil && subscription.SubscriptionID.String() == "" {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidSubscriptionID)
	}
	if operationError == nil && subscription.PlanID.String() == "" {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	if operationError == nil {
		_, operationError = ParseSubscriptionStatus(subscription.Status.String())
	}
	if operationError == nil {
		operationError = service.store.UpsertSubscription(ctx, subscription)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationUpsertSubscription,
		Account:   subscription.Account,
		Error:     operationError,
	})
	return operationError
}

// UpsertPlan registers a plan's monthly allowance for one environment.
func (service *Service) UpsertPlan(ctx context.Context, plan Plan) error {
	operationError := service.checkEnvironment(plan.Environment)
	if operationError == nil && plan.PlanID.String() == "" {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	if operationError == nil && plan.MonthlyCreditAllowance < 0 {
		operationError = fmt.Errorf("%w: negative allowance", ErrInvalidAmount)
	}
	if operationError == nil {
		operationError = service.store.UpsertPlan(ctx, plan)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationUpsertPlan,
		Amount:    plan.MonthlyCreditAllowance.ToDelta(),
		Error:     operationError,
	})
	return operationError
}
