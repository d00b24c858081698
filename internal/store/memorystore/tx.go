package memorystore

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// txStore stages writes until commit. It holds the locks of every account it touched.
type txStore struct {
	root             *Store
	held             map[ledger.AccountKey]chan struct{}
	balances         map[ledger.AccountKey]ledger.Balance
	createdBalances  map[ledger.AccountKey]bool
	expectedVersions map[ledger.AccountKey]int64
	transactions     []ledger.Transaction
	createdJobs      map[jobKey]bool
	jobs             map[jobKey]ledger.Job
	expectedStatuses map[jobKey]ledger.JobStatus
	subscriptions    map[ledger.SubscriptionID]ledger.Subscription
	plans            map[planKey]ledger.Plan
}

func newTxStore(root *Store) *txStore {
	return &txStore{
		root:             root,
		held:             map[ledger.AccountKey]chan struct{}{},
		balances:         map[ledger.AccountKey]ledger.Balance{},
		createdBalances:  map[ledger.AccountKey]bool{},
		expectedVersions: map[ledger.AccountKey]int64{},
		createdJobs:      map[jobKey]bool{},
		jobs:             map[jobKey]ledger.Job{},
		expectedStatuses: map[jobKey]ledger.JobStatus{},
		subscriptions:    map[ledger.SubscriptionID]ledger.Subscription{},
		plans:            map[planKey]ledger.Plan{},
	}
}

func (transaction *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *txStore) LockBalance(ctx context.Context, account ledger.AccountKey) (ledger.Balance, error) {
	if _, held := transaction.held[account]; !held {
		lock := transaction.root.accountLock(account)
		select {
		case lock <- struct{}{}:
			transaction.held[account] = lock
		case <-ctx.Done():
			return ledger.Balance{}, ledger.StorageError(errorSubjectBalance, errorCodeLock, ctx.Err())
		}
	}
	if balance, staged := transaction.balances[account]; staged {
		return balance, nil
	}
	transaction.root.mu.Lock()
	balance, exists := transaction.root.balances[account]
	transaction.root.mu.Unlock()
	if !exists {
		balance = ledger.NewBalance(account)
		transaction.createdBalances[account] = true
	}
	transaction.balances[account] = balance
	return balance, nil
}

func (transaction *txStore) UpdateBalance(_ context.Context, balance ledger.Balance, expectedVersion int64) error {
	if _, held := transaction.held[balance.Account]; !held {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, fmt.Errorf("%w: balance not locked", ledger.ErrConcurrentUpdate))
	}
	current := transaction.balances[balance.Account]
	if current.Version != expectedVersion {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	if _, recorded := transaction.expectedVersions[balance.Account]; !recorded {
		transaction.expectedVersions[balance.Account] = expectedVersion
	}
	transaction.balances[balance.Account] = balance
	return nil
}

func (transaction *txStore) InsertTransaction(_ context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	if err := input.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	transaction.root.mu.Lock()
	committed := transaction.root.transactions[input.Account]
	transaction.root.mu.Unlock()
	if conflict := findConflict(committed, input); conflict != nil {
		return ledger.Transaction{}, conflict
	}
	if conflict := findConflict(transaction.transactions, input); conflict != nil {
		return ledger.Transaction{}, conflict
	}
	stored := ledger.Transaction{TransactionID: newTransactionID(), TransactionInput: input}
	transaction.transactions = append(transaction.transactions, stored)
	return stored, nil
}

func (transaction *txStore) ListTransactions(_ context.Context, account ledger.AccountKey, afterSequence int64, limit int) ([]ledger.Transaction, error) {
	transaction.root.mu.Lock()
	committed := append([]ledger.Transaction(nil), transaction.root.transactions[account]...)
	transaction.root.mu.Unlock()
	staged := make([]ledger.Transaction, 0, len(transaction.transactions))
	for _, candidate := range transaction.transactions {
		if candidate.Account == account {
			staged = append(staged, candidate)
		}
	}
	return pageTransactions(committed, staged, afterSequence, limit), nil
}

func (transaction *txStore) CreateJob(ctx context.Context, job ledger.Job) error {
	key := jobKey{account: job.Account, jobID: job.JobID}
	if _, err := transaction.GetJob(ctx, job.Account, job.JobID); err == nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, ledger.ErrJobExists)
	}
	transaction.jobs[key] = job
	transaction.createdJobs[key] = true
	return nil
}

func (transaction *txStore) GetJob(_ context.Context, account ledger.AccountKey, jobID ledger.JobID) (ledger.Job, error) {
	key := jobKey{account: account, jobID: jobID}
	if job, staged := transaction.jobs[key]; staged {
		return job, nil
	}
	transaction.root.mu.Lock()
	job, exists := transaction.root.jobs[key]
	transaction.root.mu.Unlock()
	if !exists {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, ledger.ErrJobNotFound)
	}
	return job, nil
}

func (transaction *txStore) UpdateJob(ctx context.Context, job ledger.Job, from ledger.JobStatus) error {
	current, err := transaction.GetJob(ctx, job.Account, job.JobID)
	if err != nil {
		return err
	}
	if current.Status != from {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, ledger.ErrJobClosed)
	}
	key := jobKey{account: job.Account, jobID: job.JobID}
	if _, recorded := transaction.expectedStatuses[key]; !recorded && !transaction.createdJobs[key] {
		transaction.expectedStatuses[key] = from
	}
	transaction.jobs[key] = job
	return nil
}

func (transaction *txStore) UpsertSubscription(_ context.Context, subscription ledger.Subscription) error {
	transaction.subscriptions[subscription.SubscriptionID] = subscription
	return nil
}

func (transaction *txStore) GetActiveSubscription(_ context.Context, account ledger.AccountKey) (ledger.Subscription, error) {
	transaction.root.mu.Lock()
	defer transaction.root.mu.Unlock()
	return activeSubscription(transaction.root.subscriptions, transaction.subscriptions, account)
}

func (transaction *txStore) UpsertPlan(_ context.Context, plan ledger.Plan) error {
	transaction.plans[planKey{environment: plan.Environment, planID: plan.PlanID}] = plan
	return nil
}

func (transaction *txStore) GetPlan(ctx context.Context, environment ledger.Environment, planID ledger.PlanID) (ledger.Plan, error) {
	if plan, staged := transaction.plans[planKey{environment: environment, planID: planID}]; staged {
		return plan, nil
	}
	return transaction.root.GetPlan(ctx, environment, planID)
}

// commit validates staged writes against committed state and publishes them atomically.
func (transaction *txStore) commit() error {
	root := transaction.root
	root.mu.Lock()
	defer root.mu.Unlock()
	for account, expectedVersion := range transaction.expectedVersions {
		if root.balances[account].Version != expectedVersion {
			return wrapStoreError(errorSubjectBalance, errorCodeCommit, ledger.ErrConcurrentUpdate)
		}
	}
	for key := range transaction.createdJobs {
		if _, exists := root.jobs[key]; exists {
			return wrapStoreError(errorSubjectJob, errorCodeCommit, ledger.ErrJobExists)
		}
	}
	for key, expectedStatus := range transaction.expectedStatuses {
		if root.jobs[key].Status != expectedStatus {
			return wrapStoreError(errorSubjectJob, errorCodeCommit, ledger.ErrJobClosed)
		}
	}
	for _, staged := range transaction.transactions {
		if conflict := findConflict(root.transactions[staged.Account], staged.TransactionInput); conflict != nil {
			return conflict
		}
	}
	for account, balance := range transaction.balances {
		if _, updated := transaction.expectedVersions[account]; updated || transaction.createdBalances[account] {
			root.balances[account] = balance
		}
	}
	for _, staged := range transaction.transactions {
		root.transactions[staged.Account] = append(root.transactions[staged.Account], staged)
	}
	for key, job := range transaction.jobs {
		root.jobs[key] = job
	}
	for subscriptionID, subscription := range transaction.subscriptions {
		root.subscriptions[subscriptionID] = subscription
	}
	for key, plan := range transaction.plans {
		root.plans[key] = plan
	}
	return nil
}

func (transaction *txStore) release() {
	for account, lock := range transaction.held {
		<-lock
		delete(transaction.held, account)
	}
}

func findConflict(existing []ledger.Transaction, input ledger.TransactionInput) error {
	for _, candidate := range existing {
		if candidate.Account != input.Account {
			continue
		}
		if candidate.IdempotencyKey == input.IdempotencyKey {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if candidate.Sequence == input.Sequence {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
		}
	}
	return nil
}
