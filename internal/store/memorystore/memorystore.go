// Package memorystore implements ledger.Store in process memory.
//
// Each account has its own lock, so transactions for different accounts never wait on each
// other. Writes are staged per transaction and validated again when they are committed.
package memorystore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/google/uuid"
)

const (
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectTransaction  = "transaction"
	errorSubjectJob          = "job"
	errorSubjectPlan         = "plan"
	errorSubjectSubscription = "subscription"
	errorCodeLock            = "lock"
	errorCodeUpdate          = "update"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeCreate          = "create"
	errorCodeCommit          = "commit"
)

type jobKey struct {
	account ledger.AccountKey
	jobID   ledger.JobID
}

type planKey struct {
	environment ledger.Environment
	planID      ledger.PlanID
}

// Store keeps committed ledger state.
type Store struct {
	mu            sync.Mutex
	accountLocks  map[ledger.AccountKey]chan struct{}
	balances      map[ledger.AccountKey]ledger.Balance
	transactions  map[ledger.AccountKey][]ledger.Transaction
	jobs          map[jobKey]ledger.Job
	subscriptions map[ledger.SubscriptionID]ledger.Subscription
	plans         map[planKey]ledger.Plan
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accountLocks:  map[ledger.AccountKey]chan struct{}{},
		balances:      map[ledger.AccountKey]ledger.Balance{},
		transactions:  map[ledger.AccountKey][]ledger.Transaction{},
		jobs:          map[jobKey]ledger.Job{},
		subscriptions: map[ledger.SubscriptionID]ledger.Subscription{},
		plans:         map[planKey]ledger.Plan{},
	}
}

// WithTx runs fn against staged state and commits it when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	transaction := newTxStore(store)
	defer transaction.release()
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	return transaction.commit()
}

func (store *Store) LockBalance(ctx context.Context, account ledger.AccountKey) (ledger.Balance, error) {
	var balance ledger.Balance
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var err error
		balance, err = txStore.LockBalance(ctx, account)
		return err
	})
	return balance, err
}

func (store *Store) UpdateBalance(ctx context.Context, balance ledger.Balance, expectedVersion int64) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.LockBalance(ctx, balance.Account); err != nil {
			return err
		}
		return txStore.UpdateBalance(ctx, balance, expectedVersion)
	})
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var transaction ledger.Transaction
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var err error
		transaction, err = txStore.InsertTransaction(ctx, input)
		return err
	})
	return transaction, err
}

func (store *Store) ListTransactions(_ context.Context, account ledger.AccountKey, afterSequence int64, limit int) ([]ledger.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return pageTransactions(store.transactions[account], nil, afterSequence, limit), nil
}

func (store *Store) CreateJob(ctx context.Context, job ledger.Job) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.CreateJob(ctx, job)
	})
}

func (store *Store) GetJob(_ context.Context, account ledger.AccountKey, jobID ledger.JobID) (ledger.Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.jobs[jobKey{account: account, jobID: jobID}]
	if !ok {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, ledger.ErrJobNotFound)
	}
	return job, nil
}

func (store *Store) UpdateJob(ctx context.Context, job ledger.Job, from ledger.JobStatus) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.UpdateJob(ctx, job, from)
	})
}

func (store *Store) UpsertSubscription(_ context.Context, subscription ledger.Subscription) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.subscriptions[subscription.SubscriptionID] = subscription
	return nil
}

func (store *Store) GetActiveSubscription(_ context.Context, account ledger.AccountKey) (ledger.Subscription, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return activeSubscription(store.subscriptions, nil, account)
}

func (store *Store) UpsertPlan(_ context.Context, plan ledger.Plan) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.plans[planKey{environment: plan.Environment, planID: plan.PlanID}] = plan
	return nil
}

func (store *Store) GetPlan(_ context.Context, environment ledger.Environment, planID ledger.PlanID) (ledger.Plan, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	plan, ok := store.plans[planKey{environment: environment, planID: planID}]
	if !ok {
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrPlanNotFound)
	}
	return plan, nil
}

func (store *Store) accountLock(account ledger.AccountKey) chan struct{} {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock, ok := store.accountLocks[account]
	if !ok {
		lock = make(chan struct{}, 1)
		store.accountLocks[account] = lock
	}
	return lock
}

func pageTransactions(committed []ledger.Transaction, staged []ledger.Transaction, afterSequence int64, limit int) []ledger.Transaction {
	merged := make([]ledger.Transaction, 0, len(committed)+len(staged))
	merged = append(merged, committed...)
	merged = append(merged, staged...)
	sort.Slice(merged, func(left, right int) bool {
		return merged[left].Sequence < merged[right].Sequence
	})
	page := make([]ledger.Transaction, 0, limit)
	for _, transaction := range merged {
		if transaction.Sequence <= afterSequence {
			continue
		}
		if len(page) == limit {
			break
		}
		page = append(page, transaction)
	}
	return page
}

func activeSubscription(committed map[ledger.SubscriptionID]ledger.Subscription, staged map[ledger.SubscriptionID]ledger.Subscription, account ledger.AccountKey) (ledger.Subscription, error) {
	var (
		found  ledger.Subscription
		exists bool
	)
	consider := func(subscription ledger.Subscription) {
		if subscription.Account != account || subscription.Status != ledger.SubscriptionStatusActive {
			return
		}
		if !exists || subscription.CurrentPeriodStartUnixUTC > found.CurrentPeriodStartUnixUTC {
			found = subscription
			exists = true
		}
	}
	for subscriptionID, subscription := range committed {
		if _, overridden := staged[subscriptionID]; overridden {
			continue
		}
		consider(subscription)
	}
	for _, subscription := range staged {
		consider(subscription)
	}
	if !exists {
		return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, ledger.ErrNoActiveSubscription)
	}
	return found, nil
}

func newTransactionID() string {
	return uuid.NewString()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
