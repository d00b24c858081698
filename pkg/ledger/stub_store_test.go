package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

const (
	stubMethodInsertTransaction = "InsertTransaction"
	stubMethodUpdateJob         = "UpdateJob"
	stubMethodLockBalance       = "LockBalance"
)

type stubState struct {
	balances          map[AccountKey]Balance
	transactions      map[AccountKey][]Transaction
	jobs              map[string]Job
	subscriptions     map[string]Subscription
	plans             map[string]Plan
	nextTransactionID int
}

func (state *stubState) clone() *stubState {
	copied := &stubState{
		balances:          make(map[AccountKey]Balance, len(state.balances)),
		transactions:      make(map[AccountKey][]Transaction, len(state.transactions)),
		jobs:              make(map[string]Job, len(state.jobs)),
		subscriptions:     make(map[string]Subscription, len(state.subscriptions)),
		plans:             make(map[string]Plan, len(state.plans)),
		nextTransactionID: state.nextTransactionID,
	}
	for key, value := range state.balances {
		copied.balances[key] = value
	}
	for key, value := range state.transactions {
		copied.transactions[key] = append([]Transaction(nil), value...)
	}
	for key, value := range state.jobs {
		copied.jobs[key] = value
	}
	for key, value := range state.subscriptions {
		copied.subscriptions[key] = value
	}
	for key, value := range state.plans {
		copied.plans[key] = value
	}
	return copied
}

// stubStore serializes every transaction behind one mutex and restores a snapshot on failure.
type stubStore struct {
	mu        *sync.Mutex
	state     **stubState
	inTx      bool
	failOn    map[string]error
	conflicts *int
	lockCalls *int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	state := &stubState{
		balances:      map[AccountKey]Balance{},
		transactions:  map[AccountKey][]Transaction{},
		jobs:          map[string]Job{},
		subscriptions: map[string]Subscription{},
		plans:         map[string]Plan{},
	}
	conflicts := 0
	lockCalls := 0
	return &stubStore{mu: &sync.Mutex{}, state: &state, failOn: map[string]error{}, conflicts: &conflicts, lockCalls: &lockCalls}
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := (*store.state).clone()
	transactionStore := *store
	transactionStore.inTx = true
	if err := fn(ctx, &transactionStore); err != nil {
		*store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) LockBalance(_ context.Context, account AccountKey) (Balance, error) {
	defer store.guard()()
	*store.lockCalls++
	if err := store.failOn[stubMethodLockBalance]; err != nil {
		return Balance{}, err
	}
	state := *store.state
	balance, ok := state.balances[account]
	if !ok {
		balance = NewBalance(account)
		state.balances[account] = balance
	}
	return balance, nil
}

func (store *stubStore) UpdateBalance(_ context.Context, balance Balance, expectedVersion int64) error {
	defer store.guard()()
	if *store.conflicts > 0 {
		*store.conflicts--
		return ErrConcurrentUpdate
	}
	state := *store.state
	current := state.balances[balance.Account]
	if current.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	state.balances[balance.Account] = balance
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	defer store.guard()()
	if err := store.failOn[stubMethodInsertTransaction]; err != nil {
		return Transaction{}, err
	}
	state := *store.state
	for _, existing := range state.transactions[input.Account] {
		if existing.IdempotencyKey == input.IdempotencyKey {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}
	state.nextTransactionID++
	transaction := Transaction{TransactionID: fmt.Sprintf("txn-%d", state.nextTransactionID), TransactionInput: input}
	state.transactions[input.Account] = append(state.transactions[input.Account], transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(_ context.Context, account AccountKey, afterSequence int64, limit int) ([]Transaction, error) {
	defer store.guard()()
	page := []Transaction{}
	for _, transaction := range (*store.state).transactions[account] {
		if transaction.Sequence > afterSequence && len(page) < limit {
			page = append(page, transaction)
		}
	}
	return page, nil
}

func (store *stubStore) CreateJob(_ context.Context, job Job) error {
	defer store.guard()()
	key := stubJobKey(job.Account, job.JobID)
	if _, exists := (*store.state).jobs[key]; exists {
		return ErrJobExists
	}
	(*store.state).jobs[key] = job
	return nil
}

func (store *stubStore) GetJob(_ context.Context, account AccountKey, jobID JobID) (Job, error) {
	defer store.guard()()
	job, ok := (*store.state).jobs[stubJobKey(account, jobID)]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (store *stubStore) UpdateJob(_ context.Context, job Job, from JobStatus) error {
	defer store.guard()()
	if err := store.failOn[stubMethodUpdateJob]; err != nil {
		return err
	}
	key := stubJobKey(job.Account, job.JobID)
	current, ok := (*store.state).jobs[key]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status != from {
		return ErrJobClosed
	}
	(*store.state).jobs[key] = job
	return nil
}

func (store *stubStore) UpsertSubscription(_ context.Context, subscription Subscription) error {
	defer store.guard()()
	(*store.state).subscriptions[subscription.SubscriptionID.String()] = subscription
	return nil
}

func (store *stubStore) GetActiveSubscription(_ context.Context, account AccountKey) (Subscription, error) {
	defer store.guard()()
	var (
		found  Subscription
		exists bool
	)
	for _, subscription := range (*store.state).subscriptions {
		if subscription.Account != account || subscription.Status != SubscriptionStatusActive {
			continue
		}
		if !exists || subscription.CurrentPeriodStartUnixUTC > found.CurrentPeriodStartUnixUTC {
			found = subscription
			exists = true
		}
	}
	if !exists {
		return Subscription{}, ErrNoActiveSubscription
	}
	return found, nil
}

func (store *stubStore) UpsertPlan(_ context.Context, plan Plan) error {
	defer store.guard()()
	(*store.state).plans[plan.Environment.String()+"/"+plan.PlanID.String()] = plan
	return nil
}

func (store *stubStore) GetPlan(_ context.Context, environment Environment, planID PlanID) (Plan, error) {
	defer store.guard()()
	plan, ok := (*store.state).plans[environment.String()+"/"+planID.String()]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return plan, nil
}

func (store *stubStore) balance(test *testing.T, account AccountKey) Balance {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*store.state).balances[account]
}

func (store *stubStore) balanceRows() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len((*store.state).balances)
}

func (store *stubStore) transactionsFor(account AccountKey) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]Transaction(nil), (*store.state).transactions[account]...)
}

func (store *stubStore) job(test *testing.T, account AccountKey, jobID JobID) Job {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := (*store.state).jobs[stubJobKey(account, jobID)]
	if !ok {
		test.Fatalf("job %s not found", jobID)
	}
	return job
}

func stubJobKey(account AccountKey, jobID JobID) string {
	return account.String() + "/" + jobID.String()
}

type failingStore struct {
	*stubStore
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{stubStore: newStubStore(test), err: err}
}

func (store *failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) CreateJob(context.Context, Job) error {
	return store.err
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustEnvironment(test *testing.T, raw string) Environment {
	test.Helper()
	environment, err := NewEnvironment(raw)
	if err != nil {
		test.Fatalf("environment: %v", err)
	}
	return environment
}

func mustAccount(test *testing.T, rawUserID string, rawEnvironment string) AccountKey {
	test.Helper()
	account, err := ParseAccountKey(rawUserID, rawEnvironment)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return account
}

func mustJobID(test *testing.T, raw string) JobID {
	test.Helper()
	jobID, err := NewJobID(raw)
	if err != nil {
		test.Fatalf("job id: %v", err)
	}
	return jobID
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	planID, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	return planID
}

func mustSubscriptionID(test *testing.T, raw string) SubscriptionID {
	test.Helper()
	subscriptionID, err := NewSubscriptionID(raw)
	if err != nil {
		test.Fatalf("subscription id: %v", err)
	}
	return subscriptionID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

// seedBalance grants the opening balance through the service so the log stays consistent.
func seedBalance(test *testing.T, service *Service, account AccountKey, amount int64) {
	test.Helper()
	if amount == 0 {
		return
	}
	key := mustIdempotencyKey(test, fmt.Sprintf("seed:%s:%d", account, amount))
	if _, err := service.Grant(context.Background(), account, mustPositiveCredits(test, amount), ReferenceCreditPurchase, "seed", key, "", EmptyMetadata()); err != nil {
		test.Fatalf("seed balance: %v", err)
	}
}

func mustCreateJob(test *testing.T, service *Service, account AccountKey, rawJobID string) JobID {
	test.Helper()
	jobID := mustJobID(test, rawJobID)
	if _, err := service.CreateJob(context.Background(), account, jobID); err != nil {
		test.Fatalf("create job: %v", err)
	}
	return jobID
}
