package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionIdempotency = "uniq_credit_transactions_idempotency"
	pgUniqueViolationCode            = "23505"
	errorOperationStore              = "store"
	errorSubjectBalance              = "balance"
	errorSubjectJob                  = "job"
	errorSubjectPlan                 = "plan"
	errorSubjectSchema               = "schema"
	errorSubjectSubscription         = "subscription"
	errorSubjectTransaction          = "transaction"
	errorCodeBegin                   = "begin"
	errorCodeCommit                  = "commit"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeMigrate                 = "migrate"
	errorCodeUpdate                  = "update"
	errorCodeUpsert                  = "upsert"

	sqlEnsureBalance = `
		insert into credit_balances(user_id, environment) values($1, $2)
		on conflict (user_id, environment) do nothing
	`

	sqlLockBalance = `
		select current_balance, total_earned, total_consumed,
			coalesce(extract(epoch from last_refill_at)::bigint, 0), version
		from credit_balances
		where user_id = $1 and environment = $2
		for update
	`

	sqlUpdateBalance = `
		update credit_balances
		set current_balance = $4, total_earned = $5, total_consumed = $6,
			last_refill_at = to_timestamp(nullif($7::bigint, 0)), version = $8, updated_at = now()
		where user_id = $1 and environment = $2 and version = $3
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			user_id, environment, sequence, type, amount, balance_before, balance_after,
			reference_id, reference_type, idempotency_key, description, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			coalesce(nullif($12, ''), '{}')::jsonb,
			to_timestamp($13::bigint)
		)
		returning transaction_id::text
	`

	sqlListTransactions = `
		select
			transaction_id::text, sequence, type, amount, balance_before, balance_after,
			reference_id, reference_type, idempotency_key, description,
			coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1 and environment = $2 and sequence > $3
		order by sequence asc
		limit $4
	`

	sqlInsertJob = `
		insert into generation_jobs(user_id, environment, job_id, status, credits_reserved, credits_consumed)
		values($1, $2, $3, $4, $5, $6)
		on conflict (user_id, environment, job_id) do nothing
	`

	sqlSelectJob = `
		select status, credits_reserved, credits_consumed,
			coalesce(extract(epoch from started_at)::bigint, 0),
			coalesce(extract(epoch from completed_at)::bigint, 0),
			error_message
		from generation_jobs
		where user_id = $1 and environment = $2 and job_id = $3
		for update
	`

	sqlUpdateJob = `
		update generation_jobs
		set status = $5, credits_reserved = $6, credits_consumed = $7,
			started_at = to_timestamp(nullif($8::bigint, 0)), completed_at = to_timestamp(nullif($9::bigint, 0)),
			error_message = $10, updated_at = now()
		where user_id = $1 and environment = $2 and job_id = $3 and status = $4
	`

	sqlUpsertSubscription = `
		insert into subscriptions(subscription_id, user_id, environment, plan_id, status, current_period_start, current_period_end)
		values($1, $2, $3, $4, $5, to_timestamp(nullif($6::bigint, 0)), to_timestamp(nullif($7::bigint, 0)))
		on conflict (subscription_id) do update set
			user_id = excluded.user_id,
			environment = excluded.environment,
			plan_id = excluded.plan_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			updated_at = now()
	`

	sqlSelectActiveSubscription = `
		select subscription_id, plan_id, status,
			coalesce(extract(epoch from current_period_start)::bigint, 0),
			coalesce(extract(epoch from current_period_end)::bigint, 0)
		from subscriptions
		where user_id = $1 and environment = $2 and status = 'active'
		order by current_period_start desc nulls last
		limit 1
	`

	sqlUpsertPlan = `
		insert into subscription_plans(environment, plan_id, name, monthly_credit_allowance)
		values($1, $2, $3, $4)
		on conflict (environment, plan_id) do update set
			name = excluded.name,
			monthly_credit_allowance = excluded.monthly_credit_allowance,
			updated_at = now()
	`

	sqlSelectPlan = `
		select name, monthly_credit_allowance
		from subscription_plans
		where environment = $1 and plan_id = $2
	`
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return ledger.StorageError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.StorageError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.StorageError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// LockBalance on the pool runs in its own short transaction so the row is created and read atomically.
func (store *Store) LockBalance(ctx context.Context, account ledger.AccountKey) (ledger.Balance, error) {
	var balance ledger.Balance
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var err error
		balance, err = txStore.LockBalance(ctx, account)
		return err
	})
	return balance, err
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// queries holds the statements shared by Store and TxStore.
type queries struct {
	db querier
}

func (store queries) LockBalance(ctx context.Context, account ledger.AccountKey) (ledger.Balance, error) {
	userID := account.UserID().String()
	environment := account.Environment().String()
	if _, err := store.db.Exec(ctx, sqlEnsureBalance, userID, environment); err != nil {
		return ledger.Balance{}, ledger.StorageError(errorSubjectBalance, errorCodeCreate, err)
	}
	var (
		current, earned, consumed int64
		lastRefill, version       int64
	)
	err := store.db.QueryRow(ctx, sqlLockBalance, userID, environment).Scan(&current, &earned, &consumed, &lastRefill, &version)
	if err != nil {
		return ledger.Balance{}, ledger.StorageError(errorSubjectBalance, errorCodeLock, err)
	}
	balance, err := buildBalance(account, current, earned, consumed, lastRefill, version)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store queries) UpdateBalance(ctx context.Context, balance ledger.Balance, expectedVersion int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance,
		balance.Account.UserID().String(),
		balance.Account.Environment().String(),
		expectedVersion,
		balance.CurrentBalance.Int64(),
		balance.TotalEarned.Int64(),
		balance.TotalConsumed.Int64(),
		balance.LastRefillAtUnixUTC,
		balance.Version,
	)
	if err != nil {
		return ledger.StorageError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var transactionID string
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		input.Account.UserID().String(),
		input.Account.Environment().String(),
		input.Sequence,
		input.Type.String(),
		input.Amount.Int64(),
		input.BalanceBefore.Int64(),
		input.BalanceAfter.Int64(),
		input.ReferenceID,
		input.ReferenceType.String(),
		input.IdempotencyKey.String(),
		input.Description,
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&transactionID)
	switch {
	case err == nil:
	case isIdempotencyConflict(err):
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	case isUniqueViolation(err):
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
	default:
		return ledger.Transaction{}, ledger.StorageError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return ledger.Transaction{TransactionID: transactionID, TransactionInput: input}, nil
}

func (store queries) ListTransactions(ctx context.Context, account ledger.AccountKey, afterSequence int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, account.UserID().String(), account.Environment().String(), afterSequence, limit)
	if err != nil {
		return nil, ledger.StorageError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(account, rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) CreateJob(ctx context.Context, job ledger.Job) error {
	tag, err := store.db.Exec(ctx, sqlInsertJob,
		job.Account.UserID().String(),
		job.Account.Environment().String(),
		job.JobID.String(),
		job.Status.String(),
		job.CreditsReserved.Int64(),
		job.CreditsConsumed.Int64(),
	)
	if err != nil {
		return ledger.StorageError(errorSubjectJob, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, ledger.ErrJobExists)
	}
	return nil
}

func (store queries) GetJob(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID) (ledger.Job, error) {
	var (
		statusValue        string
		reserved, consumed int64
		started, completed int64
		errorMessage       string
	)
	err := store.db.QueryRow(ctx, sqlSelectJob, account.UserID().String(), account.Environment().String(), jobID.String()).Scan(
		&statusValue,
		&reserved,
		&consumed,
		&started,
		&completed,
		&errorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, ledger.ErrJobNotFound)
		}
		return ledger.Job{}, ledger.StorageError(errorSubjectJob, errorCodeGet, err)
	}
	status, err := ledger.ParseJobStatus(statusValue)
	if err != nil {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	reservedCredits, err := ledger.NewCredits(reserved)
	if err != nil {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	consumedCredits, err := ledger.NewCredits(consumed)
	if err != nil {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return ledger.Job{
		JobID:              jobID,
		Account:            account,
		Status:             status,
		CreditsReserved:    reservedCredits,
		CreditsConsumed:    consumedCredits,
		StartedAtUnixUTC:   started,
		CompletedAtUnixUTC: completed,
		ErrorMessage:       errorMessage,
	}, nil
}

func (store queries) UpdateJob(ctx context.Context, job ledger.Job, from ledger.JobStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateJob,
		job.Account.UserID().String(),
		job.Account.Environment().String(),
		job.JobID.String(),
		from.String(),
		job.Status.String(),
		job.CreditsReserved.Int64(),
		job.CreditsConsumed.Int64(),
		job.StartedAtUnixUTC,
		job.CompletedAtUnixUTC,
		job.ErrorMessage,
	)
	if err != nil {
		return ledger.StorageError(errorSubjectJob, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, ledger.ErrJobClosed)
	}
	return nil
}

func (store queries) UpsertSubscription(ctx context.Context, subscription ledger.Subscription) error {
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		subscription.SubscriptionID.String(),
		subscription.Account.UserID().String(),
		subscription.Account.Environment().String(),
		subscription.PlanID.String(),
		subscription.Status.String(),
		subscription.CurrentPeriodStartUnixUTC,
		subscription.CurrentPeriodEndUnixUTC,
	)
	if err != nil {
		return ledger.StorageError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store queries) GetActiveSubscription(ctx context.Context, account ledger.AccountKey) (ledger.Subscription, error) {
	var (
		subscriptionValue, planValue, statusValue string
		periodStart, periodEnd                    int64
	)
	err := store.db.QueryRow(ctx, sqlSelectActiveSubscription, account.UserID().String(), account.Environment().String()).Scan(
		&subscriptionValue,
		&planValue,
		&statusValue,
		&periodStart,
		&periodEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, ledger.ErrNoActiveSubscription)
		}
		return ledger.Subscription{}, ledger.StorageError(errorSubjectSubscription, errorCodeGet, err)
	}
	subscription, err := buildSubscription(account, subscriptionValue, planValue, statusValue, periodStart, periodEnd)
	if err != nil {
		return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	return subscription, nil
}

func (store queries) UpsertPlan(ctx context.Context, plan ledger.Plan) error {
	_, err := store.db.Exec(ctx, sqlUpsertPlan,
		plan.Environment.String(),
		plan.PlanID.String(),
		plan.Name,
		plan.MonthlyCreditAllowance.Int64(),
	)
	if err != nil {
		return ledger.StorageError(errorSubjectPlan, errorCodeUpsert, err)
	}
	return nil
}

func (store queries) GetPlan(ctx context.Context, environment ledger.Environment, planID ledger.PlanID) (ledger.Plan, error) {
	var (
		name      string
		allowance int64
	)
	err := store.db.QueryRow(ctx, sqlSelectPlan, environment.String(), planID.String()).Scan(&name, &allowance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrPlanNotFound)
		}
		return ledger.Plan{}, ledger.StorageError(errorSubjectPlan, errorCodeGet, err)
	}
	allowanceCredits, err := ledger.NewCredits(allowance)
	if err != nil {
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return ledger.Plan{PlanID: planID, Environment: environment, Name: name, MonthlyCreditAllowance: allowanceCredits}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func buildBalance(account ledger.AccountKey, current, earned, consumed, lastRefill, version int64) (ledger.Balance, error) {
	currentCredits, err := ledger.NewCredits(current)
	if err != nil {
		return ledger.Balance{}, err
	}
	earnedCredits, err := ledger.NewCredits(earned)
	if err != nil {
		return ledger.Balance{}, err
	}
	consumedCredits, err := ledger.NewCredits(consumed)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Account:             account,
		CurrentBalance:      currentCredits,
		TotalEarned:         earnedCredits,
		TotalConsumed:       consumedCredits,
		LastRefillAtUnixUTC: lastRefill,
		Version:             version,
	}, nil
}

func buildSubscription(account ledger.AccountKey, subscriptionValue, planValue, statusValue string, periodStart, periodEnd int64) (ledger.Subscription, error) {
	subscriptionID, err := ledger.NewSubscriptionID(subscriptionValue)
	if err != nil {
		return ledger.Subscription{}, err
	}
	planID, err := ledger.NewPlanID(planValue)
	if err != nil {
		return ledger.Subscription{}, err
	}
	status, err := ledger.ParseSubscriptionStatus(statusValue)
	if err != nil {
		return ledger.Subscription{}, err
	}
	return ledger.Subscription{
		SubscriptionID:            subscriptionID,
		Account:                   account,
		PlanID:                    planID,
		Status:                    status,
		CurrentPeriodStartUnixUTC: periodStart,
		CurrentPeriodEndUnixUTC:   periodEnd,
	}, nil
}

type transactionRow struct {
	transactionID  string
	sequence       int64
	transactionTyp string
	amount         int64
	balanceBefore  int64
	balanceAfter   int64
	referenceID    string
	referenceType  string
	idempotencyKey string
	description    string
	metadata       string
	createdUnixUTC int64
}

func scanTransactions(account ledger.AccountKey, rows pgx.Rows) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	for rows.Next() {
		var row transactionRow
		if err := rows.Scan(
			&row.transactionID,
			&row.sequence,
			&row.transactionTyp,
			&row.amount,
			&row.balanceBefore,
			&row.balanceAfter,
			&row.referenceID,
			&row.referenceType,
			&row.idempotencyKey,
			&row.description,
			&row.metadata,
			&row.createdUnixUTC,
		); err != nil {
			return nil, err
		}
		transaction, err := buildTransaction(account, row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func buildTransaction(account ledger.AccountKey, row transactionRow) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.transactionTyp)
	if err != nil {
		return ledger.Transaction{}, err
	}
	before, err := ledger.NewCredits(row.balanceBefore)
	if err != nil {
		return ledger.Transaction{}, err
	}
	after, err := ledger.NewCredits(row.balanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.idempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(row.metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID: row.transactionID,
		TransactionInput: ledger.TransactionInput{
			Account:        account,
			Sequence:       row.sequence,
			Type:           transactionType,
			Amount:         ledger.CreditDelta(row.amount),
			BalanceBefore:  before,
			BalanceAfter:   after,
			ReferenceID:    row.referenceID,
			ReferenceType:  ledger.ReferenceType(row.referenceType),
			IdempotencyKey: idempotencyKey,
			Description:    row.description,
			Metadata:       metadata,
			CreatedUnixUTC: row.createdUnixUTC,
		},
	}, nil
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotency
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
