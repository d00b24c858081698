package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotency = "uniq_credit_transactions_idempotency"
	columnIdempotencyKey             = "idempotency_key"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorSubjectBalance              = "balance"
	errorSubjectTransaction          = "transaction"
	errorSubjectJob                  = "job"
	errorSubjectSubscription         = "subscription"
	errorSubjectPlan                 = "plan"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeUpdate                  = "update"
	errorCodeUpsert                  = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockBalance inserts the zero row when missing and reads it FOR UPDATE.
func (store *Store) LockBalance(ctx context.Context, account ledger.AccountKey) (ledger.Balance, error) {
	now := time.Now().UTC()
	seed := CreditBalance{
		UserID:      account.UserID().String(),
		Environment: account.Environment().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Balance{}, ledger.StorageError(errorSubjectBalance, errorCodeCreate, err)
	}
	var row CreditBalance
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND environment = ?", seed.UserID, seed.Environment).
		Take(&row).Error
	if err != nil {
		return ledger.Balance{}, ledger.StorageError(errorSubjectBalance, errorCodeLock, err)
	}
	balance, err := mapBalance(row)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) UpdateBalance(ctx context.Context, balance ledger.Balance, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ? AND environment = ? AND version = ?", balance.Account.UserID().String(), balance.Account.Environment().String(), expectedVersion).
		Updates(map[string]any{
			"current_balance": balance.CurrentBalance.Int64(),
			"total_earned":    balance.TotalEarned.Int64(),
			"total_consumed":  balance.TotalConsumed.Int64(),
			"last_refill_at":  timeFromUnix(balance.LastRefillAtUnixUTC),
			"version":         balance.Version,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return ledger.StorageError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	row := CreditTransaction{
		UserID:         input.Account.UserID().String(),
		Environment:    input.Account.Environment().String(),
		Sequence:       input.Sequence,
		Type:           input.Type.String(),
		Amount:         input.Amount.Int64(),
		BalanceBefore:  input.BalanceBefore.Int64(),
		BalanceAfter:   input.BalanceAfter.Int64(),
		ReferenceID:    input.ReferenceID,
		ReferenceType:  input.ReferenceType.String(),
		IdempotencyKey: input.IdempotencyKey.String(),
		Description:    input.Description,
		Metadata:       datatypesJSON(input.Metadata.String()),
		CreatedAt:      time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	switch {
	case err == nil:
	case isIdempotencyConflict(err):
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	case isUniqueViolation(err):
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
	default:
		return ledger.Transaction{}, ledger.StorageError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return ledger.Transaction{TransactionID: row.TransactionID, TransactionInput: input}, nil
}

func (store *Store) ListTransactions(ctx context.Context, account ledger.AccountKey, afterSequence int64, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND environment = ? AND sequence > ?", account.UserID().String(), account.Environment().String(), afterSequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, ledger.StorageError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) CreateJob(ctx context.Context, job ledger.Job) error {
	row := jobRow(job)
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return ledger.StorageError(errorSubjectJob, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, ledger.ErrJobExists)
	}
	return nil
}

func (store *Store) GetJob(ctx context.Context, account ledger.AccountKey, jobID ledger.JobID) (ledger.Job, error) {
	var row GenerationJob
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND environment = ? AND job_id = ?", account.UserID().String(), account.Environment().String(), jobID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, ledger.ErrJobNotFound)
		}
		return ledger.Job{}, ledger.StorageError(errorSubjectJob, errorCodeGet, err)
	}
	job, err := mapJob(row)
	if err != nil {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

func (store *Store) UpdateJob(ctx context.Context, job ledger.Job, from ledger.JobStatus) error {
	result := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("user_id = ? AND environment = ? AND job_id = ? AND status = ?", job.Account.UserID().String(), job.Account.Environment().String(), job.JobID.String(), from.String()).
		Updates(map[string]any{
			"status":           job.Status.String(),
			"credits_reserved": job.CreditsReserved.Int64(),
			"credits_consumed": job.CreditsConsumed.Int64(),
			"started_at":       timeFromUnix(job.StartedAtUnixUTC),
			"completed_at":     timeFromUnix(job.CompletedAtUnixUTC),
			"error_message":    job.ErrorMessage,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return ledger.StorageError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, ledger.ErrJobClosed)
	}
	return nil
}

func (store *Store) UpsertSubscription(ctx context.Context, subscription ledger.Subscription) error {
	row := Subscription{
		SubscriptionID:     subscription.SubscriptionID.String(),
		UserID:             subscription.Account.UserID().String(),
		Environment:        subscription.Account.Environment().String(),
		PlanID:             subscription.PlanID.String(),
		Status:             subscription.Status.String(),
		CurrentPeriodStart: timeFromUnix(subscription.CurrentPeriodStartUnixUTC),
		CurrentPeriodEnd:   timeFromUnix(subscription.CurrentPeriodEndUnixUTC),
		UpdatedAt:          time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "environment", "plan_id", "status", "current_period_start", "current_period_end", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return ledger.StorageError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetActiveSubscription(ctx context.Context, account ledger.AccountKey) (ledger.Subscription, error) {
	var row Subscription
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND environment = ? AND status = ?", account.UserID().String(), account.Environment().String(), ledger.SubscriptionStatusActive.String()).
		Order("current_period_start DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, ledger.ErrNoActiveSubscription)
		}
		return ledger.Subscription{}, ledger.StorageError(errorSubjectSubscription, errorCodeGet, err)
	}
	subscription, err := mapSubscription(row)
	if err != nil {
		return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	return subscription, nil
}

func (store *Store) UpsertPlan(ctx context.Context, plan ledger.Plan) error {
	row := SubscriptionPlan{
		Environment:            plan.Environment.String(),
		PlanID:                 plan.PlanID.String(),
		Name:                   plan.Name,
		MonthlyCreditAllowance: plan.MonthlyCreditAllowance.Int64(),
		UpdatedAt:              time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "environment"}, {Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "monthly_credit_allowance", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return ledger.StorageError(errorSubjectPlan, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetPlan(ctx context.Context, environment ledger.Environment, planID ledger.PlanID) (ledger.Plan, error) {
	var row SubscriptionPlan
	err := store.db.WithContext(ctx).
		Where("environment = ? AND plan_id = ?", environment.String(), planID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrPlanNotFound)
		}
		return ledger.Plan{}, ledger.StorageError(errorSubjectPlan, errorCodeGet, err)
	}
	plan, err := mapPlan(row)
	if err != nil {
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return plan, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError("store", subject, code, err)
}

func mapBalance(row CreditBalance) (ledger.Balance, error) {
	account, err := ledger.ParseAccountKey(row.UserID, row.Environment)
	if err != nil {
		return ledger.Balance{}, err
	}
	current, err := ledger.NewCredits(row.CurrentBalance)
	if err != nil {
		return ledger.Balance{}, err
	}
	earned, err := ledger.NewCredits(row.TotalEarned)
	if err != nil {
		return ledger.Balance{}, err
	}
	consumed, err := ledger.NewCredits(row.TotalConsumed)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Account:             account,
		CurrentBalance:      current,
		TotalEarned:         earned,
		TotalConsumed:       consumed,
		LastRefillAtUnixUTC: timeOrZero(row.LastRefillAt),
		Version:             row.Version,
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	account, err := ledger.ParseAccountKey(row.UserID, row.Environment)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	before, err := ledger.NewCredits(row.BalanceBefore)
	if err != nil {
		return ledger.Transaction{}, err
	}
	after, err := ledger.NewCredits(row.BalanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID: row.TransactionID,
		TransactionInput: ledger.TransactionInput{
			Account:        account,
			Sequence:       row.Sequence,
			Type:           transactionType,
			Amount:         ledger.CreditDelta(row.Amount),
			BalanceBefore:  before,
			BalanceAfter:   after,
			ReferenceID:    row.ReferenceID,
			ReferenceType:  ledger.ReferenceType(row.ReferenceType),
			IdempotencyKey: idempotencyKey,
			Description:    row.Description,
			Metadata:       metadata,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		},
	}, nil
}

func jobRow(job ledger.Job) GenerationJob {
	now := time.Now().UTC()
	return GenerationJob{
		UserID:          job.Account.UserID().String(),
		Environment:     job.Account.Environment().String(),
		JobID:           job.JobID.String(),
		Status:          job.Status.String(),
		CreditsReserved: job.CreditsReserved.Int64(),
		CreditsConsumed: job.CreditsConsumed.Int64(),
		StartedAt:       timeFromUnix(job.StartedAtUnixUTC),
		CompletedAt:     timeFromUnix(job.CompletedAtUnixUTC),
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func mapJob(row GenerationJob) (ledger.Job, error) {
	account, err := ledger.ParseAccountKey(row.UserID, row.Environment)
	if err != nil {
		return ledger.Job{}, err
	}
	jobID, err := ledger.NewJobID(row.JobID)
	if err != nil {
		return ledger.Job{}, err
	}
	status, err := ledger.ParseJobStatus(row.Status)
	if err != nil {
		return ledger.Job{}, err
	}
	reserved, err := ledger.NewCredits(row.CreditsReserved)
	if err != nil {
		return ledger.Job{}, err
	}
	consumed, err := ledger.NewCredits(row.CreditsConsumed)
	if err != nil {
		return ledger.Job{}, err
	}
	return ledger.Job{
		JobID:              jobID,
		Account:            account,
		Status:             status,
		CreditsReserved:    reserved,
		CreditsConsumed:    consumed,
		StartedAtUnixUTC:   timeOrZero(row.StartedAt),
		CompletedAtUnixUTC: timeOrZero(row.CompletedAt),
		ErrorMessage:       row.ErrorMessage,
	}, nil
}

func mapSubscription(row Subscription) (ledger.Subscription, error) {
	account, err := ledger.ParseAccountKey(row.UserID, row.Environment)
	if err != nil {
		return ledger.Subscription{}, err
	}
	subscriptionID, err := ledger.NewSubscriptionID(row.SubscriptionID)
	if err != nil {
		return ledger.Subscription{}, err
	}
	planID, err := ledger.NewPlanID(row.PlanID)
	if err != nil {
		return ledger.Subscription{}, err
	}
	status, err := ledger.ParseSubscriptionStatus(row.Status)
	if err != nil {
		return ledger.Subscription{}, err
	}
	return ledger.Subscription{
		SubscriptionID:            subscriptionID,
		Account:                   account,
		PlanID:                    planID,
		Status:                    status,
		CurrentPeriodStartUnixUTC: timeOrZero(row.CurrentPeriodStart),
		CurrentPeriodEndUnixUTC:   timeOrZero(row.CurrentPeriodEnd),
	}, nil
}

func mapPlan(row SubscriptionPlan) (ledger.Plan, error) {
	environment, err := ledger.NewEnvironment(row.Environment)
	if err != nil {
		return ledger.Plan{}, err
	}
	planID, err := ledger.NewPlanID(row.PlanID)
	if err != nil {
		return ledger.Plan{}, err
	}
	allowance, err := ledger.NewCredits(row.MonthlyCreditAllowance)
	if err != nil {
		return ledger.Plan{}, err
	}
	return ledger.Plan{PlanID: planID, Environment: environment, Name: row.Name, MonthlyCreditAllowance: allowance}, nil
}

func timeFromUnix(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotency
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), columnIdempotencyKey)
	}
	return false
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
