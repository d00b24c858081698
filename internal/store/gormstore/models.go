package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table. The version column backs the
// compare-and-swap in UpdateBalance.
type CreditBalance struct {
	UserID         string     `gorm:"primaryKey"`
	Environment    string     `gorm:"primaryKey"`
	CurrentBalance int64      `gorm:"not null;default:0"`
	TotalEarned    int64      `gorm:"not null;default:0"`
	TotalConsumed  int64      `gorm:"not null;default:0"`
	LastRefillAt   *time.Time `gorm:""`
	Version        int64      `gorm:"not null;default:0"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:uniq_credit_transactions_sequence,unique,priority:1;index:uniq_credit_transactions_idempotency,unique,priority:1"`
	Environment    string         `gorm:"not null;index:uniq_credit_transactions_sequence,unique,priority:2;index:uniq_credit_transactions_idempotency,unique,priority:2"`
	Sequence       int64          `gorm:"not null;index:uniq_credit_transactions_sequence,unique,priority:3"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceBefore  int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	ReferenceID    string         `gorm:"not null;default:'';index:idx_credit_transactions_reference"`
	ReferenceType  string         `gorm:"not null;default:''"`
	IdempotencyKey string         `gorm:"not null;index:uniq_credit_transactions_idempotency,unique,priority:3"`
	Description    string         `gorm:"not null;default:''"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// GenerationJob mirrors the generation_jobs table.
type GenerationJob struct {
	UserID          string     `gorm:"primaryKey"`
	Environment     string     `gorm:"primaryKey"`
	JobID           string     `gorm:"primaryKey"`
	Status          string     `gorm:"not null;index"`
	CreditsReserved int64      `gorm:"not null;default:0"`
	CreditsConsumed int64      `gorm:"not null;default:0"`
	StartedAt       *time.Time `gorm:""`
	CompletedAt     *time.Time `gorm:""`
	ErrorMessage    string     `gorm:"not null;default:''"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// Subscription mirrors the subscriptions table written by the billing webhook.
type Subscription struct {
	SubscriptionID     string     `gorm:"primaryKey"`
	UserID             string     `gorm:"not null;index:idx_subscriptions_account,priority:1"`
	Environment        string     `gorm:"not null;index:idx_subscriptions_account,priority:2"`
	PlanID             string     `gorm:"not null"`
	Status             string     `gorm:"not null"`
	CurrentPeriodStart *time.Time `gorm:""`
	CurrentPeriodEnd   *time.Time `gorm:""`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionPlan mirrors the subscription_plans reference table.
type SubscriptionPlan struct {
	Environment            string    `gorm:"primaryKey"`
	PlanID                 string    `gorm:"primaryKey"`
	Name                   string    `gorm:"not null;default:''"`
	MonthlyCreditAllowance int64     `gorm:"not null;default:0"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditBalance{},
		&CreditTransaction{},
		&GenerationJob{},
		&Subscription{},
		&SubscriptionPlan{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
