package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Well-known environment partitions.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// Environment names an isolation partition such as sandbox or production.
type Environment struct {
	value string
}

// AccountKey scopes every balance, transaction and job to one user inside one environment.
type AccountKey struct {
	userID      UserID
	environment Environment
}

// JobID identifies a generation job.
type JobID struct {
	value string
}

// PlanID identifies a subscription plan (the billing provider's price id).
type PlanID struct {
	value string
}

// SubscriptionID identifies a billing subscription.
type SubscriptionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection within an account.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata as a JSON object.
type MetadataJSON struct {
	value string
}

// Credits is a non-negative whole number of credits.
type Credits int64

// PositiveCredits is a strictly positive whole number of credits.
type PositiveCredits int64

// CreditDelta is the signed effect of a transaction on a balance.
type CreditDelta int64

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewEnvironment validates an environment tag. Tags are lower-cased and limited to [a-z0-9_-].
func NewEnvironment(raw string) (Environment, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Environment{}, fmt.Errorf("%w: empty value", ErrInvalidEnvironment)
	}
	for _, character := range normalized {
		isLetter := character >= 'a' && character <= 'z'
		isDigit := character >= '0' && character <= '9'
		if !isLetter && !isDigit && character != '-' && character != '_' {
			return Environment{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidEnvironment, character)
		}
	}
	return Environment{value: normalized}, nil
}

// String returns the normalized tag.
func (environment Environment) String() string {
	return environment.value
}

// NewAccountKey pairs a user with an environment.
func NewAccountKey(userID UserID, environment Environment) (AccountKey, error) {
	if userID.value == "" {
		return AccountKey{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if environment.value == "" {
		return AccountKey{}, fmt.Errorf("%w: empty value", ErrInvalidEnvironment)
	}
	return AccountKey{userID: userID, environment: environment}, nil
}

// ParseAccountKey validates raw user and environment values.
func ParseAccountKey(rawUserID string, rawEnvironment string) (AccountKey, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return AccountKey{}, err
	}
	environment, err := NewEnvironment(rawEnvironment)
	if err != nil {
		return AccountKey{}, err
	}
	return NewAccountKey(userID, environment)
}

// UserID returns the account owner.
func (key AccountKey) UserID() UserID {
	return key.userID
}

// Environment returns the partition.
func (key AccountKey) Environment() Environment {
	return key.environment
}

// String renders the key as environment/user.
func (key AccountKey) String() string {
	return key.environment.value + "/" + key.userID.value
}

// NewJobID validates and normalizes a job id.
func NewJobID(raw string) (JobID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return JobID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return JobID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id JobID) String() string {
	return id.value
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlanID) String() string {
	return id.value
}

// NewSubscriptionID validates and normalizes a subscription id.
func NewSubscriptionID(raw string) (SubscriptionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SubscriptionID{}, fmt.Errorf("%w: empty value", ErrInvalidSubscriptionID)
	}
	return SubscriptionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SubscriptionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

func deriveIdempotencyKey(prefix string, parts ...string) (IdempotencyKey, error) {
	segments := append([]string{prefix}, parts...)
	return NewIdempotencyKey(strings.Join(segments, idempotencyKeyDelimiter))
}

// NewMetadataJSON validates a metadata object (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		normalized = "{}"
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(normalized), &fields); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// EmptyMetadata returns the "{}" object.
func EmptyMetadata() MetadataJSON {
	return MetadataJSON{value: "{}"}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// With returns a copy of the metadata with key set to value.
func (metadata MetadataJSON) With(key string, value any) (MetadataJSON, error) {
	fields, err := metadata.fields()
	if err != nil {
		return MetadataJSON{}, err
	}
	fields[key] = value
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// StringValue returns the non-empty string stored under key.
func (metadata MetadataJSON) StringValue(key string) (string, bool) {
	fields, err := metadata.fields()
	if err != nil {
		return "", false
	}
	value, ok := fields[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func (metadata MetadataJSON) fields() (map[string]any, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil {
		return nil, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// NewCredits validates a non-negative credit amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// ToDelta converts the amount into a credit-side delta.
func (amount Credits) ToDelta() CreditDelta {
	return CreditDelta(amount)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens the amount to Credits.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ToDelta converts the amount into a credit-side delta.
func (amount PositiveCredits) ToDelta() CreditDelta {
	return CreditDelta(amount)
}

// NewCreditDelta validates a non-zero signed adjustment.
func NewCreditDelta(raw int64) (CreditDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	if raw == math.MinInt64 {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return CreditDelta(raw), nil
}

// Int64 exposes the raw value.
func (delta CreditDelta) Int64() int64 {
	return int64(delta)
}

// Negated flips the sign.
func (delta CreditDelta) Negated() CreditDelta {
	return -delta
}

// TransactionType enumerates transaction kinds.
type TransactionType string

const (
	TransactionEarn        TransactionType = "earn"
	TransactionConsume     TransactionType = "consume"
	TransactionRefund      TransactionType = "refund"
	TransactionExpire      TransactionType = "expire"
	TransactionAdminAdjust TransactionType = "admin_adjust"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionEarn, TransactionConsume, TransactionRefund, TransactionExpire, TransactionAdminAdjust:
		return TransactionType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ReferenceType describes what a transaction's reference id points to.
type ReferenceType string

const (
	ReferenceGenerationJob         ReferenceType = "generation_job"
	ReferenceGenerationJobComplete ReferenceType = "generation_job_complete"
	ReferenceSubscriptionRefill    ReferenceType = "subscription_refill"
	ReferenceCreditPurchase        ReferenceType = "credit_purchase"
	ReferenceAdmin                 ReferenceType = "admin"
)

// String returns the stored representation.
func (referenceType ReferenceType) String() string {
	return string(referenceType)
}

// JobStatus defines the generation job lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ParseJobStatus validates a stored job status.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(strings.TrimSpace(raw)) {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, raw)
	}
}

// String returns the stored representation.
func (status JobStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the job can no longer change state.
func (status JobStatus) IsTerminal() bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// SubscriptionStatus mirrors the billing provider's subscription state.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// ParseSubscriptionStatus validates a subscription status.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	normalized := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue, SubscriptionStatusPaused, SubscriptionStatusCanceled:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionStatus, raw)
	}
}

// String returns the stored representation.
func (status SubscriptionStatus) String() string {
	return string(status)
}
