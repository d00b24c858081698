package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is matched by every input validation failure.
var ErrInvalidArgument = errors.New("invalid argument")

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobExists               = errors.New("job already exists")
	ErrJobClosed               = errors.New("job closed")
	ErrJobAlreadyReserved      = errors.New("job already reserved")
	ErrJobNotReserved          = errors.New("job not reserved")
	ErrNothingToRefund         = errors.New("nothing to refund")
	ErrNoActiveSubscription    = errors.New("no active subscription")
	ErrPlanNotFound            = errors.New("plan not found")
	ErrRefillAlreadyApplied    = errors.New("refill already applied for billing period")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrConcurrentUpdate        = errors.New("concurrent balance update")
	ErrStorageFailure          = errors.New("storage failure")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// Validation errors. Each one satisfies errors.Is(err, ErrInvalidArgument).
var (
	ErrInvalidUserID             = newArgumentError("invalid user id")
	ErrInvalidEnvironment        = newArgumentError("invalid environment")
	ErrInvalidJobID              = newArgumentError("invalid job id")
	ErrInvalidPlanID             = newArgumentError("invalid plan id")
	ErrInvalidSubscriptionID     = newArgumentError("invalid subscription id")
	ErrInvalidIdempotencyKey     = newArgumentError("invalid idempotency key")
	ErrInvalidAmount             = newArgumentError("invalid amount")
	ErrCreditOverflow            = newArgumentError("credit amount overflows balance")
	ErrInvalidMetadataJSON       = newArgumentError("invalid metadata json")
	ErrInvalidTransactionType    = newArgumentError("invalid transaction type")
	ErrInvalidJobStatus          = newArgumentError("invalid job status")
	ErrInvalidSubscriptionStatus = newArgumentError("invalid subscription status")
	ErrInvalidTransaction        = newArgumentError("invalid transaction")
	ErrInvalidListLimit          = newArgumentError("invalid list limit")
)

type argumentError struct {
	message string
}

func newArgumentError(message string) error {
	return &argumentError{message: message}
}

func (argumentError *argumentError) Error() string {
	return argumentError.message
}

func (argumentError *argumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// StorageError marks err as a persistence fault and wraps it with store metadata.
func StorageError(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(errorOperationStore, subject, code, fmt.Errorf("%w: %w", ErrStorageFailure, err))
}

// ErrorCode is the machine-readable failure code reported to callers.
type ErrorCode string

const (
	CodeInvalidArgument         ErrorCode = "invalid_argument"
	CodeInsufficientCredits     ErrorCode = "insufficient_credits"
	CodeJobNotFound             ErrorCode = "job_not_found"
	CodeJobExists               ErrorCode = "job_exists"
	CodeJobClosed               ErrorCode = "job_closed"
	CodeJobAlreadyReserved      ErrorCode = "job_already_reserved"
	CodeJobNotReserved          ErrorCode = "job_not_reserved"
	CodeNothingToRefund         ErrorCode = "nothing_to_refund"
	CodeNoActiveSubscription    ErrorCode = "no_active_subscription"
	CodePlanNotFound            ErrorCode = "plan_not_found"
	CodeRefillAlreadyApplied    ErrorCode = "refill_already_applied"
	CodeDuplicateIdempotencyKey ErrorCode = "duplicate_idempotency_key"
	CodeStorageFailure          ErrorCode = "storage_failure"
)

// ErrorCodeOf classifies err. Unknown failures are reported as storage failures.
func ErrorCodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrInsufficientCredits):
		return CodeInsufficientCredits
	case errors.Is(err, ErrJobNotFound):
		return CodeJobNotFound
	case errors.Is(err, ErrJobExists):
		return CodeJobExists
	case errors.Is(err, ErrJobClosed):
		return CodeJobClosed
	case errors.Is(err, ErrJobAlreadyReserved):
		return CodeJobAlreadyReserved
	case errors.Is(err, ErrJobNotReserved):
		return CodeJobNotReserved
	case errors.Is(err, ErrNothingToRefund):
		return CodeNothingToRefund
	case errors.Is(err, ErrNoActiveSubscription):
		return CodeNoActiveSubscription
	case errors.Is(err, ErrPlanNotFound):
		return CodePlanNotFound
	case errors.Is(err, ErrRefillAlreadyApplied):
		return CodeRefillAlreadyApplied
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return CodeDuplicateIdempotencyKey
	default:
		return CodeStorageFailure
	}
}

// IsBusinessFailure reports whether err is an expected rule violation rather than a system fault.
func IsBusinessFailure(err error) bool {
	if err == nil {
		return false
	}
	return ErrorCodeOf(err) != CodeStorageFailure
}
