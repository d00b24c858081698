package ledger

const (
	operationReserve            = "reserve"
	operationConsume            = "consume"
	operationRefund             = "refund"
	operationRefillMonthly      = "refill_monthly"
	operationGrant              = "grant"
	operationAdminAdjust        = "admin_adjust"
	operationCreateJob          = "create_job"
	operationCancelJob          = "cancel_job"
	operationUpsertSubscription = "upsert_subscription"
	operationUpsertPlan         = "upsert_plan"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationStore   = "store"
	errorOperationService = "service"

	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixReserve = "reserve"
	idempotencyPrefixConsume = "consume"
	idempotencyPrefixRefund  = "refund"
	idempotencyPrefixRefill  = "refill"

	defaultMaxAttempts       = 3
	defaultListLimit         = 50
	maxListLimit             = 200
	defaultJobFailureMessage = "Generation failed"

	descriptionReserveFormat = "Reserved %d credits for generation job %s"
	descriptionConsumeFormat = "Consumed %d credits for completed generation job %s"
	descriptionRefundFormat  = "Refunded %d credits for failed generation job %s"
	descriptionRefillFormat  = "Monthly credit refill: %d credits"

	metadataKeyReserved          = "reserved"
	metadataKeyConsumed          = "consumed"
	metadataKeyRefunded          = "refunded"
	metadataKeyOriginalReserved  = "original_reserved"
	metadataKeyMonthlyRefill     = "monthly_refill"
	metadataKeyPlanName          = "plan_name"
	metadataKeyMonthlyAllocation = "monthly_allocation"
	metadataKeyErrorMessage      = "error_message"
)
