package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	Account        AccountKey
	JobID          JobID
	Amount         CreditDelta
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEnvironments restricts the service to the listed partitions.
func WithEnvironments(environments ...Environment) ServiceOption {
	return func(service *Service) {
		service.environments = make(map[Environment]struct{}, len(environments))
		for _, environment := range environments {
			service.environments[environment] = struct{}{}
		}
	}
}

// WithMaxAttempts bounds the optimistic retry loop used when a balance write loses a race.
func WithMaxAttempts(maxAttempts int) ServiceOption {
	return func(service *Service) {
		if maxAttempts > 0 {
			service.maxAttempts = maxAttempts
		}
	}
}
